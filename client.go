package archbridge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/semaphore"
)

// ClientConfig configures a Client. Zero durations take their defaults.
type ClientConfig struct {
	// Channel is a channel name or a full endpoint; empty uses EnvChannel
	// or DefaultChannelName
	Channel string

	// StartIfMissing lets Call spawn the worker when none answers
	StartIfMissing bool

	ProbeTimeout   time.Duration // first quick connect attempt
	AttemptTimeout time.Duration // each attempt after a spawn
	ConnectWindow  time.Duration // overall budget after a spawn
	Backoff        BackoffConfig // pause between attempts

	NotifyTimeout   time.Duration
	ShutdownTimeout time.Duration

	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	HeartbeatMaxMisses int

	// Dialer and Spawner replace the ZeroMQ dialer and the process
	// supervisor built from Supervisor
	Dialer     Dialer
	Spawner    Spawner
	Supervisor SupervisorConfig

	Metrics *Metrics
	Logger  *logrus.Entry
}

// DefaultClientConfig returns the standard connection settings
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		StartIfMissing:     true,
		ProbeTimeout:       200 * time.Millisecond,
		AttemptTimeout:     500 * time.Millisecond,
		ConnectWindow:      5 * time.Second,
		Backoff:            DefaultBackoff(),
		NotifyTimeout:      500 * time.Millisecond,
		ShutdownTimeout:    500 * time.Millisecond,
		HeartbeatInterval:  time.Second,
		HeartbeatTimeout:   time.Second,
		HeartbeatMaxMisses: 3,
		Supervisor:         DefaultSupervisorConfig(),
	}
}

func (cfg *ClientConfig) applyDefaults() {
	def := DefaultClientConfig()
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.ConnectWindow <= 0 {
		cfg.ConnectWindow = def.ConnectWindow
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = def.NotifyTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.HeartbeatMaxMisses <= 0 {
		cfg.HeartbeatMaxMisses = def.HeartbeatMaxMisses
	}
}

// channelHandle is one live channel with its dispatcher. It is replaced
// wholesale on reconnect.
type channelHandle struct {
	disp *Dispatcher
	info WorkerInfo
}

// Client is the connection manager: it finds or launches the worker, keeps
// at most one live channel to it and proxies Calculator calls over it.
type Client struct {
	cfg      ClientConfig
	log      *logrus.Entry
	id       string // sent in every hello; stable across reconnects
	endpoint string
	dial     Dialer
	spawner  Spawner
	metrics  *Metrics
	rng      *rand.Rand // used only under connLock

	// connLock makes connect and spawn single-flight
	connLock *semaphore.Weighted

	mu     sync.Mutex
	handle *channelHandle
	state  atomic.Int32

	closed      atomic.Bool
	closeCtx    context.Context // cancelled by Dispose to cut a connect window short
	closeCancel context.CancelFunc
	disposeOnce sync.Once
}

// NewClient creates a disconnected client. Nothing is dialed or spawned
// until the first call.
func NewClient(cfg ClientConfig) *Client {
	cfg.applyDefaults()
	if cfg.Logger == nil {
		cfg.Logger = componentLogger("client")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(0)
	}

	name := cfg.Channel
	if name == "" {
		name = ChannelNameFromEnv("")
	}
	endpoint := Endpoint(name)

	dial := cfg.Dialer
	if dial == nil {
		dial = DialZMQ(stdLogger(cfg.Logger))
	}
	spawner := cfg.Spawner
	if spawner == nil {
		sc := cfg.Supervisor
		if sc.Channel == "" {
			sc.Channel = name
		}
		if sc.Logger == nil {
			sc.Logger = cfg.Logger.WithField("component", "supervisor")
		}
		spawner = NewSupervisor(sc)
	}

	id := uuid.NewString()
	c := &Client{
		cfg:      cfg,
		log:      cfg.Logger.WithFields(logrus.Fields{"endpoint": endpoint, "client_id": id}),
		id:       id,
		endpoint: endpoint,
		dial:     dial,
		spawner:  spawner,
		metrics:  cfg.Metrics,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		connLock: semaphore.NewWeighted(1),
	}
	c.closeCtx, c.closeCancel = context.WithCancel(context.Background())
	c.state.Store(int32(StateDisconnected))
	return c
}

// State returns the channel state
func (c *Client) State() State {
	return State(c.state.Load())
}

// Metrics returns the client's metrics collector
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// Endpoint returns the endpoint the client dials
func (c *Client) Endpoint() string {
	return c.endpoint
}

// WorkerInfo returns what the connected worker reported in its handshake
func (c *Client) WorkerInfo() (WorkerInfo, bool) {
	h := c.current()
	if h == nil {
		return WorkerInfo{}, false
	}
	return h.info, true
}

// setState moves to s unless the client is already closed
func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if State(c.state.Load()) != StateClosed {
		c.state.Store(int32(s))
	}
}

// current returns the live handle, if any
func (c *Client) current() *channelHandle {
	c.mu.Lock()
	h := c.handle
	c.mu.Unlock()
	if h != nil && h.disp.Alive() {
		return h
	}
	return nil
}

// discard drops h if it is still the current handle
func (c *Client) discard(h *channelHandle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != h {
		return false
	}
	c.handle = nil
	if State(c.state.Load()) != StateClosed {
		c.state.Store(int32(StateDisconnected))
	}
	return true
}

// reset closes h and forgets it
func (c *Client) reset(h *channelHandle) {
	c.discard(h)
	_ = h.disp.Close()
}

// watch marks the client disconnected when h faults on its own
func (c *Client) watch(h *channelHandle) {
	<-h.disp.Done()
	if c.discard(h) {
		c.log.WithError(h.disp.Err()).Warn("channel lost")
	}
}

// EnsureConnected returns once a live channel exists. Without a
// running worker it fails with ErrChannelUnavailable, or, when
// startIfMissing is set, spawns the worker and retries until the connect
// window closes.
func (c *Client) EnsureConnected(ctx context.Context, startIfMissing bool) error {
	_, err := c.connected(ctx, startIfMissing)
	return err
}

func (c *Client) connected(ctx context.Context, startIfMissing bool) (*channelHandle, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if h := c.current(); h != nil {
		return h, nil
	}
	return c.connect(ctx, startIfMissing)
}

// connect runs one connect sequence under the connection lock. Callers that
// queued behind another sequence reuse its channel.
func (c *Client) connect(ctx context.Context, startIfMissing bool) (*channelHandle, error) {
	if err := c.connLock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.connLock.Release(1)

	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if h := c.current(); h != nil {
		return h, nil
	}

	c.setState(StateConnecting)
	h, err := c.establish(ctx, startIfMissing)
	if err != nil {
		c.setState(StateDisconnected)
		return nil, err
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		_ = h.disp.Close()
		return nil, ErrClientClosed
	}
	c.handle = h
	c.state.Store(int32(StateConnected))
	c.mu.Unlock()

	c.metrics.RecordConnect()
	go c.watch(h)
	c.log.WithFields(logrus.Fields{
		"worker_pid":     h.info.PID,
		"worker_arch":    h.info.Arch,
		"worker_version": h.info.Version,
	}).Info("connected to worker")
	return h, nil
}

// establish probes once, then optionally spawns and retries
func (c *Client) establish(ctx context.Context, startIfMissing bool) (*channelHandle, error) {
	attempts := 1
	h, err := c.attempt(ctx, c.cfg.ProbeTimeout)
	if err == nil {
		return h, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("connect cancelled: %w", ctxErr)
	}
	if !startIfMissing {
		return nil, &ConnectError{Kind: ErrChannelUnavailable, Attempts: attempts, Err: err}
	}

	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	spawned, spawnErr := c.spawner.SpawnIfNeeded(ctx)
	if spawned && c.closed.Load() {
		// Dispose ran without the lock and may have missed this worker
		c.spawner.Terminate(context.Background())
		return nil, ErrClientClosed
	}
	if spawnErr != nil {
		if errors.Is(spawnErr, ErrWorkerNotFound) {
			return nil, &ConnectError{Kind: ErrWorkerNotFound, Attempts: attempts, Err: spawnErr}
		}
		return nil, &ConnectError{Kind: ErrChannelUnavailable, Attempts: attempts, Err: spawnErr}
	}
	if spawned {
		c.metrics.RecordSpawn()
	}
	exited := c.spawner.Exited()

	windowCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectWindow)
	defer cancel()
	stop := context.AfterFunc(c.closeCtx, cancel)
	defer stop()

	lastErr := err
	for retry := 1; ; retry++ {
		if err := sleepCtx(windowCtx, NextBackoffDelay(c.cfg.Backoff, retry, c.rng)); err != nil {
			break
		}
		select {
		case <-exited:
			return nil, &ConnectError{
				Kind:     ErrConnectTimeout,
				Attempts: attempts,
				Err:      fmt.Errorf("%w: last connect error: %v", ErrWorkerExited, lastErr),
			}
		default:
		}
		if c.closed.Load() {
			return nil, ErrClientClosed
		}

		attempts++
		h, err := c.attempt(windowCtx, c.cfg.AttemptTimeout)
		if err == nil {
			return h, nil
		}
		lastErr = err
		c.log.WithError(err).WithField("attempt", attempts).Debug("connect attempt failed")
	}

	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("connect cancelled: %w", ctxErr)
	}
	return nil, &ConnectError{Kind: ErrConnectTimeout, Attempts: attempts, Err: lastErr}
}

// attempt dials once and completes the handshake within timeout. A failed
// attempt leaves nothing open.
func (c *Client) attempt(ctx context.Context, timeout time.Duration) (*channelHandle, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.metrics.RecordConnectAttempt()
	ch, err := c.dial(actx, c.endpoint)
	if err != nil {
		return nil, err
	}

	disp := NewDispatcher(ch, DispatcherConfig{
		HeartbeatInterval:  c.cfg.HeartbeatInterval,
		HeartbeatTimeout:   c.cfg.HeartbeatTimeout,
		HeartbeatMaxMisses: c.cfg.HeartbeatMaxMisses,
		ClientID:           c.id,
		Metrics:            c.metrics,
		Logger:             c.log.WithField("component", "dispatcher"),
	})
	info, err := disp.Handshake(actx)
	if err != nil {
		_ = disp.Close()
		return nil, err
	}
	return &channelHandle{disp: disp, info: info}, nil
}

// Call invokes method on the worker, connecting first (and spawning if
// StartIfMissing is set). A channel fault triggers exactly one
// reconnect-and-retry; a second fault fails the call with *CallError.
func (c *Client) Call(ctx context.Context, method string, args ...any) (msgpack.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	start := c.metrics.StartCall()
	result, err := c.call(ctx, method, args)
	c.metrics.EndCall(start, err == nil)
	return result, err
}

func (c *Client) call(ctx context.Context, method string, args []any) (msgpack.RawMessage, error) {
	h, err := c.connected(ctx, c.cfg.StartIfMissing)
	if err != nil {
		return nil, err
	}

	result, err := h.disp.Invoke(ctx, method, args...)
	if err == nil || !IsTransient(err) {
		return result, err
	}

	c.log.WithError(err).WithField("method", method).Warn("channel fault during call, reconnecting")
	c.metrics.RecordRetry()
	c.reset(h)

	h, err = c.connected(ctx, c.cfg.StartIfMissing)
	if err != nil {
		return nil, &CallError{Method: method, Attempts: 1, Err: err}
	}
	result, err = h.disp.Invoke(ctx, method, args...)
	if err != nil && IsTransient(err) {
		c.reset(h)
		return nil, &CallError{Method: method, Attempts: 2, Err: err}
	}
	return result, err
}

// CallAs invokes method and decodes the result into T
func CallAs[T any](ctx context.Context, c *Client, method string, args ...any) (T, error) {
	var out T
	raw, err := c.Call(ctx, method, args...)
	if err != nil {
		return out, err
	}
	if err := msgpack.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: result of '%s': %v", ErrMalformedPayload, method, err)
	}
	return out, nil
}

// Notify sends a fire-and-forget message within NotifyTimeout. It may
// connect to a running worker but never spawns one. Failures are logged and
// dropped.
func (c *Client) Notify(method string, args ...any) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.NotifyTimeout)
	defer cancel()

	if err := c.notify(ctx, method, args); err != nil {
		c.log.WithError(err).WithField("method", method).Debug("notification dropped")
	}
}

func (c *Client) notify(ctx context.Context, method string, args []any) error {
	h, err := c.connected(ctx, false)
	if err != nil {
		return err
	}
	return h.disp.Notify(ctx, method, args...)
}

// Add returns a+b computed by the worker
func (c *Client) Add(ctx context.Context, a, b int32) (int32, error) {
	return CallAs[int32](ctx, c, MethodAdd, a, b)
}

// GetPlatformInfo returns the worker's description of itself
func (c *Client) GetPlatformInfo(ctx context.Context) (string, error) {
	return CallAs[string](ctx, c, MethodGetPlatformInfo)
}

// Shutdown asks the worker to stop, bounded by ShutdownTimeout, then drops
// the local channel. It always succeeds.
func (c *Client) Shutdown(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, c.cfg.ShutdownTimeout)
	defer cancel()

	if err := c.notify(sctx, MethodShutdown, nil); err != nil {
		c.log.WithError(err).Debug("shutdown notification failed")
	}
	if h := c.current(); h != nil {
		c.reset(h)
	}
	return nil
}

// Dispose tears the client down: the worker is told to shut down and, if
// this client started it, waited for and killed with its process tree if it
// lingers. A worker the client merely connected to keeps running. Dispose
// is idempotent and never fails.
func (c *Client) Dispose(ctx context.Context) error {
	c.disposeOnce.Do(func() {
		c.closed.Store(true)
		c.closeCancel()

		// An in-flight connect gives up at its next attempt boundary. If ctx
		// ends first, teardown goes ahead unlocked and establish terminates
		// any worker it spawns after this point.
		if c.connLock.Acquire(ctx, 1) == nil {
			defer c.connLock.Release(1)
		}

		owned := c.spawner.Owned()

		c.mu.Lock()
		h := c.handle
		c.handle = nil
		c.state.Store(int32(StateClosed))
		c.mu.Unlock()

		if h != nil {
			if owned && h.disp.Alive() {
				sctx, scancel := context.WithTimeout(ctx, c.cfg.ShutdownTimeout)
				if err := h.disp.Notify(sctx, MethodShutdown); err != nil {
					c.log.WithError(err).Debug("shutdown notification failed")
				}
				scancel()
			}
			_ = h.disp.Close()
		}

		if owned {
			c.spawner.Terminate(ctx)
		}
		c.log.Info("client disposed")
	})
	return nil
}

var _ Calculator = (*Client)(nil)
