package archbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

// DispatcherConfig holds the liveness settings of a Dispatcher
type DispatcherConfig struct {
	// HeartbeatInterval <= 0 disables heartbeats
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	HeartbeatMaxMisses int

	// ClientID is sent in the hello so the worker recognizes a reconnecting
	// host as the owner of its existing session
	ClientID string

	Metrics *Metrics
	Logger  *logrus.Entry
}

// Dispatcher correlates requests and responses over one Channel. It owns the
// channel: once it faults or is closed, the channel is closed too and every
// pending call fails with the fault.
type Dispatcher struct {
	ch  Channel
	cfg DispatcherConfig
	log *logrus.Entry

	sendMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *Message
	err     error
	done    chan struct{}
	info    WorkerInfo
}

// NewDispatcher attaches a dispatcher to ch and starts reading from it
func NewDispatcher(ch Channel, cfg DispatcherConfig) *Dispatcher {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = time.Second
	}
	if cfg.HeartbeatMaxMisses <= 0 {
		cfg.HeartbeatMaxMisses = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = componentLogger("dispatcher")
	}

	d := &Dispatcher{
		ch:      ch,
		cfg:     cfg,
		log:     cfg.Logger,
		pending: make(map[string]chan *Message),
		done:    make(chan struct{}),
	}
	go d.readLoop()
	return d
}

// readLoop routes every inbound message to the call waiting for its id
func (d *Dispatcher) readLoop() {
	for {
		data, err := d.ch.Recv()
		if err != nil {
			d.fault(channelErr(err))
			return
		}

		msg, err := Unpack(data)
		if err != nil {
			d.log.WithError(err).Warn("dropping undecodable message")
			continue
		}
		if msg.App != AppName || msg.ID == "" {
			continue
		}

		d.mu.Lock()
		reply, ok := d.pending[msg.ID]
		if ok {
			delete(d.pending, msg.ID)
		}
		d.mu.Unlock()

		if ok {
			reply <- msg
		} else {
			d.log.WithField("id", msg.ID).Debug("reply for unknown or abandoned request")
		}
	}
}

// channelErr classifies a raw channel error as a stream-closed fault
func channelErr(err error) error {
	if errors.Is(err, ErrChannelClosed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrChannelClosed, err)
}

// fault records the first terminal error, wakes every waiter and closes the channel
func (d *Dispatcher) fault(err error) {
	d.mu.Lock()
	if d.err != nil {
		d.mu.Unlock()
		return
	}
	d.err = err
	d.pending = make(map[string]chan *Message)
	close(d.done)
	d.mu.Unlock()

	if !errors.Is(err, ErrDispatcherClosed) {
		d.log.WithError(err).Warn("channel faulted")
	}
	_ = d.ch.Close()
}

// send packs and writes one message
func (d *Dispatcher) send(msg *Message) error {
	data, err := msg.Pack()
	if err != nil {
		return fmt.Errorf("failed to pack message: %w", err)
	}

	d.sendMu.Lock()
	err = d.ch.Send(data)
	d.sendMu.Unlock()
	if err != nil {
		d.fault(channelErr(err))
		return d.Err()
	}
	return nil
}

// roundTrip sends msg and waits for the message carrying the same id
func (d *Dispatcher) roundTrip(ctx context.Context, msg *Message) (*Message, error) {
	reply := make(chan *Message, 1)

	d.mu.Lock()
	if d.err != nil {
		err := d.err
		d.mu.Unlock()
		return nil, err
	}
	d.pending[msg.ID] = reply
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, msg.ID)
		d.mu.Unlock()
	}()

	if err := d.send(msg); err != nil {
		return nil, err
	}

	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.done:
		// A reply may have landed just before the fault
		select {
		case r := <-reply:
			return r, nil
		default:
		}
		return nil, d.Err()
	}
}

// Handshake performs the hello exchange and, on success, starts heartbeats.
func (d *Dispatcher) Handshake(ctx context.Context) (WorkerInfo, error) {
	reply, err := d.roundTrip(ctx, CreateHello(d.cfg.ClientID))
	if err != nil {
		return WorkerInfo{}, err
	}

	switch reply.Type {
	case string(MessageTypeHello):
	case string(MessageTypeError):
		return WorkerInfo{}, fmt.Errorf("%w: %s", ErrHandshake, reply.Error)
	default:
		return WorkerInfo{}, fmt.Errorf("%w: unexpected reply type '%s'", ErrHandshake, reply.Type)
	}

	info := workerInfoFrom(reply)
	if err := checkWorkerVersion(info.Version); err != nil {
		return info, err
	}

	d.mu.Lock()
	d.info = info
	d.mu.Unlock()

	if d.cfg.HeartbeatInterval > 0 {
		go d.heartbeatLoop()
	}
	return info, nil
}

// checkWorkerVersion accepts workers of the same major version that are not
// older than MinWorkerVersion
func checkWorkerVersion(raw string) error {
	wv, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("%w: invalid worker version '%s'", ErrHandshake, raw)
	}
	cv := semver.MustParse(Version)
	minVersion := semver.MustParse(MinWorkerVersion)

	// Prerelease tags do not affect compatibility
	clean, _ := semver.NewVersion(fmt.Sprintf("%d.%d.%d", wv.Major(), wv.Minor(), wv.Patch()))

	if clean.Major() != cv.Major() {
		return fmt.Errorf("%w: worker version %s is not compatible with client %s", ErrHandshake, raw, Version)
	}
	if clean.LessThan(minVersion) {
		return fmt.Errorf("%w: worker version %s is less than minimum required version %s", ErrHandshake, raw, MinWorkerVersion)
	}
	return nil
}

// Info returns what the worker reported during the handshake
func (d *Dispatcher) Info() WorkerInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// Invoke calls method on the worker and returns its msgpack-encoded result.
// Remote handler failures come back as *RemoteCallError.
func (d *Dispatcher) Invoke(ctx context.Context, method string, args ...any) (msgpack.RawMessage, error) {
	reply, err := d.roundTrip(ctx, CreateCall(method, args))
	if err != nil {
		return nil, err
	}

	switch reply.Type {
	case string(MessageTypeResponse):
		return reply.Result, nil
	case string(MessageTypeError):
		return nil, &RemoteCallError{Method: method, Message: reply.Error}
	default:
		return nil, fmt.Errorf("%w: unexpected reply type '%s' for '%s'", ErrMalformedPayload, reply.Type, method)
	}
}

// Notify sends a message the worker never answers
func (d *Dispatcher) Notify(ctx context.Context, method string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.Err(); err != nil {
		return err
	}
	return d.send(CreateNotify(method, args))
}

// Ping performs one heartbeat round trip
func (d *Dispatcher) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	reply, err := d.roundTrip(ctx, CreateHeartbeat())
	if err != nil {
		return 0, err
	}
	if reply.Type != string(MessageTypeHeartbeat) {
		return 0, fmt.Errorf("%w: unexpected heartbeat reply type '%s'", ErrMalformedPayload, reply.Type)
	}
	return time.Since(start), nil
}

// heartbeatLoop faults the dispatcher after HeartbeatMaxMisses consecutive misses
func (d *Dispatcher) heartbeatLoop() {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.HeartbeatTimeout)
		rtt, err := d.Ping(ctx)
		cancel()

		if err == nil {
			misses = 0
			if d.cfg.Metrics != nil {
				d.cfg.Metrics.RecordHeartbeatRtt(float64(rtt) / float64(time.Millisecond))
			}
			continue
		}
		if d.Err() != nil {
			return
		}

		misses++
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.RecordHeartbeatMiss()
		}
		d.log.WithFields(logrus.Fields{"misses": misses, "max": d.cfg.HeartbeatMaxMisses}).Warn("heartbeat missed")
		if misses >= d.cfg.HeartbeatMaxMisses {
			d.fault(fmt.Errorf("%w: %d consecutive heartbeats missed", ErrConnectionLost, misses))
			return
		}
	}
}

// Done is closed once the dispatcher has faulted or been closed
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Err returns the terminal error, or nil while the dispatcher is live
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Alive reports whether the dispatcher can still carry calls
func (d *Dispatcher) Alive() bool {
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

// Close ends the session with a best-effort bye and releases the channel.
// Calls still pending fail with ErrDispatcherClosed.
func (d *Dispatcher) Close() error {
	if d.Alive() {
		if data, err := CreateBye().Pack(); err == nil {
			d.sendMu.Lock()
			_ = d.ch.Send(data)
			d.sendMu.Unlock()
		}
	}
	d.fault(ErrDispatcherClosed)
	return nil
}
