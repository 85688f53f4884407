package archbridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	filemutex "github.com/alexflint/go-filemutex"
	"github.com/sirupsen/logrus"
)

// ListenerConfig configures the worker side of the channel
type ListenerConfig struct {
	// Channel is a channel name or a full endpoint; empty uses EnvChannel
	// or DefaultChannelName
	Channel string

	// SessionIdleTimeout ends a session whose peer has sent nothing, not even
	// a heartbeat, for this long
	SessionIdleTimeout time.Duration

	// DrainTimeout bounds the wait for in-flight handlers on shutdown
	DrainTimeout time.Duration

	Logger *logrus.Entry
}

// Listener serves a handler over the well-known channel, one client session
// at a time, until its context is cancelled.
type Listener struct {
	cfg      ListenerConfig
	endpoint string
	table    *MethodTable
	log      *logrus.Entry

	router *routerEndpoint
	ready  chan struct{}

	mu      sync.Mutex
	session *session
	served  atomic.Int64
}

// session is the one client being served. peer is the routing identity of
// its current connection; client is the id from its hello and survives
// reconnects.
type session struct {
	peer     string
	client   string
	started  time.Time
	lastSeen time.Time
}

// NewListener creates a listener dispatching onto handler's exported methods
func NewListener(cfg ListenerConfig, handler any) *Listener {
	if cfg.SessionIdleTimeout <= 0 {
		cfg.SessionIdleTimeout = 5 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = componentLogger("listener")
	}
	endpoint := Endpoint(ChannelNameFromEnv(cfg.Channel))
	if cfg.Channel != "" {
		endpoint = Endpoint(cfg.Channel)
	}

	return &Listener{
		cfg:      cfg,
		endpoint: endpoint,
		table:    NewMethodTable(handler),
		log:      cfg.Logger.WithField("endpoint", endpoint),
		ready:    make(chan struct{}),
	}
}

// Endpoint returns the endpoint the listener binds
func (l *Listener) Endpoint() string {
	return l.endpoint
}

// Ready is closed once the listener accepts connections
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

// SessionsServed counts the client sessions adopted so far
func (l *Listener) SessionsServed() int64 {
	return l.served.Load()
}

// ActivePeer returns the identity of the current session's peer, if any
func (l *Listener) ActivePeer() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil {
		return "", false
	}
	return l.session.peer, true
}

// Serve binds the endpoint and serves until ctx is cancelled. It returns nil
// on cancellation and ErrListenerBusy if another listener owns the channel.
func (l *Listener) Serve(ctx context.Context) error {
	unlock, err := l.lockEndpoint()
	if err != nil {
		return err
	}
	defer unlock()

	router, err := listenRouter(ctx, l.endpoint, stdLogger(l.log))
	if err != nil {
		return err
	}
	l.router = router
	close(l.ready)
	l.log.WithFields(logrus.Fields{"pid": os.Getpid(), "arch": runtime.GOARCH}).Info("worker listening")

	go func() {
		<-ctx.Done()
		_ = router.close()
	}()
	go l.idleLoop(ctx)

	var wg sync.WaitGroup
	for {
		in, err := router.recv()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			l.log.WithError(err).Error("receive error")
			if sleepCtx(ctx, 10*time.Millisecond) != nil {
				break
			}
			continue
		}
		l.handleMessage(ctx, in, &wg)
	}

	l.drain(&wg)
	l.endSession("", "listener stopped")
	if path, ok := socketPath(l.endpoint); ok {
		_ = os.Remove(path)
	}
	l.log.Info("worker stopped")
	return nil
}

// lockEndpoint takes the single-instance lock for ipc endpoints and clears
// a stale socket left by a worker that died without cleaning up
func (l *Listener) lockEndpoint() (func(), error) {
	path, ok := socketPath(l.endpoint)
	if !ok {
		return func() {}, nil
	}

	m, err := filemutex.New(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("failed to create lock for %s: %w", path, err)
	}
	if err := m.TryLock(); err != nil {
		_ = m.Close()
		if errors.Is(err, filemutex.AlreadyLocked) {
			return nil, fmt.Errorf("%w: %s", ErrListenerBusy, l.endpoint)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		_ = m.Unlock()
		_ = m.Close()
		return nil, fmt.Errorf("failed to remove stale socket %s: %w", path, err)
	}

	return func() {
		_ = m.Unlock()
		_ = m.Close()
	}, nil
}

func (l *Listener) drain(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(l.cfg.DrainTimeout):
		l.log.Warn("in-flight handlers did not finish before shutdown")
	}
}

// handleMessage processes an incoming message
func (l *Listener) handleMessage(ctx context.Context, in inbound, wg *sync.WaitGroup) {
	msg, err := Unpack(in.data)
	if err != nil {
		l.log.WithError(err).Warn("failed to unpack message")
		return
	}
	if msg.App != AppName {
		return
	}

	switch msg.Type {
	case string(MessageTypeHello):
		l.handleHello(in.peer, msg)
	case string(MessageTypeHeartbeat):
		if !l.touch(in.peer) {
			return
		}
		var originalTs float64
		if msg.Metadata != nil {
			originalTs, _ = msg.Metadata[metaHBTimestamp].(float64)
		}
		l.reply(in.peer, CreateHeartbeatResponse(msg.ID, originalTs))
	case string(MessageTypeBye):
		l.endSession(in.peer, "peer disconnected")
	case string(MessageTypeCall):
		if !l.touch(in.peer) {
			l.reply(in.peer, CreateError("no active session: handshake required", msg.ID))
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.handleCall(ctx, in.peer, msg)
		}()
	case string(MessageTypeNotify):
		if !l.touch(in.peer) {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.table.Handle(ctx, msg.Method, msg.Args); err != nil {
				l.log.WithError(err).WithField("method", msg.Method).Warn("notification failed")
			}
		}()
	}
}

// handleHello adopts the sender as the session owner unless another
// client's session is live. A hello from the session's own client on a new
// connection moves the session onto that connection.
func (l *Listener) handleHello(peer string, msg *Message) {
	now := time.Now()
	client := helloClient(msg, peer)

	l.mu.Lock()
	s := l.session
	if s != nil && s.client != client && now.Sub(s.lastSeen) < l.cfg.SessionIdleTimeout {
		l.mu.Unlock()
		l.reply(peer, CreateError("worker busy: another client session is active", msg.ID))
		return
	}
	switch {
	case s == nil || s.client != client:
		if s != nil {
			l.log.WithField("duration", now.Sub(s.started)).Info("idle session replaced")
		}
		l.session = &session{peer: peer, client: client, started: now}
		l.served.Add(1)
		l.log.WithField("session", l.served.Load()).Info("session started")
	case s.peer != peer:
		s.peer = peer
		l.log.WithField("session", l.served.Load()).Info("session resumed on a new connection")
	}
	l.session.lastSeen = now
	l.mu.Unlock()

	l.reply(peer, CreateHelloAck(msg.ID, WorkerInfo{
		Version: Version,
		PID:     os.Getpid(),
		Arch:    runtime.GOARCH,
	}))
}

// touch refreshes the session if peer owns it
func (l *Listener) touch(peer string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session == nil || l.session.peer != peer {
		return false
	}
	l.session.lastSeen = time.Now()
	return true
}

// endSession ends the current session; an empty peer ends it unconditionally
func (l *Listener) endSession(peer, reason string) {
	l.mu.Lock()
	s := l.session
	if s == nil || (peer != "" && s.peer != peer) {
		l.mu.Unlock()
		return
	}
	l.session = nil
	l.mu.Unlock()

	l.log.WithFields(logrus.Fields{"reason": reason, "duration": time.Since(s.started)}).Info("session ended")
}

// idleLoop ends sessions whose peer went silent
func (l *Listener) idleLoop(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SessionIdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		l.mu.Lock()
		s := l.session
		expired := s != nil && time.Since(s.lastSeen) >= l.cfg.SessionIdleTimeout
		l.mu.Unlock()
		if expired {
			l.endSession(s.peer, "idle timeout")
		}
	}
}

// handleCall runs one call and sends its response
func (l *Listener) handleCall(ctx context.Context, peer string, msg *Message) {
	result, err := l.table.Handle(ctx, msg.Method, msg.Args)
	if err != nil {
		l.reply(peer, CreateError(err.Error(), msg.ID))
		return
	}
	response, err := CreateResponse(result, msg.ID)
	if err != nil {
		l.reply(peer, CreateError(err.Error(), msg.ID))
		return
	}
	l.reply(peer, response)
}

// reply sends a message with ROUTER envelope
func (l *Listener) reply(peer string, msg *Message) {
	data, err := msg.Pack()
	if err != nil {
		l.log.WithError(err).Error("failed to pack response")
		return
	}
	if err := l.router.send(peer, data); err != nil {
		l.log.WithError(err).Warn("failed to send response")
	}
}
