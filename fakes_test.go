package archbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// quietLogger keeps test output readable
func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("component", "test")
}

// pipeChannel is one end of an in-memory Channel pair
type pipeChannel struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
	peer   *pipeChannel
}

func newPipe() (*pipeChannel, *pipeChannel) {
	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)
	a := &pipeChannel{in: b2a, out: a2b, closed: make(chan struct{})}
	b := &pipeChannel{in: a2b, out: b2a, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *pipeChannel) Send(data []byte) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	case <-c.peer.closed:
		return fmt.Errorf("%w: peer gone", ErrChannelClosed)
	case c.out <- data:
		return nil
	}
}

// Recv drains messages the peer sent before closing, like a socket would
func (c *pipeChannel) Recv() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, ErrChannelClosed
	default:
	}
	select {
	case data := <-c.in:
		return data, nil
	default:
	}

	select {
	case <-c.closed:
		return nil, ErrChannelClosed
	case data := <-c.in:
		return data, nil
	case <-c.peer.closed:
		select {
		case data := <-c.in:
			return data, nil
		default:
		}
		return nil, io.EOF
	}
}

func (c *pipeChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeWorker answers the worker side of a pipe with a MethodTable
type fakeWorker struct {
	table   *MethodTable
	info    WorkerInfo
	helloFn func(msg *Message) *Message

	ignoreHeartbeats atomic.Bool
	// breakCalls is the number of upcoming calls answered by closing the channel
	breakCalls atomic.Int32
	// silentCalls makes calls go unanswered
	silentCalls atomic.Bool

	notified chan string
}

func newFakeWorker(handler any) *fakeWorker {
	return &fakeWorker{
		table:    NewMethodTable(handler),
		info:     WorkerInfo{Version: Version, PID: 4242, Arch: "386"},
		notified: make(chan string, 16),
	}
}

func (w *fakeWorker) reply(ch Channel, msg *Message) {
	data, err := msg.Pack()
	if err != nil {
		return
	}
	_ = ch.Send(data)
}

// serve runs until the channel closes or a bye arrives
func (w *fakeWorker) serve(ch Channel) {
	defer ch.Close()
	for {
		data, err := ch.Recv()
		if err != nil {
			return
		}
		msg, err := Unpack(data)
		if err != nil {
			continue
		}

		switch msg.Type {
		case string(MessageTypeHello):
			if w.helloFn != nil {
				w.reply(ch, w.helloFn(msg))
				continue
			}
			w.reply(ch, CreateHelloAck(msg.ID, w.info))
		case string(MessageTypeHeartbeat):
			if !w.ignoreHeartbeats.Load() {
				w.reply(ch, CreateHeartbeatResponse(msg.ID, 0))
			}
		case string(MessageTypeBye):
			return
		case string(MessageTypeNotify):
			select {
			case w.notified <- msg.Method:
			default:
			}
			_, _ = w.table.Handle(context.Background(), msg.Method, msg.Args)
		case string(MessageTypeCall):
			if w.breakCalls.Load() > 0 {
				w.breakCalls.Add(-1)
				return
			}
			if w.silentCalls.Load() {
				continue
			}
			go func(msg *Message) {
				result, err := w.table.Handle(context.Background(), msg.Method, msg.Args)
				if err != nil {
					w.reply(ch, CreateError(err.Error(), msg.ID))
					return
				}
				resp, err := CreateResponse(result, msg.ID)
				if err != nil {
					w.reply(ch, CreateError(err.Error(), msg.ID))
					return
				}
				w.reply(ch, resp)
			}(msg)
		}
	}
}

var errRefused = errors.New("connection refused")

// fakeNet is a Dialer whose reachability the test controls
type fakeNet struct {
	worker *fakeWorker
	up     atomic.Bool
	dials  atomic.Int32
	conns  atomic.Int32
}

func newFakeNet(handler any) *fakeNet {
	return &fakeNet{worker: newFakeWorker(handler)}
}

func (n *fakeNet) Dial(ctx context.Context, endpoint string) (Channel, error) {
	n.dials.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !n.up.Load() {
		return nil, fmt.Errorf("dial %s: %w", endpoint, errRefused)
	}
	client, server := newPipe()
	n.conns.Add(1)
	go n.worker.serve(server)
	return client, nil
}

// fakeSpawner brings the fakeNet up some time after a spawn
type fakeSpawner struct {
	net      *fakeNet
	upAfter  time.Duration
	neverUp  bool
	exitFast bool
	notFound bool

	spawns     atomic.Int32
	terminated atomic.Int32
	owned      atomic.Bool

	mu      sync.Mutex
	running bool
	exited  chan struct{}
}

func (s *fakeSpawner) SpawnIfNeeded(ctx context.Context) (bool, error) {
	if s.notFound {
		return false, fmt.Errorf("%w: test", ErrWorkerNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false, nil
	}

	s.spawns.Add(1)
	s.running = true
	s.owned.Store(true)
	s.exited = make(chan struct{})
	switch {
	case s.exitFast:
		s.running = false
		close(s.exited)
	case s.neverUp:
	default:
		go func() {
			time.Sleep(s.upAfter)
			s.net.up.Store(true)
		}()
	}
	return true, nil
}

func (s *fakeSpawner) Exited() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

func (s *fakeSpawner) Owned() bool {
	return s.owned.Load()
}

func (s *fakeSpawner) Terminate(ctx context.Context) {
	s.terminated.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.running = false
		s.net.up.Store(false)
		close(s.exited)
	}
}

// testClientConfig wires a client to fakes with short timings
func testClientConfig(n *fakeNet, sp Spawner) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.Channel = "archbridge-test"
	cfg.Dialer = n.Dial
	cfg.Spawner = sp
	cfg.HeartbeatInterval = 0
	cfg.ProbeTimeout = 50 * time.Millisecond
	cfg.AttemptTimeout = 100 * time.Millisecond
	cfg.ConnectWindow = time.Second
	cfg.Backoff = BackoffConfig{InitialDelay: 20 * time.Millisecond, Multiplier: 1}
	cfg.Logger = quietLogger()
	return cfg
}

// testService is a handler with failure modes on top of the calculator
type testService struct {
	*CalculatorService
	stopped atomic.Bool
}

func newTestService() *testService {
	s := &testService{}
	s.CalculatorService = NewCalculatorService(func() { s.stopped.Store(true) })
	return s
}

func (s *testService) Fail() error {
	return errors.New("boom")
}

func (s *testService) Echo(n int64) int64 {
	time.Sleep(time.Duration(n%5) * time.Millisecond)
	return n
}
