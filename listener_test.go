package archbridge

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runningListener struct {
	*Listener
	channel string
	done    chan struct{}
	err     error // valid once done is closed
}

func startListener(t *testing.T, cfg ListenerConfig) *runningListener {
	t.Helper()
	if cfg.Channel == "" {
		cfg.Channel = uniqueChannel(t)
	}
	cfg.Logger = quietLogger()

	ctx, cancel := context.WithCancel(context.Background())
	l := NewListener(cfg, NewCalculatorService(cancel))
	rl := &runningListener{Listener: l, channel: cfg.Channel, done: make(chan struct{})}
	go func() {
		rl.err = l.Serve(ctx)
		close(rl.done)
	}()

	select {
	case <-l.Ready():
	case <-rl.done:
		cancel()
		t.Fatalf("listener failed to start: %v", rl.err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("listener not ready")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-rl.done:
		case <-time.After(5 * time.Second):
		}
	})
	return rl
}

func liveClient(t *testing.T, channel string, mutate ...func(*ClientConfig)) *Client {
	t.Helper()
	cfg := DefaultClientConfig()
	cfg.Channel = channel
	cfg.StartIfMissing = false
	cfg.ProbeTimeout = time.Second
	cfg.Logger = quietLogger()
	cfg.Supervisor.SearchRoots = []string{t.TempDir()}
	for _, m := range mutate {
		m(&cfg)
	}
	c := NewClient(cfg)
	t.Cleanup(func() { _ = c.Dispose(context.Background()) })
	return c
}

// droppingDialer dials real sockets and, while drops is positive, cuts the
// connection under an outgoing call without saying bye
type droppingDialer struct {
	dial  Dialer
	drops atomic.Int32
}

func newDroppingDialer() *droppingDialer {
	return &droppingDialer{dial: DialZMQ(nil)}
}

func (d *droppingDialer) Dial(ctx context.Context, endpoint string) (Channel, error) {
	ch, err := d.dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return &droppingChannel{Channel: ch, d: d}, nil
}

type droppingChannel struct {
	Channel
	d *droppingDialer
}

func (c *droppingChannel) Send(data []byte) error {
	if msg, err := Unpack(data); err == nil && msg.Type == string(MessageTypeCall) && c.d.drops.Add(-1) >= 0 {
		_ = c.Channel.Close()
		return fmt.Errorf("%w: connection dropped", ErrChannelClosed)
	}
	return c.Channel.Send(data)
}

func TestListener_ServesClients(t *testing.T) {
	skipIfShort(t)
	rl := startListener(t, ListenerConfig{})
	ctx := context.Background()

	t.Run("connect-only client", func(t *testing.T) {
		c := liveClient(t, rl.channel)
		require.NoError(t, c.EnsureConnected(ctx, false))

		info, err := c.GetPlatformInfo(ctx)
		require.NoError(t, err)
		assert.Contains(t, info, runtime.GOOS)

		sum, err := c.Add(ctx, 2, 2)
		require.NoError(t, err)
		assert.Equal(t, int32(4), sum)

		wi, ok := c.WorkerInfo()
		require.True(t, ok)
		assert.Equal(t, os.Getpid(), wi.PID)
		assert.Equal(t, runtime.GOARCH, wi.Arch)

		require.NoError(t, c.Dispose(ctx))
		assert.Equal(t, StateClosed, c.State())
	})

	t.Run("worker keeps serving after a client leaves", func(t *testing.T) {
		require.Eventually(t, func() bool {
			_, active := rl.ActivePeer()
			return !active
		}, 2*time.Second, 20*time.Millisecond)

		c := liveClient(t, rl.channel)
		sum, err := c.Add(ctx, 40, 2)
		require.NoError(t, err)
		assert.Equal(t, int32(42), sum)
		assert.GreaterOrEqual(t, rl.SessionsServed(), int64(2))
	})
}

func TestListener_SingleSession(t *testing.T) {
	skipIfShort(t)
	rl := startListener(t, ListenerConfig{})
	ctx := context.Background()

	first := liveClient(t, rl.channel)
	require.NoError(t, first.EnsureConnected(ctx, false))

	second := liveClient(t, rl.channel)
	err := second.EnsureConnected(ctx, false)
	assert.ErrorIs(t, err, ErrChannelUnavailable)
	assert.ErrorIs(t, err, ErrHandshake)
	assert.ErrorContains(t, err, "worker busy")

	require.NoError(t, first.Dispose(ctx))
	require.Eventually(t, func() bool {
		_, active := rl.ActivePeer()
		return !active
	}, 2*time.Second, 20*time.Millisecond)
	require.NoError(t, second.EnsureConnected(ctx, false))
	sum, err := second.Add(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(3), sum)
}

func TestClient_ReconnectsToLiveWorker(t *testing.T) {
	skipIfShort(t)
	rl := startListener(t, ListenerConfig{})
	ctx := context.Background()

	dd := newDroppingDialer()
	c := liveClient(t, rl.channel, func(cfg *ClientConfig) { cfg.Dialer = dd.Dial })
	require.NoError(t, c.EnsureConnected(ctx, false))

	t.Run("unannounced disconnect between calls", func(t *testing.T) {
		h := c.current()
		require.NotNil(t, h)
		require.NoError(t, h.disp.ch.Close())

		sum, err := c.Add(ctx, 2, 2)
		require.NoError(t, err)
		assert.Equal(t, int32(4), sum)
	})

	t.Run("fault mid-call is retried once", func(t *testing.T) {
		before := c.Metrics().Snapshot()
		dd.drops.Store(1)

		sum, err := c.Add(ctx, 20, 22)
		require.NoError(t, err)
		assert.Equal(t, int32(42), sum)

		after := c.Metrics().Snapshot()
		assert.Equal(t, 1, after.CallRetries-before.CallRetries)
		assert.Greater(t, after.Reconnects, before.Reconnects)
	})

	t.Run("second fault fails the call promptly", func(t *testing.T) {
		dd.drops.Store(2)

		start := time.Now()
		_, err := c.Add(ctx, 1, 1)
		var ce *CallError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, 2, ce.Attempts)
		assert.ErrorIs(t, err, ErrChannelClosed)
		assert.Less(t, time.Since(start), 2*time.Second)

		sum, err := c.Add(ctx, 1, 1)
		require.NoError(t, err)
		assert.Equal(t, int32(2), sum)
	})

	assert.Equal(t, int64(1), rl.SessionsServed(), "every reconnect resumed the same session")
}

func TestListener_IdleSessionExpires(t *testing.T) {
	skipIfShort(t)
	rl := startListener(t, ListenerConfig{SessionIdleTimeout: 300 * time.Millisecond})
	ctx := context.Background()

	silent := liveClient(t, rl.channel, func(cfg *ClientConfig) { cfg.HeartbeatInterval = 0 })
	require.NoError(t, silent.EnsureConnected(ctx, false))
	_, active := rl.ActivePeer()
	require.True(t, active)

	require.Eventually(t, func() bool {
		_, active := rl.ActivePeer()
		return !active
	}, 3*time.Second, 20*time.Millisecond)

	next := liveClient(t, rl.channel)
	require.NoError(t, next.EnsureConnected(ctx, false))
}

func TestListener_HeartbeatsKeepSessionAlive(t *testing.T) {
	skipIfShort(t)
	rl := startListener(t, ListenerConfig{SessionIdleTimeout: 400 * time.Millisecond})
	ctx := context.Background()

	c := liveClient(t, rl.channel, func(cfg *ClientConfig) {
		cfg.HeartbeatInterval = 100 * time.Millisecond
		cfg.HeartbeatTimeout = 200 * time.Millisecond
	})
	require.NoError(t, c.EnsureConnected(ctx, false))

	time.Sleep(time.Second)
	_, active := rl.ActivePeer()
	assert.True(t, active)
	assert.Positive(t, c.Metrics().Snapshot().HeartbeatRttLastMs)
}

func TestListener_Exclusive(t *testing.T) {
	skipIfShort(t)
	rl := startListener(t, ListenerConfig{})

	other := NewListener(ListenerConfig{Channel: rl.channel, Logger: quietLogger()}, NewCalculatorService(func() {}))
	err := other.Serve(context.Background())
	assert.ErrorIs(t, err, ErrListenerBusy)

	c := liveClient(t, rl.channel)
	_, err = c.Add(context.Background(), 1, 1)
	assert.NoError(t, err, "the first listener is unaffected")
}

func TestListener_ShutdownStopsServe(t *testing.T) {
	skipIfShort(t)
	rl := startListener(t, ListenerConfig{})
	ctx := context.Background()

	c := liveClient(t, rl.channel)
	require.NoError(t, c.EnsureConnected(ctx, false))
	require.NoError(t, c.Shutdown(ctx))

	waitClosed(t, rl.done, 5*time.Second)
	assert.NoError(t, rl.err)

	path, ok := socketPath(Endpoint(rl.channel))
	require.True(t, ok)
	assert.NoFileExists(t, path)

	err := c.EnsureConnected(ctx, false)
	assert.ErrorIs(t, err, ErrChannelUnavailable)
}

func TestClient_SpawnsWorker(t *testing.T) {
	skipIfShort(t)
	exe, err := os.Executable()
	require.NoError(t, err)
	t.Setenv(envHelperMode, "worker")
	t.Setenv(EnvWorkerPath, exe)

	channel := uniqueChannel(t)
	dd := newDroppingDialer()
	sup := NewSupervisor(SupervisorConfig{
		SearchRoots: []string{t.TempDir()},
		Channel:     channel,
		ExitWait:    2 * time.Second,
		Logger:      quietLogger(),
	})
	c := liveClient(t, channel, func(cfg *ClientConfig) {
		cfg.StartIfMissing = true
		cfg.ProbeTimeout = 100 * time.Millisecond
		cfg.ConnectWindow = 10 * time.Second
		cfg.Spawner = sup
		cfg.Dialer = dd.Dial
	})
	ctx := context.Background()

	sum, err := c.Add(ctx, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(4), sum)

	info, ok := c.WorkerInfo()
	require.True(t, ok)
	assert.Equal(t, sup.PID(), info.PID)
	assert.Equal(t, 1, c.Metrics().Snapshot().Spawns)

	// A dropped connection to the running worker reconnects without a
	// new spawn or a wait for the connect window
	dd.drops.Store(1)
	start := time.Now()
	sum, err = c.Add(ctx, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, int32(7), sum)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, c.Metrics().Snapshot().Spawns)

	exited := sup.Exited()
	require.NotNil(t, exited)
	require.NoError(t, c.Dispose(ctx))
	waitClosed(t, exited, 3*time.Second)
	assert.Zero(t, sup.PID())
}
