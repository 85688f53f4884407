package archbridge

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	zmq "github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
)

// DefaultChannelName is the well-known channel both ends agree on
const DefaultChannelName = "archbridge"

// EnvChannel overrides the channel name; the supervisor sets it for the
// worker it spawns.
const EnvChannel = "ARCHBRIDGE_CHANNEL"

// Channel is a message-framed, bidirectional local stream. Each Send is one
// discrete message and each Recv returns one.
type Channel interface {
	Send(data []byte) error
	Recv() ([]byte, error)
	Close() error
}

// Dialer opens the client end of a channel. It must give up when ctx is done
// and must not leave a half-open channel behind.
type Dialer func(ctx context.Context, endpoint string) (Channel, error)

// Endpoint maps a channel name onto a ZeroMQ endpoint. Names that already
// carry a transport scheme are returned unchanged.
func Endpoint(name string) string {
	if name == "" {
		name = DefaultChannelName
	}
	if strings.Contains(name, "://") {
		return name
	}
	return "ipc://" + filepath.Join(os.TempDir(), name+".sock")
}

// ChannelNameFromEnv returns the configured channel name or def
func ChannelNameFromEnv(def string) string {
	if v := strings.TrimSpace(os.Getenv(EnvChannel)); v != "" {
		return v
	}
	if def == "" {
		return DefaultChannelName
	}
	return def
}

// socketPath returns the filesystem path behind an ipc endpoint
func socketPath(endpoint string) (string, bool) {
	path, ok := strings.CutPrefix(endpoint, "ipc://")
	return path, ok
}

// State is the client-side channel state
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// zmqDealerChannel is the client end: a DEALER socket with one peer
type zmqDealerChannel struct {
	socket zmq.Socket
	cancel context.CancelFunc
	closed atomic.Bool
	once   sync.Once
}

// DialZMQ returns a Dialer that makes exactly one dial attempt per call.
// zlog receives the socket's own diagnostics and may be nil.
func DialZMQ(zlog *log.Logger) Dialer {
	return func(ctx context.Context, endpoint string) (Channel, error) {
		// The socket outlives ctx on success, so it gets its own lifetime.
		sockCtx, cancel := context.WithCancel(context.Background())
		opts := []zmq.Option{
			zmq.WithID(zmq.SocketIdentity(uuid.New().String())),
			zmq.WithDialerMaxRetries(0),
		}
		if deadline, ok := ctx.Deadline(); ok {
			opts = append(opts, zmq.WithDialerTimeout(timeUntil(deadline)))
		}
		if zlog != nil {
			opts = append(opts, zmq.WithLogger(zlog))
		}
		socket := zmq.NewDealer(sockCtx, opts...)

		done := make(chan error, 1)
		go func() {
			done <- socket.Dial(endpoint)
		}()

		select {
		case err := <-done:
			if err != nil {
				cancel()
				_ = socket.Close()
				return nil, fmt.Errorf("dial %s: %w", endpoint, err)
			}
			return &zmqDealerChannel{socket: socket, cancel: cancel}, nil
		case <-ctx.Done():
			cancel()
			_ = socket.Close()
			return nil, fmt.Errorf("dial %s: %w", endpoint, ctx.Err())
		}
	}
}

// Send sends one message with the DEALER envelope: [empty_frame, data]
func (c *zmqDealerChannel) Send(data []byte) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	if err := c.socket.Send(zmq.NewMsgFrom([]byte{}, data)); err != nil {
		return fmt.Errorf("%w: send: %v", ErrChannelClosed, err)
	}
	return nil
}

// Recv receives one message; DEALER frames are [empty_frame, data]
func (c *zmqDealerChannel) Recv() ([]byte, error) {
	for {
		msg, err := c.socket.Recv()
		if err != nil {
			return nil, fmt.Errorf("%w: recv: %v", ErrChannelClosed, err)
		}
		if c.closed.Load() {
			return nil, ErrChannelClosed
		}
		switch len(msg.Frames) {
		case 0:
			continue
		case 1:
			return msg.Frames[0], nil
		default:
			return msg.Frames[len(msg.Frames)-1], nil
		}
	}
}

func (c *zmqDealerChannel) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		c.cancel()
		err = c.socket.Close()
	})
	return err
}

// routerEndpoint is the server end: a ROUTER socket that tags every inbound
// message with the sender identity
type routerEndpoint struct {
	socket zmq.Socket
	sendMu sync.Mutex
}

// inbound is one message received by the ROUTER
type inbound struct {
	peer string
	data []byte
}

func listenRouter(ctx context.Context, endpoint string, zlog *log.Logger) (*routerEndpoint, error) {
	var opts []zmq.Option
	if zlog != nil {
		opts = append(opts, zmq.WithLogger(zlog))
	}
	socket := zmq.NewRouter(ctx, opts...)
	if err := socket.Listen(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("failed to bind to %s: %w", endpoint, err)
	}
	return &routerEndpoint{socket: socket}, nil
}

// recv blocks for the next message. ROUTER frames are [sender_id, empty_frame, data]
func (r *routerEndpoint) recv() (inbound, error) {
	for {
		msg, err := r.socket.Recv()
		if err != nil {
			return inbound{}, err
		}
		frames := msg.Frames
		if len(frames) < 2 {
			continue
		}
		return inbound{peer: string(frames[0]), data: frames[len(frames)-1]}, nil
	}
}

// send replies to one peer with the ROUTER envelope
func (r *routerEndpoint) send(peer string, data []byte) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	return r.socket.Send(zmq.NewMsgFrom([]byte(peer), []byte{}, data))
}

func (r *routerEndpoint) close() error {
	return r.socket.Close()
}
