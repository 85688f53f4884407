package archbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

var (
	// ErrWorkerNotFound means discovery exhausted every candidate location.
	ErrWorkerNotFound = errors.New("worker executable not found")
	// ErrConnectTimeout means the spawn-and-retry window elapsed without a live channel.
	ErrConnectTimeout = errors.New("connect timeout")
	// ErrChannelUnavailable means no worker answered and spawning was not allowed.
	ErrChannelUnavailable = errors.New("channel unavailable")
	// ErrWorkerExited means a spawned worker exited while the client was waiting for it.
	ErrWorkerExited = errors.New("worker process exited")
	// ErrClientClosed is returned by every operation after Dispose.
	ErrClientClosed = errors.New("client disposed")
	// ErrListenerBusy means another listener already serves the channel.
	ErrListenerBusy = errors.New("channel already served by another listener")

	// ErrChannelClosed covers closed streams, end of stream and send failures.
	ErrChannelClosed = errors.New("channel closed")
	// ErrConnectionLost means the peer stopped answering heartbeats.
	ErrConnectionLost = errors.New("connection lost")
	// ErrDispatcherClosed fails calls still pending when the dispatcher is closed.
	ErrDispatcherClosed = errors.New("dispatcher closed while call pending")

	// ErrMalformedPayload means a message or result could not be decoded.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrHandshake means the peer answered but is not a compatible worker.
	ErrHandshake = errors.New("handshake failed")
)

// ConnectError is returned by EnsureConnected. Kind is one of
// ErrChannelUnavailable, ErrConnectTimeout or ErrWorkerNotFound and Err is the
// last underlying failure.
type ConnectError struct {
	Kind     error
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	msg := fmt.Sprintf("%v after %d attempt(s)", e.Kind, e.Attempts)
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is/As
func (e *ConnectError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// RemoteCallError represents an error raised by the worker's handler
type RemoteCallError struct {
	Method  string
	Message string
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("remote call '%s' failed: %s", e.Method, e.Message)
}

// CallError is the fatal failure of a call whose single reconnect-and-retry
// also hit a channel fault.
type CallError struct {
	Method   string
	Attempts int
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call '%s' failed after %d attempts: %v", e.Method, e.Attempts, e.Err)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *CallError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a channel-loss fault that a reconnect
// may cure. Errors already wrapped in a *CallError are final.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return false
	}
	var re *RemoteCallError
	if errors.As(err, &re) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrChannelClosed) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrDispatcherClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}
