package archbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"channel closed", ErrChannelClosed, true},
		{"wrapped channel closed", fmt.Errorf("%w: recv: eof", ErrChannelClosed), true},
		{"connection lost", ErrConnectionLost, true},
		{"disposed while pending", ErrDispatcherClosed, true},
		{"end of stream", io.EOF, true},
		{"unexpected end of stream", io.ErrUnexpectedEOF, true},
		{"closed network conn", net.ErrClosed, true},
		{"remote exception", &RemoteCallError{Method: "Add", Message: "boom"}, false},
		{"malformed payload", ErrMalformedPayload, false},
		{"handshake", ErrHandshake, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"final call error", &CallError{Method: "Add", Attempts: 2, Err: ErrChannelClosed}, false},
		{"other", errors.New("something"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestConnectError(t *testing.T) {
	cause := errors.New("dial refused")
	err := &ConnectError{Kind: ErrConnectTimeout, Attempts: 4, Err: cause}

	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrChannelUnavailable)
	assert.Equal(t, "connect timeout after 4 attempt(s): dial refused", err.Error())

	bare := &ConnectError{Kind: ErrChannelUnavailable, Attempts: 1}
	assert.ErrorIs(t, bare, ErrChannelUnavailable)
	assert.Equal(t, "channel unavailable after 1 attempt(s)", bare.Error())
}

func TestCallError(t *testing.T) {
	err := &CallError{Method: "Add", Attempts: 2, Err: fmt.Errorf("%w: eof", ErrChannelClosed)}

	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.Contains(t, err.Error(), "call 'Add' failed after 2 attempts")

	var ce *CallError
	assert.True(t, errors.As(fmt.Errorf("smoke: %w", err), &ce))
	assert.Equal(t, 2, ce.Attempts)
}

func TestRemoteCallError(t *testing.T) {
	err := &RemoteCallError{Method: "Add", Message: "division by zero"}
	assert.Equal(t, "remote call 'Add' failed: division by zero", err.Error())
}
