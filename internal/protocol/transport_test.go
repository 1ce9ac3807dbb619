package protocol

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/osidbg/internal/errors"
	"github.com/ctagard/osidbg/pkg/types"
)

func TestTransport_StampsSequence(t *testing.T) {
	a, b := net.Pipe()
	sender, receiver := NewTransport(a), NewTransport(b)
	defer sender.Close()
	defer receiver.Close()

	go func() {
		for _, mask := range []types.GlobalBreakpointType{types.GlobalBreakOnGameInit, types.GlobalBreakOnGameExit} {
			msg, _ := types.NewMessage(types.MsgSetGlobalBreakpoints, &types.SetGlobalBreakpointsRequest{Mask: mask})
			msg.Seq = 99 // overwritten
			_ = sender.Send(msg)
		}
	}()

	for i, want := range []types.GlobalBreakpointType{types.GlobalBreakOnGameInit, types.GlobalBreakOnGameExit} {
		msg, err := receiver.Receive()
		require.NoError(t, err)
		assert.Equal(t, uint32(i+1), msg.Seq)
		assert.Equal(t, types.MsgSetGlobalBreakpoints, msg.Type)

		var req types.SetGlobalBreakpointsRequest
		require.NoError(t, msg.DecodeBody(&req))
		assert.Equal(t, want, req.Mask)
	}
}

func TestTransport_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "hello"},
		{"wrong shape", `["seq", 1]`},
		{"no type", `{"seq": 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := net.Pipe()
			defer a.Close()
			receiver := NewTransport(b)
			defer receiver.Close()

			go func() {
				w := bufio.NewWriter(a)
				_ = dap.WriteBaseMessage(w, []byte(tt.content))
				_ = w.Flush()
			}()

			_, err := receiver.Receive()
			require.Error(t, err)
			assert.Equal(t, errors.CodeMalformedMessage, errors.CodeOf(err))
		})
	}
}

func TestTransport_PeerClosed(t *testing.T) {
	a, b := net.Pipe()
	receiver := NewTransport(b)
	defer receiver.Close()

	require.NoError(t, a.Close())
	_, err := receiver.Receive()
	require.Error(t, err)
	assert.Equal(t, errors.CodeTransportFailed, errors.CodeOf(err))
}

func TestTransport_WriteTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	sender := NewTransport(a)
	defer sender.Close()
	sender.SetWriteTimeout(50 * time.Millisecond)

	msg, err := types.NewMessage(types.MsgStoryLoaded, &types.StoryLoaded{Generation: 1})
	require.NoError(t, err)

	// nobody reads b
	err = sender.Send(msg)
	require.Error(t, err)
	assert.Equal(t, errors.CodeTransportFailed, errors.CodeOf(err))
}

func TestTransport_CloseTwice(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	tr := NewTransport(a)
	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())
}
