package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/osidbg/internal/errors"
	"github.com/ctagard/osidbg/internal/protocol"
	"github.com/ctagard/osidbg/pkg/types"
)

const waitTimeout = 2 * time.Second

// fakeServer is the far end of a client connection driven by the test
type fakeServer struct {
	t  *testing.T
	tr *protocol.Transport
}

func newPair(t *testing.T) (*Client, *fakeServer) {
	t.Helper()
	a, b := net.Pipe()
	c := New(protocol.NewTransport(a), nil)
	srv := &fakeServer{t: t, tr: protocol.NewTransport(b)}
	t.Cleanup(func() {
		_ = c.Close()
		_ = srv.tr.Close()
	})
	return c, srv
}

func (s *fakeServer) receive() *types.Message {
	msg, err := s.tr.Receive()
	require.NoError(s.t, err)
	return msg
}

func (s *fakeServer) send(replyTo *types.Message, msgType types.MessageType, body interface{}) {
	msg, err := types.NewMessage(msgType, body)
	require.NoError(s.t, err)
	if replyTo != nil {
		msg.ReplySeq = replyTo.Seq
	}
	require.NoError(s.t, s.tr.Send(msg))
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_Identify(t *testing.T) {
	c, srv := newPair(t)

	type result struct {
		info *types.VersionInfo
		err  error
	}
	got := make(chan result, 1)
	go func() {
		info, err := c.Identify(testContext(t), 3)
		got <- result{info, err}
	}()

	req := srv.receive()
	assert.Equal(t, uint32(1), req.Seq)
	assert.Equal(t, types.MsgIdentify, req.Type)
	var body types.IdentifyRequest
	require.NoError(t, req.DecodeBody(&body))
	assert.Equal(t, uint32(3), body.ProtocolVersion)

	srv.send(req, types.MsgVersionInfo, &types.VersionInfo{ProtocolVersion: 3, ServerVersion: "test", StoryLoaded: true})

	r := <-got
	require.NoError(t, r.err)
	assert.Equal(t, "test", r.info.ServerVersion)
	assert.True(t, r.info.StoryLoaded)
}

func TestClient_CorrelatesOutOfOrderReplies(t *testing.T) {
	c, srv := newPair(t)

	codes := make(chan types.ResultCode, 1)
	results := make(chan types.ResultCode, 1)
	go func() {
		code, _ := c.SetGlobalBreakpoints(testContext(t), types.GlobalBreakOnGameInit)
		codes <- code
	}()
	first := srv.receive()

	go func() {
		code, _ := c.Continue(testContext(t), types.ContinueRun)
		results <- code
	}()
	second := srv.receive()

	assert.Equal(t, first.Seq+1, second.Seq)
	assert.Equal(t, types.MsgSetGlobalBreakpoints, first.Type)
	assert.Equal(t, types.MsgContinue, second.Type)

	srv.send(second, types.MsgResult, &types.Result{Code: types.NotInPause})
	srv.send(first, types.MsgResult, &types.Result{Code: types.UnsupportedBreakpointType})

	assert.Equal(t, types.UnsupportedBreakpointType, <-codes)
	assert.Equal(t, types.NotInPause, <-results)
}

func TestClient_RepliesFlowWhileAnotherRequestIsWriting(t *testing.T) {
	c, srv := newPair(t)

	identified := make(chan error, 1)
	go func() {
		_, err := c.Identify(testContext(t), 3)
		identified <- err
	}()
	identify := srv.receive()

	setGlobal := make(chan error, 1)
	go func() {
		_, err := c.SetGlobalBreakpoints(testContext(t), types.GlobalBreakOnGameInit)
		setGlobal <- err
	}()

	// the second request is registered and its write is stuck until the
	// server reads again
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.pendingRequests) == 2
	}, waitTimeout, 5*time.Millisecond)

	srv.send(identify, types.MsgVersionInfo, &types.VersionInfo{ProtocolVersion: 3})
	srv.send(nil, types.MsgStoryLoaded, &types.StoryLoaded{Generation: 1})

	req := srv.receive()
	assert.Equal(t, types.MsgSetGlobalBreakpoints, req.Type)
	srv.send(req, types.MsgResult, &types.Result{Code: types.Success})

	for _, ch := range []chan error{identified, setGlobal} {
		select {
		case err := <-ch:
			assert.NoError(t, err)
		case <-time.After(waitTimeout):
			t.Fatal("request did not complete")
		}
	}
}

func TestClient_Notifications(t *testing.T) {
	c, srv := newPair(t)

	events := make(chan types.MessageType, 8)
	c.SetEventHandler(func(msg *types.Message) { events <- msg.Type })

	srv.send(nil, types.MsgStoryLoaded, &types.StoryLoaded{Generation: 2})
	srv.send(nil, types.MsgBreakpointTriggered, &types.BreakpointTriggered{
		Reason:    types.NodeIsValid,
		CallStack: []types.StackFrame{{NodeID: 42, Reason: types.NodeIsValid}},
	})
	srv.send(nil, types.MsgGlobalBreakpointTriggered, &types.GlobalBreakpointTriggered{Reason: types.GlobalReasonGameExit})

	stop, err := c.WaitForBreakpoint(testContext(t))
	require.NoError(t, err)
	require.NotNil(t, stop.Breakpoint)
	assert.Nil(t, stop.Global)
	assert.Equal(t, uint32(42), stop.Breakpoint.CallStack[0].NodeID)

	stop, err = c.WaitForBreakpoint(testContext(t))
	require.NoError(t, err)
	require.NotNil(t, stop.Global)
	assert.Equal(t, types.GlobalReasonGameExit, stop.Global.Reason)

	assert.Equal(t, types.MsgStoryLoaded, <-events)
	assert.Equal(t, types.MsgBreakpointTriggered, <-events)
	assert.Equal(t, types.MsgGlobalBreakpointTriggered, <-events)
}

func TestClient_SessionEnded(t *testing.T) {
	c, srv := newPair(t)

	errs := make(chan error, 1)
	go func() {
		_, _, err := c.GetDatabaseContents(testContext(t))
		errs <- err
	}()
	srv.receive()
	srv.send(nil, types.MsgDebugSessionEnded, &types.DebugSessionEnded{Reason: "bye"})

	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session end not observed")
	}
	assert.Equal(t, "bye", c.EndReason())

	err := <-errs
	require.Error(t, err)
	assert.Equal(t, errors.CodeTransportFailed, errors.CodeOf(err))

	_, err = c.WaitForBreakpoint(testContext(t))
	assert.Error(t, err)
}

func TestClient_ConnectionLost(t *testing.T) {
	c, srv := newPair(t)
	require.NoError(t, srv.tr.Close())

	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatal("connection loss not observed")
	}
	assert.Equal(t, "connection lost", c.EndReason())
}

func TestClient_ContextCancelled(t *testing.T) {
	c, srv := newPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := c.SetBreakpoints(ctx, nil)
		errs <- err
	}()
	req := srv.receive()
	cancel()

	assert.ErrorIs(t, <-errs, context.Canceled)

	// a late reply for the abandoned request is dropped
	srv.send(req, types.MsgResult, &types.Result{Code: types.Success})
	c.mu.Lock()
	assert.Empty(t, c.pendingRequests)
	c.mu.Unlock()
}
