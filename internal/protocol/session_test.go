package protocol_test

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctagard/osidbg/internal/client"
	"github.com/ctagard/osidbg/internal/debugger"
	"github.com/ctagard/osidbg/internal/engine"
	"github.com/ctagard/osidbg/internal/errors"
	"github.com/ctagard/osidbg/internal/protocol"
	"github.com/ctagard/osidbg/internal/story"
	"github.com/ctagard/osidbg/internal/version"
	"github.com/ctagard/osidbg/pkg/types"
)

const waitTimeout = 2 * time.Second

const sessionStory = `
nodes:
  - id: 1
    type: database
    name: DB_Players
    arity: 2
    children: [2]
  - id: 2
    type: relop
    relop: ">"
    column: 1
    operand: 5
    children: [3]
  - id: 3
    type: rule
    name: GreetVeterans
    actions:
      - function: DB_Greeted
        arguments: ["$0"]
  - id: 4
    type: database
    name: DB_Greeted
    arity: 1
  - id: 42
    type: database
    name: DB_Watched
    arity: 1
    facts: [["x"]]
goals:
  - id: 1
    name: Start
    init:
      - function: DB_Players
        arguments: ["Lohse", "12"]
`

type harness struct {
	coord  *debugger.Coordinator
	engine *engine.Engine
	server *protocol.Server
	client *client.Client
	events chan *types.Message
	cancel context.CancelFunc
	served chan error
}

func (h *harness) ctx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)
	return ctx
}

// serveConn runs a session for conn and returns a channel with its result
func (h *harness) serveConn(ctx context.Context, conn net.Conn) chan error {
	served := make(chan error, 1)
	go func() { served <- h.server.ServeConn(ctx, conn) }()
	return served
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	coord := debugger.NewCoordinator(nil)
	eng := engine.New(coord, nil)
	db, err := story.Parse([]byte(sessionStory), 1)
	require.NoError(t, err)
	eng.Load(db)

	h := &harness{
		coord:  coord,
		engine: eng,
		server: protocol.NewServer(coord, nil),
		events: make(chan *types.Message, 16),
	}

	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.served = h.serveConn(ctx, serverConn)

	h.client = client.New(protocol.NewTransport(clientConn), nil)
	h.client.SetEventHandler(func(msg *types.Message) {
		select {
		case h.events <- msg:
		default:
		}
	})

	t.Cleanup(func() {
		_ = h.client.Close()
		cancel()
		select {
		case <-h.served:
		case <-time.After(waitTimeout):
			t.Error("session did not stop")
		}
	})
	return h
}

func (h *harness) identify(t *testing.T) *types.VersionInfo {
	t.Helper()
	info, err := h.client.Identify(h.ctx(t), version.ProtocolVersion)
	require.NoError(t, err)
	h.nextEvent(t, types.MsgStoryLoaded)
	return info
}

func (h *harness) nextEvent(t *testing.T, want types.MessageType) *types.Message {
	t.Helper()
	for {
		select {
		case msg := <-h.events:
			if msg.Type == want {
				return msg
			}
		case <-time.After(waitTimeout):
			t.Fatalf("no %s notification", want)
			return nil
		}
	}
}

func (h *harness) waitStop(t *testing.T) client.Stop {
	t.Helper()
	stop, err := h.client.WaitForBreakpoint(h.ctx(t))
	require.NoError(t, err)
	return stop
}

func (h *harness) node(t *testing.T, id story.NodeID) *story.Node {
	t.Helper()
	n, ok := h.engine.Database().Node(id)
	require.True(t, ok)
	return n
}

func async(fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("evaluation thread is still blocked")
	}
}

func TestSession_Identify(t *testing.T) {
	h := newHarness(t)

	info, err := h.client.Identify(h.ctx(t), version.ProtocolVersion)
	require.NoError(t, err)
	assert.Equal(t, version.ProtocolVersion, info.ProtocolVersion)
	assert.Equal(t, version.Version, info.ServerVersion)
	assert.True(t, info.StoryLoaded)
	assert.False(t, info.StoryInitialized)

	msg := h.nextEvent(t, types.MsgStoryLoaded)
	var loaded types.StoryLoaded
	require.NoError(t, msg.DecodeBody(&loaded))
	assert.Equal(t, uint32(1), loaded.Generation)

	status := h.coord.Status()
	assert.Equal(t, debugger.StateRunning, status.State)
	assert.NotEmpty(t, status.SessionID)
	id, ok := h.server.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, id, status.SessionID)
}

func TestSession_RequestBeforeIdentify(t *testing.T) {
	h := newHarness(t)

	code, err := h.client.SetGlobalBreakpoints(h.ctx(t), types.GlobalBreakOnGameInit)
	require.NoError(t, err)
	assert.Equal(t, types.NoDebuggee, code)

	h.identify(t)
	code, err = h.client.SetGlobalBreakpoints(h.ctx(t), types.GlobalBreakOnGameInit)
	require.NoError(t, err)
	assert.Equal(t, types.Success, code)
}

func TestSession_VersionMismatch(t *testing.T) {
	h := newHarness(t)

	info, err := h.client.Identify(h.ctx(t), version.ProtocolVersion+1)
	require.NoError(t, err)
	assert.Equal(t, version.ProtocolVersion, info.ProtocolVersion)

	select {
	case <-h.client.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session was not ended")
	}
	assert.Contains(t, h.client.EndReason(), "not supported")
	assert.Equal(t, debugger.StateDetached, h.coord.Status().State)
}

func TestSession_NodeBreakpointEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.identify(t)

	code, err := h.client.SetBreakpoints(h.ctx(t), []types.BreakpointSpec{
		{NodeID: 42, Type: types.BreakOnValid},
	})
	require.NoError(t, err)
	require.Equal(t, types.Success, code)

	watched := h.node(t, 42)
	tuple := story.Tuple{story.Str("x")}
	done := async(func() {
		h.coord.IsValidPreHook(watched, tuple, 0)
		h.coord.IsValidPostHook(watched, tuple, 0, true)
	})

	stop := h.waitStop(t)
	require.NotNil(t, stop.Breakpoint)
	assert.Equal(t, types.NodeIsValid, stop.Breakpoint.Reason)
	require.Len(t, stop.Breakpoint.CallStack, 1)
	frame := stop.Breakpoint.CallStack[0]
	assert.Equal(t, uint32(42), frame.NodeID)
	assert.Equal(t, types.NodeIsValid, frame.Reason)
	assert.Equal(t, "DB_Watched", frame.NodeName)
	assert.Equal(t, []types.TupleValue{{Type: "string", Value: "x"}}, frame.Tuple)

	contents, code, err := h.client.GetDatabaseContents(h.ctx(t))
	require.NoError(t, err)
	require.Equal(t, types.Success, code)
	require.NotNil(t, contents)
	assert.Equal(t, uint32(1), contents.Generation)
	assert.Len(t, contents.Nodes, 5)
	assert.Len(t, contents.Goals, 1)

	code, err = h.client.Continue(h.ctx(t), types.ContinueRun)
	require.NoError(t, err)
	assert.Equal(t, types.Success, code)
	waitDone(t, done)
}

func TestSession_NotPaused(t *testing.T) {
	h := newHarness(t)
	h.identify(t)

	contents, code, err := h.client.GetDatabaseContents(h.ctx(t))
	require.NoError(t, err)
	assert.Equal(t, types.NotInPause, code)
	assert.Nil(t, contents)

	code, err = h.client.Continue(h.ctx(t), types.ContinueStepOver)
	require.NoError(t, err)
	assert.Equal(t, types.NotInPause, code)

	code, err = h.client.SetBreakpoints(h.ctx(t), []types.BreakpointSpec{{NodeID: 77, Type: types.BreakOnInsert}})
	require.NoError(t, err)
	assert.Equal(t, types.InvalidNodeID, code)

	code, err = h.client.SetGlobalBreakpoints(h.ctx(t), 1<<20)
	require.NoError(t, err)
	assert.Equal(t, types.UnsupportedBreakpointType, code)
}

func TestSession_GlobalBreakpointThenStep(t *testing.T) {
	h := newHarness(t)
	h.identify(t)

	code, err := h.client.SetGlobalBreakpoints(h.ctx(t), types.GlobalBreakOnGameInit)
	require.NoError(t, err)
	require.Equal(t, types.Success, code)

	done := async(func() { assert.NoError(t, h.engine.InitGame()) })

	stop := h.waitStop(t)
	require.NotNil(t, stop.Global)
	assert.Equal(t, types.GlobalReasonGameInit, stop.Global.Reason)

	code, err = h.client.Continue(h.ctx(t), types.ContinueStepInto)
	require.NoError(t, err)
	require.Equal(t, types.Success, code)

	stop = h.waitStop(t)
	require.NotNil(t, stop.Breakpoint)
	assert.Equal(t, types.GoalInitCall, stop.Breakpoint.Reason)
	require.Len(t, stop.Breakpoint.CallStack, 1)
	assert.Equal(t, "Start", stop.Breakpoint.CallStack[0].GoalName)
	assert.Equal(t, "DB_Players(Lohse, 12)", stop.Breakpoint.CallStack[0].Action)

	code, err = h.client.Continue(h.ctx(t), types.ContinueRun)
	require.NoError(t, err)
	require.Equal(t, types.Success, code)
	waitDone(t, done)
	assert.True(t, h.coord.Status().Initialized)
}

func TestSession_DisconnectWhilePaused(t *testing.T) {
	h := newHarness(t)
	h.identify(t)

	code, err := h.client.SetBreakpoints(h.ctx(t), []types.BreakpointSpec{{NodeID: 42, Type: types.BreakOnInsert}})
	require.NoError(t, err)
	require.Equal(t, types.Success, code)

	done := async(func() {
		assert.NoError(t, h.engine.Insert("DB_Watched", story.Tuple{story.Str("y")}))
	})
	h.waitStop(t)
	assert.Equal(t, debugger.StatePaused, h.coord.Status().State)

	require.NoError(t, h.client.Close())
	waitDone(t, done)

	select {
	case <-h.served:
	case <-time.After(waitTimeout):
		t.Fatal("session did not stop")
	}
	// the cleanup also drains served
	h.served <- nil

	status := h.coord.Status()
	assert.Equal(t, debugger.StateDetached, status.State)
	assert.Zero(t, status.Breakpoints)
	_, active := h.server.ActiveSession()
	assert.False(t, active)
}

func TestSession_StoryReload(t *testing.T) {
	h := newHarness(t)
	h.identify(t)

	db, err := story.Parse([]byte(sessionStory), 2)
	require.NoError(t, err)
	h.engine.Load(db)

	msg := h.nextEvent(t, types.MsgStoryLoaded)
	var loaded types.StoryLoaded
	require.NoError(t, msg.DecodeBody(&loaded))
	assert.Equal(t, uint32(2), loaded.Generation)
}

func TestSession_ServerShutdown(t *testing.T) {
	h := newHarness(t)
	h.identify(t)

	h.cancel()
	select {
	case <-h.client.Done():
	case <-time.After(waitTimeout):
		t.Fatal("client was not told the session ended")
	}
	assert.Equal(t, "server shutting down", h.client.EndReason())
}

func TestSession_SecondClientRefused(t *testing.T) {
	h := newHarness(t)
	h.identify(t)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	served := h.serveConn(context.Background(), serverConn)

	second := protocol.NewTransport(clientConn)
	msg, err := second.Receive()
	require.NoError(t, err)
	assert.Equal(t, types.MsgDebugSessionEnded, msg.Type)

	select {
	case err := <-served:
		assert.Equal(t, errors.CodeSessionActive, errors.CodeOf(err))
	case <-time.After(waitTimeout):
		t.Fatal("second connection was not refused")
	}

	code, err := h.client.SetGlobalBreakpoints(h.ctx(t), types.GlobalBreakOnGameExit)
	require.NoError(t, err)
	assert.Equal(t, types.Success, code, "first session is unaffected")
}

func TestSession_SequenceMismatch(t *testing.T) {
	coord := debugger.NewCoordinator(nil)
	srv := protocol.NewServer(coord, nil)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	served := make(chan error, 1)
	go func() { served <- srv.ServeConn(context.Background(), serverConn) }()

	go func() {
		w := bufio.NewWriter(clientConn)
		_ = dap.WriteBaseMessage(w, []byte(`{"seq":5,"type":"identify","body":{"protocolVersion":3}}`))
		_ = w.Flush()
	}()

	msg, err := protocol.NewTransport(clientConn).Receive()
	require.NoError(t, err)
	require.Equal(t, types.MsgDebugSessionEnded, msg.Type)
	var ended types.DebugSessionEnded
	require.NoError(t, msg.DecodeBody(&ended))
	assert.Contains(t, ended.Reason, "expected 1, got 5")

	select {
	case err := <-served:
		assert.Equal(t, errors.CodeSequenceMismatch, errors.CodeOf(err))
	case <-time.After(waitTimeout):
		t.Fatal("session did not end")
	}
}

func TestServer_StalledClientReleasesEngine(t *testing.T) {
	coord := debugger.NewCoordinator(nil)
	eng := engine.New(coord, nil)
	db, err := story.Parse([]byte(sessionStory), 1)
	require.NoError(t, err)
	eng.Load(db)

	srv := protocol.NewServer(coord, nil)
	srv.SetWriteTimeout(50 * time.Millisecond)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	served := make(chan error, 1)
	go func() { served <- srv.ServeConn(context.Background(), serverConn) }()

	peer := protocol.NewTransport(clientConn)
	request := func(msgType types.MessageType, body interface{}) {
		msg, err := types.NewMessage(msgType, body)
		require.NoError(t, err)
		require.NoError(t, peer.Send(msg))
	}
	expect := func(want types.MessageType) {
		msg, err := peer.Receive()
		require.NoError(t, err)
		require.Equal(t, want, msg.Type)
	}

	request(types.MsgIdentify, &types.IdentifyRequest{ProtocolVersion: version.ProtocolVersion})
	expect(types.MsgVersionInfo)
	expect(types.MsgStoryLoaded)
	request(types.MsgSetBreakpoints, &types.SetBreakpointsRequest{
		Breakpoints: []types.BreakpointSpec{{NodeID: 42, Type: types.BreakOnValid}},
	})
	expect(types.MsgResult)

	// the client stops reading; the breakpoint notification cannot be written
	watched, ok := eng.Database().Node(42)
	require.True(t, ok)
	done := async(func() {
		coord.IsValidPreHook(watched, nil, 0)
		coord.IsValidPostHook(watched, nil, 0, false)
	})
	waitDone(t, done)
	assert.Equal(t, debugger.StateDetached, coord.Status().State)

	select {
	case <-served:
	case <-time.After(waitTimeout):
		t.Fatal("session did not end")
	}
}
