package protocol

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ctagard/osidbg/internal/debugger"
	"github.com/ctagard/osidbg/internal/errors"
	"github.com/ctagard/osidbg/internal/log"
	"github.com/ctagard/osidbg/internal/story"
	"github.com/ctagard/osidbg/internal/version"
	"github.com/ctagard/osidbg/pkg/types"
)

// Session is the server side of one debug connection. It answers every
// request with exactly one reply and forwards coordinator events as
// notifications.
type Session struct {
	ID string

	transport *Transport
	coord     *debugger.Coordinator
	logger    *slog.Logger

	// Owned by the Serve goroutine
	inboundSeq uint32
	identified bool

	ended   atomic.Bool
	endOnce sync.Once
}

var _ debugger.Notifier = (*Session)(nil)

// NewSession creates a session over an accepted connection
func NewSession(t *Transport, coord *debugger.Coordinator, logger *slog.Logger) *Session {
	if logger == nil {
		logger = log.Discard()
	}
	id := uuid.New().String()
	return &Session{
		ID:         id,
		transport:  t,
		coord:      coord,
		logger:     log.WithComponent(logger, "session").With(log.SessionIDKey, id),
		inboundSeq: 1,
	}
}

// Serve processes requests until the client disconnects, the session is
// ended, or ctx is cancelled. A clean disconnect returns nil.
func (s *Session) Serve(ctx context.Context) error {
	activeSessions.Inc()
	defer activeSessions.Dec()

	defer s.transport.Close()
	// Detach runs first: a paused evaluation thread is released before the
	// connection goes away.
	defer s.coord.Detach(s)

	stop := context.AfterFunc(ctx, func() { s.end("server shutting down") })
	defer stop()

	s.logger.Info("session opened")
	for {
		msg, err := s.transport.Receive()
		if err != nil {
			return s.receiveFailed(err)
		}
		messagesTotal.WithLabelValues("in", string(msg.Type)).Inc()
		s.logger.Log(ctx, log.LevelTrace, "received", log.SeqKey, msg.Seq, "type", msg.Type)

		if msg.Seq != s.inboundSeq {
			err := errors.SequenceMismatch(s.inboundSeq, msg.Seq)
			s.logger.Warn("protocol violation", "error", err)
			s.end(err.Message)
			return err
		}
		s.inboundSeq++

		if err := s.handle(msg); err != nil {
			if s.ended.Load() {
				return nil
			}
			s.logger.Warn("ending session", "error", err)
			s.end(errors.FromError(err).Message)
			return err
		}
	}
}

func (s *Session) receiveFailed(err error) error {
	if s.ended.Load() {
		return nil
	}
	if errors.CodeOf(err) == errors.CodeMalformedMessage {
		s.logger.Warn("malformed frame", "error", err)
		s.end(errors.FromError(err).Message)
		return err
	}
	if stderrors.Is(err, io.EOF) || stderrors.Is(err, net.ErrClosed) || stderrors.Is(err, io.ErrClosedPipe) {
		s.logger.Info("client disconnected")
		return nil
	}
	s.logger.Warn("connection lost", "error", err)
	return err
}

// handle dispatches one request. A returned error ends the session.
func (s *Session) handle(msg *types.Message) error {
	if msg.Type == types.MsgIdentify {
		return s.handleIdentify(msg)
	}
	if !s.identified {
		s.logger.Warn("request before identify", "type", msg.Type)
		return s.reply(msg, types.NoDebuggee)
	}

	switch msg.Type {
	case types.MsgSetGlobalBreakpoints:
		var req types.SetGlobalBreakpointsRequest
		if err := msg.DecodeBody(&req); err != nil {
			return errors.MalformedMessage(err)
		}
		return s.replyErr(msg, s.coord.SetGlobalBreakpoints(req.Mask))

	case types.MsgSetBreakpoints:
		var req types.SetBreakpointsRequest
		if err := msg.DecodeBody(&req); err != nil {
			return errors.MalformedMessage(err)
		}
		return s.replyErr(msg, s.coord.SetBreakpoints(req.Breakpoints))

	case types.MsgContinue:
		return s.handleContinue(msg)

	case types.MsgGetDatabaseContents:
		var contents *types.DatabaseContents
		err := s.coord.WithPausedStory(func(db *story.Database, _ []debugger.Frame) {
			contents = DatabaseContents(db)
		})
		if err != nil {
			return s.replyErr(msg, err)
		}
		return s.send(msg, types.MsgResult, &types.Result{Code: types.Success, Database: contents})

	default:
		s.logger.Warn("unknown request", "type", msg.Type, log.SeqKey, msg.Seq)
		return s.reply(msg, types.NoDebuggee)
	}
}

func (s *Session) handleIdentify(msg *types.Message) error {
	var req types.IdentifyRequest
	if err := msg.DecodeBody(&req); err != nil {
		return errors.MalformedMessage(err)
	}

	status := s.coord.Status()
	info := &types.VersionInfo{
		ProtocolVersion:  version.ProtocolVersion,
		ServerVersion:    version.Version,
		StoryLoaded:      status.StoryLoaded,
		StoryInitialized: status.Initialized,
	}
	if err := s.send(msg, types.MsgVersionInfo, info); err != nil {
		return err
	}

	if !version.Compatible(req.ProtocolVersion) {
		return fmt.Errorf("protocol version %d is not supported, server speaks %d",
			req.ProtocolVersion, version.ProtocolVersion)
	}
	if s.identified {
		return nil
	}
	if err := s.coord.Attach(s); err != nil {
		return err
	}
	s.identified = true
	s.logger.Info("client identified", "protocol", req.ProtocolVersion)

	// A reload between the status read and Attach was not seen by this
	// session, so announce whatever is loaded now.
	if status := s.coord.Status(); status.StoryLoaded {
		return s.notify(types.MsgStoryLoaded, &types.StoryLoaded{Generation: status.Generation})
	}
	return nil
}

func (s *Session) handleContinue(msg *types.Message) error {
	var req types.ContinueRequest
	if err := msg.DecodeBody(&req); err != nil {
		return errors.MalformedMessage(err)
	}

	var (
		replied bool
		sendErr error
	)
	err := s.coord.Continue(req.Action, func() {
		replied = true
		sendErr = s.reply(msg, types.Success)
	})
	if replied {
		return sendErr
	}
	return s.replyErr(msg, err)
}

// --- debugger.Notifier ---

// SessionID returns the session's unique id
func (s *Session) SessionID() string { return s.ID }

func (s *Session) BreakpointTriggered(reason types.BreakpointReason, stack []debugger.Frame) error {
	return s.notify(types.MsgBreakpointTriggered, &types.BreakpointTriggered{
		Reason:    reason,
		CallStack: StackFrames(stack),
	})
}

func (s *Session) GlobalBreakpointTriggered(reason types.GlobalBreakpointReason) error {
	return s.notify(types.MsgGlobalBreakpointTriggered, &types.GlobalBreakpointTriggered{Reason: reason})
}

func (s *Session) StoryLoaded(db *story.Database) error {
	return s.notify(types.MsgStoryLoaded, &types.StoryLoaded{Generation: db.Generation()})
}

func (s *Session) SessionEnded(reason string) {
	s.end(reason)
}

// end sends DebugSessionEnded, best effort, and closes the connection
func (s *Session) end(reason string) {
	s.endOnce.Do(func() {
		s.ended.Store(true)
		if err := s.notify(types.MsgDebugSessionEnded, &types.DebugSessionEnded{Reason: reason}); err != nil {
			s.logger.Debug("could not deliver session end", "error", err)
		}
		_ = s.transport.Close()
		s.logger.Info("session ended", log.ReasonKey, reason)
	})
}

// --- sending ---

func (s *Session) notify(msgType types.MessageType, body interface{}) error {
	return s.send(nil, msgType, body)
}

func (s *Session) reply(req *types.Message, code types.ResultCode) error {
	return s.send(req, types.MsgResult, &types.Result{Code: code})
}

// replyErr answers req with the result code for err. Protocol errors are
// reported to the client and never end the session.
func (s *Session) replyErr(req *types.Message, err error) error {
	if err != nil {
		s.logger.Warn("request rejected", "type", req.Type, log.SeqKey, req.Seq, "error", err)
	}
	return s.reply(req, errors.ResultCode(err))
}

func (s *Session) send(req *types.Message, msgType types.MessageType, body interface{}) error {
	msg, err := types.NewMessage(msgType, body)
	if err != nil {
		return errors.MalformedMessage(err)
	}
	if req != nil {
		msg.ReplySeq = req.Seq
	}
	if err := s.transport.Send(msg); err != nil {
		return err
	}
	messagesTotal.WithLabelValues("out", string(msgType)).Inc()
	s.logger.Log(context.Background(), log.LevelTrace, "sent",
		log.SeqKey, msg.Seq, "reply_seq", msg.ReplySeq, "type", msgType)
	return nil
}
