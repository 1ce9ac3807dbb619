package protocol

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ctagard/osidbg/internal/debugger"
	"github.com/ctagard/osidbg/internal/errors"
	"github.com/ctagard/osidbg/internal/log"
	"github.com/ctagard/osidbg/pkg/types"
)

// Server accepts debugger clients, one at a time
type Server struct {
	coord        *debugger.Coordinator
	logger       *slog.Logger
	writeTimeout time.Duration

	listener net.Listener

	mu     sync.Mutex
	active *Session
	wg     sync.WaitGroup
}

// NewServer creates a server driving coord
func NewServer(coord *debugger.Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = log.Discard()
	}
	return &Server{
		coord:        coord,
		logger:       log.WithComponent(logger, "server"),
		writeTimeout: DefaultWriteTimeout,
	}
}

// SetWriteTimeout changes the write deadline applied to new sessions
func (s *Server) SetWriteTimeout(d time.Duration) {
	s.writeTimeout = d
}

// Listen binds the TCP listener
func (s *Server) Listen(address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return errors.TransportFailed("listen on "+address, err)
	}
	s.listener = ln
	s.logger.Info("debug server listening", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled. On shutdown the attached
// client is told the session ended before its connection is closed.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.TransportFailed("serve", stderrors.New("server is not listening"))
	}

	stop := context.AfterFunc(ctx, func() {
		s.coord.Close()
		_ = s.listener.Close()
	})
	defer stop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return errors.TransportFailed("accept", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeConn(ctx, conn); err != nil {
				s.logger.Warn("session closed with error", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// ServeConn runs a session over conn and blocks until it ends. A connection
// arriving while another session is active is told so and closed.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	t := NewTransport(conn)
	t.SetWriteTimeout(s.writeTimeout)

	s.mu.Lock()
	if active := s.active; active != nil {
		s.mu.Unlock()
		err := errors.SessionActive(active.ID)
		s.refuse(t, err)
		return err
	}
	session := NewSession(t, s.coord, s.logger)
	s.active = session
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
	}()

	return session.Serve(ctx)
}

func (s *Server) refuse(t *Transport, err *errors.DebugError) {
	s.logger.Warn("refusing connection", "error", err)
	msg, _ := types.NewMessage(types.MsgDebugSessionEnded, &types.DebugSessionEnded{Reason: err.Message})
	_ = t.Send(msg)
	_ = t.Close()
}

// ActiveSession returns the id of the connected session, if any
func (s *Server) ActiveSession() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return "", false
	}
	return s.active.ID, true
}
