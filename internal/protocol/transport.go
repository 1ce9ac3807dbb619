// Package protocol carries the debug protocol between a client and the
// coordinator.
//
// This package provides:
//   - Transport: Content-Length framed JSON messages over a stream
//   - Session: the server side of one debug session (protocol handler)
//   - Server: a single-client TCP listener
//
// Both peers number their own messages from 1. Replies carry the sequence
// number of the request they answer in ReplySeq.
package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/go-dap"

	"github.com/ctagard/osidbg/internal/errors"
	"github.com/ctagard/osidbg/pkg/types"
)

// DefaultWriteTimeout bounds a single frame write on connections that support
// deadlines. Notifications are written with the coordinator locked, so a
// client that stops reading must not stall the engine forever.
const DefaultWriteTimeout = 10 * time.Second

var errMissingType = stderrors.New("message has no type")

// Transport handles framed communication with a peer
type Transport struct {
	conn   io.ReadWriteCloser
	reader *bufio.Reader
	writer *bufio.Writer

	mu           sync.Mutex
	seq          uint32
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewTransport wraps an established connection
func NewTransport(conn io.ReadWriteCloser) *Transport {
	return &Transport{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		writer:       bufio.NewWriter(conn),
		seq:          1,
		writeTimeout: DefaultWriteTimeout,
	}
}

// Dial connects to a debug server
func Dial(ctx context.Context, address string) (*Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.TransportFailed("dial "+address, err)
	}
	return NewTransport(conn), nil
}

// SetWriteTimeout changes the per-frame write deadline. Zero disables it.
func (t *Transport) SetWriteTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeTimeout = d
}

// Send stamps msg with the next outbound sequence number and writes it.
// Numbering and writing happen under one lock, so the peer sees sequence
// numbers in order.
func (t *Transport) Send(msg *types.Message) error {
	return t.SendReserved(msg, nil)
}

// SendReserved is Send with a callback that runs once msg.Seq is assigned and
// before the frame is written, so a reply cannot arrive before the caller is
// ready for it. reserved runs under the send lock and must not call Send.
func (t *Transport) SendReserved(msg *types.Message, reserved func(seq uint32)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg.Seq = t.seq
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.MalformedMessage(err)
	}
	if reserved != nil {
		reserved(msg.Seq)
	}

	if conn, ok := t.conn.(net.Conn); ok && t.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	}

	if err := dap.WriteBaseMessage(t.writer, data); err != nil {
		return errors.TransportFailed("write", err)
	}
	if err := t.writer.Flush(); err != nil {
		return errors.TransportFailed("flush", err)
	}

	t.seq++
	return nil
}

// Receive reads the next message. Framing and I/O failures are reported as
// TransportFailed; a frame that is not a valid envelope as MalformedMessage.
func (t *Transport) Receive() (*types.Message, error) {
	data, err := dap.ReadBaseMessage(t.reader)
	if err != nil {
		return nil, errors.TransportFailed("read", err)
	}

	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.MalformedMessage(err)
	}
	if msg.Type == "" {
		return nil, errors.MalformedMessage(errMissingType)
	}
	return &msg, nil
}

// Close closes the underlying connection. It is safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
