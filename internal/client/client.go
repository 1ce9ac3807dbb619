// Package client implements the debugger side of the debug protocol.
//
// A Client numbers its requests, matches replies to them by ReplySeq, and
// routes unsolicited notifications (breakpoint hits, story loads, session
// end) to an optional event handler and to WaitForBreakpoint.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ctagard/osidbg/internal/errors"
	"github.com/ctagard/osidbg/internal/log"
	"github.com/ctagard/osidbg/internal/protocol"
	"github.com/ctagard/osidbg/pkg/types"
)

// Stop describes why the engine paused. Exactly one of Breakpoint and Global
// is set.
type Stop struct {
	Breakpoint *types.BreakpointTriggered
	Global     *types.GlobalBreakpointTriggered
}

// Client provides a typed API over one debug session
type Client struct {
	transport *protocol.Transport
	logger    *slog.Logger

	// Response handling
	pendingRequests map[uint32]chan *types.Message
	mu              sync.Mutex

	// Event handling
	eventHandler func(*types.Message)
	handlerMu    sync.RWMutex

	stops chan Stop

	// Session end
	done      chan struct{}
	endReason string
	endOnce   sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial connects to a debug server
func Dial(ctx context.Context, address string, logger *slog.Logger) (*Client, error) {
	t, err := protocol.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	return New(t, logger), nil
}

// New creates a client over an established transport
func New(transport *protocol.Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = log.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport:       transport,
		logger:          log.WithComponent(logger, "client"),
		pendingRequests: make(map[uint32]chan *types.Message),
		stops:           make(chan Stop, 32),
		done:            make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
	}

	c.wg.Add(1)
	go c.readLoop()

	return c
}

// SetEventHandler sets the handler for unsolicited messages. It runs on the
// read goroutine and must not block.
func (c *Client) SetEventHandler(handler func(*types.Message)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.eventHandler = handler
}

// Done is closed when the session is over
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// EndReason returns the reason the server gave for ending the session. It is
// only meaningful after Done is closed.
func (c *Client) EndReason() string {
	<-c.done
	return c.endReason
}

func (c *Client) finish(reason string) {
	c.endOnce.Do(func() {
		c.endReason = reason
		close(c.done)
	})
}

// readLoop reads until the connection fails or the client is closed
func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		msg, err := c.transport.Receive()
		if err != nil {
			select {
			case <-c.ctx.Done():
				c.finish("client closed")
			default:
				c.logger.Debug("read loop stopped", "error", err)
				c.finish("connection lost")
			}
			return
		}
		c.handleMessage(msg)
	}
}

// handleMessage routes replies to their waiters and everything else to the
// event handler
func (c *Client) handleMessage(msg *types.Message) {
	if msg.ReplySeq != 0 {
		c.mu.Lock()
		ch, ok := c.pendingRequests[msg.ReplySeq]
		delete(c.pendingRequests, msg.ReplySeq)
		c.mu.Unlock()

		if ok {
			ch <- msg
		} else {
			c.logger.Warn("reply to unknown request", "reply_seq", msg.ReplySeq, "type", msg.Type)
		}
		return
	}

	switch msg.Type {
	case types.MsgBreakpointTriggered:
		var body types.BreakpointTriggered
		if err := msg.DecodeBody(&body); err == nil {
			c.pushStop(Stop{Breakpoint: &body})
		}
	case types.MsgGlobalBreakpointTriggered:
		var body types.GlobalBreakpointTriggered
		if err := msg.DecodeBody(&body); err == nil {
			c.pushStop(Stop{Global: &body})
		}
	case types.MsgDebugSessionEnded:
		var body types.DebugSessionEnded
		_ = msg.DecodeBody(&body)
		c.finish(body.Reason)
	}

	c.handlerMu.RLock()
	handler := c.eventHandler
	c.handlerMu.RUnlock()
	if handler != nil {
		handler(msg)
	}
}

func (c *Client) pushStop(s Stop) {
	select {
	case c.stops <- s:
	default:
		c.logger.Warn("dropping breakpoint notification, nobody is waiting")
	}
}

// request sends a request and waits for its reply
func (c *Client) request(ctx context.Context, msgType types.MessageType, body interface{}) (*types.Message, error) {
	msg, err := types.NewMessage(msgType, body)
	if err != nil {
		return nil, err
	}

	respChan := make(chan *types.Message, 1)

	// The waiter is registered before the frame is written, and c.mu is not
	// held during the write so the read loop can keep delivering replies.
	err = c.transport.SendReserved(msg, func(seq uint32) {
		c.mu.Lock()
		c.pendingRequests[seq] = respChan
		c.mu.Unlock()
	})
	if err != nil {
		c.forget(msg.Seq)
		return nil, err
	}

	select {
	case resp := <-respChan:
		return resp, nil
	case <-c.done:
		c.forget(msg.Seq)
		return nil, errors.TransportFailed(string(msgType), fmt.Errorf("session ended: %s", c.endReason))
	case <-ctx.Done():
		c.forget(msg.Seq)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(seq uint32) {
	c.mu.Lock()
	delete(c.pendingRequests, seq)
	c.mu.Unlock()
}

// result sends a request answered by a Result message
func (c *Client) result(ctx context.Context, msgType types.MessageType, body interface{}) (*types.Result, error) {
	resp, err := c.request(ctx, msgType, body)
	if err != nil {
		return nil, err
	}
	if resp.Type != types.MsgResult {
		return nil, errors.MalformedMessage(fmt.Errorf("expected %s reply to %s, got %s", types.MsgResult, msgType, resp.Type))
	}
	var res types.Result
	if err := resp.DecodeBody(&res); err != nil {
		return nil, errors.MalformedMessage(err)
	}
	return &res, nil
}

// Identify performs the handshake
func (c *Client) Identify(ctx context.Context, protocolVersion uint32) (*types.VersionInfo, error) {
	resp, err := c.request(ctx, types.MsgIdentify, &types.IdentifyRequest{ProtocolVersion: protocolVersion})
	if err != nil {
		return nil, err
	}
	if resp.Type != types.MsgVersionInfo {
		return nil, errors.MalformedMessage(fmt.Errorf("expected %s reply to identify, got %s", types.MsgVersionInfo, resp.Type))
	}
	var info types.VersionInfo
	if err := resp.DecodeBody(&info); err != nil {
		return nil, errors.MalformedMessage(err)
	}
	return &info, nil
}

// SetGlobalBreakpoints replaces the global breakpoint mask
func (c *Client) SetGlobalBreakpoints(ctx context.Context, mask types.GlobalBreakpointType) (types.ResultCode, error) {
	res, err := c.result(ctx, types.MsgSetGlobalBreakpoints, &types.SetGlobalBreakpointsRequest{Mask: mask})
	if err != nil {
		return types.NoDebuggee, err
	}
	return res.Code, nil
}

// SetBreakpoints replaces all node, rule and goal breakpoints
func (c *Client) SetBreakpoints(ctx context.Context, bps []types.BreakpointSpec) (types.ResultCode, error) {
	res, err := c.result(ctx, types.MsgSetBreakpoints, &types.SetBreakpointsRequest{Breakpoints: bps})
	if err != nil {
		return types.NoDebuggee, err
	}
	return res.Code, nil
}

// Continue resumes, steps or pauses the engine
func (c *Client) Continue(ctx context.Context, action types.ContinueAction) (types.ResultCode, error) {
	res, err := c.result(ctx, types.MsgContinue, &types.ContinueRequest{Action: action})
	if err != nil {
		return types.NoDebuggee, err
	}
	return res.Code, nil
}

// GetDatabaseContents fetches the rule database. Contents are nil unless the
// code is Success.
func (c *Client) GetDatabaseContents(ctx context.Context) (*types.DatabaseContents, types.ResultCode, error) {
	res, err := c.result(ctx, types.MsgGetDatabaseContents, nil)
	if err != nil {
		return nil, types.NoDebuggee, err
	}
	return res.Database, res.Code, nil
}

// WaitForBreakpoint blocks until the engine pauses
func (c *Client) WaitForBreakpoint(ctx context.Context) (Stop, error) {
	// A stop delivered just before the session ended is still reported.
	select {
	case s := <-c.stops:
		return s, nil
	default:
	}

	select {
	case s := <-c.stops:
		return s, nil
	case <-c.done:
		return Stop{}, errors.TransportFailed("wait for breakpoint", fmt.Errorf("session ended: %s", c.endReason))
	case <-ctx.Done():
		return Stop{}, ctx.Err()
	}
}

// Close closes the connection and waits for the read loop to exit
func (c *Client) Close() error {
	c.cancel()
	err := c.transport.Close()
	c.wg.Wait()
	return err
}
