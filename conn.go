// Copyright (C) 2025 Microsoft Corporation. All Rights Reserved.

package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"

	"github.com/creachadair/mds/value"
	"github.com/creachadair/taskgroup"

	"github.com/microsoft/vscode-languageserver-node-sub009/channel"
	"github.com/microsoft/vscode-languageserver-node-sub009/omap"
)

// A Handler services a request from the remote peer. A handler can obtain
// the connection from its context argument using the ContextConn helper, and
// the cancellation token for its request using ContextToken.
//
// By default, the error reported by a handler is returned to the caller as
// an internal error with the text of the error as its message. A handler may
// return a value of concrete type *Error to control the error code, message,
// and auxiliary error data.
type Handler func(context.Context, *Request) (any, error)

// A NotifyHandler services a notification from the remote peer. Any error it
// reports is surfaced to the connection's error observer; it is never sent
// to the peer and is not protocol fatal.
type NotifyHandler func(context.Context, *Notification) error

// A MessageLogger logs a message exchanged with the remote peer.
type MessageLogger func(MessageInfo)

// StdLogger adapts lg to a MessageLogger. If lg == nil, it uses the default
// logger from the log package.
func StdLogger(lg *log.Logger) MessageLogger {
	if lg == nil {
		lg = log.Default()
	}
	return func(mi MessageInfo) { lg.Print(mi.String()) }
}

// A MessageInfo combines a message and a flag indicating whether the message
// was sent or received.
type MessageInfo struct {
	Message      // the message being logged
	Sent    bool // whether the message was sent (true) or received (false)
}

func (m MessageInfo) dir() string { return value.Cond(m.Sent, "send", "recv") }

func (m MessageInfo) String() string { return fmt.Sprintf("%v %v", m.dir(), m.Message) }

// connState tracks the lifecycle of a connection. The only transitions are
// Created to Listening, Listening to Closed, and any state to Disposed.
type connState int

const (
	stateCreated connState = iota
	stateListening
	stateClosed
	stateDisposed
)

func (s connState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateListening:
		return "listening"
	case stateClosed:
		return "closed"
	case stateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state %d", int(s))
	}
}

// A Conn implements one end of a message connection. Construct a connection
// with NewConn, register handlers with Handle and HandleNotification, and
// call Listen with a channel to start the service routine. Once listening, a
// connection runs until Close or Dispose is called, the channel closes, or a
// protocol fatal error occurs. Use Wait to wait for the connection to exit
// and report its status.
//
// Call and Notify invoke operations on the remote peer. Both are safe for
// concurrent use by multiple goroutines, and writes issued concurrently are
// serialized onto the wire in the order the sends were accepted.
type Conn struct {
	in  interface{ Recv() ([]byte, error) }
	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch channel.Channel
	}
	tasks *taskgroup.Group

	μ sync.Mutex

	state    connState
	err      error                    // protocol fatal error
	ocall    *omap.Map[ID, pending]   // outbound calls pending responses
	nexto    int64                    // last issued outbound call id
	icall    *omap.Map[ID, *Source]   // inbound id → cancellation source
	hcall    map[string]Handler       // method → request handler
	hnote    map[string]NotifyHandler // method → notification handler
	strategy CancellationStrategy
	mlog     MessageLogger
	onErr    func(error)
	base     func() context.Context // return a new base context

	onExit func(error)
}

// NewConn constructs a new connection in the Created state, using the
// message cancellation strategy.
func NewConn() *Conn {
	return &Conn{
		hcall:    make(map[string]Handler),
		hnote:    make(map[string]NotifyHandler),
		strategy: MessageCancellation(),
		base:     context.Background,
	}
}

// Listen starts the connection running on the given channel. The connection
// runs until the channel closes, a protocol fatal error occurs, or it is
// closed or disposed. Listen does not block; call Wait to wait for the
// connection to exit and report its status.
//
// Listen panics if the connection is already listening or has been shut
// down; calling it twice is a usage error.
func (c *Conn) Listen(ch channel.Channel) *Conn {
	c.μ.Lock()
	if c.state != stateCreated {
		c.μ.Unlock()
		panic("connection is " + c.state.String())
	}
	g := taskgroup.New(nil)
	c.state = stateListening
	c.in = ch
	c.tasks = g
	c.err = nil
	c.ocall = omap.New[ID, pending]()
	c.icall = omap.New[ID, *Source]()
	c.nexto = 0
	c.μ.Unlock()

	c.out.Lock()
	c.out.ch = ch
	c.out.Unlock()

	g.Go(func() error {
		for {
			data, err := c.in.Recv()
			if err != nil {
				if channel.IsRecoverable(err) {
					// Framing faults never terminate the stream; the codec
					// realigns on the next header.
					c.report(err)
					if data == nil {
						continue
					}
				} else {
					c.fail(err)
					return nil
				}
			}
			connMetrics.msgRecv.Add(1)
			msg, derr := Decode(data)
			if derr != nil {
				connMetrics.msgDropped.Add(1)
				c.report(derr)
				continue
			}
			if err := c.dispatch(msg); err != nil {
				c.fail(err)
				return nil
			}
		}
	})
	return c
}

// Metrics returns a metrics map for the connection. It is safe for the
// caller to add additional metrics to the map while the connection is
// active.
func (c *Conn) Metrics() *expvar.Map { return connMetrics.emap }

// Handle registers a request handler for the specified method. It is safe
// to call this while the connection is running. Passing a nil Handler
// removes any handler for the method. Handle returns c to permit chaining.
func (c *Conn) Handle(method string, handler Handler) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	if handler == nil {
		delete(c.hcall, method)
	} else {
		c.hcall[method] = handler
	}
	return c
}

// HandleNotification registers a notification handler for the specified
// method. Notifications for methods without a handler are dropped with a
// signal to the error observer. Passing a nil handler removes any handler
// for the method. HandleNotification returns c to permit chaining.
func (c *Conn) HandleNotification(method string, handler NotifyHandler) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	if handler == nil {
		delete(c.hnote, method)
	} else {
		c.hnote[method] = handler
	}
	return c
}

// WithCancellation selects the cancellation strategy for the connection.
// It must be called before Listen. WithCancellation returns c to permit
// chaining.
func (c *Conn) WithCancellation(s CancellationStrategy) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.state != stateCreated {
		panic("connection is " + c.state.String())
	}
	if s.Sender != nil {
		c.strategy.Sender = s.Sender
	}
	if s.Receiver != nil {
		c.strategy.Receiver = s.Receiver
	}
	return c
}

// LogMessages registers a callback that will be invoked for each message
// exchanged with the remote peer. Passing a nil callback disables message
// logging. The logger is invoked synchronously with dispatch, prior to
// sending or invoking a handler.
func (c *Conn) LogMessages(log MessageLogger) *Conn {
	// Hold both locks: mlog is read on the send path under the output lock
	// and on the dispatch path under the state lock.
	c.μ.Lock()
	defer c.μ.Unlock()
	c.out.Lock()
	defer c.out.Unlock()
	c.mlog = log
	return c
}

// OnError registers a callback that observes recoverable faults: framing
// and parse errors, stray responses, dropped notifications, and handler
// faults already translated into responses. Passing nil removes the
// callback. OnError returns c to permit chaining.
func (c *Conn) OnError(f func(error)) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onErr = f
	return c
}

// OnExit registers a callback to be invoked when the connection terminates.
// The callback is executed synchronously during shutdown, with the same
// error value that would be reported by the Wait method.
//
// Only one exit callback can be registered at a time; if f == nil the
// callback is removed.
func (c *Conn) OnExit(f func(error)) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onExit = f
	return c
}

// NewContext registers a function that will be called to create a new base
// context for handlers. This allows request-specific host resources to be
// plumbed into a handler. If it is not set a background context is used.
func (c *Conn) NewContext(base func() context.Context) *Conn {
	c.μ.Lock()
	defer c.μ.Unlock()
	if base == nil {
		c.base = context.Background
	} else {
		c.base = base
	}
	return c
}

// Call invokes the specified method on the remote peer and blocks until ctx
// ends or the response is received. The params value is encoded as the
// request parameters; nil means no parameters. A nil error means the call
// succeeded and the raw result is returned.
//
// If ctx ends before the response arrives, the call settles immediately
// with a cancellation error, the active cancellation strategy signals the
// peer, and any response that still arrives for the request is discarded as
// a stray. An error reported by Call has concrete type *CallError.
func (c *Conn) Call(ctx context.Context, method string, params any) (_ json.RawMessage, err error) {
	connMetrics.callOut.Add(1)
	defer func() {
		if err != nil {
			connMetrics.callOutErr.Add(1)
		}
	}()

	id, pc, err := c.sendReq(method, params)
	if err != nil {
		return nil, callError(err)
	}
	connMetrics.callPending.Add(1)
	defer connMetrics.callPending.Add(-1)

	done := ctx.Done()
	for {
		select {
		case <-done:
			// The local context ended. Discard the pending entry so a late
			// response becomes a stray, push a cancellation to the peer, and
			// settle immediately.
			c.μ.Lock()
			wasPending := c.ocall.Delete(id)
			sender := c.strategy.Sender
			c.μ.Unlock()
			if !wasPending {
				// The response is already in flight; pick it up below.
				done = nil
				continue
			}
			// Settlement of the sender strategy is deferred until the late
			// response arrives as a stray, so the cancellation signal stays
			// observable by the peer until then.
			sender.CancelRequest(c, id)
			return nil, &CallError{Err: ctx.Err(), RPC: Errorf(CodeRequestCancelled, "request cancelled")}

		case rsp, ok := <-pc:
			c.μ.Lock()
			sender := c.strategy.Sender
			c.μ.Unlock()
			sender.Settled(id)
			if !ok {
				// Closed without a response: the connection failed or was
				// shut down while the call was pending.
				return nil, callError(c.closeError())
			}
			if rsp.Error != nil {
				return nil, &CallError{RPC: rsp.Error}
			}
			return rsp.Result, nil
		}
	}
}

// Notify sends a notification for the specified method to the remote peer.
// Notifications have no correlation id and produce no response; a nil error
// means the message was handed to the transport.
func (c *Conn) Notify(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	c.μ.Lock()
	err = c.stateErrLocked()
	c.μ.Unlock()
	if err != nil {
		return err
	}
	return c.sendOut(&Notification{Method: method, Params: raw})
}

// Close transitions the connection to the Closed state: every pending
// outbound call is rejected with ErrConnClosed, in-flight inbound handlers
// are cancelled, and all further operations fail fast. Close blocks until
// the service routines have exited and returns the connection status.
func (c *Conn) Close() error { return c.shutdown(stateClosed) }

// Dispose irreversibly tears the connection down: pending calls are
// rejected with ErrConnDisposed, the stream handles are released exactly
// once, and every further operation fails fast without touching the
// transport again.
func (c *Conn) Dispose() error {
	err := c.shutdown(stateDisposed)
	c.out.Lock()
	c.out.ch = nil
	c.out.Unlock()
	return err
}

// Wait blocks until the connection terminates and reports the error that
// caused it to stop. If the connection stopped because the channel closed
// or it was shut down locally, Wait returns nil.
func (c *Conn) Wait() error {
	c.μ.Lock()
	t := c.tasks
	c.μ.Unlock()
	if t == nil {
		return nil // the connection never started
	}
	t.Wait()

	c.μ.Lock()
	defer c.μ.Unlock()
	if treatErrorAsSuccess(c.err) {
		return nil
	}
	return c.err
}

func (c *Conn) shutdown(target connState) error {
	c.μ.Lock()
	if c.state == stateDisposed || c.state == target {
		c.μ.Unlock()
		return c.Wait()
	}
	prev := c.state
	c.state = target
	c.μ.Unlock()

	if prev == stateCreated {
		return nil // never listened; nothing to stop
	}
	c.closeOut()
	return c.Wait()
}

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// stateErrLocked reports the typed error for operations attempted in the
// current state, or nil when the connection is listening and healthy.
func (c *Conn) stateErrLocked() error {
	switch c.state {
	case stateCreated:
		return ErrNotListening
	case stateClosed:
		return ErrConnClosed
	case stateDisposed:
		return ErrConnDisposed
	}
	return c.err
}

// closeError resolves the error kind used to reject calls that were pending
// when the connection went down.
func (c *Conn) closeError() error {
	c.μ.Lock()
	defer c.μ.Unlock()
	switch c.state {
	case stateDisposed:
		return ErrConnDisposed
	case stateClosed:
		return ErrConnClosed
	}
	if c.err != nil && !treatErrorAsSuccess(c.err) {
		return fmt.Errorf("call terminated: %w", c.err)
	}
	return ErrConnClosed
}

// fail terminates all pending calls and updates the failure status.
func (c *Conn) fail(err error) {
	c.closeOut()

	c.μ.Lock()
	defer c.μ.Unlock()

	if c.state == stateListening {
		c.state = stateClosed
	}

	// Terminate all incomplete pending (outbound) calls.
	for pc := range c.ocall.Values() {
		pc.close()
	}
	c.ocall.Clear()

	// Cancel all incomplete active (inbound) calls.
	for src := range c.icall.Values() {
		src.Cancel()
	}
	c.icall.Clear()

	if c.err == nil {
		c.err = err
	}
	if c.onExit != nil {
		if treatErrorAsSuccess(err) {
			err = nil
		}
		c.onExit(err)
	}
}

// sendReq registers a pending entry and sends a request for the given
// method and params. It blocks until the send completes, but does not wait
// for the reply. The response will be delivered on the returned pending
// channel.
func (c *Conn) sendReq(method string, params any) (ID, pending, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return ID{}, nil, err
	}

	// Phase 1: Check the lifecycle state and acquire an id.
	c.μ.Lock()
	if err := c.stateErrLocked(); err != nil {
		c.μ.Unlock()
		return ID{}, nil, err
	}
	c.nexto++
	id := Int64ID(c.nexto)
	pc := make(pending, 1)
	c.ocall.Set(id, pc)
	c.μ.Unlock()

	// Send the request to the remote peer. Note we MUST NOT hold the state
	// lock while doing this, as that will block the receiver from
	// dispatching messages.
	err = c.sendOut(&Request{ID: id, Method: method, Params: raw})

	// Phase 2: Check for an error in the send, and update state if it failed.
	c.μ.Lock()
	defer c.μ.Unlock()
	if err != nil {
		c.ocall.Delete(id)
		return ID{}, nil, err
	}
	return id, pc, nil
}

// sendRsp writes the response for an inbound request and retires its
// activation. Exactly one response is ever written per inbound id.
func (c *Conn) sendRsp(rsp *Response) {
	c.μ.Lock()
	c.icall.Delete(rsp.ID)
	receiver := c.strategy.Receiver
	err := c.err
	c.μ.Unlock()

	receiver.Settled(rsp.ID)
	if err != nil {
		return
	}
	if err := c.sendOut(rsp); err != nil {
		c.closeOut()
	}
}

// dispatch routes an inbound message. Any error it reports is protocol
// fatal.
func (c *Conn) dispatch(msg Message) error {
	c.μ.Lock()
	mlog := c.mlog
	c.μ.Unlock()
	if mlog != nil {
		mlog(MessageInfo{Message: msg, Sent: false})
	}

	switch m := msg.(type) {
	case *Request:
		c.μ.Lock()
		defer c.μ.Unlock()
		return c.dispatchRequestLocked(m)

	case *Notification:
		return c.dispatchNotification(m)

	case *Response:
		c.μ.Lock()
		pc, ok := c.ocall.Get(m.ID)
		if ok {
			c.ocall.Delete(m.ID)
		}
		sender := c.strategy.Sender
		c.μ.Unlock()
		if !ok {
			// A response for an id that is not pending is a duplicate or a
			// stray for a cancelled call. Discard it, and retire any
			// cancellation signal the sender left for its id.
			sender.Settled(m.ID)
			connMetrics.msgDropped.Add(1)
			c.report(fmt.Errorf("discarding response for unknown id %v", m.ID))
			return nil
		}
		pc.deliver(m) // does not block
	}
	return nil
}

// dispatchRequestLocked dispatches an inbound request to its handler.
// It reports an error back to the caller for a duplicate request id or an
// unknown method.
func (c *Conn) dispatchRequestLocked(req *Request) (err error) {
	connMetrics.callIn.Add(1)
	defer func() {
		if err != nil {
			connMetrics.callInErr.Add(1)
		}
	}()

	// Report a duplicate request id without failing the existing call.
	if c.icall.Has(req.ID) {
		return c.sendOut(&Response{
			ID:    req.ID,
			Error: Errorf(CodeInvalidRequest, "duplicate request id %v", req.ID),
		})
	}

	handler, ok := c.hcall[req.Method]
	if !ok {
		return c.sendOut(&Response{
			ID:    req.ID,
			Error: Errorf(CodeMethodNotFound, "method %q not found", req.Method),
		})
	}

	// Mint the activation before the handler runs, so a cancellation signal
	// arriving from now on reaches the token.
	src := c.strategy.Receiver.Activate(req.ID)
	c.icall.Set(req.ID, src)
	connMetrics.callActive.Add(1)

	pctx := context.WithValue(c.base(), connContextKey{}, c)
	pctx = context.WithValue(pctx, tokenContextKey{}, Token(src))
	ctx, cancel := context.WithCancel(pctx)

	// Bridge the token to the handler context.
	settled := make(chan struct{})
	c.tasks.Go(func() error {
		select {
		case <-src.Done():
			cancel()
		case <-settled:
		}
		return nil
	})

	// Start a goroutine to service the request. The goroutine handles
	// cancellation and response delivery; the read loop never waits for it.
	c.tasks.Go(func() error {
		defer cancel()
		defer close(settled)
		defer connMetrics.callActive.Add(-1)

		v, err := func() (_ any, err error) {
			// Ensure a panic out of the handler is turned into a graceful
			// response.
			defer func() {
				if x := recover(); x != nil && err == nil {
					err = fmt.Errorf("handler panicked (recovered): %v", x)
				}
			}()
			return handler(ctx, req)
		}()

		rsp := &Response{ID: req.ID}
		if ctx.Err() != nil || src.IsRequested() || err == context.Canceled || err == context.DeadlineExceeded {
			// N.B. Only do this for the unwrapped sentinel errors.

			// If the token fired or the context terminated, treat this as a
			// cancellation even if the handler succeeded. This usually means
			// the peer cancelled a request that the handler ignored.
			rsp.Error = Errorf(CodeRequestCancelled, "request cancelled")
		} else if err == nil {
			raw, merr := marshalResult(v)
			if merr != nil {
				rsp.Error = Errorf(CodeInternalError, "marshaling result: %v", merr)
			} else {
				rsp.Result = raw
			}
		} else if re, ok := err.(*Error); ok {
			rsp.Error = re
		} else {
			rsp.Error = &Error{Code: CodeInternalError, Message: err.Error()}
		}
		if rsp.Error != nil {
			connMetrics.callInErr.Add(1)
		}
		c.sendRsp(rsp)
		return nil
	})
	return nil
}

// dispatchNotification routes an inbound notification. The reserved cancel
// method is handed to the receiver strategy; other methods go to their
// registered handler, and unregistered methods are dropped with a log
// signal.
func (c *Conn) dispatchNotification(m *Notification) error {
	if m.Method == CancelMethod {
		connMetrics.cancelIn.Add(1)
		id, err := decodeCancelParams(m.Params)
		if err != nil {
			c.report(err)
			return nil
		}
		c.μ.Lock()
		receiver := c.strategy.Receiver
		c.μ.Unlock()
		receiver.CancelInbound(id)
		return nil
	}

	c.μ.Lock()
	handler, ok := c.hnote[m.Method]
	c.μ.Unlock()
	if !ok {
		connMetrics.msgDropped.Add(1)
		c.report(fmt.Errorf("dropping notification for unhandled method %q", m.Method))
		return nil
	}

	pctx := context.WithValue(c.base(), connContextKey{}, c)
	c.tasks.Go(func() error {
		err := func() (err error) {
			defer func() {
				if x := recover(); x != nil && err == nil {
					err = fmt.Errorf("notification handler panicked (recovered): %v", x)
				}
			}()
			return handler(pctx, m)
		}()
		if err != nil {
			c.report(fmt.Errorf("notification %q: %w", m.Method, err))
		}
		return nil
	})
	return nil
}

// report surfaces a recoverable fault to the error observer, if one is
// registered.
func (c *Conn) report(err error) {
	c.μ.Lock()
	f := c.onErr
	c.μ.Unlock()
	if f != nil {
		f(err)
	}
}

func (c *Conn) sendOut(msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	c.out.Lock()
	defer c.out.Unlock()
	if c.out.ch == nil {
		return ErrConnDisposed
	}
	connMetrics.msgSent.Add(1)
	if c.mlog != nil {
		c.mlog(MessageInfo{Message: msg, Sent: true})
	}
	return c.out.ch.Send(data)
}

func (c *Conn) closeOut() {
	c.out.Lock()
	defer c.out.Unlock()
	if c.out.ch != nil {
		c.out.ch.Close()
	}
}

type pending chan *Response

func (p pending) close() {
	if p != nil {
		close(p)
	}
}

func (p pending) deliver(r *Response) {
	if p != nil {
		p <- r
		close(p)
	}
}

// marshalParams encodes a params value for the wire. A nil value omits the
// params field; a json.RawMessage is used as-is.
func marshalParams(params any) (json.RawMessage, error) {
	switch t := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	default:
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling params: %w", err)
		}
		return raw, nil
	}
}

// marshalResult encodes a handler result for the wire. A nil value encodes
// as a null result.
func marshalResult(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	default:
		return json.Marshal(t)
	}
}

type connContextKey struct{}

// ContextConn returns the Conn associated with the given context, or nil if
// none is defined. The context passed to a Handler has this value.
func ContextConn(ctx context.Context) *Conn {
	if v := ctx.Value(connContextKey{}); v != nil {
		return v.(*Conn)
	}
	return nil
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as
// "unix". The network "unix" is also assigned if port == "", port contains
// characters other than ASCII letters, digits, and "-", or if host contains
// a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for
// our purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
