// Package conns provides support code for managing and testing connections.
package conns

import (
	"context"
	"errors"
	"net"

	"github.com/creachadair/taskgroup"
	"github.com/hashicorp/go-multierror"

	jsonrpc "github.com/microsoft/vscode-languageserver-node-sub009"
	"github.com/microsoft/vscode-languageserver-node-sub009/channel"
)

// Local is a pair of in-memory connected connections, suitable for testing.
type Local struct {
	A *jsonrpc.Conn
	B *jsonrpc.Conn
}

// Stop shuts down both connections and blocks until both have exited,
// combining their exit status.
func (p *Local) Stop() error {
	var errs *multierror.Error
	errs = multierror.Append(errs, p.A.Close(), p.B.Close())
	return errs.ErrorOrNil()
}

// NewLocal creates a pair of in-memory connected connections that exchange
// message bodies via a direct channel without framing.
func NewLocal() *Local {
	a2b, b2a := channel.Direct()
	return &Local{
		A: jsonrpc.NewConn().Listen(a2b),
		B: jsonrpc.NewConn().Listen(b2a),
	}
}

// An Accepter produces channels for inbound connections.
type Accepter interface {
	Accept(context.Context) (channel.Channel, error)
}

// Loop accepts connections from acc and starts a connection for each one in
// a goroutine. Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running connections are closed. When acc closes,
// the loop waits for running connections to exit before returning.
func Loop(ctx context.Context, acc Accepter, newConn func() *jsonrpc.Conn) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			conn := newConn().Listen(ch)
			go func() { <-sctx.Done(); conn.Close() }()
			return conn.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface, framing each
// accepted connection with framing. A nil framing uses channel.IO.
func NetAccepter(lst net.Listener, framing channel.Framing) Accepter {
	if framing == nil {
		framing = channel.IO
	}
	return netAccepter{Listener: lst, framing: framing}
}

type netAccepter struct {
	net.Listener
	framing channel.Framing
}

func (n netAccepter) Accept(ctx context.Context) (channel.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to
	// clean up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return n.framing(conn, conn), nil
}

// Dial connects to the peer at addr, using the network guessed by
// jsonrpc.SplitAddress, and frames the stream with framing. A nil framing
// uses channel.IO.
func Dial(addr string, framing channel.Framing) (channel.Channel, error) {
	if framing == nil {
		framing = channel.IO
	}
	network, address := jsonrpc.SplitAddress(addr)
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	return framing(conn, conn), nil
}
