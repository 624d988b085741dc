// Copyright (C) 2025 Microsoft Corporation. All Rights Reserved.

// Package channel implements the message transports used by a connection.
//
// A Channel carries discrete message bodies between two peers. The Header
// framing encodes each body with a Content-Length header block over an
// arbitrary duplex byte stream; Direct passes bodies in memory without
// encoding. Nothing above this package depends on the transport.
package channel

import (
	"io"
	"net"
)

// A Channel is a reliable ordered stream of message bodies shared by two
// peers.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver. Send must additionally serialize calls from
// multiple writers so that concurrently issued messages never interleave on
// the wire.
type Channel interface {
	// Send the message body to the receiver.
	Send([]byte) error

	// Receive the next available message body from the channel.
	Recv() ([]byte, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A Framing converts a reader and a writer into a Channel with a particular
// message-framing discipline.
type Framing func(io.Reader, io.WriteCloser) Channel

// IO constructs a channel that exchanges header-framed messages, receiving
// from r and sending to wc, using the default [LSP] framing.
func IO(r io.Reader, wc io.WriteCloser) Channel { return LSP(r, wc) }

// Direct constructs a connected pair of in-memory channels that pass message
// bodies directly without framing. Bodies sent to A are received by B and
// vice versa.
func Direct() (A, B Channel) {
	a2b := make(chan []byte)
	b2a := make(chan []byte)
	A = direct{send: a2b, recv: b2a}
	B = direct{send: b2a, recv: a2b}
	return
}

type direct struct {
	send chan<- []byte
	recv <-chan []byte
}

// Send implements a method of the [Channel] interface.
func (d direct) Send(msg []byte) (err error) {
	defer safeClose(&err)
	cp := make([]byte, len(msg))
	copy(cp, msg)
	d.send <- cp
	return nil
}

// Recv implements a method of the [Channel] interface.
func (d direct) Recv() ([]byte, error) {
	msg, ok := <-d.recv
	if !ok {
		return nil, net.ErrClosed
	}
	return msg, nil
}

// Close implements a method of the [Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.send)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}
