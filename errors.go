// Copyright (C) 2025 Microsoft Corporation. All Rights Reserved.

package jsonrpc

import (
	"errors"
	"fmt"
)

// Lifecycle errors reported by operations attempted in the wrong connection
// state. They are returned synchronously, before the transport is touched.
var (
	// ErrNotListening is reported by send operations before Listen is called.
	ErrNotListening = errors.New("connection is not listening")

	// ErrConnClosed is reported by operations on a closed connection, and
	// rejects every call still pending when the connection closes.
	ErrConnClosed = errors.New("connection is closed")

	// ErrConnDisposed is reported by operations on a disposed connection, and
	// rejects every call still pending when the connection is disposed.
	ErrConnDisposed = errors.New("connection is disposed")
)

// CallError is the concrete type of errors reported by the Call method of a
// Conn. For errors reported by the remote peer, the Err field is nil and RPC
// carries the error from the response. For local failures (a closed
// connection, a cancelled context) Err records the cause.
type CallError struct {
	Err error  // local failure; nil for peer-reported errors
	RPC *Error // error carried by the response, if any
}

// Unwrap reports the underlying error of c. If c.Err == nil, this is c.RPC.
func (c *CallError) Unwrap() error {
	if c.Err != nil {
		return c.Err
	}
	if c.RPC != nil {
		return c.RPC
	}
	return nil
}

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return c.Err.Error()
	} else if c.RPC != nil {
		return fmt.Sprintf("call failed: %s: %s", codeName(c.RPC.Code), c.RPC.Message)
	}
	return "call failed"
}

// Cancelled reports whether c settles a request that was cancelled, either
// locally by the caller or remotely by the peer.
func (c *CallError) Cancelled() bool {
	return c.RPC != nil && c.RPC.Code == CodeRequestCancelled
}

func callError(err error) *CallError { return &CallError{Err: err} }
