// Copyright (C) 2025 Microsoft Corporation. All Rights Reserved.

// Package jsonrpc implements a transport-agnostic JSON-RPC 2.0 connection
// runtime.
//
// Two processes exchange requests, responses, and notifications as
// UTF-8 JSON bodies framed with a Content-Length header block over an
// arbitrary byte stream: a pipe, a socket, or an in-memory channel. The
// runtime does not interpret payload semantics; it provides message framing,
// request/response correlation, dispatch, and cancellation, and its delivery
// guarantees hold for the lifetime of one connected stream pair.
//
// # Connections
//
// The core type defined by this package is the [Conn]. Connections
// concurrently initiate and service calls with a remote peer over a
// [channel.Channel].
//
// To create a new, unstarted connection:
//
//	c := jsonrpc.NewConn()
//
// To start the service routine, call the Listen method with a channel
// connected to the peer:
//
//	c.Listen(ch)
//
// The connection runs until [Conn.Close] or [Conn.Dispose] is called, the
// channel is closed by the remote peer, or a protocol fatal error occurs.
// Call [Conn.Wait] to wait for the connection to exit and return its status:
//
//	if err := c.Wait(); err != nil {
//	   log.Fatalf("Connection failed: %v", err)
//	}
//
// # Calls
//
// A call is an exchange between the two peers, consisting of a request and
// the response carrying the same id. Calls may propagate in either
// direction, and multiple calls may be outstanding concurrently in both.
//
// To define method handlers for inbound calls, use [Conn.Handle]:
//
//	func echo(ctx context.Context, req *jsonrpc.Request) (any, error) {
//	   return req.Params, nil
//	}
//
//	c.Handle("echo", echo)
//
// To issue a call to the remote peer, use [Conn.Call]:
//
//	result, err := c.Call(ctx, "echo", map[string]any{"text": "hi"})
//	if err != nil {
//	   log.Fatalf("Call failed: %v", err)
//	}
//
// Errors reported by c.Call have concrete type [*CallError]. A handler may
// return an [*Error] to control the code, message, and data sent back to the
// caller; any other error is reported to the caller as an internal error.
//
// Notifications are methods invoked without correlation; they produce no
// response. Use [Conn.Notify] to send one and [Conn.HandleNotification] to
// service them.
//
// # Cancellation
//
// Cancelling the context passed to Call settles the call immediately and
// signals the peer through the connection's cancellation strategy. The
// default [MessageCancellation] strategy sends a reserved [CancelMethod]
// notification in-band; [FileCancellation] instead touches sentinel files in
// a session folder shared between the two processes, which suits handlers
// that run synchronously and cannot observe incoming messages. Handlers
// observe cancellation through their context, or by polling the [Token]
// available via [ContextToken].
//
// # Faults
//
// Malformed frames, undecodable bodies, stray responses, and dropped
// notifications are recoverable: they are surfaced to the observer
// registered with [Conn.OnError] and the read loop proceeds with the next
// message. Transport failures terminate the connection and reject every
// pending call.
//
// # Metrics
//
// Connections maintain a collection of expvar counters while running. Use
// the [Conn.Metrics] method to obtain the map. The metrics currently
// exported include:
//
//   - messages_received: counter of messages received
//   - messages_sent: counter of messages sent
//   - messages_dropped: counter of messages received and discarded
//   - calls_in: counter of inbound call requests received
//   - calls_in_failed: counter of inbound call requests resulting in errors
//   - calls_active: gauge of inbound calls currently active
//   - calls_out: counter of outbound call requests sent
//   - calls_out_failed: counter of outbound call requests resulting in errors
//   - cancels_in: counter of cancellation requests received
//   - calls_pending: gauge of outbound calls currently pending
//
// Additional metrics may be added in the future. It is safe for the caller
// to modify the metrics map to add, update, and remove entries.
package jsonrpc
