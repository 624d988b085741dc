// Copyright (C) 2025 Microsoft Corporation. All Rights Reserved.

package channel_test

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"testing"

	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"

	"github.com/microsoft/vscode-languageserver-node-sub009/channel"
)

// pipeChannels returns a connected pair of channels running the given framing
// over an in-memory pipe.
func pipeChannels(t *testing.T, framing channel.Framing) (client, server channel.Channel) {
	t.Helper()
	cr, sw := io.Pipe()
	sr, cw := io.Pipe()
	client = framing(cr, cw)
	server = framing(sr, sw)
	t.Cleanup(func() { client.Close(); server.Close() })
	return
}

func TestHeaderRoundTrip(t *testing.T) {
	defer leaktest.Check(t)()

	tests := []struct {
		name    string
		framing channel.Framing
	}{
		{"LSP", channel.LSP},
		{"StrictTyped", channel.StrictHeader("application/json")},
		{"StrictUntyped", channel.StrictHeader("")},
		{"Untyped", channel.Header("")},
	}
	messages := []string{
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		"", // an empty body is a valid frame
		strings.Repeat("x", 4096),
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client, server := pipeChannels(t, tc.framing)
			g := taskgroup.Go(func() error {
				for _, msg := range messages {
					if err := client.Send([]byte(msg)); err != nil {
						return fmt.Errorf("send %q: %w", msg, err)
					}
				}
				return nil
			})
			for _, want := range messages {
				got, err := server.Recv()
				if err != nil {
					t.Fatalf("Recv: unexpected error: %v", err)
				}
				if string(got) != want {
					t.Errorf("Recv: got %q, want %q", got, want)
				}
			}
			if err := g.Wait(); err != nil {
				t.Errorf("Send: %v", err)
			}
		})
	}
}

func TestHeaderOptionalType(t *testing.T) {
	// A message without a Content-Type header is accepted by the tolerant
	// framing.
	sr, sw := io.Pipe()
	ch := channel.LSP(sr, discard{})
	go fmt.Fprintf(sw, "Content-Length: 2\r\n\r\nhi")

	if got, err := ch.Recv(); err != nil {
		t.Errorf("Recv: unexpected error: %v", err)
	} else if string(got) != "hi" {
		t.Errorf("Recv: got %q, want %q", got, "hi")
	}

	// A mismatched Content-Type is reported alongside the message.
	go fmt.Fprintf(sw, "Content-Type: text/plain\r\nContent-Length: 2\r\n\r\nhi")
	got, err := ch.Recv()
	var cerr *channel.ContentTypeError
	if !errors.As(err, &cerr) {
		t.Fatalf("Recv: got error %v, want a ContentTypeError", err)
	}
	if cerr.Got != "text/plain" {
		t.Errorf("ContentTypeError.Got = %q, want %q", cerr.Got, "text/plain")
	}
	if !channel.IsRecoverable(err) {
		t.Error("IsRecoverable reported false for a content-type mismatch")
	}
	if string(got) != "hi" {
		t.Errorf("Recv: got %q, want %q", got, "hi")
	}
}

func TestHeaderRecovery(t *testing.T) {
	sr, sw := io.Pipe()
	ch := channel.Header("")(sr, discard{})

	go func() {
		// A header block with a garbage line but a usable length: the body is
		// consumed so the stream stays aligned.
		fmt.Fprintf(sw, "not a header line\r\nContent-Length: 4\r\n\r\njunk")
		// A block with no content-length at all.
		fmt.Fprintf(sw, "Content-Type: application/json\r\n\r\n")
		// A block with an unusable length.
		fmt.Fprintf(sw, "Content-Length: many\r\n\r\n")
		// A well-formed frame afterward must still be received.
		fmt.Fprintf(sw, "Content-Length: 2\r\n\r\nok")
	}()

	for i := 0; i < 3; i++ {
		msg, err := ch.Recv()
		var ferr *channel.FramingError
		if !errors.As(err, &ferr) {
			t.Fatalf("Recv %d: got %q, %v; want a FramingError", i+1, msg, err)
		}
		if !channel.IsRecoverable(err) {
			t.Errorf("Recv %d: IsRecoverable reported false for %v", i+1, err)
		}
		t.Logf("Recv %d: %v (OK)", i+1, err)
	}
	if got, err := ch.Recv(); err != nil {
		t.Errorf("Recv: unexpected error: %v", err)
	} else if string(got) != "ok" {
		t.Errorf("Recv: got %q, want %q", got, "ok")
	}
}

func TestHeaderEOF(t *testing.T) {
	ch := channel.LSP(strings.NewReader(""), discard{})
	if msg, err := ch.Recv(); err != io.EOF {
		t.Errorf("Recv: got %q, %v; want io.EOF", msg, err)
	}

	// A frame truncated mid-body reports an unexpected EOF, not a recoverable
	// framing error.
	ch = channel.LSP(strings.NewReader("Content-Length: 100\r\n\r\nshort"), discard{})
	if _, err := ch.Recv(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Recv: got error %v, want io.ErrUnexpectedEOF", err)
	} else if channel.IsRecoverable(err) {
		t.Error("IsRecoverable reported true for a truncated stream")
	}
}

func TestConcurrentSend(t *testing.T) {
	defer leaktest.Check(t)()

	const numSenders = 8
	const perSender = 25

	client, server := pipeChannels(t, channel.LSP)

	g := taskgroup.New(nil)
	for i := 0; i < numSenders; i++ {
		g.Go(func() error {
			for j := 0; j < perSender; j++ {
				if err := client.Send([]byte(fmt.Sprintf("sender %d message %d", i, j))); err != nil {
					return err
				}
			}
			return nil
		})
	}

	// Frames from concurrent senders must arrive whole, never interleaved.
	var got []string
	for i := 0; i < numSenders*perSender; i++ {
		msg, err := server.Recv()
		if err != nil {
			t.Fatalf("Recv %d: unexpected error: %v", i+1, err)
		}
		got = append(got, string(msg))
	}
	if err := g.Wait(); err != nil {
		t.Errorf("Send: %v", err)
	}

	want := make([]string, 0, numSenders*perSender)
	for i := 0; i < numSenders; i++ {
		for j := 0; j < perSender; j++ {
			want = append(want, fmt.Sprintf("sender %d message %d", i, j))
		}
	}
	sort.Strings(got)
	sort.Strings(want)
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Received messages (-got, +want):\n%s", diff)
	}
}

func TestDirect(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := channel.Direct()
	g := taskgroup.Go(func() error { return a.Send([]byte("hello")) })
	if msg, err := b.Recv(); err != nil {
		t.Errorf("Recv: unexpected error: %v", err)
	} else if string(msg) != "hello" {
		t.Errorf("Recv: got %q, want %q", msg, "hello")
	}
	if err := g.Wait(); err != nil {
		t.Errorf("Send: %v", err)
	}

	// A sent message is copied, so later mutation of the caller's buffer does
	// not affect what the receiver saw.
	buf := []byte("stable")
	g = taskgroup.Go(func() error { return a.Send(buf) })
	msg, err := b.Recv()
	if err != nil {
		t.Errorf("Recv: unexpected error: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Errorf("Send: %v", err)
	}
	copy(buf, "mutate")
	if string(msg) != "stable" {
		t.Errorf("Recv: got %q, want %q", msg, "stable")
	}

	if err := a.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
	if msg, err := b.Recv(); err != net.ErrClosed {
		t.Errorf("Recv after close: got %q, %v; want net.ErrClosed", msg, err)
	}
	if err := a.Send([]byte("late")); err != net.ErrClosed {
		t.Errorf("Send after close: got %v, want net.ErrClosed", err)
	}
	if err := a.Close(); err != net.ErrClosed {
		t.Errorf("Close again: got %v, want net.ErrClosed", err)
	}
}

// discard is a WriteCloser that swallows its input.
type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
func (discard) Close() error                { return nil }
