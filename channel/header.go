// Copyright (C) 2025 Microsoft Corporation. All Rights Reserved.

package channel

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// A FramingError reports a malformed frame on a header channel: a bad header
// line, a missing or invalid Content-Length, or an unexpected content type.
// A framing error is recoverable; the channel realigns on the next header
// block and subsequent Recv calls proceed normally.
type FramingError struct {
	Reason string
}

func (f *FramingError) Error() string { return "framing error: " + f.Reason }

// A ContentTypeError is reported by the Recv method of a header framing when
// the content type of an otherwise-valid message does not match the type
// expected by the channel. The message itself is returned alongside the
// error, so the caller may choose to tolerate the mismatch.
type ContentTypeError struct {
	Got, Want string
}

func (c *ContentTypeError) Error() string {
	return fmt.Sprintf("content type mismatch: got %q, want %q", c.Got, c.Want)
}

// IsRecoverable reports whether err is a framing fault that the receiver can
// skip past without abandoning the channel.
func IsRecoverable(err error) bool {
	switch err.(type) {
	case *FramingError, *ContentTypeError:
		return true
	}
	return false
}

// StrictHeader defines a framing that transmits and receives messages using
// a header prefix similar to HTTP, in which mimeType describes the content
// type.
//
// Specifically, each message is sent in the format:
//
//	Content-Type: <mime-type>\r\n
//	Content-Length: <nbytes>\r\n
//	\r\n
//	<payload>
//
// The length (nbytes) is encoded as decimal digits. If mimeType == "", the
// Content-Type header is omitted when sending.
//
// If the content type of an otherwise-valid received message does not match
// the expected value, Recv returns the decoded message along with a
// *ContentTypeError. The caller may choose to tolerate the mismatch by
// testing for that type.
func StrictHeader(mimeType string) Framing {
	return func(r io.Reader, wc io.WriteCloser) Channel {
		var ctype string
		if mimeType != "" {
			ctype = "Content-Type: " + mimeType + "\r\n"
		}
		return &hdr{
			mtype: mimeType,
			ctype: ctype,
			wc:    wc,
			rd:    bufio.NewReader(r),
			buf:   bytes.NewBuffer(nil),
		}
	}
}

// Header returns a framing that behaves as StrictHeader, but allows received
// messages to omit the Content-Type header without error. An error is still
// reported if a content type is present but does not match.
func Header(mimeType string) Framing {
	strict := StrictHeader(mimeType)
	return func(r io.Reader, wc io.WriteCloser) Channel {
		return opthdr{strict(r, wc).(*hdr)}
	}
}

// LSP is a header framing (see Header) that transmits and receives messages
// using the MIME type application/vscode-jsonrpc. This is the format used by
// the Language Server Protocol, defined by
// https://microsoft.github.io/language-server-protocol
var LSP = Header("application/vscode-jsonrpc; charset=utf-8")

// An hdr implements Channel. Messages sent on a hdr channel are framed as a
// header/body transaction, similar to HTTP.
type hdr struct {
	mtype string
	ctype string
	wc    io.WriteCloser
	rd    *bufio.Reader
	rbuf  []byte

	// Must hold the lock to write to wc or use buf, so that frames from
	// concurrent senders never interleave on the wire.
	wmu sync.Mutex
	buf *bytes.Buffer
}

// Send implements part of the Channel interface. Concurrent Send calls are
// serialized in arrival order; each frame is handed to the underlying writer
// as one unit, and a writer that cannot accept more data blocks the queue
// rather than dropping or splitting frames.
func (h *hdr) Send(msg []byte) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	h.buf.Reset()
	if h.ctype != "" {
		h.buf.WriteString(h.ctype)
	}
	h.buf.WriteString("Content-Length: ")
	h.buf.WriteString(strconv.Itoa(len(msg)))
	h.buf.WriteString("\r\n\r\n")
	h.buf.Write(msg)
	_, err := h.wc.Write(h.buf.Next(h.buf.Len()))
	return err
}

// Recv implements part of the Channel interface.
//
// A malformed header block is not terminal: Recv consumes the block (and the
// body, when a usable Content-Length was present, so that the stream stays
// aligned) and reports a *FramingError. If the content type of an
// otherwise-valid message does not match the expected value, Recv returns
// the decoded message alongside a *ContentTypeError, and the caller decides
// whether to tolerate it.
func (h *hdr) Recv() ([]byte, error) {
	var contentType, contentLength string
	var badLine string
	for {
		raw, err := h.rd.ReadString('\n')
		if err == io.EOF && raw != "" {
			// handle a partial line at EOF
		} else if err != nil {
			return nil, err
		}
		if line := strings.TrimRight(raw, "\r\n"); line == "" {
			break
		} else if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
			// This implementation ignores unknown header fields.
			clean := strings.TrimSpace(parts[1])
			switch strings.ToLower(strings.TrimSpace(parts[0])) {
			case "content-type":
				contentType = clean
			case "content-length":
				contentLength = clean
			}
		} else if badLine == "" {
			// Remember the first bad line, but keep consuming the header
			// block so the stream realigns at the blank line.
			badLine = line
		}
	}

	// Verify that the content type matches what we expect, but defer
	// reporting it until the message has been fully decoded.
	var contentErr error
	if contentType != h.mtype {
		contentErr = &ContentTypeError{Got: contentType, Want: h.mtype}
	}

	// Parse out the required content-length field.
	if contentLength == "" {
		return nil, &FramingError{Reason: "missing required content-length"}
	}
	size, err := strconv.Atoi(contentLength)
	if err != nil || size < 0 {
		return nil, &FramingError{Reason: fmt.Sprintf("invalid content-length %q", contentLength)}
	}

	// We need to use ReadFull here because the buffered reader may not have
	// a big enough buffer to deliver the whole message, and will only issue
	// a single read to the underlying source.
	data := h.rbuf
	if len(data) < size || len(data) > (1<<20) && size < len(data)/4 {
		data = make([]byte, size*2)
		h.rbuf = data
	}
	if _, err := io.ReadFull(h.rd, data[:size]); err != nil {
		return nil, err
	}
	if badLine != "" {
		// The body was consumed to keep the stream aligned; the frame
		// itself is discarded.
		return nil, &FramingError{Reason: fmt.Sprintf("invalid header line %q", badLine)}
	}
	return data[:size], contentErr
}

// Close implements part of the Channel interface.
func (h *hdr) Close() error { return h.wc.Close() }

// An opthdr is a wrapper around hdr that filters out the error reported when
// the inbound message does not declare a content type.
type opthdr struct{ *hdr }

func (o opthdr) Recv() ([]byte, error) {
	msg, err := o.hdr.Recv()
	if v, ok := err.(*ContentTypeError); ok && v.Got == "" {
		err = nil
	}
	return msg, err
}
