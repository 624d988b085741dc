// Copyright (C) 2025 Microsoft Corporation. All Rights Reserved.

package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the protocol version tag carried by every message.
const Version = "2.0"

// An ID is a request correlation id. The wire representation is either a
// JSON number or a JSON string, and the distinction is preserved exactly
// across a decode/encode round trip. The zero ID is invalid and marks the
// absence of an id.
type ID struct {
	num int64
	str string

	isString bool
	valid    bool
}

// Int64ID returns an ID carrying the given numeric value.
func Int64ID(n int64) ID { return ID{num: n, valid: true} }

// StringID returns an ID carrying the given string value.
func StringID(s string) ID { return ID{str: s, isString: true, valid: true} }

// IsValid reports whether id carries a value.
func (id ID) IsValid() bool { return id.valid }

// String returns a human-friendly rendering of the id.
func (id ID) String() string {
	if !id.valid {
		return "<none>"
	}
	if id.isString {
		return strconv.Quote(id.str)
	}
	return strconv.FormatInt(id.num, 10)
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if !id.valid {
		return nil, fmt.Errorf("marshaling invalid id")
	}
	if id.isString {
		return json.Marshal(id.str)
	}
	return json.Marshal(id.num)
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	*id = ID{}
	if string(data) == "null" {
		return fmt.Errorf("invalid null id")
	}
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &id.str); err != nil {
			return err
		}
		id.isString = true
		id.valid = true
		return nil
	}
	if err := json.Unmarshal(data, &id.num); err != nil {
		return fmt.Errorf("invalid id: %w", err)
	}
	id.valid = true
	return nil
}

// A Message is one decoded unit of the protocol: a [*Request], a
// [*Notification], or a [*Response].
type Message interface {
	fmt.Stringer

	// wire converts the message to its combined wire form.
	wire() (wireMessage, error)
}

// A Request asks the remote peer to invoke a method and answer with a
// Response carrying the same id.
type Request struct {
	ID     ID
	Method string
	Params json.RawMessage
}

// A Notification invokes a method on the remote peer without correlation;
// no response is produced for it.
type Notification struct {
	Method string
	Params json.RawMessage
}

// A Response settles the request with the matching id. Exactly one of
// Result and Error is populated.
type Response struct {
	ID     ID
	Result json.RawMessage
	Error  *Error
}

// An Error describes a failure reported in a Response. It may also be
// returned by a method handler to control the code, message, and auxiliary
// data sent back to the caller.
type Error struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
}

// Errorf constructs an *Error with the given code and formatted message.
func Errorf(code int64, msg string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(msg, args...)}
}

// DataError constructs an *Error carrying auxiliary data. The data must be
// JSON-marshalable; if it is not, the data is dropped and only the code and
// message are kept.
func DataError(code int64, msg string, data any) *Error {
	e := &Error{Code: code, Message: msg}
	if raw, err := json.Marshal(data); err == nil {
		e.Data = raw
	}
	return e
}

// Error codes reserved by the protocol.
const (
	CodeParseError     int64 = -32700 // invalid JSON was received
	CodeInvalidRequest int64 = -32600 // the body is not a valid message
	CodeMethodNotFound int64 = -32601 // no handler for the requested method
	CodeInvalidParams  int64 = -32602 // the parameters do not match the method
	CodeInternalError  int64 = -32603 // the handler failed unexpectedly

	// Boundaries of the range reserved for implementation-defined server
	// errors.
	CodeServerErrorStart int64 = -32099
	CodeServerErrorEnd   int64 = -32000

	// CodeRequestCancelled settles a request that was abandoned by the
	// caller before a result was produced.
	CodeRequestCancelled int64 = -32800

	// CodeUnknownError is the fallback for errors that carry no code of
	// their own.
	CodeUnknownError int64 = -32001
)

// codeName maps the reserved error codes to their protocol names.
func codeName(code int64) string {
	switch code {
	case CodeParseError:
		return "ParseError"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeMethodNotFound:
		return "MethodNotFound"
	case CodeInvalidParams:
		return "InvalidParams"
	case CodeInternalError:
		return "InternalError"
	case CodeRequestCancelled:
		return "RequestCancelled"
	case CodeUnknownError:
		return "UnknownErrorCode"
	}
	if code >= CodeServerErrorStart && code <= CodeServerErrorEnd {
		return "ServerError"
	}
	return fmt.Sprintf("code %d", code)
}

// wireMessage is the combined JSON form shared by all message kinds. A
// decoded body is reclassified by field presence: a method with an id is a
// request, a method without an id is a notification, and an id with a result
// or error is a response.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func (r *Request) wire() (wireMessage, error) {
	if !r.ID.IsValid() {
		return wireMessage{}, fmt.Errorf("request %q has no id", r.Method)
	}
	id := r.ID
	return wireMessage{JSONRPC: Version, ID: &id, Method: r.Method, Params: r.Params}, nil
}

func (n *Notification) wire() (wireMessage, error) {
	return wireMessage{JSONRPC: Version, Method: n.Method, Params: n.Params}, nil
}

func (r *Response) wire() (wireMessage, error) {
	if !r.ID.IsValid() {
		return wireMessage{}, fmt.Errorf("response has no id")
	}
	if r.Error != nil && r.Result != nil {
		return wireMessage{}, fmt.Errorf("response %v has both result and error", r.ID)
	}
	id := r.ID
	w := wireMessage{JSONRPC: Version, ID: &id, Result: r.Result, Error: r.Error}
	if w.Error == nil && w.Result == nil {
		// A successful response without a value still carries a result.
		w.Result = json.RawMessage("null")
	}
	return w, nil
}

// String returns a human-friendly rendering of the request.
func (r *Request) String() string {
	return fmt.Sprintf("Request(ID=%v, Method=%q, Params=%s)", r.ID, r.Method, trimRaw(r.Params))
}

// String returns a human-friendly rendering of the notification.
func (n *Notification) String() string {
	return fmt.Sprintf("Notification(Method=%q, Params=%s)", n.Method, trimRaw(n.Params))
}

// String returns a human-friendly rendering of the response.
func (r *Response) String() string {
	if r.Error != nil {
		return fmt.Sprintf("Response(ID=%v, Error=%s %q)", r.ID, codeName(r.Error.Code), r.Error.Message)
	}
	return fmt.Sprintf("Response(ID=%v, Result=%s)", r.ID, trimRaw(r.Result))
}

// trimRaw renders a raw JSON value for logging, with a length cap.
func trimRaw(raw json.RawMessage) string {
	if raw == nil {
		return "null"
	}
	if len(raw) > 64 {
		return string(raw[:64]) + "..."
	}
	return string(raw)
}

// Encode serializes m as a UTF-8 JSON body.
func Encode(m Message) ([]byte, error) {
	w, err := m.wire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// Decode parses a JSON body and classifies it as a Request, Notification,
// or Response. A body that is not valid JSON reports a parse error; valid
// JSON that does not match any message shape reports an invalid-message
// error. Both are recoverable by the connection.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, Errorf(CodeParseError, "invalid message body: %v", err)
	}
	if w.JSONRPC != Version {
		return nil, Errorf(CodeInvalidRequest, "unsupported protocol version %q", w.JSONRPC)
	}
	switch {
	case w.Method != "" && w.ID != nil:
		return &Request{ID: *w.ID, Method: w.Method, Params: w.Params}, nil
	case w.Method != "":
		return &Notification{Method: w.Method, Params: w.Params}, nil
	case w.ID != nil && (w.Result != nil || w.Error != nil):
		if w.Result != nil && w.Error != nil {
			return nil, Errorf(CodeInvalidRequest, "response %v has both result and error", *w.ID)
		}
		return &Response{ID: *w.ID, Result: w.Result, Error: w.Error}, nil
	default:
		return nil, Errorf(CodeInvalidRequest, "message matches no known shape")
	}
}
