// Copyright (C) 2025 Microsoft Corporation. All Rights Reserved.

package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/microsoft/vscode-languageserver-node-sub009/lru"
)

// CancelMethod is the reserved notification method used by the message
// cancellation strategy to signal that a request was abandoned.
const CancelMethod = "$/cancelRequest"

// cancelParams is the payload of a CancelMethod notification.
type cancelParams struct {
	ID ID `json:"id"`
}

// A Token observes the cancellation state of a single request. The Done
// channel is closed exactly once, the first time cancellation becomes
// observable.
type Token interface {
	// IsRequested reports whether cancellation has been requested.
	IsRequested() bool

	// Done returns a channel that is closed when cancellation is requested.
	Done() <-chan struct{}
}

// A Source owns one cancellation token and is the only writer of its
// cancelled state. A Source must be created with NewSource.
type Source struct {
	once sync.Once
	done chan struct{}

	// probe, if set, is consulted by IsRequested while the token is not yet
	// cancelled. The file strategy uses it to check for a sentinel file the
	// first time the token is polled.
	probe func() bool
}

// NewSource constructs a new Source whose token is not cancelled.
func NewSource() *Source { return &Source{done: make(chan struct{})} }

func newProbeSource(probe func() bool) *Source {
	s := NewSource()
	s.probe = probe
	return s
}

// Cancel requests cancellation. It is safe to call any number of times; the
// token's Done channel is closed on the first call only.
func (s *Source) Cancel() { s.once.Do(func() { close(s.done) }) }

// Token returns the token owned by s.
func (s *Source) Token() Token { return s }

// Done implements part of the [Token] interface.
func (s *Source) Done() <-chan struct{} { return s.done }

// IsRequested implements part of the [Token] interface.
func (s *Source) IsRequested() bool {
	select {
	case <-s.done:
		return true
	default:
	}
	if s.probe != nil && s.probe() {
		s.Cancel()
		return true
	}
	return false
}

// A SenderStrategy propagates cancellation of locally issued requests to the
// remote peer. Implementations must be safe for concurrent use and must
// tolerate repeated cancellation of the same id.
type SenderStrategy interface {
	// CancelRequest signals the peer that the request with the given id has
	// been abandoned by the local caller.
	CancelRequest(c *Conn, id ID)

	// Settled is invoked once a response for id has arrived, including a
	// late response for a call the local caller already abandoned. Any
	// out-of-band cancellation signal left for id can be retired.
	Settled(id ID)
}

// A ReceiverStrategy mints cancellation sources for inbound requests and
// routes cancellation signals from the peer to them. Implementations must be
// safe for concurrent use and idempotent per id.
type ReceiverStrategy interface {
	// Activate returns the cancellation source for an inbound request that
	// is about to be dispatched to its handler.
	Activate(id ID) *Source

	// CancelInbound records a cancellation signal from the peer for id. The
	// signal may arrive before Activate is called for that id.
	CancelInbound(id ID)

	// Settled is invoked once the response for id has been written.
	Settled(id ID)
}

// A CancellationStrategy pairs the sender and receiver halves used by a
// connection. Both halves of the default strategy exchange in-band
// CancelMethod notifications.
type CancellationStrategy struct {
	Sender   SenderStrategy
	Receiver ReceiverStrategy
}

// Dispose releases any resources held by the strategy halves.
func (s CancellationStrategy) Dispose() error {
	type disposer interface{ Dispose() error }
	var err error
	seen := make(map[disposer]bool)
	for _, half := range []any{s.Sender, s.Receiver} {
		if d, ok := half.(disposer); ok && !seen[d] {
			seen[d] = true
			if derr := d.Dispose(); derr != nil && err == nil {
				err = derr
			}
		}
	}
	return err
}

// MessageCancellation returns the default cancellation strategy: cancelling
// a request sends a CancelMethod notification carrying its id, and the
// receiver cancels the matching inbound activation.
func MessageCancellation() CancellationStrategy {
	return CancellationStrategy{
		Sender:   messageSender{},
		Receiver: newMessageReceiver(),
	}
}

type messageSender struct{}

func (messageSender) CancelRequest(c *Conn, id ID) {
	// A failed send here means the connection is already going down, and the
	// local caller has settled regardless.
	_ = c.Notify(CancelMethod, cancelParams{ID: id})
}

func (messageSender) Settled(ID) {}

// pendingCancelLimit bounds the set of cancellations remembered for ids
// whose requests have not yet been dispatched. Handler dispatch is
// asynchronous, so a cancel notification can overtake its request; the
// oldest remembered ids are discarded once the bound is exceeded.
const pendingCancelLimit = 64

type messageReceiver struct {
	μ       sync.Mutex
	active  map[ID]*Source
	pending *lru.Cache[ID, struct{}]
}

func newMessageReceiver() *messageReceiver {
	return &messageReceiver{
		active:  make(map[ID]*Source),
		pending: lru.New[ID, struct{}](pendingCancelLimit),
	}
}

// Activate implements part of the [ReceiverStrategy] interface. If a cancel
// signal for id arrived before the request was dispatched, the source is
// created already cancelled.
func (m *messageReceiver) Activate(id ID) *Source {
	m.μ.Lock()
	defer m.μ.Unlock()
	src := NewSource()
	if m.pending.Delete(id) {
		src.Cancel()
	}
	m.active[id] = src
	return src
}

// CancelInbound implements part of the [ReceiverStrategy] interface.
func (m *messageReceiver) CancelInbound(id ID) {
	m.μ.Lock()
	defer m.μ.Unlock()
	if src, ok := m.active[id]; ok {
		src.Cancel()
		return
	}
	m.pending.Set(id, struct{}{})
}

// Settled implements part of the [ReceiverStrategy] interface.
func (m *messageReceiver) Settled(id ID) {
	m.μ.Lock()
	defer m.μ.Unlock()
	delete(m.active, id)
	m.pending.Delete(id)
}

// Command-line argument prefixes used to exchange cancellation modes between
// the two ends of a connection out of band.
const (
	cancelSendArg    = "--cancellationSend="
	cancelReceiveArg = "--cancellationReceive="
)

// ParseCancellationArgs reconstructs a cancellation strategy from
// command-line style arguments such as those produced by
// [FileCancellation.CommandLineArguments]. Recognized modes are "message"
// and "file:<folder-id>"; unrecognized arguments are ignored, and missing
// modes default to the message strategy.
func ParseCancellationArgs(args []string) (CancellationStrategy, error) {
	strategy := MessageCancellation()
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, cancelSendArg):
			mode := strings.TrimPrefix(arg, cancelSendArg)
			sender, err := senderForMode(mode)
			if err != nil {
				return CancellationStrategy{}, err
			}
			strategy.Sender = sender
		case strings.HasPrefix(arg, cancelReceiveArg):
			mode := strings.TrimPrefix(arg, cancelReceiveArg)
			receiver, err := receiverForMode(mode)
			if err != nil {
				return CancellationStrategy{}, err
			}
			strategy.Receiver = receiver
		}
	}
	return strategy, nil
}

func senderForMode(mode string) (SenderStrategy, error) {
	if mode == "message" {
		return messageSender{}, nil
	}
	if folderID, ok := strings.CutPrefix(mode, "file:"); ok {
		return FileCancellationAt(folderID)
	}
	return nil, fmt.Errorf("invalid cancellation mode %q", mode)
}

func receiverForMode(mode string) (ReceiverStrategy, error) {
	if mode == "message" {
		return newMessageReceiver(), nil
	}
	if folderID, ok := strings.CutPrefix(mode, "file:"); ok {
		return FileCancellationAt(folderID)
	}
	return nil, fmt.Errorf("invalid cancellation mode %q", mode)
}

// tokenContextKey carries the cancellation token in a handler context.
type tokenContextKey struct{}

// ContextToken returns the cancellation token for the request being handled,
// or nil if ctx has no associated token. The context passed to a method
// handler has this value; synchronous handlers that cannot observe the
// context may poll the token directly.
func ContextToken(ctx context.Context) Token {
	if v := ctx.Value(tokenContextKey{}); v != nil {
		return v.(Token)
	}
	return nil
}

// decodeCancelParams extracts the target id from a CancelMethod payload.
func decodeCancelParams(params json.RawMessage) (ID, error) {
	var p cancelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return ID{}, fmt.Errorf("invalid cancel params: %w", err)
	}
	return p.ID, nil
}
