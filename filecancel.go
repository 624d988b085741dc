// Copyright (C) 2025 Microsoft Corporation. All Rights Reserved.

package jsonrpc

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-uuid"
)

// fileCancellationRoot is the directory under the OS temporary directory
// that holds per-session cancellation folders.
const fileCancellationRoot = "jsonrpc-cancellation"

// FileCancellation implements both halves of the file-based cancellation
// strategy. Each session owns a private folder; cancelling a request touches
// an empty sentinel file named for its id, and the receiver's tokens check
// for the sentinel when polled. This decouples cancellation from in-order
// message delivery, which matters when a handler runs synchronously and
// cannot observe an incoming message mid-computation.
//
// The two ends of a connection share the folder by exchanging the arguments
// returned by CommandLineArguments out of band.
type FileCancellation struct {
	folderID string
	dir      string
}

// NewFileCancellation creates a file-based cancellation strategy with a
// fresh private session folder.
func NewFileCancellation() (*FileCancellation, error) {
	folderID, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("generating session folder id: %w", err)
	}
	return FileCancellationAt(folderID)
}

// FileCancellationAt returns a file-based cancellation strategy using the
// session folder named by folderID, creating the folder if necessary. Both
// ends of a connection must use the same folder id.
func FileCancellationAt(folderID string) (*FileCancellation, error) {
	if folderID == "" {
		return nil, fmt.Errorf("empty cancellation folder id")
	}
	dir := filepath.Join(os.TempDir(), fileCancellationRoot, folderID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cancellation folder: %w", err)
	}
	return &FileCancellation{folderID: folderID, dir: dir}, nil
}

// Strategy returns f wired as both the sender and receiver half of a
// connection's cancellation strategy.
func (f *FileCancellation) Strategy() CancellationStrategy {
	return CancellationStrategy{Sender: f, Receiver: f}
}

// Folder returns the session folder owned by f.
func (f *FileCancellation) Folder() string { return f.dir }

// CommandLineArguments returns the arguments that the spawning process
// passes to its counterpart so that both ends use the same session folder.
func (f *FileCancellation) CommandLineArguments() []string {
	mode := "file:" + f.folderID
	return []string{cancelSendArg + mode, cancelReceiveArg + mode}
}

// CancelRequest implements part of the [SenderStrategy] interface by
// touching the sentinel file for id.
func (f *FileCancellation) CancelRequest(_ *Conn, id ID) {
	// An error here leaves the sentinel missing and the peer simply never
	// observes the cancellation; the local caller has settled regardless.
	_ = os.WriteFile(f.sentinel(id), nil, 0o600)
}

// Activate implements part of the [ReceiverStrategy] interface. The returned
// source's token checks for the sentinel file when polled and latches
// cancelled once it is found.
func (f *FileCancellation) Activate(id ID) *Source {
	path := f.sentinel(id)
	return newProbeSource(func() bool {
		_, err := os.Stat(path)
		return err == nil
	})
}

// CancelInbound implements part of the [ReceiverStrategy] interface. The
// sentinel file is the authoritative signal, so an in-band cancel for an
// unknown id needs no side table here.
func (f *FileCancellation) CancelInbound(ID) {}

// Settled implements both the sender-side and receiver-side cleanup: once
// the request settles the sentinel file is removed.
func (f *FileCancellation) Settled(id ID) { os.Remove(f.sentinel(id)) }

// Dispose recursively removes the session folder.
func (f *FileCancellation) Dispose() error { return os.RemoveAll(f.dir) }

// sentinel returns the path of the sentinel file for id. String ids are
// escaped so every valid id maps to a distinct flat file name.
func (f *FileCancellation) sentinel(id ID) string {
	var name string
	if id.isString {
		name = "s-" + url.PathEscape(id.str)
	} else {
		name = fmt.Sprintf("n-%d", id.num)
	}
	return filepath.Join(f.dir, "cancel-"+name+".tmp")
}
