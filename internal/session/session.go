// Package session implements the Reverse Session Table of §4.5: for each
// service id, the currently-registered reverse client's multiplexed control
// channel and target descriptor.
//
// The multiplexer is github.com/xtaci/smux, grounded on
// XrayIran-StealthLink's internal/mux/config.go. original_source/src/
// server.rs opens the register-client's yamux connection in
// yamux::Mode::Client even though that side is the Noise *responder* on the
// raw socket — smux exposes the same asymmetry as smux.Client vs
// smux.Server (whichever side calls smux.Client is the one that opens new
// logical streams), so Register opens the register-client's smux.Session
// with smux.Client to preserve that choice (see SPEC_FULL.md and
// DESIGN.md).
package session

import (
	"fmt"
	"io"
	"sync"

	"github.com/xtaci/smux"

	"portguard/internal/registry"
	"portguard/internal/pgerrors"
)

// Entry is one registered reverse session.
type Entry struct {
	mux    *smux.Session
	target registry.Remote // the register-client's local egress: addr or socks5
}

// Target returns the register-client's local egress descriptor.
func (e *Entry) Target() registry.Remote { return e.target }

// Table is the process-wide reverse session table, keyed by service id.
type Table struct {
	mu      sync.RWMutex
	entries map[uint32]*Entry
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{entries: make(map[uint32]*Entry)}
}

// Register installs a mux handle for serviceID, opened over conn using
// smux.Client so the register-client's session initiates logical streams.
// Fails with ErrServiceIDBusy if an entry already exists.
func (t *Table) Register(serviceID uint32, conn io.ReadWriteCloser, target registry.Remote, cfg *smux.Config) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[serviceID]; exists {
		return nil, pgerrors.ErrServiceIDBusy
	}
	sess, err := smux.Client(conn, cfg)
	if err != nil {
		return nil, fmt.Errorf("session: open mux: %w", err)
	}
	entry := &Entry{mux: sess, target: target}
	t.entries[serviceID] = entry
	return entry, nil
}

// OpenSubstream opens a new logical substream on the session registered for
// serviceID, for a visitor to use. Fails with ErrNoSuchService if absent.
func (t *Table) OpenSubstream(serviceID uint32) (*smux.Stream, error) {
	t.mu.RLock()
	entry, ok := t.entries[serviceID]
	t.mu.RUnlock()
	if !ok {
		return nil, pgerrors.ErrNoSuchService
	}
	stream, err := entry.mux.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pgerrors.ErrMuxClosed, err)
	}
	return stream, nil
}

// Unregister removes and closes the session for serviceID. Idempotent.
func (t *Table) Unregister(serviceID uint32) {
	t.mu.Lock()
	entry, ok := t.entries[serviceID]
	if ok {
		delete(t.entries, serviceID)
	}
	t.mu.Unlock()
	if ok {
		entry.mux.Close()
	}
}

// AcceptLoop is a safety net for streams the register-client unexpectedly
// opens back toward the server (it never should — the server is always the
// one calling OpenSubstream); anything that arrives here is closed
// immediately. It runs until the session closes. original_source/src/
// server.rs's start_new_rproxy_conn spawns an analogous drain loop over its
// yamux connection's incoming-stream channel.
func (t *Table) AcceptLoop(entry *Entry) {
	for {
		stream, err := entry.mux.AcceptStream()
		if err != nil {
			return
		}
		stream.Close()
	}
}
