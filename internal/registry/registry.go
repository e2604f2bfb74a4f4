// Package registry tracks which identities are present and which connection
// owns each one. State lives in a fabric.Store so every server process sees
// the same table.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/fabric"
)

var (
	ErrInvalidIdentity   = errors.New("invalid peer identity")
	ErrDuplicateIdentity = errors.New("peer identity already in use")
)

// Peer is a live participant. ConnID identifies the transport connection;
// Node is the server process holding that connection.
type Peer struct {
	ID     string
	ConnID string
	Node   string
}

func (p Peer) target() fabric.Target {
	return fabric.Target{ID: p.ID, ConnID: p.ConnID}
}

// Targets converts peers into fabric delivery targets.
func Targets(peers []Peer) []fabric.Target {
	out := make([]fabric.Target, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.target())
	}
	return out
}

// IDs returns the identities of peers, preserving order.
func IDs(peers []Peer) []string {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.ID)
	}
	return out
}

type Registry struct {
	store fabric.Store
	node  string
}

func New(store fabric.Store, node string) *Registry {
	return &Registry{store: store, node: node}
}

// Join records p. Joining again from the same connection is a no-op. An
// identity held by another connection is rejected with ErrDuplicateIdentity.
// Identities are compared byte for byte, so blank or whitespace-padded ids are
// rejected with ErrInvalidIdentity.
func (r *Registry) Join(ctx context.Context, p Peer) (Peer, error) {
	if p.ID == "" || strings.TrimSpace(p.ID) != p.ID || p.ConnID == "" {
		return Peer{}, ErrInvalidIdentity
	}
	if p.Node == "" {
		p.Node = r.node
	}

	cur, added, err := r.store.Add(ctx, fabric.Entry{ID: p.ID, ConnID: p.ConnID, Node: p.Node})
	if err != nil {
		return Peer{}, fmt.Errorf("registry join %q: %w", p.ID, err)
	}
	if !added && cur.ConnID != p.ConnID {
		return Peer{}, ErrDuplicateIdentity
	}
	return fromEntry(cur), nil
}

// Leave removes id if connID still owns it. Leaving an absent identity is a
// no-op and reports false.
func (r *Registry) Leave(ctx context.Context, id, connID string) (bool, error) {
	if id == "" {
		return false, nil
	}
	removed, err := r.store.Remove(ctx, id, connID)
	if err != nil {
		return false, fmt.Errorf("registry leave %q: %w", id, err)
	}
	return removed, nil
}

// Snapshot lists every present peer except exclude, ordered by identity.
func (r *Registry) Snapshot(ctx context.Context, exclude string) ([]Peer, error) {
	entries, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry snapshot: %w", err)
	}
	out := make([]Peer, 0, len(entries))
	for _, e := range entries {
		if e.ID == exclude {
			continue
		}
		out = append(out, fromEntry(e))
	}
	return out, nil
}

func (r *Registry) Resolve(ctx context.Context, id string) (Peer, bool, error) {
	e, ok, err := r.store.Get(ctx, id)
	if err != nil {
		return Peer{}, false, fmt.Errorf("registry resolve %q: %w", id, err)
	}
	if !ok {
		return Peer{}, false, nil
	}
	return fromEntry(e), true, nil
}

// Count returns the number of present peers.
func (r *Registry) Count(ctx context.Context) (int, error) {
	entries, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func fromEntry(e fabric.Entry) Peer {
	return Peer{ID: e.ID, ConnID: e.ConnID, Node: e.Node}
}
