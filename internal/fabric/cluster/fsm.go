package cluster

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/fabric"
)

type opKind string

const (
	opAdd     opKind = "add"
	opRemove  opKind = "remove"
	opPublish opKind = "publish"
	opPurge   opKind = "purge"
)

// command is one replicated log entry.
type command struct {
	Op opKind `json:"op"`

	// add
	Entry fabric.Entry `json:"entry,omitzero"`

	// remove
	ID     string `json:"id,omitempty"`
	ConnID string `json:"conn_id,omitempty"`

	// purge
	Node   string    `json:"node,omitempty"`
	Before time.Time `json:"before,omitzero"`

	// publish
	Event *fabric.Event `json:"event,omitempty"`

	// At is the proposer's clock when the command was proposed.
	At time.Time `json:"at"`
}

type applyResult struct {
	Added   bool           `json:"added,omitempty"`
	Current fabric.Entry   `json:"current,omitzero"`
	Removed bool           `json:"removed,omitempty"`
	Purged  []fabric.Entry `json:"purged,omitempty"`
}

// FSM holds the replicated identity table. Committed publish and purge
// commands are dispatched to local subscribers, except for entries this node
// had already stored before it started, which are only replayed into state.
type FSM struct {
	subs     *fabric.Subscribers
	logger   *slog.Logger
	replayed atomic.Uint64

	mu      sync.RWMutex
	entries map[string]fabric.Entry
}

func newFSM(subs *fabric.Subscribers, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{
		subs:    subs,
		logger:  logger,
		entries: make(map[string]fabric.Entry),
	}
}

// skipThrough marks log entries up to and including index as replay. It is
// set from the local log store before raft starts applying.
func (f *FSM) skipThrough(index uint64) { f.replayed.Store(index) }

func (f *FSM) live(index uint64) bool { return index > f.replayed.Load() }

// Apply must be deterministic. A log entry that fails to decode means the
// log is corrupt or written by an incompatible version, so it panics.
func (f *FSM) Apply(l *raft.Log) any {
	var cmd command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		f.logger.Error("failed to decode raft log entry", "err", err, "index", l.Index, "term", l.Term)
		panic(fmt.Sprintf("fsm: decode entry at index=%d: %v", l.Index, err))
	}

	switch cmd.Op {
	case opAdd:
		return f.applyAdd(cmd.Entry)
	case opRemove:
		return f.applyRemove(cmd.ID, cmd.ConnID)
	case opPurge:
		res := f.applyPurge(cmd.Node, cmd.Before)
		if f.live(l.Index) {
			for _, e := range res.Purged {
				ev := fabric.Event{
					ID:     fmt.Sprintf("purge-%d-%s", l.Index, e.ID),
					Kind:   fabric.EventPeerDisconnected,
					Origin: cmd.Node,
					Peer:   e.ID,
					At:     cmd.At,
				}
				f.subs.Dispatch(ev)
			}
		}
		return res
	case opPublish:
		if cmd.Event != nil && f.live(l.Index) {
			f.subs.Dispatch(*cmd.Event)
		}
		return applyResult{}
	default:
		f.logger.Error("unknown raft command", "op", cmd.Op, "index", l.Index)
		panic(fmt.Sprintf("fsm: unknown op %q at index=%d", cmd.Op, l.Index))
	}
}

func (f *FSM) applyAdd(e fabric.Entry) applyResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.entries[e.ID]; ok {
		return applyResult{Current: cur}
	}
	f.entries[e.ID] = e
	return applyResult{Added: true, Current: e}
}

func (f *FSM) applyRemove(id, connID string) applyResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.entries[id]
	if !ok || cur.ConnID != connID {
		return applyResult{}
	}
	delete(f.entries, id)
	return applyResult{Removed: true}
}

func (f *FSM) applyPurge(node string, before time.Time) applyResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	var purged []fabric.Entry
	for id, e := range f.entries {
		if e.Node == node && e.Since.Before(before) {
			purged = append(purged, e)
			delete(f.entries, id)
		}
	}
	sortEntries(purged)
	return applyResult{Purged: purged}
}

func (f *FSM) get(id string) (fabric.Entry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.entries[id]
	return e, ok
}

func (f *FSM) list() []fabric.Entry {
	f.mu.RLock()
	out := make([]fabric.Entry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	f.mu.RUnlock()
	sortEntries(out)
	return out
}

// nodes returns the distinct nodes that own at least one entry.
func (f *FSM) nodes() []string {
	f.mu.RLock()
	seen := make(map[string]struct{})
	for _, e := range f.entries {
		seen[e.Node] = struct{}{}
	}
	f.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{entries: f.list()}, nil
}

// Restore replaces the table with a gzip-compressed JSON snapshot.
func (f *FSM) Restore(r io.ReadCloser) error {
	defer r.Close()

	zr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer zr.Close()

	var state snapshotState
	if err := json.NewDecoder(zr).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	entries := make(map[string]fabric.Entry, len(state.Entries))
	for _, e := range state.Entries {
		entries[e.ID] = e
	}

	f.mu.Lock()
	f.entries = entries
	f.mu.Unlock()

	f.logger.Info("fabric state restored from snapshot", "entries", len(entries))
	return nil
}

type snapshotState struct {
	Entries []fabric.Entry `json:"entries"`
}

type fsmSnapshot struct {
	entries []fabric.Entry
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		zw := gzip.NewWriter(sink)
		if err := json.NewEncoder(zw).Encode(snapshotState{Entries: s.entries}); err != nil {
			zw.Close()
			return fmt.Errorf("encode snapshot: %w", err)
		}
		return zw.Close()
	}()
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

func sortEntries(es []fabric.Entry) {
	sort.Slice(es, func(i, j int) bool { return es[i].ID < es[j].ID })
}
