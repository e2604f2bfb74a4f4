package fabric

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Local is the single-process fabric. Published events are dispatched
// synchronously to local subscribers, so events from one goroutine are seen
// in publish order.
type Local struct {
	Subscribers

	nodeID string
	closed atomic.Bool

	mu      sync.Mutex
	entries map[string]Entry
}

var _ Fabric = (*Local)(nil)

func NewLocal(nodeID string) *Local {
	return &Local{
		nodeID:  nodeID,
		entries: make(map[string]Entry),
	}
}

func (l *Local) NodeID() string { return l.nodeID }

func (l *Local) Healthy() error {
	if l.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (l *Local) Add(ctx context.Context, e Entry) (Entry, bool, error) {
	if err := l.check(ctx); err != nil {
		return Entry{}, false, err
	}
	if e.Node == "" {
		e.Node = l.nodeID
	}
	if e.Since.IsZero() {
		e.Since = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.entries[e.ID]; ok {
		return cur, false, nil
	}
	l.entries[e.ID] = e
	return e, true, nil
}

func (l *Local) Remove(ctx context.Context, id, connID string) (bool, error) {
	if err := l.check(ctx); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.entries[id]
	if !ok || cur.ConnID != connID {
		return false, nil
	}
	delete(l.entries, id)
	return true, nil
}

func (l *Local) Get(ctx context.Context, id string) (Entry, bool, error) {
	if err := l.check(ctx); err != nil {
		return Entry{}, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	return e, ok, nil
}

func (l *Local) List(ctx context.Context) ([]Entry, error) {
	if err := l.check(ctx); err != nil {
		return nil, err
	}

	l.mu.Lock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *Local) Purge(ctx context.Context, node string, before time.Time) ([]Entry, error) {
	if err := l.check(ctx); err != nil {
		return nil, err
	}

	l.mu.Lock()
	var removed []Entry
	for id, e := range l.entries {
		if e.Node == node && e.Since.Before(before) {
			removed = append(removed, e)
			delete(l.entries, id)
		}
	}
	l.mu.Unlock()

	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	for _, e := range removed {
		ev := NewEvent(EventPeerDisconnected, l.nodeID)
		ev.Peer = e.ID
		l.Dispatch(ev)
	}
	return removed, nil
}

func (l *Local) Publish(ctx context.Context, ev Event) error {
	if err := l.check(ctx); err != nil {
		return err
	}
	if ev.ID == "" {
		stamped := NewEvent(ev.Kind, l.nodeID)
		ev.ID, ev.At = stamped.ID, stamped.At
	}
	if ev.Origin == "" {
		ev.Origin = l.nodeID
	}
	l.Dispatch(ev)
	return nil
}

func (l *Local) Close() error {
	l.closed.Store(true)
	return nil
}

func (l *Local) check(ctx context.Context) error {
	if l.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}
