// Package mesh ties the registry, the overlay selector and the signal relay
// together for the connections held by one server process.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/fabric"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/overlay"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/relay"
)

const (
	DefaultOpTimeout = 5 * time.Second
	// DefaultLeaveRetryInterval is the first delay before a failed registry
	// removal is retried. Later attempts back off up to maxLeaveRetryDelay.
	DefaultLeaveRetryInterval = 250 * time.Millisecond

	maxLeaveRetryDelay = 10 * time.Second
)

type Config struct {
	Fabric   fabric.Fabric
	Selector *overlay.Selector
	// MaxPeers bounds the connections attached to this process. Zero means
	// unlimited.
	MaxPeers  int
	OpTimeout time.Duration
	// LeaveRetryInterval defaults to DefaultLeaveRetryInterval.
	LeaveRetryInterval time.Duration
	Metrics            *metrics.Metrics
	Logger             *slog.Logger
}

// Hub owns the local connection table and runs join, signal and disconnect.
type Hub struct {
	fab       fabric.Fabric
	node      string
	registry  *registry.Registry
	selector  *overlay.Selector
	relay     *relay.Relay
	maxPeers  int
	opTimeout time.Duration
	retryWait time.Duration
	metrics   *metrics.Metrics
	log       *slog.Logger

	unsubscribe func()
	done        chan struct{}
	retries     sync.WaitGroup

	mu      sync.Mutex
	members map[string]*member // connID -> member
	joined  int
	// leaving holds removals that failed and are being retried, by connID.
	leaving map[string]pendingLeave
	closed  bool
}

type pendingLeave struct {
	peerID string
	// announce is false for rolled-back joins that were never announced.
	announce bool
}

type member struct {
	conn   Conn
	peerID string
	// pending is set between registry insertion and the peers notice so that
	// introductions arriving meanwhile are queued behind it.
	pending bool
	backlog []Notice
}

func New(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	if cfg.LeaveRetryInterval <= 0 {
		cfg.LeaveRetryInterval = DefaultLeaveRetryInterval
	}
	if cfg.Selector == nil {
		cfg.Selector = overlay.NewSelector(overlay.ModeFullMesh, nil, nil)
	}

	node := cfg.Fabric.NodeID()
	h := &Hub{
		fab:       cfg.Fabric,
		node:      node,
		registry:  registry.New(cfg.Fabric, node),
		selector:  cfg.Selector,
		maxPeers:  cfg.MaxPeers,
		opTimeout: cfg.OpTimeout,
		retryWait: cfg.LeaveRetryInterval,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		done:      make(chan struct{}),
		members:   make(map[string]*member),
		leaving:   make(map[string]pendingLeave),
	}
	h.relay = relay.New(relay.Config{
		Resolver: h.registry,
		Local:    h,
		Bus:      cfg.Fabric,
		Node:     node,
		Metrics:  cfg.Metrics,
	})
	h.unsubscribe = cfg.Fabric.Subscribe(h.handleEvent)
	return h
}

func (h *Hub) Registry() *registry.Registry { return h.registry }

// Attach registers a new connection and returns its id.
func (h *Hub) Attach(conn Conn) (string, error) {
	connID := uuid.NewString()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.maxPeers > 0 && len(h.members) >= h.maxPeers {
		h.metrics.JoinRejected(metrics.ReasonTooManyPeers)
		return "", ErrTooManyPeers
	}
	h.members[connID] = &member{conn: conn}
	h.metrics.ConnectionOpened()
	return connID, nil
}

// Join records peerID for the connection and introduces it to the overlay.
// On success the connection has been sent the peers notice and the returned
// slice lists the identities in it.
//
// Any failure leaves no trace: no registry entry, no notices. Identities
// with leading or trailing whitespace are rejected rather than trimmed, so
// the joined identity is exactly what the client sends as a signal sender.
func (h *Hub) Join(ctx context.Context, connID, peerID string) ([]string, error) {
	if peerID == "" || strings.TrimSpace(peerID) != peerID {
		h.metrics.JoinRejected(metrics.ReasonInvalidIdentity)
		return nil, registry.ErrInvalidIdentity
	}

	h.mu.Lock()
	m, ok := h.members[connID]
	switch {
	case !ok:
		h.mu.Unlock()
		return nil, ErrUnknownConnection
	case m.peerID != "":
		h.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	if _, ok := h.leaving[connID]; ok {
		// A rolled-back entry for this connection is still being removed.
		h.mu.Unlock()
		return nil, ErrUnavailable
	}
	m.peerID = peerID
	m.pending = true
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, h.opTimeout)
	defer cancel()

	peers, err := h.introduce(ctx, connID, peerID)
	if err != nil {
		h.mu.Lock()
		if cur, ok := h.members[connID]; ok && cur == m {
			m.peerID, m.pending, m.backlog = "", false, nil
		}
		h.mu.Unlock()
		return nil, err
	}

	h.mu.Lock()
	if cur, ok := h.members[connID]; !ok || cur != m {
		// Disconnected while joining; Disconnect saw a pending member and
		// left the registry cleanup to us.
		h.mu.Unlock()
		h.leave(context.WithoutCancel(ctx), connID, peerID)
		return nil, ErrUnknownConnection
	}
	m.conn.Deliver(Notice{Kind: NoticePeers, Peers: peers})
	for _, n := range m.backlog {
		m.conn.Deliver(n)
	}
	m.pending, m.backlog = false, nil
	h.joined++
	h.metrics.SetLocalPeers(h.joined)
	h.mu.Unlock()

	h.metrics.Joined(string(h.selector.Mode()), len(peers))
	h.log.Debug("peer joined", "peer_id", peerID, "conn_id", connID, "introduced", len(peers))
	return peers, nil
}

func (h *Hub) introduce(ctx context.Context, connID, peerID string) ([]string, error) {
	snapshot, err := h.registry.Snapshot(ctx, peerID)
	if err != nil {
		h.metrics.JoinRejected(metrics.ReasonUnavailable)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	intro := h.selector.Select(snapshot)

	if _, err := h.registry.Join(ctx, registry.Peer{ID: peerID, ConnID: connID, Node: h.node}); err != nil {
		if errors.Is(err, registry.ErrDuplicateIdentity) {
			h.metrics.JoinRejected(metrics.ReasonDuplicateIdentity)
			return nil, err
		}
		h.metrics.JoinRejected(metrics.ReasonUnavailable)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if intro.Broadcast || len(intro.Notify) > 0 {
		ev := fabric.NewEvent(fabric.EventPeerJoined, h.node)
		ev.Peer = peerID
		if intro.Broadcast {
			ev.Exclude = peerID
		} else {
			ev.Targets = registry.Targets(intro.Notify)
		}
		if err := h.fab.Publish(ctx, ev); err != nil {
			h.metrics.FabricError("publish")
			h.metrics.JoinRejected(metrics.ReasonUnavailable)
			if _, lerr := h.registry.Leave(context.WithoutCancel(ctx), peerID, connID); lerr != nil {
				h.metrics.FabricError("leave")
				h.log.Warn("join rollback failed; retrying", "peer_id", peerID, "err", lerr)
				h.retryLeave(connID, pendingLeave{peerID: peerID})
			}
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}

	return registry.IDs(intro.Peers), nil
}

// Signal relays a payload from the connection's joined identity.
func (h *Hub) Signal(ctx context.Context, connID string, s relay.Signal) (relay.Outcome, error) {
	h.mu.Lock()
	m, ok := h.members[connID]
	var peerID string
	if ok && !m.pending {
		peerID = m.peerID
	}
	h.mu.Unlock()

	switch {
	case !ok:
		return relay.Dropped, ErrUnknownConnection
	case peerID == "":
		return relay.Dropped, ErrNotJoined
	case s.From != peerID:
		return relay.Dropped, ErrSenderMismatch
	}

	ctx, cancel := context.WithTimeout(ctx, h.opTimeout)
	defer cancel()
	return h.relay.Relay(ctx, s)
}

// Disconnect detaches the connection. It is safe to call more than once; only
// the first call removes the identity and announces the departure.
func (h *Hub) Disconnect(ctx context.Context, connID string) {
	h.mu.Lock()
	m, ok := h.members[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.members, connID)
	peerID, pending := m.peerID, m.pending
	if peerID != "" && !pending {
		h.joined--
		h.metrics.SetLocalPeers(h.joined)
	}
	h.mu.Unlock()
	h.metrics.ConnectionClosed()

	if peerID == "" || pending {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.opTimeout)
	defer cancel()
	h.leave(ctx, connID, peerID)
}

func (h *Hub) leave(ctx context.Context, connID, peerID string) {
	if err := h.removePeer(ctx, connID, pendingLeave{peerID: peerID, announce: true}); err != nil {
		h.metrics.FabricError("leave")
		h.log.Warn("failed to remove peer; retrying", "peer_id", peerID, "conn_id", connID, "err", err)
		h.retryLeave(connID, pendingLeave{peerID: peerID, announce: true})
	}
}

// removePeer deletes the entry owned by connID and, if asked, announces the
// departure. An entry that is already gone counts as removed.
func (h *Hub) removePeer(ctx context.Context, connID string, p pendingLeave) error {
	peerID := p.peerID
	removed, err := h.registry.Leave(ctx, peerID, connID)
	if err != nil {
		return err
	}
	if !removed || !p.announce {
		return nil
	}
	h.metrics.Left()

	ev := fabric.NewEvent(fabric.EventPeerDisconnected, h.node)
	ev.Peer = peerID
	ev.Exclude = peerID
	if err := h.fab.Publish(ctx, ev); err != nil {
		h.metrics.FabricError("publish")
		h.log.Warn("failed to announce peer departure", "peer_id", peerID, "err", err)
	}
	h.log.Debug("peer left", "peer_id", peerID, "conn_id", connID)
	return nil
}

// retryLeave keeps removing the entry in the background until the fabric
// accepts it. Until then the identity stays taken.
func (h *Hub) retryLeave(connID string, p pendingLeave) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if _, ok := h.leaving[connID]; ok {
		return
	}
	h.leaving[connID] = p
	h.retries.Add(1)
	go h.runLeaveRetry(connID, p)
}

func (h *Hub) runLeaveRetry(connID string, p pendingLeave) {
	defer h.retries.Done()

	delay := h.retryWait
	for attempt := 1; ; attempt++ {
		t := time.NewTimer(delay)
		select {
		case <-h.done:
			t.Stop()
			return
		case <-t.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), h.opTimeout)
		err := h.removePeer(ctx, connID, p)
		cancel()
		if err == nil {
			h.mu.Lock()
			delete(h.leaving, connID)
			h.mu.Unlock()
			h.log.Info("removed peer after retry", "peer_id", p.peerID, "conn_id", connID, "attempts", attempt)
			return
		}
		h.metrics.FabricError("leave")
		h.log.Debug("peer removal retry failed", "peer_id", p.peerID, "conn_id", connID, "attempt", attempt, "err", err)
		delay = min(delay*2, maxLeaveRetryDelay)
	}
}

// DeliverSignal implements relay.LocalDelivery.
func (h *Hub) DeliverSignal(to registry.Peer, s relay.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[to.ConnID]
	if !ok || m.peerID != to.ID {
		return relay.ErrRecipientGone
	}
	n := Notice{Kind: NoticeSignal, Signal: s}
	if m.pending {
		m.backlog = append(m.backlog, n)
		return nil
	}
	if !m.conn.Deliver(n) {
		return relay.ErrBackpressure
	}
	return nil
}

func (h *Hub) handleEvent(ev fabric.Event) {
	h.metrics.FabricEvent(string(ev.Kind))

	kind, ok := noticeKind(ev.Kind)
	if !ok {
		return
	}
	if kind == NoticeSignal {
		h.relay.Accept(ev)
		return
	}

	n := Notice{Kind: kind, PeerID: ev.Peer}

	h.mu.Lock()
	defer h.mu.Unlock()

	if ev.Broadcast() {
		for _, m := range h.members {
			if m.peerID == "" || m.peerID == ev.Exclude || m.peerID == ev.Peer {
				continue
			}
			h.deliverLocked(m, n)
		}
		return
	}
	for _, t := range ev.Targets {
		m, ok := h.members[t.ConnID]
		if !ok || m.peerID != t.ID || m.peerID == ev.Peer {
			continue
		}
		h.deliverLocked(m, n)
	}
}

func (h *Hub) deliverLocked(m *member, n Notice) {
	if m.pending {
		m.backlog = append(m.backlog, n)
		return
	}
	if !m.conn.Deliver(n) {
		h.metrics.SignalDropped(metrics.ReasonQueueFull)
	}
}

type Stats struct {
	Peers       int `json:"peers"`
	Connections int `json:"connections"`
	LocalPeers  int `json:"localPeers"`
}

func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	h.mu.Lock()
	st := Stats{Connections: len(h.members), LocalPeers: h.joined}
	h.mu.Unlock()

	n, err := h.registry.Count(ctx)
	if err != nil {
		return st, err
	}
	st.Peers = n
	return st, nil
}

// Close detaches every connection, removing their identities from the
// registry, and stops consuming fabric events. Removals still being retried
// get one last attempt bounded by ctx.
func (h *Hub) Close(ctx context.Context) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(h.members))
	for id := range h.members {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Disconnect(ctx, id)
	}

	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	close(h.done)
	h.retries.Wait()

	h.mu.Lock()
	leaving := h.leaving
	h.leaving = make(map[string]pendingLeave)
	h.mu.Unlock()
	for connID, p := range leaving {
		if err := h.removePeer(ctx, connID, p); err != nil {
			h.log.Warn("peer entry left behind on close", "peer_id", p.peerID, "conn_id", connID, "err", err)
		}
	}
	h.unsubscribe()
}
