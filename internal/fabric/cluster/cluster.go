// Package cluster is the replicated fabric backend.
//
// The identity table and the event log are a hashicorp/raft state machine.
// Every node applies every committed command, so reads are served from the
// local copy and published events are dispatched on every node. Writes are
// proposed on the leader; followers forward them over HTTP. Nodes find each
// other with memberlist, and the leader adds and removes raft voters as
// members come and go, purging the identities a departed node held.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/fabric"
)

const (
	// ApplyPath is where followers forward commands to the leader.
	ApplyPath = "/internal/fabric/apply"
	// TokenHeader carries the shared cluster secret on forwarded commands.
	TokenHeader = "X-Fabric-Token"

	DefaultApplyTimeout = 5 * time.Second

	startupPurgeInterval = 250 * time.Millisecond
)

var errNotLeader = errors.New("not the raft leader")

type Config struct {
	NodeID    string
	Bootstrap bool

	RaftBindAddr      string
	RaftAdvertiseAddr string
	// DataDir enables durable raft storage. Empty keeps the log in memory.
	DataDir string

	// GossipBindAddr enables memberlist discovery. Empty runs without
	// discovery, which only makes sense for a single bootstrapped node.
	GossipBindAddr string
	GossipBindPort int
	Seeds          []string

	// HTTPAdvertiseAddr is where other nodes reach this node's ApplyPath
	// handler, as host:port or a base URL.
	HTTPAdvertiseAddr string
	Secret            string

	ApplyTimeout time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Fabric implements fabric.Fabric on top of raft.
type Fabric struct {
	fabric.Subscribers

	nodeID       string
	secret       string
	applyTimeout time.Duration
	startedAt    time.Time
	client       *http.Client
	logger       *slog.Logger

	fsm  *FSM
	node *raftNode
	disc *discovery

	memberEvents chan memberEvent

	mu    sync.RWMutex
	peers map[string]nodeMeta

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

var _ fabric.Fabric = (*Fabric)(nil)

func New(cfg Config) (*Fabric, error) {
	return open(cfg, nil)
}

func open(cfg Config, transport raft.Transport) (*Fabric, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("cluster: node id is required")
	}
	if cfg.Secret == "" {
		return nil, errors.New("cluster: secret is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = DefaultApplyTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.ApplyTimeout}
	}
	logger := cfg.Logger.With("node_id", cfg.NodeID)

	ctx, cancel := context.WithCancel(context.Background())
	f := &Fabric{
		nodeID:       cfg.NodeID,
		secret:       cfg.Secret,
		applyTimeout: cfg.ApplyTimeout,
		startedAt:    time.Now().UTC(),
		client:       cfg.HTTPClient,
		logger:       logger,
		memberEvents: make(chan memberEvent, 64),
		peers:        make(map[string]nodeMeta),
		ctx:          ctx,
		cancel:       cancel,
	}
	f.fsm = newFSM(&f.Subscribers, logger)

	node, err := newRaftNode(raftConfig{
		NodeID:        cfg.NodeID,
		BindAddr:      cfg.RaftBindAddr,
		AdvertiseAddr: cfg.RaftAdvertiseAddr,
		DataDir:       cfg.DataDir,
		Bootstrap:     cfg.Bootstrap,
		Logger:        logger,
		transport:     transport,
	}, f.fsm)
	if err != nil {
		cancel()
		return nil, err
	}
	f.node = node

	if cfg.GossipBindAddr != "" {
		raftAddr := cfg.RaftAdvertiseAddr
		if raftAddr == "" {
			raftAddr = string(node.transport.LocalAddr())
		}
		disc, err := newDiscovery(discoveryConfig{
			NodeID:   cfg.NodeID,
			BindAddr: cfg.GossipBindAddr,
			BindPort: cfg.GossipBindPort,
			Seeds:    cfg.Seeds,
			Meta:     nodeMeta{RaftAddr: raftAddr, HTTPAddr: cfg.HTTPAdvertiseAddr},
			Logger:   logger,
			Events:   f.memberEvents,
		})
		if err != nil {
			cancel()
			node.close()
			return nil, err
		}
		f.disc = disc
	}

	f.wg.Add(2)
	go f.run()
	go f.purgeStale()

	logger.Info("cluster fabric started",
		"bootstrap", cfg.Bootstrap,
		"raft_addr", node.transport.LocalAddr(),
		"gossip", f.disc != nil,
		"durable", cfg.DataDir != "")
	return f, nil
}

func (f *Fabric) NodeID() string { return f.nodeID }

// Healthy reports whether a write proposed now has a leader to go to.
func (f *Fabric) Healthy() error {
	if f.closed.Load() {
		return fabric.ErrClosed
	}
	_, id := f.node.leader()
	switch {
	case id == "":
		return fmt.Errorf("%w: no raft leader", fabric.ErrUnavailable)
	case string(id) == f.nodeID:
		return nil
	}
	if m, ok := f.peer(string(id)); !ok || m.HTTPAddr == "" {
		return fmt.Errorf("%w: leader %s is not reachable", fabric.ErrUnavailable, id)
	}
	return nil
}

// Leader returns the current raft leader's node id, or "".
func (f *Fabric) Leader() string {
	_, id := f.node.leader()
	return string(id)
}

func (f *Fabric) Add(ctx context.Context, e fabric.Entry) (fabric.Entry, bool, error) {
	if e.Node == "" {
		e.Node = f.nodeID
	}
	if e.Since.IsZero() {
		e.Since = time.Now().UTC()
	}
	res, err := f.apply(ctx, command{Op: opAdd, Entry: e})
	if err != nil {
		return fabric.Entry{}, false, err
	}
	return res.Current, res.Added, nil
}

func (f *Fabric) Remove(ctx context.Context, id, connID string) (bool, error) {
	res, err := f.apply(ctx, command{Op: opRemove, ID: id, ConnID: connID})
	if err != nil {
		return false, err
	}
	return res.Removed, nil
}

// Get reads the local replica, which may trail the leader slightly.
func (f *Fabric) Get(ctx context.Context, id string) (fabric.Entry, bool, error) {
	if err := f.check(ctx); err != nil {
		return fabric.Entry{}, false, err
	}
	e, ok := f.fsm.get(id)
	return e, ok, nil
}

func (f *Fabric) List(ctx context.Context) ([]fabric.Entry, error) {
	if err := f.check(ctx); err != nil {
		return nil, err
	}
	return f.fsm.list(), nil
}

func (f *Fabric) Purge(ctx context.Context, node string, before time.Time) ([]fabric.Entry, error) {
	res, err := f.apply(ctx, command{Op: opPurge, Node: node, Before: before})
	if err != nil {
		return nil, err
	}
	return res.Purged, nil
}

func (f *Fabric) Publish(ctx context.Context, ev fabric.Event) error {
	if ev.ID == "" {
		stamped := fabric.NewEvent(ev.Kind, f.nodeID)
		ev.ID, ev.At = stamped.ID, stamped.At
	}
	if ev.Origin == "" {
		ev.Origin = f.nodeID
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	_, err := f.apply(ctx, command{Op: opPublish, Event: &ev})
	return err
}

func (f *Fabric) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	f.cancel()
	if f.disc != nil {
		f.disc.shutdown()
	}
	f.wg.Wait()
	f.node.close()
	f.logger.Info("cluster fabric stopped")
	return nil
}

func (f *Fabric) check(ctx context.Context) error {
	if f.closed.Load() {
		return fabric.ErrClosed
	}
	return ctx.Err()
}

func (f *Fabric) apply(ctx context.Context, cmd command) (applyResult, error) {
	if err := f.check(ctx); err != nil {
		return applyResult{}, err
	}
	if cmd.At.IsZero() {
		cmd.At = time.Now().UTC()
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return applyResult{}, fmt.Errorf("encode %s command: %w", cmd.Op, err)
	}

	if f.node.isLeader() {
		res, err := f.applyLocal(ctx, data)
		if !errors.Is(err, errNotLeader) {
			return res, err
		}
	}
	return f.forward(ctx, data)
}

func (f *Fabric) applyLocal(ctx context.Context, data []byte) (applyResult, error) {
	resp, err := f.node.apply(ctx, data, f.applyTimeout)
	if err != nil {
		if errors.Is(err, errNotLeader) {
			return applyResult{}, err
		}
		return applyResult{}, fmt.Errorf("%w: %w", fabric.ErrUnavailable, err)
	}
	res, ok := resp.(applyResult)
	if !ok {
		return applyResult{}, fmt.Errorf("%w: unexpected apply response %T", fabric.ErrUnavailable, resp)
	}
	return res, nil
}

func (f *Fabric) forward(ctx context.Context, data []byte) (applyResult, error) {
	_, id := f.node.leader()
	if id == "" || string(id) == f.nodeID {
		return applyResult{}, fmt.Errorf("%w: no raft leader", fabric.ErrUnavailable)
	}
	m, ok := f.peer(string(id))
	if !ok || m.HTTPAddr == "" {
		return applyResult{}, fmt.Errorf("%w: leader %s is not reachable", fabric.ErrUnavailable, id)
	}
	return postApply(ctx, f.client, m.HTTPAddr, f.secret, data)
}

func (f *Fabric) peer(id string) (nodeMeta, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.peers[id]
	return m, ok
}

func (f *Fabric) run() {
	defer f.wg.Done()
	for {
		select {
		case <-f.ctx.Done():
			return
		case leader := <-f.node.leaderCh:
			if leader {
				f.logger.Info("gained raft leadership")
				f.reconcile()
			} else {
				f.logger.Info("lost raft leadership")
			}
		case ev := <-f.memberEvents:
			f.trackMember(ev)
			if f.node.isLeader() {
				f.handleMember(ev)
			}
		}
	}
}

func (f *Fabric) trackMember(ev memberEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch ev.kind {
	case memberJoined:
		f.peers[ev.id] = ev.meta
	case memberLeft:
		delete(f.peers, ev.id)
	}
}

func (f *Fabric) handleMember(ev memberEvent) {
	switch ev.kind {
	case memberJoined:
		if err := f.node.addVoter(ev.id, ev.meta.RaftAddr, f.applyTimeout); err != nil {
			f.logger.Warn("failed to add raft voter", "peer_node", ev.id, "err", err)
		}
	case memberLeft:
		f.evict(ev.id)
	}
}

// evict removes a departed node from raft and purges its identities.
func (f *Fabric) evict(node string) {
	if err := f.node.removeServer(node, f.applyTimeout); err != nil {
		f.logger.Warn("failed to remove raft server", "peer_node", node, "err", err)
	}
	ctx, cancel := context.WithTimeout(f.ctx, f.applyTimeout)
	defer cancel()
	purged, err := f.Purge(ctx, node, time.Now().UTC())
	if err != nil {
		f.logger.Warn("failed to purge departed node", "peer_node", node, "err", err)
		return
	}
	if len(purged) > 0 {
		f.logger.Info("purged identities of departed node", "peer_node", node, "count", len(purged))
	}
}

// reconcile brings raft membership and the identity table in line with
// gossip membership after this node becomes leader. Without discovery there
// is nothing to reconcile against.
func (f *Fabric) reconcile() {
	if f.disc == nil {
		return
	}
	live := f.disc.members(f.nodeID)
	f.mu.Lock()
	f.peers = live
	f.mu.Unlock()

	servers, err := f.node.servers()
	if err != nil {
		f.logger.Warn("reconcile: read raft configuration", "err", err)
		return
	}
	inRaft := make(map[string]bool, len(servers))
	for _, s := range servers {
		id := string(s.ID)
		inRaft[id] = true
		if id == f.nodeID {
			continue
		}
		if _, ok := live[id]; !ok {
			f.evict(id)
		}
	}
	for id, m := range live {
		if !inRaft[id] {
			if err := f.node.addVoter(id, m.RaftAddr, f.applyTimeout); err != nil {
				f.logger.Warn("reconcile: add raft voter", "peer_node", id, "err", err)
			}
		}
	}

	for _, node := range f.fsm.nodes() {
		if node == f.nodeID {
			continue
		}
		if _, ok := live[node]; !ok {
			f.evict(node)
		}
	}
}

// purgeStale removes identities this node id held before the process
// started. They belong to connections that no longer exist.
func (f *Fabric) purgeStale() {
	defer f.wg.Done()
	t := time.NewTicker(startupPurgeInterval)
	defer t.Stop()
	for {
		ctx, cancel := context.WithTimeout(f.ctx, f.applyTimeout)
		purged, err := f.Purge(ctx, f.nodeID, f.startedAt)
		cancel()
		if err == nil {
			if len(purged) > 0 {
				f.logger.Info("purged identities from a previous run", "count", len(purged))
			}
			return
		}
		f.logger.Debug("startup purge deferred", "err", err)

		select {
		case <-f.ctx.Done():
			return
		case <-t.C:
		}
	}
}
