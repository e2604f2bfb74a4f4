package cluster

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hashicorp/memberlist"
)

// nodeMeta is gossiped with every member so the leader can add it to raft
// and followers can reach the leader's HTTP listener.
type nodeMeta struct {
	RaftAddr string `json:"raft_addr"`
	HTTPAddr string `json:"http_addr"`
}

func decodeMeta(b []byte) (nodeMeta, error) {
	var m nodeMeta
	if len(b) == 0 {
		return m, fmt.Errorf("empty node metadata")
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("decode node metadata: %w", err)
	}
	return m, nil
}

type memberEventKind int

const (
	memberJoined memberEventKind = iota
	memberLeft
)

type memberEvent struct {
	kind memberEventKind
	id   string
	meta nodeMeta
}

type discoveryConfig struct {
	NodeID   string
	BindAddr string
	BindPort int
	Seeds    []string
	Meta     nodeMeta
	Logger   *slog.Logger
	// Events receives membership changes. Sends never block; a full channel
	// drops the change and the next leader reconcile repairs it.
	Events chan<- memberEvent
}

type discovery struct {
	list   *memberlist.Memberlist
	logger *slog.Logger
}

func newDiscovery(cfg discoveryConfig) (*discovery, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "memberlist")

	meta, err := json.Marshal(cfg.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode node metadata: %w", err)
	}

	mc := memberlist.DefaultLANConfig()
	mc.Name = cfg.NodeID
	mc.BindAddr = cfg.BindAddr
	mc.BindPort = cfg.BindPort
	mc.Delegate = &metaDelegate{meta: meta}
	mc.Events = &eventDelegate{self: cfg.NodeID, out: cfg.Events, logger: logger}
	mc.LogOutput = &slogWriter{logger: logger}

	list, err := memberlist.Create(mc)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}

	d := &discovery{list: list, logger: logger}
	if len(cfg.Seeds) > 0 {
		n, err := list.Join(cfg.Seeds)
		if err != nil {
			_ = list.Shutdown()
			return nil, fmt.Errorf("join seeds %v: %w", cfg.Seeds, err)
		}
		logger.Info("joined gossip cluster", "node_id", cfg.NodeID, "seeds", cfg.Seeds, "contacted", n)
	}
	return d, nil
}

// members returns the live members other than self, keyed by node id.
func (d *discovery) members(self string) map[string]nodeMeta {
	out := make(map[string]nodeMeta)
	for _, n := range d.list.Members() {
		if n.Name == self {
			continue
		}
		m, err := decodeMeta(n.Meta)
		if err != nil {
			continue
		}
		out[n.Name] = m
	}
	return out
}

func (d *discovery) shutdown() {
	if err := d.list.Leave(0); err != nil {
		d.logger.Warn("gossip leave failed", "err", err)
	}
	if err := d.list.Shutdown(); err != nil {
		d.logger.Warn("gossip shutdown failed", "err", err)
	}
}

type eventDelegate struct {
	self   string
	out    chan<- memberEvent
	logger *slog.Logger
}

func (e *eventDelegate) NotifyJoin(n *memberlist.Node) {
	if n.Name == e.self {
		return
	}
	m, err := decodeMeta(n.Meta)
	if err != nil {
		e.logger.Warn("ignoring member without metadata", "node_id", n.Name, "err", err)
		return
	}
	e.logger.Info("member joined", "node_id", n.Name, "raft_addr", m.RaftAddr, "http_addr", m.HTTPAddr)
	e.send(memberEvent{kind: memberJoined, id: n.Name, meta: m})
}

func (e *eventDelegate) NotifyLeave(n *memberlist.Node) {
	if n.Name == e.self {
		return
	}
	e.logger.Info("member left", "node_id", n.Name)
	e.send(memberEvent{kind: memberLeft, id: n.Name})
}

func (e *eventDelegate) NotifyUpdate(n *memberlist.Node) {
	e.NotifyJoin(n)
}

func (e *eventDelegate) send(ev memberEvent) {
	select {
	case e.out <- ev:
	default:
		e.logger.Warn("membership event dropped", "node_id", ev.id)
	}
}

type metaDelegate struct {
	meta []byte
}

func (m *metaDelegate) NodeMeta(limit int) []byte {
	if len(m.meta) > limit {
		return nil
	}
	return m.meta
}

func (m *metaDelegate) NotifyMsg([]byte)                           {}
func (m *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (m *metaDelegate) LocalState(join bool) []byte                { return nil }
func (m *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

// slogWriter turns line-oriented library logs into debug records.
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (int, error) {
	w.logger.Debug(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
