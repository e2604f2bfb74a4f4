// Package overlay decides which existing peers a newcomer is introduced to.
package overlay

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pion/randutil"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/fanout"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/registry"
)

type Mode string

const (
	ModeFullMesh Mode = "full-mesh"
	ModeGossip   Mode = "gossip"
)

func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(ModeFullMesh), "fullmesh", "mesh":
		return ModeFullMesh, nil
	case string(ModeGossip), "kgossip", "k-gossip":
		return ModeGossip, nil
	default:
		return "", fmt.Errorf("invalid overlay mode %q (expected full-mesh or gossip)", raw)
	}
}

// Introduction is the outcome of one selection.
//
// Peers is what the newcomer is told. Notify lists the existing peers that
// learn about the newcomer; when Broadcast is set, every existing peer is
// notified instead and Notify is empty.
type Introduction struct {
	Peers     []registry.Peer
	Notify    []registry.Peer
	Broadcast bool
}

// Selector is immutable after construction apart from its random source.
type Selector struct {
	mode  Mode
	nines *int

	mu  sync.Mutex
	src fanout.Source
}

// NewSelector returns a selector for mode. nines is the reliability target used
// in gossip mode; nil selects the fixed default fan-out. src may be nil, in
// which case a pion/randutil generator is used.
func NewSelector(mode Mode, nines *int, src fanout.Source) *Selector {
	if src == nil {
		src = randutil.NewMathRandomGenerator()
	}
	var n *int
	if nines != nil {
		v := *nines
		n = &v
	}
	return &Selector{mode: mode, nines: n, src: src}
}

func (s *Selector) Mode() Mode { return s.mode }

// Nines returns the configured reliability target, or nil.
func (s *Selector) Nines() *int {
	if s.nines == nil {
		return nil
	}
	v := *s.nines
	return &v
}

// Select chooses the introduction for a newcomer given the snapshot taken
// before the newcomer was recorded. The snapshot must not contain the
// newcomer.
func (s *Selector) Select(snapshot []registry.Peer) Introduction {
	if s.mode != ModeGossip {
		peers := make([]registry.Peer, len(snapshot))
		copy(peers, snapshot)
		return Introduction{Peers: peers, Notify: []registry.Peer{}, Broadcast: true}
	}

	k := fanout.Compute(len(snapshot), s.nines)

	s.mu.Lock()
	idx := fanout.Sample(s.src, len(snapshot), k)
	s.mu.Unlock()

	sample := make([]registry.Peer, 0, len(idx))
	for _, i := range idx {
		sample = append(sample, snapshot[i])
	}
	notify := make([]registry.Peer, len(sample))
	copy(notify, sample)
	return Introduction{Peers: sample, Notify: notify}
}
