package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/fabric"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/registry"
)

// Signal is one opaque signaling payload addressed from one identity to
// another. Payload is forwarded byte-for-byte.
type Signal struct {
	From    string
	To      string
	Payload json.RawMessage
}

func (s Signal) validate() error {
	if s.From == "" {
		return fmt.Errorf("%w: missing from", ErrInvalidSignal)
	}
	if s.To == "" {
		return fmt.Errorf("%w: missing to", ErrInvalidSignal)
	}
	return nil
}

// Resolver looks up the current owner of an identity.
type Resolver interface {
	Resolve(ctx context.Context, id string) (registry.Peer, bool, error)
}

// LocalDelivery hands a signal to a connection held by this process. It
// returns ErrRecipientGone if no live connection matches to.ConnID and
// ErrBackpressure if the connection cannot accept more outbound messages.
type LocalDelivery interface {
	DeliverSignal(to registry.Peer, s Signal) error
}

type Outcome int

const (
	Dropped Outcome = iota
	DeliveredLocal
	Forwarded
)

func (o Outcome) String() string {
	switch o {
	case DeliveredLocal:
		return "delivered_local"
	case Forwarded:
		return "forwarded"
	default:
		return "dropped"
	}
}

// Relay routes signals to their recipient: directly when the recipient is
// connected to this process, otherwise as a targeted fabric event.
type Relay struct {
	resolver Resolver
	local    LocalDelivery
	bus      fabric.Bus
	node     string
	metrics  *metrics.Metrics
}

type Config struct {
	Resolver Resolver
	Local    LocalDelivery
	Bus      fabric.Bus
	// Node is this process's fabric node id.
	Node    string
	Metrics *metrics.Metrics
}

func New(cfg Config) *Relay {
	return &Relay{
		resolver: cfg.Resolver,
		local:    cfg.Local,
		bus:      cfg.Bus,
		node:     cfg.Node,
		metrics:  cfg.Metrics,
	}
}

// Relay sends s toward its recipient. An unknown recipient is not an error:
// the signal is dropped and Dropped is returned with a nil error.
func (r *Relay) Relay(ctx context.Context, s Signal) (Outcome, error) {
	if err := s.validate(); err != nil {
		return Dropped, err
	}

	to, ok, err := r.resolver.Resolve(ctx, s.To)
	if err != nil {
		r.metrics.FabricError("resolve")
		return Dropped, err
	}
	if !ok {
		r.metrics.SignalDropped(metrics.ReasonUnresolved)
		return Dropped, nil
	}

	if to.Node == r.node {
		return r.deliver(to, s), nil
	}

	ev := fabric.NewEvent(fabric.EventSignal, r.node)
	ev.Targets = []fabric.Target{{ID: to.ID, ConnID: to.ConnID}}
	ev.From, ev.To, ev.Payload = s.From, s.To, s.Payload
	if err := r.bus.Publish(ctx, ev); err != nil {
		r.metrics.FabricError("publish")
		return Dropped, fmt.Errorf("relay signal to %q: %w", s.To, err)
	}
	r.metrics.SignalRelayed(metrics.PathFabric)
	return Forwarded, nil
}

// Accept delivers a signal event received from the fabric to whichever of its
// targets this process holds. Targets held elsewhere are ignored.
func (r *Relay) Accept(ev fabric.Event) {
	if ev.Kind != fabric.EventSignal {
		return
	}
	s := Signal{From: ev.From, To: ev.To, Payload: ev.Payload}
	for _, t := range ev.Targets {
		err := r.local.DeliverSignal(registry.Peer{ID: t.ID, ConnID: t.ConnID, Node: r.node}, s)
		switch {
		case err == nil:
			r.metrics.SignalRelayed(metrics.PathLocal)
		case errors.Is(err, ErrBackpressure):
			r.metrics.SignalDropped(metrics.ReasonQueueFull)
		}
	}
}

func (r *Relay) deliver(to registry.Peer, s Signal) Outcome {
	err := r.local.DeliverSignal(to, s)
	switch {
	case err == nil:
		r.metrics.SignalRelayed(metrics.PathLocal)
		return DeliveredLocal
	case errors.Is(err, ErrBackpressure):
		r.metrics.SignalDropped(metrics.ReasonQueueFull)
	default:
		r.metrics.SignalDropped(metrics.ReasonStaleConnection)
	}
	return Dropped
}
