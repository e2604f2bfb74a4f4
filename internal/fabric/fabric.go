// Package fabric is the coordination layer shared by every server process:
// the authoritative identity table and an event bus for cross-process
// delivery.
//
// Two backends exist. Local keeps everything in memory and is correct only
// for a single process. The cluster subpackage replicates the table and the
// event log with raft and discovers peers with memberlist.
package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrUnavailable is returned when the fabric cannot accept a mutation,
	// e.g. a cluster without an elected leader.
	ErrUnavailable = errors.New("fabric unavailable")
	ErrClosed      = errors.New("fabric closed")
)

// Entry is one live identity and the connection that owns it.
type Entry struct {
	ID     string    `json:"id"`
	ConnID string    `json:"conn_id"`
	Node   string    `json:"node"`
	Since  time.Time `json:"since"`
}

type EventKind string

const (
	EventSignal           EventKind = "signal"
	EventPeerJoined       EventKind = "peer-joined"
	EventPeerDisconnected EventKind = "peer-disconnected"
)

// Target addresses an event to one connection. The ConnID guards against
// delivering to a newer connection that reused the identity.
type Target struct {
	ID     string `json:"id"`
	ConnID string `json:"conn_id"`
}

// Event travels over the bus. An event with no Targets is a broadcast to every
// joined connection except Exclude.
type Event struct {
	ID      string    `json:"id"`
	Kind    EventKind `json:"kind"`
	Origin  string    `json:"origin"`
	Targets []Target  `json:"targets,omitempty"`
	Exclude string    `json:"exclude,omitempty"`

	// Peer is the subject of peer-joined and peer-disconnected.
	Peer string `json:"peer,omitempty"`

	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	At time.Time `json:"at"`
}

// NewEvent stamps a fresh event id and time.
func NewEvent(kind EventKind, origin string) Event {
	return Event{
		ID:     ulid.Make().String(),
		Kind:   kind,
		Origin: origin,
		At:     time.Now().UTC(),
	}
}

// Broadcast reports whether the event is addressed to everyone.
func (e Event) Broadcast() bool { return len(e.Targets) == 0 }

// Store is the identity table. Every mutation is atomic per identity.
type Store interface {
	// Add inserts e unless the identity is already present. When present, the
	// current owner is returned with added=false.
	Add(ctx context.Context, e Entry) (current Entry, added bool, err error)
	// Remove deletes id only if it is still owned by connID.
	Remove(ctx context.Context, id, connID string) (bool, error)
	Get(ctx context.Context, id string) (Entry, bool, error)
	List(ctx context.Context) ([]Entry, error)
	// Purge removes every entry owned by node that was added before the given
	// time and announces each one as peer-disconnected.
	Purge(ctx context.Context, node string, before time.Time) ([]Entry, error)
}

// Bus delivers events to every subscriber on every process.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe registers fn for all future events. fn must not block.
	Subscribe(fn func(Event)) (cancel func())
}

type Fabric interface {
	Store
	Bus
	NodeID() string
	// Healthy reports whether mutations are currently expected to succeed.
	Healthy() error
	Close() error
}
