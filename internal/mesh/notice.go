package mesh

import (
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/fabric"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/relay"
)

type NoticeKind string

const (
	NoticePeers            NoticeKind = "peers"
	NoticePeerJoined       NoticeKind = "peer-joined"
	NoticePeerDisconnected NoticeKind = "peer-disconnected"
	NoticeSignal           NoticeKind = "signal"
)

// Notice is one server-to-client message, independent of the wire format.
type Notice struct {
	Kind NoticeKind

	// Peers is set for NoticePeers.
	Peers []string
	// PeerID is set for NoticePeerJoined and NoticePeerDisconnected.
	PeerID string
	// Signal is set for NoticeSignal.
	Signal relay.Signal
}

// Conn is the outbound half of one client connection.
type Conn interface {
	// Deliver queues n without blocking. It returns false if the connection
	// is closed or its queue is full.
	Deliver(n Notice) bool
}

func noticeKind(k fabric.EventKind) (NoticeKind, bool) {
	switch k {
	case fabric.EventPeerJoined:
		return NoticePeerJoined, true
	case fabric.EventPeerDisconnected:
		return NoticePeerDisconnected, true
	case fabric.EventSignal:
		return NoticeSignal, true
	default:
		return "", false
	}
}
