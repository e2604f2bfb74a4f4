package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-signal/internal/mesh"
)

type messageType string

const (
	messageTypeJoin             messageType = "join"
	messageTypeSignal           messageType = "signal"
	messageTypePeers            messageType = "peers"
	messageTypePeerJoined       messageType = "peer-joined"
	messageTypePeerDisconnected messageType = "peer-disconnected"
	messageTypeError            messageType = "error"
)

// clientMessage is a frame received from a browser.
type clientMessage struct {
	Type   messageType     `json:"type"`
	PeerID string          `json:"peerId,omitempty"`
	To     string          `json:"to,omitempty"`
	From   string          `json:"from,omitempty"`
	Signal json.RawMessage `json:"signal,omitempty"`
}

// serverMessage is a frame sent to a browser.
type serverMessage struct {
	Type    messageType     `json:"type"`
	Peers   []string        `json:"peers,omitzero"`
	PeerID  string          `json:"peerId,omitempty"`
	To      string          `json:"to,omitempty"`
	From    string          `json:"from,omitempty"`
	Signal  json.RawMessage `json:"signal,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

func parseClientMessage(data []byte) (clientMessage, error) {
	var msg clientMessage
	if err := decodeStrictJSON(data, &msg); err != nil {
		return clientMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	return msg, nil
}

func (m clientMessage) validate() error {
	switch m.Type {
	case messageTypeJoin:
		if m.PeerID == "" {
			return fmt.Errorf("join message missing peerId")
		}
		if m.To != "" || m.From != "" || m.Signal != nil {
			return fmt.Errorf("join message has unexpected fields")
		}
	case messageTypeSignal:
		if m.To == "" || m.From == "" {
			return fmt.Errorf("signal message missing to/from")
		}
		if len(m.Signal) == 0 {
			return fmt.Errorf("signal message missing signal")
		}
		if m.PeerID != "" {
			return fmt.Errorf("signal message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

func encodeNotice(n mesh.Notice) ([]byte, error) {
	var msg serverMessage
	switch n.Kind {
	case mesh.NoticePeers:
		msg = serverMessage{Type: messageTypePeers, Peers: n.Peers}
		if msg.Peers == nil {
			msg.Peers = []string{}
		}
	case mesh.NoticePeerJoined:
		msg = serverMessage{Type: messageTypePeerJoined, PeerID: n.PeerID}
	case mesh.NoticePeerDisconnected:
		msg = serverMessage{Type: messageTypePeerDisconnected, PeerID: n.PeerID}
	case mesh.NoticeSignal:
		msg = serverMessage{Type: messageTypeSignal, To: n.Signal.To, From: n.Signal.From, Signal: n.Signal.Payload}
	default:
		return nil, fmt.Errorf("unknown notice kind %q", n.Kind)
	}
	return json.Marshal(msg)
}

func encodeError(code, message string) []byte {
	// Marshal of two strings cannot fail.
	b, _ := json.Marshal(serverMessage{Type: messageTypeError, Code: code, Message: message})
	return b
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return expectEOF(dec)
}

func expectEOF(dec *json.Decoder) error {
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
