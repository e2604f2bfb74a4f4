// Package relay forwards opaque signaling payloads between two named peers.
//
// The relay never inspects or rewrites a payload. A signal whose recipient
// cannot be resolved is dropped without notifying the sender; delivery is
// best-effort and at-most-once, ordered per sender and recipient pair.
package relay
