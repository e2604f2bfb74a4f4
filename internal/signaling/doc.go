// Package signaling is the WebSocket transport for the mesh.
//
// Each connection runs a read loop that parses client frames and hands them
// to the mesh hub, and a writer goroutine that drains a bounded outbox. The
// hub pushes notices into the outbox without ever blocking on the socket.
package signaling
