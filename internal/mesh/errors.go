package mesh

import "errors"

var (
	ErrTooManyPeers      = errors.New("too many peers")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrAlreadyJoined     = errors.New("connection already joined")
	ErrNotJoined         = errors.New("connection has not joined")
	ErrSenderMismatch    = errors.New("signal sender does not match joined identity")
	// ErrUnavailable wraps fabric failures during join. The join has been
	// rolled back.
	ErrUnavailable = errors.New("coordination fabric unavailable")
)
