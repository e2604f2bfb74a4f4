package relay

import "errors"

var (
	ErrInvalidSignal = errors.New("invalid signal")
	// ErrRecipientGone is returned by LocalDelivery when the addressed
	// connection is no longer held by this process.
	ErrRecipientGone = errors.New("recipient connection gone")
	ErrBackpressure  = errors.New("recipient send queue full")
)
