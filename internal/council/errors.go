package council

import "errors"

var (
	// ErrStopped reports that the member is shutting down.
	ErrStopped = errors.New("member stopped")

	// ErrDrop models a response lost to the member's reliability profile.
	ErrDrop = errors.New("simulated message drop")

	// ErrProtocolViolation reports a peer that broke the handshake contract.
	ErrProtocolViolation = errors.New("protocol violation")
)
