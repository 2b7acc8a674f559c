package mirror

import "errors"

var (
	ErrClosed          = errors.New("mirror: core is closed")
	ErrOffline         = errors.New("mirror: offline, refusing a fresh read")
	ErrQueryUnknown    = errors.New("mirror: unknown query")
	ErrMutationUnknown = errors.New("mirror: unknown mutation")
	ErrBadPacket       = errors.New("mirror: bad transport packet")
	ErrBadQuery        = errors.New("mirror: bad query")
	ErrBadMutation     = errors.New("mirror: bad mutation")
	ErrCancelled       = errors.New("mirror: subscription cancelled")
)
