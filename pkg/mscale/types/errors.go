package types

import "errors"

// Sentinel errors shared across the runtime, grouped by the error kinds
// named in spec §7.
var (
	// reference-kind errors (§7.d)
	ErrFutureAlreadySet = errors.New("mscale: put! on a future that is already set")
	ErrCellDestroyed    = errors.New("mscale: lookup of a destroyed remote reference")
	ErrChannelClosed    = errors.New("mscale: take! on a closed channel")

	// protocol-kind errors (§7.b)
	ErrUnsupportedProtocol = errors.New("mscale: protocol version not supported")
	ErrBadBoundary         = errors.New("mscale: frame boundary mismatch")
	ErrUnknownTag          = errors.New("mscale: unknown message tag")

	// transport-kind errors (§7.a)
	ErrLinkTerminated = errors.New("mscale: worker link terminated")
	ErrNotConnected   = errors.New("mscale: worker link not yet connected")

	// pool-kind errors (§7.e)
	ErrPoolEmpty  = errors.New("mscale: take! from an empty, non-default worker pool")
	ErrPoolClosed = errors.New("mscale: worker pool has been torn down")

	// function registry
	ErrFuncNotRegistered = errors.New("mscale: function not registered on this node")
)
