package types

// Tag identifies the body variant that follows the fixed frame header, per
// the wire frame laid out in spec §6: a 1-byte tag followed by the
// serialized fields declared for that tag, in declaration order.
//
// The numbering below matches the order given in §6 exactly: CallWait,
// IdentifySocketAck, IdentifySocket, JoinComplete, JoinPGRP, RemoteDo,
// Result, Call{call}, Call{call_fetch}.
type Tag byte

const (
	TagCallWait Tag = iota + 1
	TagIdentifySocketAck
	TagIdentifySocket
	TagJoinComplete
	TagJoinPGRP
	TagRemoteDo
	TagResult
	TagCall
	TagCallFetch
)

func (t Tag) String() string {
	switch t {
	case TagCallWait:
		return "CallWait"
	case TagIdentifySocketAck:
		return "IdentifySocketAck"
	case TagIdentifySocket:
		return "IdentifySocket"
	case TagJoinComplete:
		return "JoinComplete"
	case TagJoinPGRP:
		return "JoinPGRP"
	case TagRemoteDo:
		return "RemoteDo"
	case TagResult:
		return "Result"
	case TagCall:
		return "Call"
	case TagCallFetch:
		return "CallFetch"
	default:
		return "Unknown"
	}
}

// FrameHeader is the fixed, always-decodable prefix of every wire frame:
// four little-endian int64 fields naming the ref ids a message is
// addressed to. ResponseOID.IsNull() means "no response expected".
type FrameHeader struct {
	ResponseOID RefID
	NotifyOID   RefID
}

// CallBody carries the payload for Call{call} and Call{call_fetch}: the
// name of a function registered in the owner's function Registry (Go has
// no portable closure serialization, so remotecall addresses functions by
// name, the way net/rpc addresses a "Service.Method" string) plus its
// msgpack-encoded argument tuple.
type CallBody struct {
	Func string
	Args []byte
}

// CallWaitBody is the body of a CallWaitMsg: both a result ref id (carried
// in the frame header's ResponseOID) and a completion ref id (NotifyOID)
// are populated on this message; CallWaitBody itself only carries the
// invocation.
type CallWaitBody struct {
	CallBody
}

// RemoteDoBody is the body of a RemoteDoMsg: fire-and-forget, no response
// is ever sent regardless of the frame header.
type RemoteDoBody struct {
	CallBody
}

// ResultBody is the body of a Result message: either the encoded return
// value, or a captured exception wrapping a remote failure (§6's
// RemoteException envelope).
type ResultBody struct {
	Value     []byte
	Exception *CapturedException
}

// CapturedException is the shape of a wrapped remote failure delivered as
// the value of a Result (§6 Error envelope).
type CapturedException struct {
	Message   string
	Backtrace string
}

func (c *CapturedException) Error() string {
	if c == nil {
		return ""
	}
	return c.Message
}

// IdentifySocketBody announces the sender's node id during the connection
// handshake (§6).
type IdentifySocketBody struct {
	From NodeID
}

// IdentifySocketAckBody acknowledges a handshake; carries no fields.
type IdentifySocketAckBody struct{}

// JoinPGRPBody requests that the sender be admitted to the receiver's
// process group, carrying the sender's id and the role it joins under.
type JoinPGRPBody struct {
	From NodeID
	Role Role
}

// JoinCompleteBody acknowledges a JoinPGRP, carrying the ids the joining
// node should now know about.
type JoinCompleteBody struct {
	Workers []NodeID
}

// GCBatchBody groups a coalesced batch of (rrid, node) pairs. The link's
// GC flush does not use it: it sends the []GCPair itself as the argument
// tuple of an add_clients or del_clients RemoteDo call (§4.F).
type GCBatchBody struct {
	Pairs []GCPair
}

// GCPair names one clientset mutation: node Who gained or lost a handle to
// ref What.
type GCPair struct {
	What RefID
	Who  NodeID
}
