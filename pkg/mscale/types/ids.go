package types

import (
	"fmt"
	"sync/atomic"
)

// NodeID is a cluster-unique integer naming a participating process.
// Id 1 always names the master of a process group.
type NodeID uint64

// MasterID is the well-known id of the master of any process group.
const MasterID NodeID = 1

// Role selects which process-group view a cluster-facing operation
// consults. RoleDefault resolves from the ambient dynamic context: the
// outer, master-side group for a top-level call, or the sub-cluster group
// when the call nests inside a worker that is itself a master.
type Role int

const (
	RoleDefault Role = iota
	RoleMaster
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleWorker:
		return "worker"
	default:
		return "default"
	}
}

// RefID is the part of a reference identity that participates in equality
// and hashing: (whence, id). It also names the encoding of the wire
// header's response/notify fields, which never carry a "where" since the
// recipient of a message is always the candidate owner for that field.
type RefID struct {
	Whence NodeID
	ID     uint64
}

// NullRefID denotes "no response expected" on the wire.
var NullRefID = RefID{}

// IsNull reports whether this is the null (0,0) ref id.
func (r RefID) IsNull() bool {
	return r.Whence == 0 && r.ID == 0
}

func (r RefID) String() string {
	return fmt.Sprintf("(%d,%d)", r.Whence, r.ID)
}

// RRID is a full reference identity: RefID plus Where, the node currently
// holding the backing cell. Where is informational only — equality and
// hashing of handles use RefID alone, per the invariant that (whence, id)
// uniquely names a reference across the whole cluster.
type RRID struct {
	RefID
	Where NodeID
}

func (r RRID) String() string {
	return fmt.Sprintf("rrid%s@%d", r.RefID.String(), r.Where)
}

// SequenceGenerator produces a per-node monotonically increasing sequence
// used as the ID half of newly minted RRIDs. One instance lives per
// ProcessGroup member identity.
type SequenceGenerator struct {
	counter uint64
}

// Next returns the next sequence value, starting at 1 so the zero value
// never collides with a legitimately issued id.
func (s *SequenceGenerator) Next() uint64 {
	return atomic.AddUint64(&s.counter, 1)
}
