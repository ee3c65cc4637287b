// Package refs implements the client-side remote-reference handles of
// spec §4.E: Future and RemoteChannel, their identity, canonicalization,
// and finalizer-driven distributed-GC triggering.
package refs

import (
	"context"
	"runtime"
	"sync"

	"github.com/jabolina/go-mscale/pkg/mscale/core"
	"github.com/jabolina/go-mscale/pkg/mscale/types"
)

// Owner is the small surface a handle needs from its local node: identity,
// access to the local remote-value table for the fast, owner==self path,
// a way to forward an operation to a remote owner, and hooks to emit
// (possibly coalesced) add/del-client notifications. The rpc package
// implements Owner over a core.ProcessGroup plus its RPC dispatcher; refs
// depends only on this interface and on core (for the table/queue types)
// to avoid an import cycle with rpc.
type Owner interface {
	MyID() types.NodeID
	Table() *core.RemoteValueTable
	NewRRID(where types.NodeID) types.RRID
	CallOnOwner(rrid types.RRID, op string, args []interface{}, result interface{}) error
	EnsureChannel(rrid types.RRID, capacity int) error
	AddClient(rrid types.RRID)
	DelClient(rrid types.RRID)
}

// canon is the process-wide canonicalization table (spec §3): a weak set
// of live handles keyed by RefID, so deserializing a handle whose
// (whence, id) already exists on this process returns the pre-existing
// object and so each handle's finalizer fires exactly once.
type canon struct {
	mu       sync.Mutex
	futures  map[types.RefID]*Future
	channels map[types.RefID]*RemoteChannel
}

var global = &canon{
	futures:  make(map[types.RefID]*Future),
	channels: make(map[types.RefID]*RemoteChannel),
}

// ctxAdapter satisfies core.Ctx by wrapping a context.Context; handle
// methods that accept a context.Context adapt it to core.Ctx at the call
// boundary instead of threading core's narrower interface through the
// public API.
type ctxAdapter struct{ context.Context }

func (c ctxAdapter) Done() <-chan struct{} { return c.Context.Done() }
func (c ctxAdapter) Err() error            { return c.Context.Err() }

func toCoreCtx(ctx context.Context) core.Ctx {
	if ctx == nil {
		ctx = context.Background()
	}
	return ctxAdapter{ctx}
}
