package types

// Owner-side operation names a handle forwards to call_on_owner when its
// RRID is not local (spec §4.E). These are registered as RPC-callable
// functions by the rpc package and dispatched against the owner's
// RemoteValueTable.
const (
	OpPutFuture   = "mscale.put_future"
	OpFetchFuture = "mscale.fetch_future"
	OpChanPut     = "mscale.chan_put"
	OpChanTake    = "mscale.chan_take"
	OpChanFetch   = "mscale.chan_fetch"
	OpChanIsReady = "mscale.chan_isready"
	OpChanClose   = "mscale.chan_close"
	OpChanIsOpen  = "mscale.chan_isopen"
	OpChanIsEmpty = "mscale.chan_isempty"
)
