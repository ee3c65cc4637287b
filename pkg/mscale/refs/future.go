package refs

import (
	"context"
	"runtime"
	"sync"

	"github.com/jabolina/go-mscale/pkg/mscale/core"
	"github.com/jabolina/go-mscale/pkg/mscale/types"
)

// Future is the single-assignment remote-reference handle of spec §3/§4.E.
// Equality and hashing are defined over RRID.RefID alone; Where is purely
// informational.
type Future struct {
	owner Owner
	RRID  types.RRID

	mu    sync.Mutex
	set   bool
	value interface{}
}

// NewFuture creates a new Future whose backing cell lives on where,
// mirroring the teacher-adjacent RPC pattern of naming the owner up
// front (spec §3: "A handle is born when created locally (Future(pid), ...)").
func NewFuture(owner Owner, where types.NodeID) *Future {
	rrid := owner.NewRRID(where)
	return canonicalizeFuture(owner, rrid, nil, false)
}

// canonicalizeFuture returns the unique Future for rrid on this process
// (spec §3 "Canonicalization"): if one already exists, it is returned,
// merging in cachedValue if the existing handle has none yet and issuing
// a balancing del-client for the now-redundant reference. Otherwise a new
// Future is registered and given a finalizer that emits del-client
// exactly once.
func canonicalizeFuture(owner Owner, rrid types.RRID, cachedValue interface{}, hasCached bool) *Future {
	global.mu.Lock()
	if existing, ok := global.futures[rrid.RefID]; ok {
		global.mu.Unlock()
		if hasCached {
			existing.mu.Lock()
			if !existing.set {
				existing.set = true
				existing.value = cachedValue
			}
			existing.mu.Unlock()
		}
		if rrid.Where != owner.MyID() {
			// This process already held a handle to rrid; the one that just
			// arrived (over the wire, or from a redundant local mint) is
			// redundant, balancing the implicit add-client the sender made
			// when it included the handle in a message.
			owner.DelClient(rrid)
		}
		return existing
	}
	f := &Future{owner: owner, RRID: rrid}
	if hasCached {
		f.set = true
		f.value = cachedValue
	}
	global.futures[rrid.RefID] = f
	global.mu.Unlock()
	if rrid.Where != owner.MyID() {
		owner.AddClient(rrid)
	}
	runtime.SetFinalizer(f, finalizeFuture)
	return f
}

// WrapFuture returns the canonical Future for an rrid whose backing cell
// may already be populated (used by remotecall_wait, whose result cell is
// filled before the caller ever constructs the Future it returns).
func WrapFuture(owner Owner, rrid types.RRID) *Future {
	return canonicalizeFuture(owner, rrid, nil, false)
}

// DecodeFuture canonicalizes a Future arriving over the wire (spec §6's
// serializer-contract callback), merging any cached value the sender
// attached.
func DecodeFuture(owner Owner, w types.WireFuture) (*Future, error) {
	var v interface{}
	if w.HasValue {
		if err := core.DecodeValue(w.Value, &v); err != nil {
			return nil, err
		}
	}
	return canonicalizeFuture(owner, w.RRID, v, w.HasValue), nil
}

// Wire encodes f for transmission as an RPC argument or result.
func (f *Future) Wire() (types.WireFuture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := types.WireFuture{RRID: f.RRID, HasValue: f.set}
	if f.set {
		b, err := core.EncodeValue(f.value)
		if err != nil {
			return types.WireFuture{}, err
		}
		w.Value = b
	}
	return w, nil
}

func finalizeFuture(f *Future) {
	global.mu.Lock()
	delete(global.futures, f.RRID.RefID)
	global.mu.Unlock()
	f.owner.DelClient(f.RRID)
}

// Put implements put!(Future, v) (spec §4.E). If owner is local, it
// requires the cell not already ready, puts on the cell's channel,
// populates the cache while holding f's lock (so concurrent local
// fetchers woken on the channel observe the populated cache before their
// turn), then issues a local del-client for the now-redundant local
// writer reference. If remote, it sends put_future to the owner and
// populates the cache on success.
func (f *Future) Put(ctx context.Context, v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.RRID.Where == f.owner.MyID() {
		cell := f.owner.Table().LookupOrCreate(f.RRID.RefID, f.owner.MyID(), func() core.BackingChannel {
			return core.NewSingleAssignCell()
		})
		if err := cell.Channel.Put(toCoreCtx(ctx), v); err != nil {
			return err
		}
		f.set = true
		f.value = v
		f.owner.DelClient(f.RRID)
		return nil
	}

	var ignored struct{}
	if err := f.owner.CallOnOwner(f.RRID, types.OpPutFuture, []interface{}{v}, &ignored); err != nil {
		return err
	}
	f.set = true
	f.value = v
	return nil
}

// Fetch implements fetch(Future) (spec §4.E). The fast path returns the
// cache under f's lock, without a network round trip, satisfying the "fetch
// twice is idempotent and does not re-send a message" property (spec §8).
func (f *Future) Fetch(ctx context.Context) (interface{}, error) {
	f.mu.Lock()
	if f.set {
		v := f.value
		f.mu.Unlock()
		return v, nil
	}
	f.mu.Unlock()

	if f.RRID.Where == f.owner.MyID() {
		cell := f.owner.Table().LookupOrCreate(f.RRID.RefID, f.owner.MyID(), func() core.BackingChannel {
			return core.NewSingleAssignCell()
		})
		raw, err := cell.Channel.Fetch(toCoreCtx(ctx))
		if err != nil {
			return nil, err
		}
		v, uerr := types.Unwrap(raw)
		if uerr != nil {
			return nil, uerr
		}
		f.mu.Lock()
		if !f.set {
			f.set = true
			f.value = v
		}
		f.mu.Unlock()
		return v, nil
	}

	var v interface{}
	if err := f.owner.CallOnOwner(f.RRID, types.OpFetchFuture, nil, &v); err != nil {
		return nil, err
	}

	f.mu.Lock()
	winner := !f.set
	if winner {
		f.set = true
		f.value = v
	} else {
		v = f.value
	}
	f.mu.Unlock()

	if winner {
		// The winner of the unset->some(v) race additionally issues
		// del-client so the handle may eventually be collected (spec
		// §4.E): a losing concurrent fetcher observed f.set already
		// true and must not double-count the reference drop.
		f.owner.DelClient(f.RRID)
	}
	return v, nil
}

// IsReady reports whether fetch would return immediately.
func (f *Future) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		return true
	}
	if f.RRID.Where == f.owner.MyID() {
		if cell, ok := f.owner.Table().Lookup(f.RRID.RefID); ok {
			return cell.Channel.IsReady()
		}
		return false
	}
	var ready bool
	_ = f.owner.CallOnOwner(f.RRID, types.OpChanIsReady, nil, &ready)
	return ready
}
