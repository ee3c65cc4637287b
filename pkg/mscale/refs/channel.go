package refs

import (
	"context"
	"errors"
	"runtime"

	"github.com/jabolina/go-mscale/pkg/mscale/core"
	"github.com/jabolina/go-mscale/pkg/mscale/types"
)

// RemoteChannel is the bounded-or-unbounded remote channel handle of spec
// §3/§4.E. Unlike Future it has no local value cache, since values are not
// single-assignment; every operation forwards to the owner (or
// short-circuits locally when this node is the owner).
type RemoteChannel struct {
	owner Owner
	RRID  types.RRID
}

// NewRemoteChannel creates a new RemoteChannel whose backing cell lives on
// where. capacity <= 0 means unbounded. Creation eagerly instantiates the
// owner-side cell (rather than waiting for the owner's lazy
// lookup-or-create on first use) so the element-type/capacity decision is
// made exactly once, at construction, as spec §4.D's factory contract
// implies.
func NewRemoteChannel(owner Owner, where types.NodeID, capacity int) (*RemoteChannel, error) {
	rrid := owner.NewRRID(where)
	if err := owner.EnsureChannel(rrid, capacity); err != nil {
		return nil, err
	}
	return canonicalizeChannel(owner, rrid), nil
}

// canonicalizeChannel returns the unique RemoteChannel for rrid on this
// process (spec §3 "Canonicalization"), registering a finalizer the first
// time one is created.
func canonicalizeChannel(owner Owner, rrid types.RRID) *RemoteChannel {
	global.mu.Lock()
	if existing, ok := global.channels[rrid.RefID]; ok {
		global.mu.Unlock()
		if rrid.Where != owner.MyID() {
			owner.DelClient(rrid)
		}
		return existing
	}
	rc := &RemoteChannel{owner: owner, RRID: rrid}
	global.channels[rrid.RefID] = rc
	global.mu.Unlock()
	if rrid.Where != owner.MyID() {
		owner.AddClient(rrid)
	}
	runtime.SetFinalizer(rc, finalizeChannel)
	return rc
}

// DecodeChannel canonicalizes a RemoteChannel arriving over the wire.
func DecodeChannel(owner Owner, w types.WireChannel) *RemoteChannel {
	return canonicalizeChannel(owner, w.RRID)
}

// Wire encodes rc for transmission as an RPC argument or result.
func (rc *RemoteChannel) Wire() types.WireChannel {
	return types.WireChannel{RRID: rc.RRID}
}

func finalizeChannel(rc *RemoteChannel) {
	global.mu.Lock()
	delete(global.channels, rc.RRID.RefID)
	global.mu.Unlock()
	rc.owner.DelClient(rc.RRID)
}

func (rc *RemoteChannel) isOwner() bool { return rc.RRID.Where == rc.owner.MyID() }

func (rc *RemoteChannel) localCell() (*core.RemoteValue, bool) {
	return rc.owner.Table().Lookup(rc.RRID.RefID)
}

// Put implements put!(RemoteChannel, v). Neither the local path nor the
// owner-side chan_put handler takes the cell's synctake mutex; only the
// owner-side take handler holds it, across its Take.
func (rc *RemoteChannel) Put(ctx context.Context, v interface{}) error {
	if rc.isOwner() {
		cell, ok := rc.localCell()
		if !ok {
			return types.ErrCellDestroyed
		}
		return cell.Channel.Put(toCoreCtx(ctx), v)
	}
	var ignored struct{}
	return rc.owner.CallOnOwner(rc.RRID, types.OpChanPut, []interface{}{v}, &ignored)
}

// Take implements take!(RemoteChannel).
func (rc *RemoteChannel) Take(ctx context.Context) (interface{}, error) {
	if rc.isOwner() {
		cell, ok := rc.localCell()
		if !ok {
			return nil, types.ErrCellDestroyed
		}
		return cell.Channel.Take(toCoreCtx(ctx))
	}
	var v interface{}
	err := rc.owner.CallOnOwner(rc.RRID, types.OpChanTake, nil, &v)
	return v, err
}

// Fetch implements fetch(RemoteChannel): like Take but non-destructive.
func (rc *RemoteChannel) Fetch(ctx context.Context) (interface{}, error) {
	if rc.isOwner() {
		cell, ok := rc.localCell()
		if !ok {
			return nil, types.ErrCellDestroyed
		}
		return cell.Channel.Fetch(toCoreCtx(ctx))
	}
	var v interface{}
	err := rc.owner.CallOnOwner(rc.RRID, types.OpChanFetch, nil, &v)
	return v, err
}

// IsReady implements isready(RemoteChannel).
func (rc *RemoteChannel) IsReady() bool {
	if rc.isOwner() {
		cell, ok := rc.localCell()
		return ok && cell.Channel.IsReady()
	}
	var ready bool
	_ = rc.owner.CallOnOwner(rc.RRID, types.OpChanIsReady, nil, &ready)
	return ready
}

// IsEmpty implements isempty(RemoteChannel).
func (rc *RemoteChannel) IsEmpty() bool {
	if rc.isOwner() {
		cell, ok := rc.localCell()
		return !ok || cell.Channel.IsEmpty()
	}
	var empty bool
	_ = rc.owner.CallOnOwner(rc.RRID, types.OpChanIsEmpty, nil, &empty)
	return empty
}

// Close implements close(RemoteChannel).
func (rc *RemoteChannel) Close() error {
	if rc.isOwner() {
		cell, ok := rc.localCell()
		if !ok {
			return types.ErrCellDestroyed
		}
		cell.Channel.Close()
		return nil
	}
	var ignored struct{}
	return rc.owner.CallOnOwner(rc.RRID, types.OpChanClose, nil, &ignored)
}

// IsOpen implements isopen(RemoteChannel).
func (rc *RemoteChannel) IsOpen() bool {
	if rc.isOwner() {
		cell, ok := rc.localCell()
		return ok && cell.Channel.IsOpen()
	}
	var open bool
	_ = rc.owner.CallOnOwner(rc.RRID, types.OpChanIsOpen, nil, &open)
	return open
}

// Iterate yields take! values while isopen() || isready(), terminating
// cleanly (without error) once the channel is closed and drained, whether
// the close was observed locally or as a wrapped remote exception (spec
// §4.E).
func (rc *RemoteChannel) Iterate(ctx context.Context, yield func(interface{}) bool) error {
	for rc.IsOpen() || rc.IsReady() {
		v, err := rc.Take(ctx)
		if err != nil {
			if errors.Is(err, types.ErrChannelClosed) {
				return nil
			}
			var captured *types.CapturedException
			if errors.As(err, &captured) && captured.Message == types.ErrChannelClosed.Error() {
				return nil
			}
			return err
		}
		if !yield(v) {
			return nil
		}
	}
	return nil
}
