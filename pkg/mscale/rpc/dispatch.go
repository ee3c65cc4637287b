// Package rpc implements the function registry and the four RPC
// primitives of spec §4.G — remotecall, remotecall_fetch, remotecall_wait,
// remote_do — plus owner-side thunk execution and result routing. It
// implements refs.Owner over a core.ProcessGroup and a gc.Pump, gluing the
// lower transport/table layers to the client-facing handle types.
package rpc

import (
	"context"
	"fmt"
	"reflect"

	"github.com/jabolina/go-mscale/pkg/mscale/core"
	"github.com/jabolina/go-mscale/pkg/mscale/gc"
	"github.com/jabolina/go-mscale/pkg/mscale/refs"
	"github.com/jabolina/go-mscale/pkg/mscale/types"
)

// Func is a registered, callable-by-name thunk (spec §4.G): Go has no
// portable way to serialize a closure, so remotecall addresses functions
// by a string name the way net/rpc addresses "Service.Method" and the way
// the examples' birpc registry dispatches by method name.
type Func func(args []interface{}) (interface{}, error)

// Registry is a table of functions callable by name. Each Dispatcher owns
// its own Registry; registrations are not shared between Dispatchers.
type Registry struct {
	fns map[string]Func
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]Func)}
}

// Register installs fn under name, overwriting any previous registration.
func (r *Registry) Register(name string, fn Func) {
	r.fns[name] = fn
}

func (r *Registry) lookup(name string) (Func, bool) {
	fn, ok := r.fns[name]
	return fn, ok
}

// Dispatcher is the per-process RPC engine: it owns the function registry,
// drives owner-side execution of inbound Call/CallWait/RemoteDo frames,
// routes inbound Result frames back to locally held response cells, and
// implements refs.Owner so Future and RemoteChannel can forward handle
// operations to a remote owner.
type Dispatcher struct {
	pgrp     *core.ProcessGroup
	registry *Registry
	pump     *gc.Pump
	log      types.Logger
}

var _ refs.Owner = (*Dispatcher)(nil)
var _ core.Handler = (*Dispatcher)(nil).HandleFrame

// NewDispatcher constructs a Dispatcher over pgrp, registering the
// built-in owner-side operations handle forwarding relies on (spec §4.E)
// plus the distributed-GC remote_do targets (spec §4.F).
func NewDispatcher(pgrp *core.ProcessGroup, pump *gc.Pump, log types.Logger) *Dispatcher {
	d := &Dispatcher{pgrp: pgrp, registry: NewRegistry(), pump: pump, log: log}
	d.registerBuiltins()
	return d
}

// Registry exposes the function table so a Cluster can register
// user-defined functions under names the remote side will invoke.
func (d *Dispatcher) Registry() *Registry { return d.registry }

func singleAssignFactory() core.BackingChannel { return core.NewSingleAssignCell() }

func (d *Dispatcher) registerBuiltins() {
	r := d.registry

	r.Register(types.OpPutFuture, func(args []interface{}) (interface{}, error) {
		id, v, err := refIDAndOneArg(args)
		if err != nil {
			return nil, err
		}
		cell := d.pgrp.Refs.LookupOrCreate(id, d.pgrp.MyID(), singleAssignFactory)
		if err := cell.Channel.Put(backgroundCtx{}, v); err != nil {
			return nil, err
		}
		return nil, nil
	})

	r.Register(types.OpFetchFuture, func(args []interface{}) (interface{}, error) {
		id, err := refIDArg(args)
		if err != nil {
			return nil, err
		}
		cell := d.pgrp.Refs.LookupOrCreate(id, d.pgrp.MyID(), singleAssignFactory)
		return cell.Channel.Fetch(backgroundCtx{})
	})

	r.Register(types.OpChanPut, func(args []interface{}) (interface{}, error) {
		id, v, err := refIDAndOneArg(args)
		if err != nil {
			return nil, err
		}
		cell := d.pgrp.Refs.LookupOrCreate(id, d.pgrp.MyID(), func() core.BackingChannel { return core.NewQueue(0) })
		return nil, cell.Channel.Put(backgroundCtx{}, v)
	})

	r.Register(types.OpChanTake, func(args []interface{}) (interface{}, error) {
		id, err := refIDArg(args)
		if err != nil {
			return nil, err
		}
		cell, ok := d.pgrp.Refs.Lookup(id)
		if !ok {
			return nil, types.ErrCellDestroyed
		}
		locker := cell.SyncTake()
		locker.Lock()
		defer locker.Unlock()
		return cell.Channel.Take(backgroundCtx{})
	})

	r.Register(types.OpChanFetch, func(args []interface{}) (interface{}, error) {
		id, err := refIDArg(args)
		if err != nil {
			return nil, err
		}
		cell, ok := d.pgrp.Refs.Lookup(id)
		if !ok {
			return nil, types.ErrCellDestroyed
		}
		return cell.Channel.Fetch(backgroundCtx{})
	})

	r.Register(types.OpChanIsReady, func(args []interface{}) (interface{}, error) {
		id, err := refIDArg(args)
		if err != nil {
			return nil, err
		}
		cell, ok := d.pgrp.Refs.Lookup(id)
		return ok && cell.Channel.IsReady(), nil
	})

	r.Register(types.OpChanIsOpen, func(args []interface{}) (interface{}, error) {
		id, err := refIDArg(args)
		if err != nil {
			return nil, err
		}
		cell, ok := d.pgrp.Refs.Lookup(id)
		return ok && cell.Channel.IsOpen(), nil
	})

	r.Register(types.OpChanIsEmpty, func(args []interface{}) (interface{}, error) {
		id, err := refIDArg(args)
		if err != nil {
			return nil, err
		}
		cell, ok := d.pgrp.Refs.Lookup(id)
		return !ok || cell.Channel.IsEmpty(), nil
	})

	r.Register(types.OpChanClose, func(args []interface{}) (interface{}, error) {
		id, err := refIDArg(args)
		if err != nil {
			return nil, err
		}
		if cell, ok := d.pgrp.Refs.Lookup(id); ok {
			cell.Channel.Close()
		}
		return nil, nil
	})

	r.Register(opEnsureChannel, func(args []interface{}) (interface{}, error) {
		if len(args) < 3 {
			return nil, fmt.Errorf("mscale: %s: expected 3 args, got %d", opEnsureChannel, len(args))
		}
		id, err := toRefID(args[1])
		if err != nil {
			return nil, err
		}
		capacity, _ := toInt(args[2])
		d.pgrp.Refs.LookupOrCreate(id, d.pgrp.MyID(), func() core.BackingChannel { return core.NewQueue(capacity) })
		return nil, nil
	})

	r.Register(core.FuncAddClients, func(args []interface{}) (interface{}, error) {
		pairs, err := toGCPairs(args)
		if err != nil {
			return nil, err
		}
		for _, p := range pairs {
			d.pgrp.Refs.AddClient(p.What, d.pgrp.MyID(), p.Who)
		}
		return nil, nil
	})

	r.Register(core.FuncDelClients, func(args []interface{}) (interface{}, error) {
		pairs, err := toGCPairs(args)
		if err != nil {
			return nil, err
		}
		for _, p := range pairs {
			d.pgrp.Refs.DelClient(p.What, p.Who)
		}
		return nil, nil
	})
}

// opEnsureChannel is not in types.Op* because it is only ever issued by
// this package's own EnsureChannel, never constructed by refs directly.
const opEnsureChannel = "mscale.ensure_channel"

// backgroundCtx is core.Ctx with no deadline, used by owner-side thunk
// execution: a worker blocking on a channel op waits for as long as the
// remote caller is willing to, which an RPC call has no independent
// timeout over (spec §4.G: "Timeouts are the caller's responsibility").
type backgroundCtx struct{}

func (backgroundCtx) Done() <-chan struct{} { return nil }
func (backgroundCtx) Err() error            { return nil }

// refIDAndOneArg extracts (callerID is args[0], target ref is args[1],
// value is args[2]) from the convention CallOnOwner uses to address every
// built-in op: caller id, then target RefID, then the op's own arguments.
func refIDAndOneArg(args []interface{}) (types.RefID, interface{}, error) {
	if len(args) < 3 {
		return types.RefID{}, nil, fmt.Errorf("mscale: expected at least 3 args, got %d", len(args))
	}
	id, err := toRefID(args[1])
	if err != nil {
		return types.RefID{}, nil, err
	}
	return id, args[2], nil
}

func refIDArg(args []interface{}) (types.RefID, error) {
	if len(args) < 2 {
		return types.RefID{}, fmt.Errorf("mscale: expected at least 2 args, got %d", len(args))
	}
	return toRefID(args[1])
}

// DecodeRefID converts an argument that is either a native types.RefID
// (a local, same-process call) or its generic msgpack-decoded shape (a
// remote call) into a types.RefID. Exported for callers outside this
// package, such as a caching pool's own registered functions, that need
// to decode an RefID argument the same way the built-in ops do.
func DecodeRefID(v interface{}) (types.RefID, error) {
	return toRefID(v)
}

func toRefID(v interface{}) (types.RefID, error) {
	switch id := v.(type) {
	case types.RefID:
		return id, nil
	case map[string]interface{}:
		whence, _ := toInt(id["Whence"])
		refid, _ := toInt(id["ID"])
		return types.RefID{Whence: types.NodeID(whence), ID: uint64(refid)}, nil
	case map[interface{}]interface{}:
		whence, _ := toInt(id["Whence"])
		refid, _ := toInt(id["ID"])
		return types.RefID{Whence: types.NodeID(whence), ID: uint64(refid)}, nil
	default:
		return types.RefID{}, fmt.Errorf("mscale: cannot decode %T as RefID", v)
	}
}

func toInt(v interface{}) (int, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return int(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int(rv.Uint()), true
	default:
		return 0, false
	}
}

func toGCPairs(args []interface{}) ([]types.GCPair, error) {
	if len(args) == 0 {
		return nil, nil
	}
	switch v := args[0].(type) {
	case []types.GCPair:
		return v, nil
	case []interface{}:
		out := make([]types.GCPair, 0, len(v))
		for _, raw := range v {
			var whatRaw, whoRaw interface{}
			switch m := raw.(type) {
			case map[string]interface{}:
				whatRaw, whoRaw = m["What"], m["Who"]
			case map[interface{}]interface{}:
				whatRaw, whoRaw = m["What"], m["Who"]
			default:
				return nil, fmt.Errorf("mscale: cannot decode %T as GCPair", raw)
			}
			what, err := toRefID(whatRaw)
			if err != nil {
				return nil, err
			}
			who, _ := toInt(whoRaw)
			out = append(out, types.GCPair{What: what, Who: types.NodeID(who)})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("mscale: cannot decode %T as []GCPair", args[0])
	}
}

// ---- refs.Owner ----

func (d *Dispatcher) MyID() types.NodeID               { return d.pgrp.MyID() }
func (d *Dispatcher) Table() *core.RemoteValueTable     { return d.pgrp.Refs }
func (d *Dispatcher) NewRRID(where types.NodeID) types.RRID { return d.pgrp.NewRRID(where) }

func (d *Dispatcher) AddClient(rrid types.RRID) {
	if rrid.Where == d.pgrp.MyID() {
		d.pgrp.Refs.AddClient(rrid.RefID, d.pgrp.MyID(), d.pgrp.MyID())
		return
	}
	d.pump.QueueAddClient(rrid.Where, rrid.RefID, d.pgrp.MyID())
}

func (d *Dispatcher) DelClient(rrid types.RRID) {
	if rrid.Where == d.pgrp.MyID() {
		d.pgrp.Refs.DelClient(rrid.RefID, d.pgrp.MyID())
		return
	}
	d.pump.QueueDelClient(rrid.Where, rrid.RefID, d.pgrp.MyID())
}

// EnsureChannel pre-creates the owner-side cell for a new RemoteChannel
// with the requested capacity, whether the owner is local or remote
// (spec §4.D's factory contract is decided once, at construction).
func (d *Dispatcher) EnsureChannel(rrid types.RRID, capacity int) error {
	if rrid.Where == d.pgrp.MyID() {
		d.pgrp.Refs.LookupOrCreate(rrid.RefID, d.pgrp.MyID(), func() core.BackingChannel {
			return core.NewQueue(capacity)
		})
		return nil
	}
	var ignored struct{}
	return d.CallOnOwner(rrid, opEnsureChannel, []interface{}{capacity}, &ignored)
}

// CallOnOwner forwards a handle operation to rrid's owner via
// remotecall_fetch, addressing it by op and prefixing args with the
// caller's own id and the target RefID, the convention every built-in op
// registered in registerBuiltins expects.
func (d *Dispatcher) CallOnOwner(rrid types.RRID, op string, args []interface{}, result interface{}) error {
	full := make([]interface{}, 0, len(args)+2)
	full = append(full, d.pgrp.MyID(), rrid.RefID)
	full = append(full, args...)
	v, err := d.RemoteCallFetch(context.Background(), op, rrid.Where, full)
	if err != nil {
		return err
	}
	return assignResult(result, v)
}

func assignResult(dst interface{}, v interface{}) error {
	if dst == nil || v == nil {
		return nil
	}
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return nil
	}
	elem := rv.Elem()
	vv := reflect.ValueOf(v)
	if elem.Kind() == reflect.Interface {
		elem.Set(vv)
		return nil
	}
	if vv.Type().AssignableTo(elem.Type()) {
		elem.Set(vv)
		return nil
	}
	if vv.Type().ConvertibleTo(elem.Type()) {
		elem.Set(vv.Convert(elem.Type()))
		return nil
	}
	return fmt.Errorf("mscale: cannot assign %s into %s", vv.Type(), elem.Type())
}
