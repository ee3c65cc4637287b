package rpc

import (
	"context"
	"errors"

	"github.com/jabolina/go-mscale/pkg/mscale/core"
	"github.com/jabolina/go-mscale/pkg/mscale/refs"
	"github.com/jabolina/go-mscale/pkg/mscale/types"
)

type ctxAdapter struct{ context.Context }

func (c ctxAdapter) Done() <-chan struct{} { return c.Context.Done() }
func (c ctxAdapter) Err() error            { return c.Context.Err() }

func toCoreCtx(ctx context.Context) core.Ctx {
	if ctx == nil {
		ctx = context.Background()
	}
	return ctxAdapter{ctx}
}

// RemoteCall implements remotecall(f, pid, args) (spec §4.G): the caller
// mints the result Future's rrid itself (the Future lives wherever the
// caller is), dispatches the call, and returns immediately.
func (d *Dispatcher) RemoteCall(ctx context.Context, f string, pid types.NodeID, args []interface{}) (*refs.Future, error) {
	rrid := d.pgrp.NewRRID(d.pgrp.MyID())
	if err := d.dispatchCall(pid, types.TagCall, types.FrameHeader{ResponseOID: rrid.RefID}, f, args); err != nil {
		return nil, err
	}
	return refs.WrapFuture(d, rrid), nil
}

// RemoteCallFetch implements remotecall_fetch(f, pid, args): a transient
// cell is created, awaited, removed, and the raw result unwrapped into
// either a value or the captured remote exception.
func (d *Dispatcher) RemoteCallFetch(ctx context.Context, f string, pid types.NodeID, args []interface{}) (interface{}, error) {
	rrid := d.pgrp.NewRRID(d.pgrp.MyID())
	if err := d.dispatchCall(pid, types.TagCallFetch, types.FrameHeader{ResponseOID: rrid.RefID}, f, args); err != nil {
		return nil, err
	}
	cell := d.pgrp.Refs.LookupOrCreate(rrid.RefID, d.pgrp.MyID(), singleAssignFactory)
	raw, err := cell.Channel.Fetch(toCoreCtx(ctx))
	d.pgrp.Refs.Remove(rrid.RefID)
	if err != nil {
		return nil, err
	}
	return types.Unwrap(raw)
}

// RemoteCallWait implements remotecall_wait(f, pid, args): the caller
// blocks on the completion cell before returning the result Future, so by
// the time the caller observes completion the result cell is already
// populated.
func (d *Dispatcher) RemoteCallWait(ctx context.Context, f string, pid types.NodeID, args []interface{}) (*refs.Future, error) {
	resultRRID := d.pgrp.NewRRID(d.pgrp.MyID())
	notifyRRID := d.pgrp.NewRRID(d.pgrp.MyID())
	hdr := types.FrameHeader{ResponseOID: resultRRID.RefID, NotifyOID: notifyRRID.RefID}
	if err := d.dispatchCall(pid, types.TagCallWait, hdr, f, args); err != nil {
		return nil, err
	}
	notifyCell := d.pgrp.Refs.LookupOrCreate(notifyRRID.RefID, d.pgrp.MyID(), singleAssignFactory)
	if _, err := notifyCell.Channel.Fetch(toCoreCtx(ctx)); err != nil {
		return nil, err
	}
	d.pgrp.Refs.Remove(notifyRRID.RefID)
	return refs.WrapFuture(d, resultRRID), nil
}

// RemoteDo implements remote_do(f, pid, args): fire-and-forget, no
// response is ever sent regardless of header contents.
func (d *Dispatcher) RemoteDo(f string, pid types.NodeID, args []interface{}) error {
	return d.dispatchCall(pid, types.TagRemoteDo, types.FrameHeader{}, f, args)
}

// dispatchCall routes one outbound call either straight into local
// execution (pid == self, no wire round trip at all) or across the link
// to pid, encoding args once for the wire.
func (d *Dispatcher) dispatchCall(pid types.NodeID, tag types.Tag, hdr types.FrameHeader, funcName string, args []interface{}) error {
	if pid == d.pgrp.MyID() {
		d.executeAndRespond(tag, hdr, funcName, args, nil)
		return nil
	}
	link, ok := d.pgrp.WorkerFromID(pid)
	if !ok {
		return types.ErrNotConnected
	}
	encodedArgs, err := core.EncodeArgs(args...)
	if err != nil {
		return err
	}
	callBody := types.CallBody{Func: funcName, Args: encodedArgs}
	var body interface{}
	switch tag {
	case types.TagCall, types.TagCallFetch:
		body = &callBody
	case types.TagCallWait:
		body = &types.CallWaitBody{CallBody: callBody}
	case types.TagRemoteDo:
		body = &types.RemoteDoBody{CallBody: callBody}
	}
	return link.Send(hdr, tag, body, true)
}

// executeAndRespond runs funcName(args) on its own goroutine (owner-side
// execution is scheduled as an independent task per spec §4.G step 2) and
// routes the outcome according to tag. link is nil for a local (pid ==
// self) call, in which case the result is delivered straight into the
// response cell rather than serialized onto a wire.
func (d *Dispatcher) executeAndRespond(tag types.Tag, hdr types.FrameHeader, funcName string, args []interface{}, link *core.WorkerLink) {
	go func() {
		v, err := d.invoke(funcName, args)
		switch tag {
		case types.TagRemoteDo:
			if err != nil && d.log != nil {
				d.log.Warnf("remote_do %s failed: %v", funcName, err)
			}
		case types.TagCallWait:
			d.respond(link, hdr.ResponseOID, v, err)
			d.respond(link, hdr.NotifyOID, true, nil)
		default: // TagCall, TagCallFetch
			d.respond(link, hdr.ResponseOID, v, err)
		}
	}()
}

func (d *Dispatcher) invoke(funcName string, args []interface{}) (interface{}, error) {
	fn, ok := d.registry.lookup(funcName)
	if !ok {
		return nil, types.ErrFuncNotRegistered
	}
	return fn(args)
}

// Invoke runs a registered function directly, without going through any
// RPC primitive. Used by CachingPool's exec_from_cache handler, which
// already holds the cached function name and just needs to run it.
func (d *Dispatcher) Invoke(funcName string, args []interface{}) (interface{}, error) {
	return d.invoke(funcName, args)
}

// respond delivers one result, either into a local cell or as a Result
// frame over link.
func (d *Dispatcher) respond(link *core.WorkerLink, target types.RefID, v interface{}, err error) {
	if target.IsNull() {
		return
	}
	if link == nil {
		var payload interface{}
		if err != nil {
			payload = types.Capture(err)
		} else {
			payload = v
		}
		cell := d.pgrp.Refs.LookupOrCreate(target, d.pgrp.MyID(), singleAssignFactory)
		_ = cell.Channel.Put(backgroundCtx{}, payload)
		return
	}

	body := &types.ResultBody{}
	if err != nil {
		body.Exception = types.Capture(err)
	} else if encoded, encErr := core.EncodeValue(v); encErr != nil {
		body.Exception = types.Capture(encErr)
	} else {
		body.Value = encoded
	}
	hdr := types.FrameHeader{ResponseOID: target}
	if sendErr := link.Send(hdr, types.TagResult, body, true); sendErr != nil && d.log != nil {
		d.log.Warnf("mscale: failed sending result to %d: %v", link.Peer, sendErr)
	}
}

// HandleFrame is the core.Handler driving every WorkerLink's read loop
// once a connection has completed its IdentifySocket handshake (spec §4.G step
// 1-3). A body decode failure still carries a valid header, so a captured
// exception is routed back to ResponseOID per §4.C.
func (d *Dispatcher) HandleFrame(link *core.WorkerLink, frame core.Frame, decodeErr error) {
	if decodeErr != nil {
		var bodyErr *core.FrameBodyError
		if errors.As(decodeErr, &bodyErr) {
			d.respond(link, frame.Header.ResponseOID, nil, bodyErr)
			return
		}
		if d.log != nil {
			d.log.Warnf("mscale: frame error from %d: %v", link.Peer, decodeErr)
		}
		return
	}

	switch frame.Tag {
	case types.TagCall, types.TagCallFetch:
		body := frame.Body.(*types.CallBody)
		args, err := core.DecodeArgs(body.Args)
		if err != nil {
			d.respond(link, frame.Header.ResponseOID, nil, err)
			return
		}
		d.executeAndRespond(frame.Tag, frame.Header, body.Func, args, link)

	case types.TagCallWait:
		body := frame.Body.(*types.CallWaitBody)
		args, err := core.DecodeArgs(body.Args)
		if err != nil {
			d.respond(link, frame.Header.ResponseOID, nil, err)
			d.respond(link, frame.Header.NotifyOID, true, nil)
			return
		}
		d.executeAndRespond(types.TagCallWait, frame.Header, body.Func, args, link)

	case types.TagRemoteDo:
		body := frame.Body.(*types.RemoteDoBody)
		args, err := core.DecodeArgs(body.Args)
		if err != nil {
			if d.log != nil {
				d.log.Warnf("mscale: remote_do decode from %d: %v", link.Peer, err)
			}
			return
		}
		d.executeAndRespond(types.TagRemoteDo, frame.Header, body.Func, args, link)

	case types.TagResult:
		body := frame.Body.(*types.ResultBody)
		var payload interface{}
		if body.Exception != nil {
			payload = body.Exception
		} else if len(body.Value) > 0 {
			var v interface{}
			if err := core.DecodeValue(body.Value, &v); err != nil {
				payload = types.Capture(err)
			} else {
				payload = v
			}
		}
		cell := d.pgrp.Refs.LookupOrCreate(frame.Header.ResponseOID, d.pgrp.MyID(), singleAssignFactory)
		_ = cell.Channel.Put(backgroundCtx{}, payload)

	case types.TagIdentifySocket, types.TagIdentifySocketAck, types.TagJoinPGRP, types.TagJoinComplete:
		// membership frames are consumed synchronously during connection
		// setup, before a link's steady-state HandleFrame loop starts.

	default:
		if d.log != nil {
			d.log.Warnf("mscale: unhandled tag %s from %d", frame.Tag, link.Peer)
		}
	}
}
