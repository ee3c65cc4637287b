// Package gc implements the distributed garbage collector pump of spec
// §4.F: a background task per process that periodically, or on demand,
// flushes every link's coalesced add_clients/del_clients batches.
package gc

import (
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/jabolina/go-mscale/pkg/mscale/core"
	"github.com/jabolina/go-mscale/pkg/mscale/internal/logging"
	"github.com/jabolina/go-mscale/pkg/mscale/types"
)

// DefaultInterval is how often the pump sweeps all links even absent an
// explicit wake, bounding how long a del-client notification can sit
// unflushed behind an otherwise-idle link (spec §4.F).
const DefaultInterval = 200 * time.Millisecond

// Pump drains every WorkerLink's pending GC batches, either because a
// caller asked it to Wake (typically right after a finalizer queued a
// del-client with no outbound traffic of its own to piggyback on) or
// because its ticker fired.
type Pump struct {
	pgrp     *core.ProcessGroup
	log      types.Logger
	interval time.Duration

	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	onError func(error)
}

// NewPump constructs a pump over pgrp's current and future workers.
// onError, if non-nil, is invoked with the aggregated multierror.Error
// from any sweep that produced link failures; a nil onError means
// failures are only logged. A nil log falls back to logging.Fallback,
// since the pump's sweep runs on its own goroutine and must never block
// on a caller-supplied logger that might acquire a lock of its own.
func NewPump(pgrp *core.ProcessGroup, log types.Logger, onError func(error)) *Pump {
	if log == nil {
		log = logging.Fallback
	}
	return &Pump{
		pgrp:     pgrp,
		log:      log,
		interval: DefaultInterval,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		onError:  onError,
	}
}

// Start runs the pump loop until Stop is called. Intended to be launched
// as its own goroutine by the owning Cluster.
func (p *Pump) Start() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			p.sweep()
			return
		case <-ticker.C:
			p.sweep()
		case <-p.wake:
			p.sweep()
		}
	}
}

// Wake requests an out-of-band sweep as soon as the pump next runs,
// without blocking the caller (a finalizer running on the GC's own
// goroutine must never block).
func (p *Pump) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stop requests the pump loop exit after one final sweep, and blocks
// until it has.
func (p *Pump) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Pump) sweep() {
	var pending []*core.WorkerLink
	p.pgrp.ForEachWorker(func(id types.NodeID, link *core.WorkerLink) {
		if link.HasPendingGC() {
			pending = append(pending, link)
		}
	})
	var merr *multierror.Error
	for _, link := range pending {
		if err := link.FlushGC(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		if p.onError != nil {
			p.onError(err)
		} else if p.log != nil {
			p.log.Warnf("gc pump: %v", err)
		}
	}
}

// QueueAddClient buffers, on the link to owner, a notification that who
// gained a reference to what, and wakes the pump so it is flushed
// promptly rather than waiting on unrelated outbound traffic to
// piggyback on (spec §4.F).
func (p *Pump) QueueAddClient(owner types.NodeID, what types.RefID, who types.NodeID) {
	if link, ok := p.pgrp.WorkerFromID(owner); ok {
		link.QueueAddClient(what, who)
		p.Wake()
	}
}

// QueueDelClient buffers, on the link to owner, a notification that who
// dropped its reference to what, and wakes the pump.
func (p *Pump) QueueDelClient(owner types.NodeID, what types.RefID, who types.NodeID) {
	if link, ok := p.pgrp.WorkerFromID(owner); ok {
		link.QueueDelClient(what, who)
		p.Wake()
	}
}
