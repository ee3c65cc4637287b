// Package mscale is the role-keyed multiscale façade over the runtime:
// process identity, worker links, the distributed GC pump and the RPC
// dispatcher are wired together here into a single Cluster a program
// constructs once per process (spec §4.I).
package mscale

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/jabolina/go-mscale/pkg/mscale/core"
	"github.com/jabolina/go-mscale/pkg/mscale/gc"
	"github.com/jabolina/go-mscale/pkg/mscale/internal/logging"
	"github.com/jabolina/go-mscale/pkg/mscale/refs"
	"github.com/jabolina/go-mscale/pkg/mscale/rpc"
	"github.com/jabolina/go-mscale/pkg/mscale/types"
)

// poweroff mirrors the teacher's Unity shutdown bookkeeping: a
// once-only close of a signal channel, guarded so a second Shutdown call
// is a no-op rather than a double-close panic.
type poweroff struct {
	mu       sync.Mutex
	shutdown bool
	ch       chan struct{}
}

func newPoweroff() poweroff {
	return poweroff{ch: make(chan struct{})}
}

// Cluster is one process's view of the runtime: its own identity, the
// group of workers it can reach, the GC pump keeping their clientsets
// honest, and the RPC dispatcher every public call goes through.
type Cluster struct {
	self types.NodeID
	log  types.Logger

	cookie      []byte
	pgrp        *core.ProcessGroup
	pump        *gc.Pump
	sender      *rpc.Dispatcher
	metrics     *metrics.Metrics
	metricsSink *metrics.InmemSink

	listener net.Listener
	off      poweroff
}

// Config selects a Cluster's identity and logging; zero-value Config
// builds a single-node master with the default logger.
type Config struct {
	ID     types.NodeID
	Role   types.Role
	Cookie []byte
	Logger types.Logger
}

// NewCluster constructs a Cluster for this process and starts its
// distributed GC pump. Call Listen afterward to accept worker
// connections, and AddWorker to dial out to known peers.
func NewCluster(cfg Config) *Cluster {
	role := cfg.Role
	if role == types.RoleDefault {
		role = types.RoleMaster
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewDefaultLogger(logrus.Fields{"node": cfg.ID, "role": role})
	}
	return newClusterWithLogger(cfg, role, log)
}

func newClusterWithLogger(cfg Config, role types.Role, log types.Logger) *Cluster {
	pgrp := core.NewProcessGroup(role, cfg.ID)
	c := &Cluster{
		self: cfg.ID,
		log:  log,
		pgrp: pgrp,
		off:  newPoweroff(),
	}
	if len(cfg.Cookie) > 0 {
		c.cookie = cfg.Cookie
	}
	c.pump = gc.NewPump(pgrp, log, func(err error) {
		c.log.Warnf("gc pump: %v", err)
	})
	c.sender = rpc.NewDispatcher(pgrp, c.pump, log)
	conf := metrics.DefaultConfig("mscale")
	conf.EnableHostname = false
	conf.EnableRuntimeMetrics = false
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	if m, err := metrics.New(conf, sink); err == nil {
		c.metrics = m
		c.metricsSink = sink
	}
	go c.pump.Start()
	return c
}

// MyID returns this process's node id. Cluster itself implements neither
// pool.Caller nor refs.Owner; the Dispatcher returned by Dispatcher does.
func (c *Cluster) MyID() types.NodeID { return c.self }

// Role reports this cluster's role in its own process group.
func (c *Cluster) Role() types.Role { return c.pgrp.Role() }

// Dispatcher exposes the RPC layer for pools and tests that need direct
// access beyond the four primitives re-exported below.
func (c *Cluster) Dispatcher() *rpc.Dispatcher { return c.sender }

// Register installs a function under name so it can be addressed by
// RemoteCall/RemoteCallFetch/RemoteCallWait/RemoteDo.
func (c *Cluster) Register(name string, fn rpc.Func) {
	c.sender.Registry().Register(name, fn)
}

// RemoteCall implements remotecall(f, pid, args) (spec §4.G).
func (c *Cluster) RemoteCall(ctx context.Context, f string, pid types.NodeID, args ...interface{}) (*refs.Future, error) {
	c.countRPC("call")
	return c.sender.RemoteCall(ctx, f, pid, args)
}

// RemoteCallFetch implements remotecall_fetch(f, pid, args).
func (c *Cluster) RemoteCallFetch(ctx context.Context, f string, pid types.NodeID, args ...interface{}) (interface{}, error) {
	c.countRPC("call_fetch")
	return c.sender.RemoteCallFetch(ctx, f, pid, args)
}

// RemoteCallWait implements remotecall_wait(f, pid, args).
func (c *Cluster) RemoteCallWait(ctx context.Context, f string, pid types.NodeID, args ...interface{}) (*refs.Future, error) {
	c.countRPC("call_wait")
	return c.sender.RemoteCallWait(ctx, f, pid, args)
}

// RemoteDo implements remote_do(f, pid, args).
func (c *Cluster) RemoteDo(f string, pid types.NodeID, args ...interface{}) error {
	c.countRPC("remote_do")
	return c.sender.RemoteDo(f, pid, args)
}

func (c *Cluster) countRPC(kind string) {
	if c.metrics != nil {
		c.metrics.IncrCounter([]string{"rpc", kind}, 1)
	}
}

// Metrics returns the last interval's summarized counters (call counts by
// kind, etc.) from this cluster's in-memory metrics sink, or nil if
// metrics setup failed.
func (c *Cluster) Metrics() *metrics.IntervalMetrics {
	if c.metricsSink == nil {
		return nil
	}
	data := c.metricsSink.Data()
	if len(data) == 0 {
		return nil
	}
	return data[len(data)-1]
}

// NewFuture mints a Future owned by this cluster, following §4.E's
// "a handle is born when created locally" path.
func (c *Cluster) NewFuture(where types.NodeID) *refs.Future {
	return refs.NewFuture(c.sender, where)
}

// NewRemoteChannel mints a RemoteChannel owned by this cluster.
func (c *Cluster) NewRemoteChannel(where types.NodeID, capacity int) (*refs.RemoteChannel, error) {
	return refs.NewRemoteChannel(c.sender, where, capacity)
}

// Workers returns the ids of every worker currently in this cluster's
// process group.
func (c *Cluster) Workers() []types.NodeID { return c.pgrp.Workers() }

// Listen accepts incoming worker connections on addr until Shutdown,
// handshaking and admitting each into the process group before handing
// its link over to the RPC dispatcher's steady-state read loop.
func (c *Cluster) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	c.listener = ln
	go c.acceptLoop(ln)
	return nil
}

// Addr returns the address this cluster is listening on, or "" if Listen
// has not been called (or has not succeeded).
func (c *Cluster) Addr() string {
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

func (c *Cluster) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-c.off.ch:
				return
			default:
				c.log.Warnf("accept failed: %v", err)
				return
			}
		}
		go c.acceptOne(conn)
	}
}

func (c *Cluster) acceptOne(conn net.Conn) {
	link, err := core.AcceptHandshake(conn, c.self, c.cookie, c.log, c.sender.HandleFrame)
	if err != nil {
		c.log.Warnf("handshake with %s failed: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	c.admit(link)
}

// AddWorker dials addr, completes the connection handshake, and admits
// the resulting link as peer in this cluster's process group.
func (c *Cluster) AddWorker(ctx context.Context, peer types.NodeID, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	link, err := core.DialHandshake(conn, c.self, c.cookie, c.log, c.sender.HandleFrame)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if link.Peer != peer {
		c.log.Warnf("dialed %s expecting peer %d, got %d", addr, peer, link.Peer)
	}
	c.admit(link)
	return nil
}

func (c *Cluster) admit(link *core.WorkerLink) {
	c.pgrp.AddWorker(link.Peer, link)
	go func() {
		link.ReadLoop()
		c.pgrp.RemoveWorker(link.Peer)
	}()
}

// Shutdown stops accepting new connections, closes every worker link,
// and stops the GC pump, returning a Future that resolves once teardown
// completes (mirroring the teacher's Unity.Shutdown future-style signal).
func (c *Cluster) Shutdown() *refs.Future {
	future := refs.NewFuture(c.sender, c.self)
	c.off.mu.Lock()
	if c.off.shutdown {
		c.off.mu.Unlock()
		_ = future.Put(context.Background(), true)
		return future
	}
	c.off.shutdown = true
	close(c.off.ch)
	c.off.mu.Unlock()

	go func() {
		if c.listener != nil {
			_ = c.listener.Close()
		}
		c.pgrp.ForEachWorker(func(_ types.NodeID, link *core.WorkerLink) {
			link.Close()
		})
		c.pump.Stop()
		if err := future.Put(context.Background(), true); err != nil {
			c.log.Warnf("shutdown: %v", err)
		}
	}()
	return future
}

// String satisfies fmt.Stringer for diagnostics and test failure output.
func (c *Cluster) String() string {
	return fmt.Sprintf("mscale.Cluster{id=%d role=%s workers=%d}", c.self, c.pgrp.Role(), len(c.Workers()))
}
