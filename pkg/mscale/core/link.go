package core

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/jabolina/go-mscale/pkg/mscale/types"
)

// ConnState is a worker link's connection state machine (spec §4.B):
// CREATED -> CONNECTED -> TERMINATED.
type ConnState int32

const (
	StateCreated ConnState = iota
	StateConnected
	StateTerminated
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateTerminated:
		return "terminated"
	default:
		return "created"
	}
}

const (
	cookieLen  = 16
	versionLen = 16
)

// ProtocolVersion is the fixed-width version string exchanged during the
// connection handshake (spec §6).
var ProtocolVersion = "go-mscale/1.0   "

// FrameBodyError wraps a body-deserialization failure that the frame
// boundary let the reader recover from; Header and Tag on the
// originating Frame remain valid so the failure can be reported back on
// the response channel (spec §4.C, §7.b).
type FrameBodyError struct {
	Err error
}

func (e *FrameBodyError) Error() string { return "mscale: frame body decode failed: " + e.Err.Error() }
func (e *FrameBodyError) Unwrap() error { return e.Err }

// Handler processes one frame arriving on a link, including frames whose
// body failed to decode (decodeErr wraps a *FrameBodyError in that case).
type Handler func(link *WorkerLink, frame Frame, decodeErr error)

// WorkerLink is the per-peer bidirectional framed stream of spec §4.B: a
// connection state machine, a write stream guarded by its own lock, a
// read stream driving a Handler, and the two deferred GC buffers used for
// coalesced add-client/del-client flushing (§4.F).
type WorkerLink struct {
	Peer types.NodeID
	log  types.Logger

	conn   net.Conn
	reader *FrameReader

	stateMu     sync.Mutex
	state       ConnState
	connectedCh chan struct{}
	doneCh      chan struct{}
	closeOnce   sync.Once

	writeMu sync.Mutex
	bw      *bufio.Writer

	gcMu    sync.Mutex
	gcflag  bool
	addMsgs []types.GCPair
	delMsgs []types.GCPair

	handler Handler
}

// NewWorkerLink wraps conn as the link to peer. The link starts in
// StateCreated; callers drive the handshake and then call MarkConnected.
func NewWorkerLink(peer types.NodeID, conn net.Conn, log types.Logger, handler Handler) *WorkerLink {
	return &WorkerLink{
		Peer:        peer,
		log:         log,
		conn:        conn,
		reader:      NewFrameReader(conn),
		bw:          bufio.NewWriter(conn),
		connectedCh: make(chan struct{}),
		doneCh:      make(chan struct{}),
		handler:     handler,
	}
}

// State returns the current connection state.
func (w *WorkerLink) State() ConnState {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	return w.state
}

// MarkConnected transitions CREATED -> CONNECTED, releasing any writer
// blocked in waitInitialized. Idempotent.
func (w *WorkerLink) MarkConnected() {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	if w.state == StateConnected {
		return
	}
	w.state = StateConnected
	close(w.connectedCh)
}

// MarkTerminated transitions to TERMINATED and closes the underlying
// connection. Idempotent.
func (w *WorkerLink) MarkTerminated() {
	w.stateMu.Lock()
	alreadyDone := w.state == StateTerminated
	w.state = StateTerminated
	w.stateMu.Unlock()
	if alreadyDone {
		return
	}
	w.closeOnce.Do(func() {
		close(w.doneCh)
		_ = w.conn.Close()
	})
}

// waitInitialized blocks until CONNECTED, unless the link terminates
// first, in which case it returns ErrLinkTerminated (spec §4.B: "Writers
// before the peer has sent its IdentifySocket block on an initialized
// condition, except for the socket-identification messages themselves").
func (w *WorkerLink) waitInitialized() error {
	select {
	case <-w.connectedCh:
		return nil
	case <-w.doneCh:
		return types.ErrLinkTerminated
	}
}

// Send acquires the write lock, resets the serializer, writes header,
// body and boundary, and either flushes immediately (now=true) or, if
// this link has pending GC messages, piggy-backs the flushed batch before
// flushing (spec §4.B).
func (w *WorkerLink) Send(hdr types.FrameHeader, tag types.Tag, body interface{}, now bool) error {
	isIdentity := tag == types.TagIdentifySocket || tag == types.TagIdentifySocketAck
	if !isIdentity {
		if err := w.waitInitialized(); err != nil {
			return err
		}
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if w.State() == StateTerminated {
		return types.ErrLinkTerminated
	}

	if err := WriteFrame(w.bw, hdr, tag, body); err != nil {
		return err
	}

	flush := now
	if w.HasPendingGC() {
		if err := w.flushGCLocked(); err != nil {
			return err
		}
		flush = true
	}
	if flush {
		return w.bw.Flush()
	}
	return nil
}

// HasPendingGC reports whether add_msgs or del_msgs hold unflushed
// entries.
func (w *WorkerLink) HasPendingGC() bool {
	w.gcMu.Lock()
	defer w.gcMu.Unlock()
	return w.gcflag
}

// QueueAddClient buffers an add-client notification for later coalesced
// flushing (spec §4.F).
func (w *WorkerLink) QueueAddClient(what types.RefID, who types.NodeID) {
	w.gcMu.Lock()
	w.addMsgs = append(w.addMsgs, types.GCPair{What: what, Who: who})
	w.gcflag = true
	w.gcMu.Unlock()
}

// QueueDelClient buffers a del-client notification for later coalesced
// flushing (spec §4.F).
func (w *WorkerLink) QueueDelClient(what types.RefID, who types.NodeID) {
	w.gcMu.Lock()
	w.delMsgs = append(w.delMsgs, types.GCPair{What: what, Who: who})
	w.gcflag = true
	w.gcMu.Unlock()
}

// FlushGC drains and sends this link's pending GC batches immediately,
// used by the GC pump (spec §4.F) when it wakes.
func (w *WorkerLink) FlushGC() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.State() != StateConnected {
		return nil
	}
	if err := w.flushGCLocked(); err != nil {
		return err
	}
	return w.bw.Flush()
}

// flushGCLocked must be called with writeMu held. It atomically drains
// add_msgs/del_msgs and writes them as two remote_do calls targeting the
// peer's add_clients(pairs)/del_clients(pairs) (spec §4.F).
func (w *WorkerLink) flushGCLocked() error {
	w.gcMu.Lock()
	adds := w.addMsgs
	dels := w.delMsgs
	w.addMsgs = nil
	w.delMsgs = nil
	w.gcflag = false
	w.gcMu.Unlock()

	if len(adds) > 0 {
		if err := w.writeGCCall(FuncAddClients, adds); err != nil {
			return err
		}
	}
	if len(dels) > 0 {
		if err := w.writeGCCall(FuncDelClients, dels); err != nil {
			return err
		}
	}
	return nil
}

func (w *WorkerLink) writeGCCall(fn string, pairs []types.GCPair) error {
	args, err := EncodeArgs(pairs)
	if err != nil {
		return err
	}
	body := &types.RemoteDoBody{CallBody: types.CallBody{Func: fn, Args: args}}
	return WriteFrame(w.bw, types.FrameHeader{}, types.TagRemoteDo, body)
}

// Well-known remote_do function names used to deliver coalesced GC
// batches (spec §4.F).
const (
	FuncAddClients = "add_clients"
	FuncDelClients = "del_clients"
)

// ReadLoop drains frames off the link until a transport-level read error
// (including a clean peer close) occurs, dispatching each to handler. A
// body decode error is delivered to handler rather than ending the loop,
// per the frame-boundary resync contract.
func (w *WorkerLink) ReadLoop() {
	for {
		frame, err := w.reader.ReadFrame()
		if err != nil {
			var bodyErr *FrameBodyError
			if errors.As(err, &bodyErr) {
				w.handler(w, frame, bodyErr)
				continue
			}
			if err != io.EOF {
				w.log.Warnf("link to %d read failed: %v", w.Peer, err)
			}
			w.MarkTerminated()
			return
		}
		w.handler(w, frame, nil)
	}
}

// Close terminates the link.
func (w *WorkerLink) Close() { w.MarkTerminated() }

// NewCookie generates a fresh random handshake cookie (spec §6), used once
// by whichever process bootstraps a cluster's configuration; every node
// that subsequently dials or accepts connections for that cluster is
// configured with the same value.
func NewCookie() ([]byte, error) {
	s, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	b := []byte(s)
	if len(b) > cookieLen {
		b = b[:cookieLen]
	}
	return b, nil
}

// DialHandshake performs the initiator side of the connection handshake
// (spec §6): send cookie, send the fixed-width version string, then
// exchange IdentifySocket/IdentifySocketAck frames. It returns the link
// in StateConnected. cookie must match the value the peer's
// AcceptHandshake was configured with.
func DialHandshake(conn net.Conn, self types.NodeID, cookie []byte, log types.Logger, handler Handler) (*WorkerLink, error) {
	if _, err := conn.Write(cookie); err != nil {
		return nil, err
	}
	if err := writeVersion(conn); err != nil {
		return nil, err
	}

	link := NewWorkerLink(0, conn, log, handler)
	if err := WriteFrame(link.bw, types.FrameHeader{}, types.TagIdentifySocket, &types.IdentifySocketBody{From: self}); err != nil {
		return nil, err
	}
	if err := link.bw.Flush(); err != nil {
		return nil, err
	}

	frame, err := link.reader.ReadFrame()
	if err != nil {
		return nil, err
	}
	ident, ok := frame.Body.(*types.IdentifySocketBody)
	if !ok {
		return nil, types.ErrUnknownTag
	}
	link.Peer = ident.From

	if err := WriteFrame(link.bw, types.FrameHeader{}, types.TagIdentifySocketAck, &types.IdentifySocketAckBody{}); err != nil {
		return nil, err
	}
	if err := link.bw.Flush(); err != nil {
		return nil, err
	}
	if _, err := link.reader.ReadFrame(); err != nil {
		return nil, err
	}

	link.MarkConnected()
	return link, nil
}

// AcceptHandshake performs the responder side of the connection
// handshake (spec §6): validate the cookie, read the version string, then
// exchange IdentifySocket/IdentifySocketAck frames.
func AcceptHandshake(conn net.Conn, self types.NodeID, expectedCookie []byte, log types.Logger, handler Handler) (*WorkerLink, error) {
	got := make([]byte, len(expectedCookie))
	if _, err := io.ReadFull(conn, got); err != nil {
		return nil, err
	}
	if !bytes.Equal(got, expectedCookie) {
		return nil, errors.New("mscale: handshake cookie mismatch")
	}
	if err := readVersion(conn); err != nil {
		return nil, err
	}

	link := NewWorkerLink(0, conn, log, handler)
	frame, err := link.reader.ReadFrame()
	if err != nil {
		return nil, err
	}
	ident, ok := frame.Body.(*types.IdentifySocketBody)
	if !ok {
		return nil, types.ErrUnknownTag
	}
	link.Peer = ident.From

	if err := WriteFrame(link.bw, types.FrameHeader{}, types.TagIdentifySocket, &types.IdentifySocketBody{From: self}); err != nil {
		return nil, err
	}
	if err := link.bw.Flush(); err != nil {
		return nil, err
	}
	if _, err := link.reader.ReadFrame(); err != nil {
		return nil, err
	}
	if err := WriteFrame(link.bw, types.FrameHeader{}, types.TagIdentifySocketAck, &types.IdentifySocketAckBody{}); err != nil {
		return nil, err
	}
	if err := link.bw.Flush(); err != nil {
		return nil, err
	}

	link.MarkConnected()
	return link, nil
}

func writeVersion(conn net.Conn) error {
	var vbuf [versionLen]byte
	copy(vbuf[:], ProtocolVersion)
	_, err := conn.Write(vbuf[:])
	return err
}

func readVersion(conn net.Conn) error {
	var vbuf [versionLen]byte
	_, err := io.ReadFull(conn, vbuf[:])
	return err
}
