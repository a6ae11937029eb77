package conn

import (
	"errors"
	"io"
	"net"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/yuuki/ibvconn/internal/rdma"
	"github.com/yuuki/ibvconn/internal/ringbuf"
	"github.com/yuuki/ibvconn/internal/wire"
)

// wrPoster is the narrow slice of the queue pair a connection needs to post
// work requests through. Factored out of *rdma.QueuePair so the read/write
// processing loops can be exercised in tests without real ibverbs hardware.
type wrPoster interface {
	PostAck(immData uint32) error
	PostWrite(localAddr uint64, length, lkey uint32, remoteAddr uint64, rkey, immData uint32) error
}

type qpPoster struct{ qp *rdma.QueuePair }

func (p *qpPoster) PostAck(immData uint32) error {
	return rdma.PostAck(p.qp, immData)
}

func (p *qpPoster) PostWrite(localAddr uint64, length, lkey uint32, remoteAddr uint64, rkey, immData uint32) error {
	return rdma.PostWrite(p.qp, localAddr, length, lkey, remoteAddr, rkey, immData)
}

// memRegion is the slice of *rdma.MemoryRegion the processing loops need:
// a backing buffer plus the keys that address it. Factored out for the
// same reason as wrPoster — it lets tests drive the ring-buffer and
// work-request logic against a plain byte slice instead of a real,
// page-aligned, ibv_reg_mr-backed region.
type memRegion interface {
	Bytes() []byte
	LKey() uint32
	RKey() uint32
	Addr() uint64
	Close() error
}

// queuePair is the slice of *rdma.QueuePair the connection state machine
// needs to drive the RC handshake and teardown. Factored out for the same
// reason as wrPoster and memRegion — it lets teardown decisions (in
// particular, whether TransitionToError is legal to call) be exercised in
// tests without real ibverbs hardware.
type queuePair interface {
	TransitionToRTR(destGID string, destQPN, destPSN uint32) error
	TransitionToRTS() error
	TransitionToError() error
	Destroy()
}

type errorBox struct{ err error }

// Connection is a reliable, point-to-point RDMA byte stream. It owns one
// control socket, one queue pair, one inbox region, one outbox region, the
// peer's inbox address/key/head, in-flight work-request counters, two
// FIFO operation queues, and a sticky error slot. Every field below is
// mutated only while running on ctx's loop, with the exception of
// errAtomic, which Err() reads from arbitrary goroutines.
type Connection struct {
	ctx   *Context
	id    string
	state State
	err   error

	// qpLeftInit is set once TransitionToRTR succeeds. It is the actual
	// proxy for "has the queue pair left Init" that handleError needs:
	// state alone cannot serve this role, because RecvAddr is entered in
	// onSentSelfInfo before RTR is ever attempted, and Established is
	// only reached after RTR and RTS both succeed. A queue pair that
	// reached RTR but then failed RTS is genuinely past Init and still
	// needs the Error transition even though state never advances to
	// Established.
	qpLeftInit bool

	errAtomic atomic.Pointer[errorBox]

	socket net.Conn

	qp       queuePair
	qpNum    uint32
	qpPSN    uint32
	poster   wrPoster
	inboxMR  memRegion
	outboxMR memRegion
	inbox    *ringbuf.Ring
	outbox   *ringbuf.Ring

	peerInboxAddr uint64
	peerInboxRKey uint32
	peerInboxHead uint64
	bytesInFlight uint64

	writesInFlight uint32
	acksInFlight   uint32

	readOps  []readOperation
	readSeq  []uint64
	writeOps []writeOperation
	writeSeq []uint64

	nextReadSubmitted  uint64
	nextReadCallback   uint64
	nextWriteSubmitted uint64
	nextWriteCallback  uint64
}

func newConnection(ctx *Context, id string) *Connection {
	if id == "" {
		id = uuid.NewString()
	}
	c := &Connection{ctx: ctx, id: id, state: Initializing}
	ctx.registerConnection(c)
	return c
}

// initFromLoop allocates the connection's ring buffers, memory regions,
// and queue pair, registers the queue pair's completion handler, then
// hands the bootstrap I/O off to a dedicated goroutine (obtainSocket
// blocks: it is either net.Dial or a pre-accepted socket). Runs on ctx's
// loop, mirroring the teacher's dedicated-goroutine-per-blocking-call idiom
// used for the reactor's own comp-channel wait.
func (c *Connection) initFromLoop(obtainSocket func() (net.Conn, error)) {
	device := c.ctx.device
	ringCapacity := c.ctx.ringCapacity

	inboxMR, err := rdma.NewMemoryRegion(device.PD, ringCapacity, rdma.AccessLocalWrite|rdma.AccessRemoteWrite)
	if err != nil {
		c.setError(&SystemError{Op: "allocate inbox region", Err: err})
		return
	}
	outboxMR, err := rdma.NewMemoryRegion(device.PD, ringCapacity, rdma.AccessLocalWrite)
	if err != nil {
		inboxMR.Close()
		c.setError(&SystemError{Op: "allocate outbox region", Err: err})
		return
	}

	inboxRing, err := ringbuf.New(ringCapacity)
	if err != nil {
		inboxMR.Close()
		outboxMR.Close()
		c.setError(&SystemError{Op: "create inbox ring", Err: err})
		return
	}
	outboxRing, err := ringbuf.New(ringCapacity)
	if err != nil {
		inboxMR.Close()
		outboxMR.Close()
		c.setError(&SystemError{Op: "create outbox ring", Err: err})
		return
	}

	qp, err := rdma.CreateQueuePair(device, c.ctx.reactor.SendCQ(), c.ctx.reactor.RecvCQ(), c.ctx.reactor.SRQ(), c.ctx.maxPendingWRs, c.ctx.maxPendingWRs)
	if err != nil {
		inboxMR.Close()
		outboxMR.Close()
		c.setError(&SystemError{Op: "create queue pair", Err: err})
		return
	}

	c.inboxMR, c.outboxMR = inboxMR, outboxMR
	c.inbox, c.outbox = inboxRing, outboxRing
	c.qp = qp
	c.qpNum = qp.QPN
	c.qpPSN = qp.PSN
	c.poster = &qpPoster{qp: qp}

	c.ctx.reactor.RegisterQP(qp.QPN, func(comp rdma.Completion) {
		c.ctx.DeferToLoop(func() { c.handleCompletion(comp) })
	})

	c.state = SendAddr
	go c.runBootstrapIO(obtainSocket)
}

// deferSetError schedules setError(err) onto the loop. Used by the
// bootstrap I/O goroutine, which must never touch connection state
// directly.
func (c *Connection) deferSetError(err error) {
	c.ctx.DeferToLoop(func() { c.setError(err) })
}

// runBootstrapIO performs the one-shot bootstrap exchange described in
// SPEC_FULL.md §6.1: write the local Exchange record in a single write,
// then read the peer's in a single read. Runs off the loop so the blocking
// socket calls never stall other connections' processing.
func (c *Connection) runBootstrapIO(obtainSocket func() (net.Conn, error)) {
	sock, err := obtainSocket()
	if err != nil {
		c.deferSetError(&SystemError{Op: "dial", Err: err})
		return
	}

	gidBytes, err := rdma.ParseGID(c.ctx.device.GID)
	if err != nil {
		sock.Close()
		c.deferSetError(&SystemError{Op: "parse local gid", Err: err})
		return
	}

	self := wire.Exchange{
		QPN:       c.qpNum,
		PSN:       c.qpPSN,
		GID:       gidBytes,
		InboxAddr: c.inboxMR.Addr(),
		InboxRKey: c.inboxMR.RKey(),
	}

	out := self.Encode()
	n, err := sock.Write(out)
	if err != nil {
		sock.Close()
		c.deferSetError(&SystemError{Op: "write bootstrap exchange", Err: err})
		return
	}
	if n != wire.ExchangeSize {
		sock.Close()
		c.deferSetError(&ShortWriteError{Want: wire.ExchangeSize, Got: n})
		return
	}

	c.ctx.DeferToLoop(func() { c.onSentSelfInfo(sock) })

	in := make([]byte, wire.ExchangeSize)
	m, err := sock.Read(in)
	if err != nil {
		c.deferSetError(readErrorFrom(err))
		return
	}
	if m != wire.ExchangeSize {
		c.deferSetError(&ShortReadError{Want: wire.ExchangeSize, Got: m})
		return
	}

	peer, err := wire.Decode(in)
	if err != nil {
		c.deferSetError(&SystemError{Op: "decode bootstrap exchange", Err: err})
		return
	}

	c.ctx.DeferToLoop(func() { c.onRecvPeerInfo(peer) })
}

func readErrorFrom(err error) error {
	if errors.Is(err, io.EOF) {
		return &EOFError{Stage: "bootstrap"}
	}
	return &SystemError{Op: "read bootstrap exchange", Err: err}
}

func (c *Connection) onSentSelfInfo(sock net.Conn) {
	if c.err != nil {
		sock.Close()
		return
	}
	c.socket = sock
	c.state = RecvAddr
	log.Debug().Str("id", c.id).Msg("sent bootstrap exchange, waiting for peer")
}

func (c *Connection) onRecvPeerInfo(peer wire.Exchange) {
	if c.err != nil {
		return
	}

	peerGID := rdma.FormatGID(peer.GID)
	if err := c.qp.TransitionToRTR(peerGID, peer.QPN, peer.PSN); err != nil {
		c.setError(&SystemError{Op: "transition queue pair to RTR", Err: err})
		return
	}
	// The QP has now genuinely left Init, regardless of whether RTS below
	// succeeds; handleError needs this to know an Error transition is
	// legal even if we fail before ever reaching Established.
	c.qpLeftInit = true
	if err := c.qp.TransitionToRTS(); err != nil {
		c.setError(&SystemError{Op: "transition queue pair to RTS", Err: err})
		return
	}

	c.peerInboxAddr = peer.InboxAddr
	c.peerInboxRKey = peer.InboxRKey
	c.state = Established
	log.Debug().Str("id", c.id).Msg("connection established")

	c.processWriteOperations()
	c.processReadOperations()
}
