package conn

import (
	"net"
	"time"
	"unsafe"

	"github.com/rs/zerolog/log"
)

// Dial opens a connection by establishing a TCP control socket to addr
// and bootstrapping an RDMA queue pair over it. The returned Connection
// is usable immediately: reads and writes submitted before bootstrap
// completes are queued and processed once the handshake reaches
// Established. The dial itself is bounded by ctx's configured dial
// timeout (see WithDialTimeout); a timed-out dial fails the connection
// with a SystemError.
func Dial(ctx *Context, addr, id string) *Connection {
	c := newConnection(ctx, id)
	ctx.DeferToLoop(func() {
		c.initFromLoop(func() (net.Conn, error) { return net.DialTimeout("tcp", addr, ctx.dialTimeout) })
	})
	return c
}

// Accept wraps an already-accepted control socket as a connection and
// bootstraps an RDMA queue pair over it.
func Accept(ctx *Context, sock net.Conn, id string) *Connection {
	c := newConnection(ctx, id)
	ctx.DeferToLoop(func() {
		c.initFromLoop(func() (net.Conn, error) { return sock, nil })
	})
	return c
}

// SetID changes the connection's identifier, used in log lines emitted
// by this connection from this point on.
func (c *Connection) SetID(id string) {
	c.ctx.DeferToLoop(func() { c.id = id })
}

// Err returns the connection's sticky error, if any, without a loop
// round-trip. Safe to call from any goroutine.
func (c *Connection) Err() error {
	box := c.errAtomic.Load()
	if box == nil {
		return nil
	}
	return box.err
}

// Close installs ConnectionClosedError as the connection's sticky error,
// failing every pending operation and beginning teardown. Idempotent.
func (c *Connection) Close() {
	c.ctx.DeferToLoop(func() { c.setError(errConnectionClosed) })
}

// ReadUnsized reads whatever one contiguous span of bytes is available
// in the inbox right now. cb receives a slice aliasing the inbox's
// backing memory region directly; it is only valid until the connection
// processes a later read, so callers must fully consume it before
// returning from cb.
func (c *Connection) ReadUnsized(cb func(buf []byte, err error)) {
	c.enqueueRead(&unsizedReadOp{onDone: cb})
}

// ReadSized reads exactly len(dst) bytes into dst, calling cb once full.
func (c *Connection) ReadSized(dst []byte, cb func(err error)) {
	c.enqueueRead(&sizedReadOp{dst: dst, onDone: cb})
}

// ReadObject reads a length-prefixed, marshaled object into obj.
func (c *Connection) ReadObject(obj Serializer, cb func(err error)) {
	c.enqueueRead(&nopObjectReadOp{obj: obj, onDone: cb})
}

// WriteRaw writes every byte of src, calling cb once all of it has been
// produced into the outbox (not once the peer has acknowledged it —
// analogous to a buffered socket write returning once the kernel has
// accepted the data).
func (c *Connection) WriteRaw(src []byte, cb func(err error)) {
	c.enqueueWrite(&writeOp{src: src, onDone: cb})
}

// WriteObject marshals obj with a 4-byte length prefix and writes the
// result, calling cb once it has been fully produced into the outbox.
func (c *Connection) WriteObject(obj Serializer, cb func(err error)) {
	c.ctx.DeferToLoop(func() {
		buf, err := encodeNopObjectWrite(obj)
		if err != nil {
			cb(err)
			return
		}
		c.submitWrite(&writeOp{src: buf, onDone: cb})
	})
}

func (c *Connection) enqueueRead(op readOperation) {
	c.ctx.DeferToLoop(func() { c.submitRead(op) })
}

func (c *Connection) enqueueWrite(op writeOperation) {
	c.ctx.DeferToLoop(func() { c.submitWrite(op) })
}

// submitRead assigns op the next read sequence number and either fires it
// immediately (if the connection already has a sticky error) or enqueues
// it and drives the read processing loop. Must run on the loop.
func (c *Connection) submitRead(op readOperation) {
	seq := c.nextReadSubmitted
	c.nextReadSubmitted++
	if c.err != nil {
		c.invokeReadCallback(seq, func() { op.fail(c.err) })
		return
	}
	c.readOps = append(c.readOps, op)
	c.readSeq = append(c.readSeq, seq)
	c.processReadOperations()
}

// submitWrite is the write-side counterpart of submitRead.
func (c *Connection) submitWrite(op writeOperation) {
	seq := c.nextWriteSubmitted
	c.nextWriteSubmitted++
	if c.err != nil {
		c.invokeWriteCallback(seq, func() { op.fail(c.err) })
		return
	}
	c.writeOps = append(c.writeOps, op)
	c.writeSeq = append(c.writeSeq, seq)
	c.processWriteOperations()
}

// invokeReadCallback asserts that read callbacks fire in the same order
// their operations were submitted, mirroring the teacher's TP_DCHECK_EQ
// assertion on its own sequence counters — a violation here means two
// read operations were popped out of order, which should never happen
// given the FIFO queue both process loops walk.
func (c *Connection) invokeReadCallback(seq uint64, fire func()) {
	if seq != c.nextReadCallback {
		log.Panic().Uint64("want", c.nextReadCallback).Uint64("got", seq).Msg("read callbacks fired out of order")
	}
	c.nextReadCallback++
	fire()
}

func (c *Connection) invokeWriteCallback(seq uint64, fire func()) {
	if seq != c.nextWriteCallback {
		log.Panic().Uint64("want", c.nextWriteCallback).Uint64("got", seq).Msg("write callbacks fired out of order")
	}
	c.nextWriteCallback++
	fire()
}

// addrOf returns the address of a byte slice's backing storage, for use
// as a local SGE address. b must alias a memory region's buffer (never
// ordinary heap memory that the Go runtime could move or free).
func addrOf(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
