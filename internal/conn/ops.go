package conn

import (
	"encoding/binary"

	"github.com/yuuki/ibvconn/internal/ringbuf"
)

// Serializer is implemented by objects passed to ReadObject/WriteObject.
// Marshal/Unmarshal bound the object to a length-prefixed byte payload;
// the connection handles framing and buffering.
type Serializer interface {
	Marshal() ([]byte, error)
	Unmarshal(buf []byte) error
}

// readOperation is one pending read, queued in submission order. consume
// is called once per processing pass with the inbox ring and its backing
// buffer; it opens its own consumer transaction, commits what it takes,
// and returns how many new bytes it consumed from ring this call (0 if
// none were available).
type readOperation interface {
	consume(ring *ringbuf.Ring, backing []byte) uint64
	isDone() bool
	fireSuccess()
	fail(err error)
}

// writeOperation is one pending write, queued in submission order. produce
// reserves and commits bytes into the outbox ring (through a producer
// transaction it opens itself on ring and backing) and returns how many
// new bytes it produced this call.
type writeOperation interface {
	produce(ring *ringbuf.Ring, backing []byte) uint64
	isDone() bool
	fireSuccess()
	fail(err error)
}

// consumeInto drains up to len(dst)-off bytes from ring into dst[off:],
// returning the number of bytes copied. Shared by sizedReadOp and
// nopObjectReadOp, which both accumulate a fixed number of bytes into a
// scratch buffer across possibly many processing passes.
func consumeInto(ring *ringbuf.Ring, backing []byte, dst []byte, off uint64) uint64 {
	want := uint64(len(dst)) - off
	if want == 0 {
		return 0
	}
	tx := ring.StartConsumerTx(backing)
	spans := tx.Access(want)
	var n uint64
	for _, s := range spans {
		copy(dst[off+n:], s)
		n += uint64(len(s))
	}
	tx.Commit(n)
	return n
}

// unsizedReadOp hands the caller a live slice into the inbox's backing
// buffer for whatever one contiguous span of bytes is available, without
// copying. It never blocks for more data than is immediately available
// and never waits for a wrap boundary: the very first nonempty span it
// sees completes the operation. The returned slice aliases the inbox
// region's memory and is only valid until the next read is processed.
type unsizedReadOp struct {
	onDone func(buf []byte, err error)
	result []byte
	done   bool
}

func (op *unsizedReadOp) consume(ring *ringbuf.Ring, backing []byte) uint64 {
	tx := ring.StartConsumerTx(backing)
	spans := tx.Access(ring.Used())
	if len(spans) == 0 {
		tx.Abort()
		return 0
	}
	first := spans[0]
	op.result = first
	op.done = true
	tx.Commit(uint64(len(first)))
	return uint64(len(first))
}

func (op *unsizedReadOp) isDone() bool   { return op.done }
func (op *unsizedReadOp) fireSuccess()   { op.onDone(op.result, nil) }
func (op *unsizedReadOp) fail(err error) { op.onDone(nil, err) }

// sizedReadOp accumulates exactly len(dst) bytes into a caller-owned
// buffer, across as many processing passes as needed.
type sizedReadOp struct {
	dst    []byte
	filled uint64
	onDone func(err error)
}

func (op *sizedReadOp) consume(ring *ringbuf.Ring, backing []byte) uint64 {
	n := consumeInto(ring, backing, op.dst, op.filled)
	op.filled += n
	return n
}

func (op *sizedReadOp) isDone() bool   { return op.filled >= uint64(len(op.dst)) }
func (op *sizedReadOp) fireSuccess()   { op.onDone(nil) }
func (op *sizedReadOp) fail(err error) { op.onDone(err) }

// nopObjectReadOp is a two-phase read: first a 4-byte little-endian
// length prefix, then that many payload bytes, then Unmarshal into obj.
type nopObjectReadOp struct {
	obj    Serializer
	onDone func(err error)

	lenBuf    [4]byte
	lenFilled uint64
	havePayloadLen bool
	payloadLen     uint64
	payload        []byte
	filled         uint64
}

func (op *nopObjectReadOp) consume(ring *ringbuf.Ring, backing []byte) uint64 {
	var total uint64
	if !op.havePayloadLen {
		n := consumeInto(ring, backing, op.lenBuf[:], op.lenFilled)
		op.lenFilled += n
		total += n
		if op.lenFilled < uint64(len(op.lenBuf)) {
			return total
		}
		op.payloadLen = uint64(binary.LittleEndian.Uint32(op.lenBuf[:]))
		op.payload = make([]byte, op.payloadLen)
		op.havePayloadLen = true
	}
	if op.havePayloadLen && op.filled < op.payloadLen {
		n := consumeInto(ring, backing, op.payload, op.filled)
		op.filled += n
		total += n
	}
	return total
}

func (op *nopObjectReadOp) isDone() bool {
	return op.havePayloadLen && op.filled >= op.payloadLen
}

func (op *nopObjectReadOp) fireSuccess() {
	op.onDone(op.obj.Unmarshal(op.payload))
}

func (op *nopObjectReadOp) fail(err error) { op.onDone(err) }

// writeOp produces raw bytes from a caller-owned buffer into the outbox
// ring across as many processing passes as needed. Object writes
// precompute a length-prefixed, marshaled buffer at intake time and reuse
// this same type: by the time it reaches the write queue, a nop-object
// write is indistinguishable from a sized raw write.
type writeOp struct {
	src      []byte
	produced uint64
	onDone   func(err error)
}

func (op *writeOp) produce(ring *ringbuf.Ring, backing []byte) uint64 {
	want := uint64(len(op.src)) - op.produced
	if want == 0 {
		return 0
	}
	tx := ring.StartProducerTx(backing)
	spans := tx.Reserve(want)
	var n uint64
	for _, s := range spans {
		copy(s, op.src[op.produced+n:])
		n += uint64(len(s))
	}
	tx.Commit(n)
	op.produced += n
	return n
}

func (op *writeOp) isDone() bool   { return op.produced >= uint64(len(op.src)) }
func (op *writeOp) fireSuccess()   { op.onDone(nil) }
func (op *writeOp) fail(err error) { op.onDone(err) }

// encodeNopObjectWrite marshals obj and prefixes the result with its
// 4-byte little-endian length, producing the buffer a writeOp sends.
func encodeNopObjectWrite(obj Serializer) ([]byte, error) {
	payload, err := obj.Marshal()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	return buf, nil
}
