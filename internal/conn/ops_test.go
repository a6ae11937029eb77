package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/ibvconn/internal/ringbuf"
)

type echoObject struct{ payload string }

func (e *echoObject) Marshal() ([]byte, error) { return []byte(e.payload), nil }
func (e *echoObject) Unmarshal(buf []byte) error {
	e.payload = string(buf)
	return nil
}

func TestEncodeNopObjectWritePrefixesLength(t *testing.T) {
	buf, err := encodeNopObjectWrite(&echoObject{payload: "hi"})
	require.NoError(t, err)
	require.Len(t, buf, 4+2)
	assert.Equal(t, byte(2), buf[0])
	assert.Equal(t, "hi", string(buf[4:]))
}

func TestNopObjectReadOpAcrossPasses(t *testing.T) {
	ring, err := ringbuf.New(16)
	require.NoError(t, err)
	backing := make([]byte, 16)

	obj := &echoObject{}
	var doneErr error
	op := &nopObjectReadOp{obj: obj, onDone: func(err error) { doneErr = err }}

	// First pass: only the length prefix arrives.
	ring.AdvanceHead(4)
	copy(backing, []byte{3, 0, 0, 0})
	n := op.consume(ring, backing)
	assert.Equal(t, uint64(4), n)
	assert.False(t, op.isDone())

	// Second pass: the payload arrives.
	ring.AdvanceHead(3)
	copy(backing[4:], []byte("xyz"))
	n = op.consume(ring, backing)
	assert.Equal(t, uint64(3), n)
	require.True(t, op.isDone())

	op.fireSuccess()
	require.NoError(t, doneErr)
	assert.Equal(t, "xyz", obj.payload)
}

func TestWriteOpProducesWholeWriteInOnePass(t *testing.T) {
	ring, err := ringbuf.New(8)
	require.NoError(t, err)
	backing := make([]byte, 8)

	op := &writeOp{src: []byte("abcdef")}

	// The empty 8-byte ring has room for all 6 bytes.
	n := op.produce(ring, backing)
	assert.Equal(t, uint64(6), n, "ring has room for the whole write in one pass")
	assert.True(t, op.isDone())
}

func TestWriteOpBlocksWhenRingIsFull(t *testing.T) {
	ring, err := ringbuf.New(4)
	require.NoError(t, err)
	backing := make([]byte, 4)
	ring.AdvanceHead(3) // only 1 byte free

	op := &writeOp{src: []byte("abcdef")}
	n := op.produce(ring, backing)
	assert.Equal(t, uint64(1), n)
	assert.False(t, op.isDone())
}
