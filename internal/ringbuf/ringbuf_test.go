package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	_, err := New(100)
	assert.Error(t, err)

	r, err := New(64)
	require.NoError(t, err)
	assert.Equal(t, uint64(64), r.Capacity())
}

func TestProducerConsumerRoundTrip(t *testing.T) {
	r, err := New(16)
	require.NoError(t, err)
	buf := make([]byte, 16)

	ptx := r.StartProducerTx(buf)
	spans := ptx.Reserve(5)
	require.Len(t, spans, 1)
	copy(spans[0], []byte("hello"))
	ptx.Commit(5)

	assert.Equal(t, uint64(5), r.Used())
	assert.Equal(t, uint64(11), r.Free())

	ctx := r.StartConsumerTx(buf)
	cspans := ctx.Access(5)
	require.Len(t, cspans, 1)
	assert.Equal(t, "hello", string(cspans[0]))
	ctx.Commit(5)

	assert.Equal(t, uint64(0), r.Used())
}

func TestProducerWrapsAcrossBoundary(t *testing.T) {
	r, err := New(8)
	require.NoError(t, err)
	buf := make([]byte, 8)

	// Fill to 6 bytes, drain 6, so head=tail=6 and the next write of 5
	// bytes must straddle the wrap (positions 6,7,0,1,2).
	ptx := r.StartProducerTx(buf)
	ptx.Reserve(6)
	ptx.Commit(6)
	ctx := r.StartConsumerTx(buf)
	ctx.Access(6)
	ctx.Commit(6)

	ptx2 := r.StartProducerTx(buf)
	spans := ptx2.Reserve(5)
	require.Len(t, spans, 2)
	assert.Len(t, spans[0], 2)
	assert.Len(t, spans[1], 3)
	copy(spans[0], []byte("AB"))
	copy(spans[1], []byte("CDE"))
	ptx2.Commit(5)

	ctx2 := r.StartConsumerTx(buf)
	cspans := ctx2.Access(5)
	require.Len(t, cspans, 2)
	assert.Equal(t, "AB", string(cspans[0]))
	assert.Equal(t, "CDE", string(cspans[1]))
	ctx2.Commit(5)
}

func TestReserveClampsToFreeSpace(t *testing.T) {
	r, err := New(4)
	require.NoError(t, err)
	buf := make([]byte, 4)

	ptx := r.StartProducerTx(buf)
	spans := ptx.Reserve(10)
	total := 0
	for _, s := range spans {
		total += len(s)
	}
	assert.Equal(t, 4, total)
	ptx.Commit(4)
	assert.Equal(t, uint64(0), r.Free())
}

func TestAbortLeavesCountersUnchanged(t *testing.T) {
	r, err := New(8)
	require.NoError(t, err)
	buf := make([]byte, 8)

	ptx := r.StartProducerTx(buf)
	ptx.Reserve(4)
	ptx.Commit(4)

	headBefore, tailBefore := r.Head(), r.Tail()

	ctx := r.StartConsumerTx(buf)
	ctx.Access(4)
	ctx.Abort()

	assert.Equal(t, headBefore, r.Head())
	assert.Equal(t, tailBefore, r.Tail())
	assert.Equal(t, uint64(4), r.Used())
}

func TestSkipThenAccessWithoutMovingTail(t *testing.T) {
	r, err := New(16)
	require.NoError(t, err)
	buf := make([]byte, 16)

	ptx := r.StartProducerTx(buf)
	spans := ptx.Reserve(10)
	copy(spans[0], []byte("0123456789"))
	ptx.Commit(10)

	// 4 bytes are "in flight" (already transmitted, not yet acked).
	ctx := r.StartConsumerTx(buf)
	ctx.Skip(4)
	newSpans := ctx.Access(6)
	require.Len(t, newSpans, 1)
	assert.Equal(t, "456789", string(newSpans[0]))
	ctx.Abort()

	// Tail must not have moved: the in-flight bytes are still pending ack.
	assert.Equal(t, uint64(0), r.Tail())
	assert.Equal(t, uint64(10), r.Used())
}

func TestAdvanceHeadAndTailDirect(t *testing.T) {
	r, err := New(8)
	require.NoError(t, err)

	r.AdvanceHead(5)
	assert.Equal(t, uint64(5), r.Head())
	assert.Equal(t, uint64(5), r.Used())

	r.AdvanceTail(3)
	assert.Equal(t, uint64(3), r.Tail())
	assert.Equal(t, uint64(2), r.Used())
}

func TestHeadMinusTailNeverExceedsCapacityInvariant(t *testing.T) {
	r, err := New(4)
	require.NoError(t, err)
	buf := make([]byte, 4)

	for i := 0; i < 100; i++ {
		ptx := r.StartProducerTx(buf)
		ptx.Reserve(3)
		ptx.Commit(3)
		assert.LessOrEqual(t, r.Used(), r.Capacity())

		ctx := r.StartConsumerTx(buf)
		ctx.Access(3)
		ctx.Commit(3)
	}
}
