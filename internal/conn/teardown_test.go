package conn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetErrorIsIdempotent(t *testing.T) {
	c := newTestConnection(t)
	first := errors.New("first")
	second := errors.New("second")

	c.setError(first)
	c.setError(second)

	assert.Equal(t, first, c.err)
	assert.Equal(t, first, c.Err())
}

func TestHandleErrorFailsPendingOpsInOrder(t *testing.T) {
	c := newTestConnection(t)

	var order []int
	c.readOps = []readOperation{
		&unsizedReadOp{onDone: func(buf []byte, err error) { order = append(order, 1) }},
		&unsizedReadOp{onDone: func(buf []byte, err error) { order = append(order, 2) }},
	}
	c.readSeq = []uint64{0, 1}
	c.nextReadSubmitted = 2

	c.setError(errors.New("boom"))

	assert.Equal(t, []int{1, 2}, order)
	assert.Empty(t, c.readOps)
}

func TestTryCleanupWaitsForInFlightWork(t *testing.T) {
	c := newTestConnection(t)
	c.writesInFlight = 1
	c.err = errors.New("boom")

	c.tryCleanup()
	select {
	case fn := <-c.ctx.workCh:
		t.Fatalf("cleanup should not be deferred while work is in flight, got %v", fn != nil)
	default:
	}

	c.writesInFlight = 0
	c.tryCleanup()
	select {
	case fn := <-c.ctx.workCh:
		require.NotNil(t, fn)
	default:
		t.Fatal("expected cleanup to be deferred once in-flight work reached zero")
	}
}

func TestCleanupClosesBothMemoryRegions(t *testing.T) {
	c := newTestConnection(t)
	inbox := c.inboxMR.(*fakeMemRegion)
	outbox := c.outboxMR.(*fakeMemRegion)

	c.cleanup()

	assert.True(t, inbox.closed)
	assert.True(t, outbox.closed)
	assert.Nil(t, c.inboxMR)
	assert.Nil(t, c.outboxMR)
	assert.Nil(t, c.inbox)
	assert.Nil(t, c.outbox)
}

func TestHandleErrorSkipsQueuePairTransitionWhenNeverLeftInit(t *testing.T) {
	c := newTestConnection(t)
	c.state = RecvAddr
	qp := &fakeQP{}
	c.qp = qp
	c.qpLeftInit = false // TransitionToRTR was never attempted, or never succeeded

	c.setError(errors.New("bootstrap failed"))

	assert.False(t, qp.transitionedToError)
}

// TestHandleErrorTransitionsQueuePairAfterRTREvenBeforeEstablished covers the
// case where TransitionToRTR succeeded (the QP has genuinely left Init) but
// the connection failed before TransitionToRTS completed, so state is still
// RecvAddr rather than Established. handleError must still drive the queue
// pair to Error: gating on state instead of on whether Init was actually
// left would leave such a queue pair stuck in RTR forever.
func TestHandleErrorTransitionsQueuePairAfterRTREvenBeforeEstablished(t *testing.T) {
	c := newTestConnection(t)
	c.state = RecvAddr
	qp := &fakeQP{}
	c.qp = qp
	c.qpLeftInit = true

	c.setError(errors.New("transition queue pair to RTS: rejected"))

	assert.True(t, qp.transitionedToError)
}
