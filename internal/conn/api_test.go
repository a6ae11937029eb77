package conn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubmitReadFailsImmediatelyWhenStickyErrorSet(t *testing.T) {
	c := newTestConnection(t)
	c.err = errors.New("already dead")

	var got error
	c.submitRead(&sizedReadOp{dst: make([]byte, 1), onDone: func(err error) { got = err }})

	assert.Equal(t, c.err, got)
	assert.Empty(t, c.readOps, "a pre-failed operation is never enqueued")
}

func TestSubmitWriteFailsImmediatelyWhenStickyErrorSet(t *testing.T) {
	c := newTestConnection(t)
	c.err = errors.New("already dead")

	var got error
	c.submitWrite(&writeOp{src: []byte("x"), onDone: func(err error) { got = err }})

	assert.Equal(t, c.err, got)
	assert.Empty(t, c.writeOps)
}

func TestInvokeReadCallbackPanicsOnOutOfOrderSequence(t *testing.T) {
	c := newTestConnection(t)

	assert.Panics(t, func() {
		c.invokeReadCallback(5, func() {})
	})
}

func TestErrReadsAtomicSnapshotWithoutLoopRoundTrip(t *testing.T) {
	c := newTestConnection(t)
	assert.NoError(t, c.Err())

	sentinel := errors.New("boom")
	c.setError(sentinel)

	assert.Equal(t, sentinel, c.Err())
}

func TestAddrOfEmptySliceIsZero(t *testing.T) {
	assert.Equal(t, uint64(0), addrOf(nil))
}
