package rdma

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestContextDispatch exercises the handler registry in isolation, since
// exercising the CQ poller itself requires real hardware.
func TestContextDispatch(t *testing.T) {
	ctx := &Context{handlers: make(map[uint32]Handler)}

	var received []Completion
	ctx.RegisterQP(42, func(c Completion) {
		received = append(received, c)
	})

	ctx.dispatch(Completion{QPNum: 42, WRID: WriteTag, Status: 0, ByteLen: 64})
	assert.Len(t, received, 1)
	assert.Equal(t, uint32(42), received[0].QPNum)

	// Completions for an unregistered QP are dropped, not delivered.
	ctx.dispatch(Completion{QPNum: 99})
	assert.Len(t, received, 1)

	ctx.UnregisterQP(42)
	ctx.dispatch(Completion{QPNum: 42})
	assert.Len(t, received, 1)
}

func TestCompletionError(t *testing.T) {
	c := Completion{QPNum: 7, WRID: AckTag, Status: 5}
	err := CompletionError(c)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "qpn 7")
}
