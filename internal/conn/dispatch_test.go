package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/ibvconn/internal/rdma"
)

func TestOnRemoteProducedDataAdvancesInboxAndDrivesReads(t *testing.T) {
	c := newTestConnection(t)
	copy(c.inboxMR.Bytes(), []byte("abc"))

	var got []byte
	c.readOps = append(c.readOps, &unsizedReadOp{onDone: func(buf []byte, err error) { got = buf }})
	c.readSeq = append(c.readSeq, 0)

	c.onRemoteProducedData(3)

	assert.Equal(t, uint64(3), c.inbox.Head())
	assert.Equal(t, "abc", string(got))
}

func TestOnRemoteConsumedDataAdvancesOutboxAndDrivesWrites(t *testing.T) {
	c := newTestConnection(t)
	c.outbox.AdvanceHead(5)
	c.bytesInFlight = 5

	done := false
	c.writeOps = append(c.writeOps, &writeOp{src: []byte("more"), onDone: func(err error) { done = true }})
	c.writeSeq = append(c.writeSeq, 0)

	c.onRemoteConsumedData(5)

	assert.Equal(t, uint64(5), c.outbox.Tail())
	assert.Equal(t, uint64(4), c.bytesInFlight) // 5 consumed, then "more" (4 bytes) re-produced and posted
	assert.True(t, done)
}

func TestOnWriteAndAckCompletedDecrementCounters(t *testing.T) {
	c := newTestConnection(t)
	c.writesInFlight = 2
	c.acksInFlight = 1

	c.onWriteCompleted()
	c.onAckCompleted()

	assert.Equal(t, uint32(1), c.writesInFlight)
	assert.Equal(t, uint32(0), c.acksInFlight)
}

func TestOnErrorSetsStickyErrorAndAccountsForTag(t *testing.T) {
	c := newTestConnection(t)
	c.writesInFlight = 1

	c.onError(rdma.Completion{WRID: rdma.WriteTag, Status: 12, QPNum: 7})

	require.Error(t, c.err)
	var ibvErr *IbvError
	assert.ErrorAs(t, c.err, &ibvErr)
	assert.Equal(t, uint32(0), c.writesInFlight)
}
