package conn

import (
	"github.com/rs/zerolog/log"

	"github.com/yuuki/ibvconn/internal/rdma"
)

// handleCompletion dispatches one work completion belonging to this
// connection's queue pair. Send-side completions (posted by this
// connection) are tagged by WRID; receive-side completions always carry
// WRID 0 (every PostRecv on the shared SRQ posts wr_id 0) and are told
// apart by Opcode instead.
func (c *Connection) handleCompletion(comp rdma.Completion) {
	if !rdma.IsSuccess(comp.Status) {
		c.onError(comp)
		return
	}

	switch comp.WRID {
	case rdma.WriteTag:
		c.onWriteCompleted()
		return
	case rdma.AckTag:
		c.onAckCompleted()
		return
	}

	switch comp.Opcode {
	case rdma.OpcodeRecvRDMAWithImm:
		c.onRemoteProducedData(comp.ImmData)
	case rdma.OpcodeRecv:
		c.onRemoteConsumedData(comp.ImmData)
	default:
		log.Warn().Uint32("qpn", comp.QPNum).Int("opcode", comp.Opcode).Msg("unexpected receive completion opcode")
	}

	if err := rdma.PostRecv(c.ctx.reactor.SRQ(), 0); err != nil {
		c.setError(&IbvError{Detail: err.Error()})
	}
}

// onRemoteProducedData is called when the peer's RDMA WRITE WITH IMM has
// landed len bytes in our inbox. We are the sole consumer of the inbox
// ring, so the head advances unconditionally without a transaction.
func (c *Connection) onRemoteProducedData(length uint32) {
	c.inbox.AdvanceHead(uint64(length))
	c.processReadOperations()
}

// onRemoteConsumedData is called when the peer's ack (SEND WITH IMM)
// tells us it consumed len bytes of our outbox.
func (c *Connection) onRemoteConsumedData(length uint32) {
	c.outbox.AdvanceTail(uint64(length))
	c.bytesInFlight -= uint64(length)
	c.processWriteOperations()
}

func (c *Connection) onWriteCompleted() {
	c.writesInFlight--
	c.tryCleanup()
}

func (c *Connection) onAckCompleted() {
	c.acksInFlight--
	c.tryCleanup()
}

// onError installs the sticky error for a failed completion and, if the
// completion was one this connection's own send side was tracking,
// accounts for it against the matching in-flight counter. A failed
// receive-side completion (WRID 0) maps to no per-connection counter and
// is just logged.
func (c *Connection) onError(comp rdma.Completion) {
	c.setError(&IbvError{Detail: rdma.CompletionError(comp).Error()})
	switch comp.WRID {
	case rdma.WriteTag:
		c.onWriteCompleted()
	case rdma.AckTag:
		c.onAckCompleted()
	default:
		log.Warn().Uint32("qpn", comp.QPNum).Int("status", comp.Status).Msg("receive-side completion failed")
	}
}
