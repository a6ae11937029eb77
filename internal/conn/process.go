package conn

// processReadOperations drains the read queue head-to-tail against the
// inbox ring. Each operation that consumes bytes triggers an ack for
// exactly what it consumed; an operation that cannot complete in this
// pass stops the loop (head-of-line blocking — later operations cannot
// be satisfied out of order).
func (c *Connection) processReadOperations() {
	if c.state != Established || c.err != nil {
		return
	}
	backing := c.inboxMR.Bytes()
	for len(c.readOps) > 0 {
		op := c.readOps[0]
		n := op.consume(c.inbox, backing)
		if n > 0 {
			if err := c.poster.PostAck(uint32(n)); err != nil {
				c.setError(&IbvError{Detail: err.Error()})
				return
			}
			c.acksInFlight++
		}
		if !op.isDone() {
			return
		}
		seq := c.readSeq[0]
		c.readOps = c.readOps[1:]
		c.readSeq = c.readSeq[1:]
		c.invokeReadCallback(seq, op.fireSuccess)
	}
}

// processWriteOperations drains the write queue head-to-tail against the
// outbox ring, posting RDMA WRITE WITH IMM work requests for whatever
// bytes each operation produces. Same head-of-line blocking rule as
// processReadOperations.
func (c *Connection) processWriteOperations() {
	if c.state != Established || c.err != nil {
		return
	}
	backing := c.outboxMR.Bytes()
	for len(c.writeOps) > 0 {
		op := c.writeOps[0]
		n := op.produce(c.outbox, backing)
		if n > 0 {
			if err := c.postOutboxWrites(n); err != nil {
				c.setError(&IbvError{Detail: err.Error()})
				return
			}
		}
		if !op.isDone() {
			return
		}
		seq := c.writeSeq[0]
		c.writeOps = c.writeOps[1:]
		c.writeSeq = c.writeSeq[1:]
		c.invokeWriteCallback(seq, op.fireSuccess)
	}
}

// postOutboxWrites posts one RDMA WRITE WITH IMM per contiguous span of
// the n bytes most recently produced into the outbox, addressed at the
// peer's inbox head, then advances the peer inbox head and the in-flight
// byte count. bytesInFlight must reflect only bytes produced in earlier
// passes when this call starts, so the skip amount used here excludes n;
// it is only folded in after every span has been posted.
func (c *Connection) postOutboxWrites(n uint64) error {
	backing := c.outboxMR.Bytes()
	tx := c.outbox.StartConsumerTx(backing)
	tx.Skip(c.bytesInFlight)
	spans := tx.Access(n)
	defer tx.Abort()

	capacityMask := c.outbox.Capacity() - 1
	for _, s := range spans {
		remoteAddr := c.peerInboxAddr + (c.peerInboxHead & capacityMask)
		if err := c.poster.PostWrite(addrOf(s), uint32(len(s)), c.outboxMR.LKey(), remoteAddr, c.peerInboxRKey, uint32(len(s))); err != nil {
			return err
		}
		c.peerInboxHead += uint64(len(s))
		c.writesInFlight++
	}
	c.bytesInFlight += n
	return nil
}
