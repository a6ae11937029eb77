package conn

import (
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
)

// setError installs err as the connection's sticky error if none is set
// yet, then begins teardown. Idempotent: once an error is sticky, later
// calls (including repeated Close calls) are no-ops.
func (c *Connection) setError(err error) {
	if c.err != nil {
		return
	}
	c.err = err
	c.errAtomic.Store(&errorBox{err: err})
	c.handleError()
}

// handleError fails every pending operation in FIFO order, clears both
// queues, drives the queue pair to Error only if it ever left Init (a QP
// that errored before RTR is still bare Init and needs no transition
// before being destroyed — see the INIT-state Open Question in
// SPEC_FULL.md), and closes the control socket if one was ever opened.
func (c *Connection) handleError() {
	for i, op := range c.readOps {
		op, seq := op, c.readSeq[i]
		c.invokeReadCallback(seq, func() { op.fail(c.err) })
	}
	c.readOps, c.readSeq = nil, nil
	for i, op := range c.writeOps {
		op, seq := op, c.writeSeq[i]
		c.invokeWriteCallback(seq, func() { op.fail(c.err) })
	}
	c.writeOps, c.writeSeq = nil, nil

	if c.qp != nil && c.qpLeftInit {
		if err := c.qp.TransitionToError(); err != nil {
			log.Warn().Str("id", c.id).Err(err).Msg("failed to transition queue pair to error state")
		}
	}

	c.tryCleanup()

	if c.socket != nil && c.state != Initializing {
		c.socket.Close()
		c.socket = nil
	}
}

// tryCleanup defers the final resource release once the sticky error is
// set and every in-flight work request this connection posted has
// completed. Deferred (rather than run inline) so any completions already
// queued ahead of this one on the loop are processed first.
func (c *Connection) tryCleanup() {
	if c.err == nil || c.writesInFlight != 0 || c.acksInFlight != 0 {
		return
	}
	c.ctx.DeferToLoop(c.cleanup)
}

// cleanup releases the queue pair and both memory regions, in that order
// (the queue pair must be gone before its memory regions are deregistered)
// and unregisters the connection from its context.
func (c *Connection) cleanup() {
	if c.qp != nil {
		c.ctx.reactor.UnregisterQP(c.qpNum)
		c.qp.Destroy()
		c.qp = nil
	}

	var errs *multierror.Error
	if c.inboxMR != nil {
		if err := c.inboxMR.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		c.inboxMR = nil
	}
	if c.outboxMR != nil {
		if err := c.outboxMR.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		c.outboxMR = nil
	}
	if errs != nil {
		log.Warn().Str("id", c.id).Err(errs).Msg("error releasing memory regions during cleanup")
	}

	c.inbox = nil
	c.outbox = nil

	c.ctx.unregisterConnection(c)
}
