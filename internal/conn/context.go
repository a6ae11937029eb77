package conn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/ibvconn/internal/rdma"
)

// Context is the single-threaded event loop a fleet of connections opened
// against one RDMA device share. All mutation of a connection's state
// happens while a closure submitted through DeferToLoop is running on the
// loop goroutine; this mirrors the teacher's dedicated CQ-poller goroutine
// (internal/rdma.Context.poll), generalized to a general-purpose work
// queue instead of a completion-only one.
type Context struct {
	device  *rdma.Device
	reactor *rdma.Context

	ringCapacity  uint64
	maxPendingWRs uint32
	dialTimeout   time.Duration

	workCh chan func()
	closed chan struct{}
	loopWG sync.WaitGroup

	inLoopFlag atomic.Bool

	connMu sync.Mutex
	conns  map[*Connection]struct{}
	connWG sync.WaitGroup

	closeOnce sync.Once
}

// ContextOption configures a Context at construction, following the
// functional-options pattern the teacher uses for its own long-lived
// service objects (internal/agent.Agent, internal/rdma.RNIC).
type ContextOption func(*Context)

// WithRingCapacity overrides the default 2 MiB inbox/outbox ring
// capacity for every connection this Context creates. Must be a power
// of two; internal/ringbuf.New rejects anything else once a connection
// tries to allocate its rings.
func WithRingCapacity(capacity uint64) ContextOption {
	return func(ctx *Context) { ctx.ringCapacity = capacity }
}

// WithMaxPendingWRs overrides the default queue-pair send/receive queue
// depth for every connection this Context creates.
func WithMaxPendingWRs(n uint32) ContextOption {
	return func(ctx *Context) { ctx.maxPendingWRs = n }
}

// WithDialTimeout bounds how long Dial's control-socket connect attempt
// may take before failing the connection with a SystemError. Zero (the
// default) means no timeout, matching net.Dial's own default behavior;
// the RDMA data plane itself has no timeout at any layer per SPEC_FULL.md.
func WithDialTimeout(d time.Duration) ContextOption {
	return func(ctx *Context) { ctx.dialTimeout = d }
}

// NewContext opens the shared completion infrastructure on device and
// starts the loop goroutine.
func NewContext(device *rdma.Device, opts ...ContextOption) (*Context, error) {
	reactor, err := rdma.NewContext(device)
	if err != nil {
		return nil, err
	}

	ctx := &Context{
		device:        device,
		reactor:       reactor,
		ringCapacity:  DefaultRingCapacity,
		maxPendingWRs: MaxPendingWRs,
		workCh:        make(chan func(), 256),
		closed:        make(chan struct{}),
		conns:         make(map[*Connection]struct{}),
	}
	for _, opt := range opts {
		opt(ctx)
	}
	ctx.loopWG.Add(1)
	go ctx.loop()
	return ctx, nil
}

func (ctx *Context) loop() {
	defer ctx.loopWG.Done()
	for {
		select {
		case fn := <-ctx.workCh:
			ctx.runOnLoop(fn)
		case <-ctx.closed:
			ctx.drainRemaining()
			return
		}
	}
}

// drainRemaining runs any work queued before Close was observed, so a
// cleanup deferred just ahead of shutdown still executes.
func (ctx *Context) drainRemaining() {
	for {
		select {
		case fn := <-ctx.workCh:
			ctx.runOnLoop(fn)
		default:
			return
		}
	}
}

func (ctx *Context) runOnLoop(fn func()) {
	ctx.inLoopFlag.Store(true)
	fn()
	ctx.inLoopFlag.Store(false)
}

// DeferToLoop schedules fn to run on the loop goroutine. Safe to call from
// any goroutine, including from within the loop itself.
func (ctx *Context) DeferToLoop(fn func()) {
	select {
	case ctx.workCh <- fn:
	case <-ctx.closed:
		log.Debug().Msg("dropped deferred work: context is closed")
	}
}

// InLoop reports whether the calling goroutine is currently executing a
// closure dispatched by DeferToLoop. Intended for assertions, not control
// flow: Go has no true thread-local storage, so this only catches misuse
// where a caller forgot to defer in the first place.
func (ctx *Context) InLoop() bool { return ctx.inLoopFlag.Load() }

func (ctx *Context) registerConnection(c *Connection) {
	ctx.connWG.Add(1)
	ctx.connMu.Lock()
	ctx.conns[c] = struct{}{}
	ctx.connMu.Unlock()
}

func (ctx *Context) unregisterConnection(c *Connection) {
	ctx.connMu.Lock()
	delete(ctx.conns, c)
	ctx.connMu.Unlock()
	ctx.connWG.Done()
}

// Close asks every live connection on this context to close, waits for
// each to finish draining its in-flight work requests, then tears down the
// shared completion queue and shared receive queue. This realizes the
// closingEmitter role: every open connection observes ConnectionClosed.
func (ctx *Context) Close() {
	ctx.closeOnce.Do(func() {
		ctx.connMu.Lock()
		conns := make([]*Connection, 0, len(ctx.conns))
		for c := range ctx.conns {
			conns = append(conns, c)
		}
		ctx.connMu.Unlock()

		for _, c := range conns {
			c.Close()
		}
		ctx.connWG.Wait()

		close(ctx.closed)
		ctx.loopWG.Wait()
		ctx.reactor.Close()
	})
}
