package conn

// DefaultRingCapacity is the size of both the inbox and outbox ring
// buffers. It must stay a power of two; internal/ringbuf.New rejects
// anything else.
const DefaultRingCapacity uint64 = 2 * 1024 * 1024

// MaxPendingWRs bounds the send and receive queue depth of a connection's
// queue pair. It only needs to be large enough that a full outbox's worth
// of RDMA writes (in the worst case, one WR per byte if the peer acked
// nothing yet) never overruns the queue pair before backpressure kicks in
// at the ring-buffer level; in practice writes are chunked at ring-wrap
// boundaries, so a modest depth suffices.
const MaxPendingWRs uint32 = 128
