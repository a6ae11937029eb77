package rdma

// #cgo LDFLAGS: -libverbs
// #include <stdlib.h>
// #include <infiniband/verbs.h>
// #include <errno.h>
//
// static int get_errno(void) {
//     return errno;
// }
import "C"
import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"github.com/rs/zerolog/log"
)

const (
	// CQSize is the depth of the shared completion queue. Every
	// connection opened against a Context posts its sends and receives
	// to this one queue, so it must be sized for the whole fleet of
	// connections a Context expects to carry, not a single connection.
	CQSize = 4096
	// SRQSize is the depth of the shared receive queue.
	SRQSize = 4096
)

// Work completion opcodes a connection's dispatcher needs to tell apart,
// exported as plain ints since this package's cgo import is not visible
// to callers.
const (
	OpcodeSend            = int(C.IBV_WC_SEND)
	OpcodeRDMAWrite       = int(C.IBV_WC_RDMA_WRITE)
	OpcodeRecv            = int(C.IBV_WC_RECV)
	OpcodeRecvRDMAWithImm = int(C.IBV_WC_RECV_RDMA_WITH_IMM)
)

// Completion is the Go-side view of a single work completion dispatched
// to a registered queue pair's handler. A failed completion's Opcode is
// not trustworthy — handlers must key off WRID (WriteTag/AckTag) instead.
type Completion struct {
	WRID    uint64
	Status  int
	Opcode  int
	QPNum   uint32
	ByteLen uint32
	ImmData uint32
}

// Handler processes completions for one registered queue pair. It runs
// on the Context's poller goroutine; a caller that needs completions
// handled on its own single-threaded loop must defer the work itself
// (see internal/conn's use of deferToLoop).
type Handler func(Completion)

// Context owns the completion infrastructure shared by every connection
// opened against one RDMA device: a single extended CQ, a single shared
// receive queue, and a registry mapping each live QP number to the
// handler that should see its completions. This mirrors the teacher's
// per-UDQueue CQ poller generalized to the one-CQ-per-fleet shape RC
// connections use, since an RC application typically runs many QPs
// against a small, fixed number of devices.
type Context struct {
	device      *Device
	compChannel *C.struct_ibv_comp_channel
	cq          *C.struct_ibv_cq_ex
	baseCQ      *C.struct_ibv_cq
	srq         *C.struct_ibv_srq

	mu       sync.RWMutex
	handlers map[uint32]Handler

	done chan struct{}
	wg   sync.WaitGroup
}

// NewContext creates the shared CQ, comp channel, and SRQ for device,
// and starts the poller goroutine that dispatches completions to
// per-QP handlers registered with RegisterQP.
func NewContext(device *Device) (*Context, error) {
	if !device.IsOpen {
		return nil, fmt.Errorf("device %s is not open", device.Name)
	}

	compChannel := C.ibv_create_comp_channel(device.Context)
	if compChannel == nil {
		return nil, fmt.Errorf("failed to create completion channel for device %s", device.Name)
	}

	var cqAttr C.struct_ibv_cq_init_attr_ex
	cqAttr.cqe = C.uint32_t(CQSize)
	cqAttr.channel = compChannel
	cqAttr.comp_vector = 0
	cqAttr.wc_flags = C.uint64_t(C.IBV_WC_EX_WITH_BYTE_LEN) |
		C.uint64_t(C.IBV_WC_EX_WITH_SRC_QP) |
		C.uint64_t(C.IBV_WC_EX_WITH_QP_NUM) |
		C.uint64_t(C.IBV_WC_EX_WITH_IMM)

	cq := C.ibv_create_cq_ex(device.Context, &cqAttr)
	if cq == nil {
		C.ibv_destroy_comp_channel(compChannel)
		return nil, fmt.Errorf("failed to create extended CQ for device %s: %w", device.Name, syscall.Errno(C.get_errno()))
	}

	baseCQ := C.ibv_cq_ex_to_cq(cq)
	if baseCQ == nil {
		destroyCQEx(cq, device.Name, "NewContext")
		C.ibv_destroy_comp_channel(compChannel)
		return nil, fmt.Errorf("failed to derive base CQ for device %s", device.Name)
	}

	var srqAttr C.struct_ibv_srq_init_attr
	srqAttr.attr.max_wr = C.uint32_t(SRQSize)
	srqAttr.attr.max_sge = 1
	srq := C.ibv_create_srq(device.PD, &srqAttr)
	if srq == nil {
		destroyCQEx(cq, device.Name, "NewContext")
		C.ibv_destroy_comp_channel(compChannel)
		return nil, fmt.Errorf("failed to create SRQ for device %s", device.Name)
	}

	ctx := &Context{
		device:      device,
		compChannel: compChannel,
		cq:          cq,
		baseCQ:      baseCQ,
		srq:         srq,
		handlers:    make(map[uint32]Handler),
		done:        make(chan struct{}),
	}

	if err := ctx.primeRecvBuffers(); err != nil {
		ctx.Close()
		return nil, err
	}

	if C.ibv_req_notify_cq(baseCQ, 0) != 0 {
		ctx.Close()
		return nil, fmt.Errorf("failed to arm initial CQ notification for device %s: %w", device.Name, syscall.Errno(C.get_errno()))
	}

	ctx.wg.Add(1)
	go ctx.poll()

	return ctx, nil
}

// destroyCQEx safely destroys an extended completion queue by converting
// it to its base CQ first.
func destroyCQEx(cqEx *C.struct_ibv_cq_ex, deviceName, where string) {
	if cqEx == nil {
		return
	}
	if baseCQ := C.ibv_cq_ex_to_cq(cqEx); baseCQ != nil {
		C.ibv_destroy_cq(baseCQ)
	} else {
		log.Error().Str("device", deviceName).Str("context", where).Msg("failed to get base CQ from extended CQ for destruction")
	}
}

func (c *Context) primeRecvBuffers() error {
	for i := 0; i < SRQSize; i++ {
		if err := PostRecv(c.srq, 0); err != nil {
			return fmt.Errorf("failed to prime SRQ with initial receive buffers: %w", err)
		}
	}
	return nil
}

// SRQ returns the shared receive queue new queue pairs should bind.
func (c *Context) SRQ() *C.struct_ibv_srq { return c.srq }

// SendCQ returns the shared send completion queue new queue pairs should
// bind (the same underlying CQ as RecvCQ; RC queue pairs here do not
// separate the two).
func (c *Context) SendCQ() *C.struct_ibv_cq { return c.baseCQ }

// RecvCQ returns the shared receive completion queue new queue pairs
// should bind.
func (c *Context) RecvCQ() *C.struct_ibv_cq { return c.baseCQ }

// RegisterQP installs the handler that will receive every completion
// whose wc.qp_num matches qpn. Must be called before any work request
// is posted on that QP.
func (c *Context) RegisterQP(qpn uint32, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[qpn] = handler
}

// UnregisterQP removes qpn's handler. Safe to call once the QP has been
// fully drained and is about to be destroyed.
func (c *Context) UnregisterQP(qpn uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, qpn)
}

func (c *Context) dispatch(comp Completion) {
	c.mu.RLock()
	handler, ok := c.handlers[comp.QPNum]
	c.mu.RUnlock()
	if !ok {
		log.Warn().Uint32("qpn", comp.QPNum).Msg("completion for unregistered QP, dropping")
		return
	}
	handler(comp)
}

func (c *Context) poll() {
	defer c.wg.Done()

	var pollAttr C.struct_ibv_poll_cq_attr
	for {
		select {
		case <-c.done:
			return
		default:
		}

		var cqEv *C.struct_ibv_cq
		var cqCtx unsafe.Pointer
		if ret := C.ibv_get_cq_event(c.compChannel, &cqEv, &cqCtx); ret != 0 {
			select {
			case <-c.done:
				return
			default:
				log.Error().Int("ret", int(ret)).Str("errno", syscall.Errno(C.get_errno()).Error()).Msg("ibv_get_cq_event failed, stopping reactor poller")
				return
			}
		}
		if cqEv != c.baseCQ {
			C.ibv_ack_cq_events(cqEv, 1)
			if C.ibv_req_notify_cq(c.baseCQ, 0) != 0 {
				log.Error().Msg("failed to re-arm CQ notification after mismatched event")
			}
			continue
		}

		C.ibv_ack_cq_events(cqEv, 1)
		if C.ibv_req_notify_cq(c.baseCQ, 0) != 0 {
			log.Error().Msg("failed to re-arm CQ notification")
		}

		ret := C.ibv_start_poll(c.cq, &pollAttr)
		if ret == 0 {
			c.processCurrentAndRemaining()
			C.ibv_end_poll(c.cq)
		} else if syscall.Errno(ret) != syscall.ENOENT {
			log.Error().Int("ret", int(ret)).Msg("ibv_start_poll failed")
		}
	}
}

func (c *Context) processCurrentAndRemaining() {
	c.processOne()
	for {
		ret := C.ibv_next_poll(c.cq)
		if ret != 0 {
			if syscall.Errno(ret) != syscall.ENOENT {
				log.Error().Int("ret", int(ret)).Msg("ibv_next_poll failed")
			}
			return
		}
		c.processOne()
	}
}

func (c *Context) processOne() {
	status := int(c.cq.status)
	comp := Completion{
		WRID:   uint64(c.cq.wr_id),
		Status: status,
		Opcode: int(C.ibv_wc_read_opcode(c.cq)),
		QPNum:  uint32(C.ibv_wc_read_qp_num(c.cq)),
	}
	if status == C.IBV_WC_SUCCESS {
		comp.ByteLen = uint32(C.ibv_wc_read_byte_len(c.cq))
		comp.ImmData = uint32(C.ibv_wc_read_imm_data(c.cq))
	} else {
		log.Warn().Uint32("qpn", comp.QPNum).Uint64("wr_id", comp.WRID).Int("status", status).
			Str("status_str", C.GoString(C.ibv_wc_status_str(C.enum_ibv_wc_status(status)))).
			Msg("work completion error")
	}
	c.dispatch(comp)
}

// Close stops the poller goroutine and releases the CQ, SRQ, and
// completion channel. Callers must have already destroyed every queue
// pair registered against this Context.
func (c *Context) Close() {
	close(c.done)
	c.wg.Wait()

	if c.srq != nil {
		C.ibv_destroy_srq(c.srq)
		c.srq = nil
	}
	destroyCQEx(c.cq, c.device.Name, "Context.Close")
	c.cq = nil
	if c.compChannel != nil {
		C.ibv_destroy_comp_channel(c.compChannel)
		c.compChannel = nil
	}
}
