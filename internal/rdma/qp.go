package rdma

// #cgo LDFLAGS: -libverbs
// #include <stdlib.h>
// #include <infiniband/verbs.h>
import "C"
import (
	"fmt"
	"math/rand"
	"unsafe"

	"github.com/rs/zerolog/log"
)

// QueuePair is a single reliable-connection queue pair bound to a shared
// completion queue and shared receive queue. Every field that the RC
// transition attributes need (the destination GID/QPN/PSN) is supplied
// by the bootstrap exchange carried out over the connection's control
// socket, not discovered by the QP itself.
type QueuePair struct {
	QP     *C.struct_ibv_qp
	QPN    uint32
	PSN    uint32
	device *Device
}

// CreateQueuePair creates an RC queue pair bound to sendCQ/recvCQ (the
// context's shared completion queue) and srq (the context's shared
// receive queue), and drives it to Init. sq_sig_all is set so every send
// work request generates a completion — the connection's sequencing
// depends on seeing every WRITE/SEND completion in order.
func CreateQueuePair(device *Device, sendCQ, recvCQ *C.struct_ibv_cq, srq *C.struct_ibv_srq, maxSendWR, maxRecvWR uint32) (*QueuePair, error) {
	var initAttr C.struct_ibv_qp_init_attr
	initAttr.qp_type = C.IBV_QPT_RC
	initAttr.sq_sig_all = 1
	initAttr.send_cq = sendCQ
	initAttr.recv_cq = recvCQ
	initAttr.srq = srq
	initAttr.cap.max_send_wr = C.uint32_t(maxSendWR)
	initAttr.cap.max_recv_wr = C.uint32_t(maxRecvWR)
	initAttr.cap.max_send_sge = 1
	initAttr.cap.max_recv_sge = 1

	qp := C.ibv_create_qp(device.PD, &initAttr)
	if qp == nil {
		return nil, fmt.Errorf("ibv_create_qp failed for device %s", device.Name)
	}

	psn := uint32(rand.Int31n(1 << 24))

	q := &QueuePair{QP: qp, QPN: uint32(qp.qp_num), PSN: psn, device: device}
	if err := q.transitionToInit(); err != nil {
		C.ibv_destroy_qp(qp)
		return nil, err
	}
	return q, nil
}

func (q *QueuePair) transitionToInit() error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_INIT
	attr.pkey_index = 0
	attr.port_num = C.uint8_t(q.device.ActivePortNum)
	attr.qp_access_flags = C.IBV_ACCESS_LOCAL_WRITE | C.IBV_ACCESS_REMOTE_WRITE | C.IBV_ACCESS_REMOTE_READ

	mask := C.IBV_QP_STATE | C.IBV_QP_PKEY_INDEX | C.IBV_QP_PORT | C.IBV_QP_ACCESS_FLAGS
	if ret := C.ibv_modify_qp(q.QP, &attr, C.int(mask)); ret != 0 {
		return fmt.Errorf("failed to modify QP %d to INIT: %d", q.QPN, ret)
	}
	log.Debug().Uint32("qpn", q.QPN).Msg("QP state changed to INIT")
	return nil
}

// TransitionToRTR moves the queue pair from Init to ReadyToReceive using
// the peer's GID, QPN, and PSN learned from the bootstrap exchange.
func (q *QueuePair) TransitionToRTR(destGID string, destQPN, destPSN uint32) error {
	gidBytes, err := parseGIDString(destGID)
	if err != nil {
		return fmt.Errorf("QP %d: %w", q.QPN, err)
	}

	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTR
	attr.path_mtu = C.IBV_MTU_1024
	attr.dest_qp_num = C.uint32_t(destQPN)
	attr.rq_psn = C.uint32_t(destPSN)
	attr.max_dest_rd_atomic = 1
	attr.min_rnr_timer = 12

	attr.ah_attr.is_global = 1
	attr.ah_attr.port_num = C.uint8_t(q.device.ActivePortNum)
	attr.ah_attr.grh.hop_limit = 64
	attr.ah_attr.grh.sgid_index = C.uint8_t(q.device.ActiveGIDIndex)
	dgid := (*[16]byte)(unsafe.Pointer(&attr.ah_attr.grh.dgid))
	*dgid = gidBytes

	mask := C.IBV_QP_STATE | C.IBV_QP_AV | C.IBV_QP_PATH_MTU | C.IBV_QP_DEST_QPN |
		C.IBV_QP_RQ_PSN | C.IBV_QP_MAX_DEST_RD_ATOMIC | C.IBV_QP_MIN_RNR_TIMER
	if ret := C.ibv_modify_qp(q.QP, &attr, C.int(mask)); ret != 0 {
		return fmt.Errorf("failed to modify QP %d to RTR: %d", q.QPN, ret)
	}
	log.Debug().Uint32("qpn", q.QPN).Uint32("dest_qpn", destQPN).Str("dest_gid", destGID).Msg("QP state changed to RTR")
	return nil
}

// TransitionToRTS moves the queue pair from ReadyToReceive to
// ReadyToSend using this side's own PSN.
func (q *QueuePair) TransitionToRTS() error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_RTS
	attr.sq_psn = C.uint32_t(q.PSN)
	attr.timeout = 14
	attr.retry_cnt = 7
	attr.rnr_retry = 7
	attr.max_rd_atomic = 1

	mask := C.IBV_QP_STATE | C.IBV_QP_SQ_PSN | C.IBV_QP_TIMEOUT | C.IBV_QP_RETRY_CNT |
		C.IBV_QP_RNR_RETRY | C.IBV_QP_MAX_QP_RD_ATOMIC
	if ret := C.ibv_modify_qp(q.QP, &attr, C.int(mask)); ret != 0 {
		return fmt.Errorf("failed to modify QP %d to RTS: %d", q.QPN, ret)
	}
	log.Debug().Uint32("qpn", q.QPN).Msg("QP state changed to RTS")
	return nil
}

// TransitionToError forces the queue pair into the Error state, which
// flushes every outstanding work request on the queue as a completion
// with an error status. Used to begin teardown once the queue pair has
// left Init (reached ReadyToReceive), whether or not the connection ever
// reached Established.
func (q *QueuePair) TransitionToError() error {
	var attr C.struct_ibv_qp_attr
	attr.qp_state = C.IBV_QPS_ERR
	if ret := C.ibv_modify_qp(q.QP, &attr, C.IBV_QP_STATE); ret != 0 {
		return fmt.Errorf("failed to modify QP %d to ERROR: %d", q.QPN, ret)
	}
	log.Debug().Uint32("qpn", q.QPN).Msg("QP state changed to ERROR")
	return nil
}

// Destroy releases the queue pair. Callers must have already reached a
// zero in-flight-work-request count (via Error-state drain, or because
// the QP never left Init) before calling this.
func (q *QueuePair) Destroy() {
	if q.QP == nil {
		return
	}
	if ret := C.ibv_destroy_qp(q.QP); ret != 0 {
		log.Warn().Uint32("qpn", q.QPN).Int("ret", int(ret)).Msg("ibv_destroy_qp returned a non-zero status")
	}
	q.QP = nil
}
