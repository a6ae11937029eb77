package rdma

// #cgo LDFLAGS: -libverbs
// #include <stdlib.h>
// #include <infiniband/verbs.h>
//
// // post_recv_srq posts a zero-length receive WR to a shared receive
// // queue. The WR carries no SGE: RDMA WRITE WITH IMMEDIATE deposits its
// // payload directly into the target memory region, and the matching ACK
// // SEND WITH IMMEDIATE this library uses carries no payload either — in
// // both cases the only thing the receive side needs is the completion
// // itself (and, for SEND WITH IMMEDIATE, the 32-bit immediate value).
// int post_recv_srq(struct ibv_srq *srq, uint64_t wr_id) {
//     struct ibv_recv_wr wr;
//     struct ibv_recv_wr *bad_wr = NULL;
//
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.sg_list = NULL;
//     wr.num_sge = 0;
//
//     return ibv_post_srq_recv(srq, &wr, &bad_wr);
// }
//
// // post_write_imm posts an RDMA WRITE WITH IMMEDIATE carrying length
// // bytes from the local buffer into the peer's registered region at
// // remote_addr, tagged with a 32-bit immediate the peer's matching
// // recv completion will surface.
// int post_write_imm(struct ibv_qp *qp, uint64_t wr_id,
//                     uint64_t local_addr, uint32_t length, uint32_t lkey,
//                     uint64_t remote_addr, uint32_t rkey, uint32_t imm_data) {
//     struct ibv_sge sge;
//     struct ibv_send_wr wr;
//     struct ibv_send_wr *bad_wr = NULL;
//
//     memset(&sge, 0, sizeof(sge));
//     sge.addr = local_addr;
//     sge.length = length;
//     sge.lkey = lkey;
//
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.sg_list = &sge;
//     wr.num_sge = 1;
//     wr.opcode = IBV_WR_RDMA_WRITE_WITH_IMM;
//     wr.send_flags = IBV_SEND_SIGNALED;
//     wr.imm_data = imm_data;
//     wr.wr.rdma.remote_addr = remote_addr;
//     wr.wr.rdma.rkey = rkey;
//
//     return ibv_post_send(qp, &wr, &bad_wr);
// }
//
// // post_send_imm posts a zero-length SEND WITH IMMEDIATE, used for the
// // "N bytes consumed" acknowledgement that flows back against the
// // direction of data.
// int post_send_imm(struct ibv_qp *qp, uint64_t wr_id, uint32_t imm_data) {
//     struct ibv_send_wr wr;
//     struct ibv_send_wr *bad_wr = NULL;
//
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.sg_list = NULL;
//     wr.num_sge = 0;
//     wr.opcode = IBV_WR_SEND_WITH_IMM;
//     wr.send_flags = IBV_SEND_SIGNALED;
//     wr.imm_data = imm_data;
//
//     return ibv_post_send(qp, &wr, &bad_wr);
// }
import "C"
import "fmt"

// Work request IDs double as type tags: a failed completion's wc.opcode
// is not reliable, so handlers dispatch on wr_id to know whether a
// completion belongs to a WRITE or an ACK SEND.
const (
	WriteTag uint64 = 1
	AckTag   uint64 = 2
)

// PostRecv posts a zero-length receive WR to the context's shared
// receive queue so a future WRITE WITH IMM or SEND WITH IMM completion
// has a slot to land in.
func PostRecv(srq *C.struct_ibv_srq, wrID uint64) error {
	if ret := C.post_recv_srq(srq, C.uint64_t(wrID)); ret != 0 {
		return fmt.Errorf("ibv_post_srq_recv failed: %d", ret)
	}
	return nil
}

// PostWrite posts an RDMA WRITE WITH IMMEDIATE of length bytes from
// (localAddr, lkey) into the peer's region at (remoteAddr, rkey),
// carrying immData (the byte length of this chunk) in the immediate field.
func PostWrite(qp *QueuePair, localAddr uint64, length, lkey uint32, remoteAddr uint64, rkey, immData uint32) error {
	ret := C.post_write_imm(
		qp.QP,
		C.uint64_t(WriteTag),
		C.uint64_t(localAddr),
		C.uint32_t(length),
		C.uint32_t(lkey),
		C.uint64_t(remoteAddr),
		C.uint32_t(rkey),
		C.uint32_t(immData),
	)
	if ret != 0 {
		return fmt.Errorf("ibv_post_send (RDMA WRITE WITH IMM) failed: %d", ret)
	}
	return nil
}

// PostAck posts a zero-length SEND WITH IMMEDIATE carrying immData (the
// number of bytes just consumed from the inbox) back to the peer.
func PostAck(qp *QueuePair, immData uint32) error {
	ret := C.post_send_imm(qp.QP, C.uint64_t(AckTag), C.uint32_t(immData))
	if ret != 0 {
		return fmt.Errorf("ibv_post_send (SEND WITH IMM) failed: %d", ret)
	}
	return nil
}
