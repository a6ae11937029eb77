package rdma

// #cgo LDFLAGS: -libverbs
// #include <stdlib.h>
// #include <infiniband/verbs.h>
import "C"
import (
	"fmt"
	"os"
	"unsafe"

	"github.com/rs/zerolog/log"
)

// Access flags for NewMemoryRegion, exported as plain ints so callers
// outside this package (which does not import cgo) can compose them.
const (
	AccessLocalWrite  = int(C.IBV_ACCESS_LOCAL_WRITE)
	AccessRemoteWrite = int(C.IBV_ACCESS_REMOTE_WRITE)
	AccessRemoteRead  = int(C.IBV_ACCESS_REMOTE_READ)
)

// MemoryRegion wraps a page-aligned buffer registered with a protection
// domain. The buffer is owned by the region and freed on Close.
type MemoryRegion struct {
	buf  unsafe.Pointer
	size uint64
	mr   *C.struct_ibv_mr
}

// NewMemoryRegion allocates a page-aligned buffer of size bytes and
// registers it against pd with the given access flags (a bitwise-or of
// the Access* constants above; callers pass AccessLocalWrite |
// AccessRemoteWrite for a buffer the peer will RDMA WRITE into).
func NewMemoryRegion(pd *C.struct_ibv_pd, size uint64, accessFlags int) (*MemoryRegion, error) {
	cSize := C.size_t(size)
	buf := C.aligned_alloc(C.size_t(os.Getpagesize()), cSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate %d-byte aligned buffer", size)
	}
	C.memset(buf, 0, cSize)

	mr := C.ibv_reg_mr(pd, buf, cSize, C.int(accessFlags))
	if mr == nil {
		C.free(buf)
		return nil, fmt.Errorf("ibv_reg_mr failed for %d-byte buffer", size)
	}

	return &MemoryRegion{buf: buf, size: size, mr: mr}, nil
}

// Addr returns the buffer's address, suitable for use as an SGE addr or
// as the remote address advertised during bootstrap.
func (m *MemoryRegion) Addr() uint64 { return uint64(uintptr(m.buf)) }

// LKey returns the local key used when this region is the source or
// destination of a local-facing work request.
func (m *MemoryRegion) LKey() uint32 { return uint32(m.mr.lkey) }

// RKey returns the remote key to advertise to a peer that will RDMA
// WRITE into this region.
func (m *MemoryRegion) RKey() uint32 { return uint32(m.mr.rkey) }

// Bytes exposes the underlying buffer as a Go byte slice. The slice is
// only valid for as long as the MemoryRegion is not closed.
func (m *MemoryRegion) Bytes() []byte {
	return unsafe.Slice((*byte)(m.buf), int(m.size))
}

// Close deregisters the memory region and frees its buffer. Safe to call
// once; a second call is a no-op.
func (m *MemoryRegion) Close() error {
	if m.mr == nil {
		return nil
	}
	if ret := C.ibv_dereg_mr(m.mr); ret != 0 {
		log.Warn().Int("ret", int(ret)).Msg("ibv_dereg_mr returned a non-zero status")
	}
	m.mr = nil
	if m.buf != nil {
		C.free(m.buf)
		m.buf = nil
	}
	return nil
}
