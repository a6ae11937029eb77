// Package wire defines the fixed-size binary record exchanged once in
// each direction over a connection's bootstrap TCP socket, carrying the
// queue-pair setup info and inbox memory-region details each side needs
// to drive its queue pair from Init to ReadyToSend.
package wire

import (
	"encoding/binary"
	"fmt"
)

// ExchangeSize is the on-wire size of Exchange, in bytes. Fixed and
// explicit rather than derived from native struct layout: the original
// implementation this protocol is modeled on memcpy's a C struct over
// the wire, which only round-trips between identical-ABI hosts. This
// module instead encodes every field individually with a fixed
// little-endian layout so heterogeneous hosts interoperate correctly.
const ExchangeSize = 48

// Exchange is the single record each side writes, in full, in one
// net.Conn.Write call, and reads, in full, in one net.Conn.Read call,
// during bootstrap.
type Exchange struct {
	LID        uint16
	QPN        uint32
	PSN        uint32
	GID        [16]byte
	InboxAddr  uint64
	InboxRKey  uint32
}

// Encode writes e into a freshly allocated ExchangeSize-byte buffer
// using the layout documented in SPEC_FULL.md §6.1:
//
//	offset  size  field
//	0       2     lid            (uint16, LE)
//	2       4     qpn            (uint32, LE)
//	6       4     psn            (uint32, LE)
//	10      16    gid            (raw bytes, network order, unchanged)
//	26      6     reserved       (zero, alignment padding)
//	32      8     inboxAddr      (uint64, LE)
//	40      4     inboxRkey      (uint32, LE)
//	44      4     reserved2      (zero, pad to 48 bytes)
func (e Exchange) Encode() []byte {
	buf := make([]byte, ExchangeSize)
	binary.LittleEndian.PutUint16(buf[0:2], e.LID)
	binary.LittleEndian.PutUint32(buf[2:6], e.QPN)
	binary.LittleEndian.PutUint32(buf[6:10], e.PSN)
	copy(buf[10:26], e.GID[:])
	// buf[26:32] stays zero (reserved).
	binary.LittleEndian.PutUint64(buf[32:40], e.InboxAddr)
	binary.LittleEndian.PutUint32(buf[40:44], e.InboxRKey)
	// buf[44:48] stays zero (reserved2).
	return buf
}

// Decode parses an ExchangeSize-byte buffer produced by Encode.
func Decode(buf []byte) (Exchange, error) {
	var e Exchange
	if len(buf) != ExchangeSize {
		return e, fmt.Errorf("exchange record must be %d bytes, got %d", ExchangeSize, len(buf))
	}
	e.LID = binary.LittleEndian.Uint16(buf[0:2])
	e.QPN = binary.LittleEndian.Uint32(buf[2:6])
	e.PSN = binary.LittleEndian.Uint32(buf[6:10])
	copy(e.GID[:], buf[10:26])
	e.InboxAddr = binary.LittleEndian.Uint64(buf[32:40])
	e.InboxRKey = binary.LittleEndian.Uint32(buf[40:44])
	return e, nil
}
