package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchangeRoundTrip(t *testing.T) {
	e := Exchange{
		LID:       7,
		QPN:       0x1234abcd,
		PSN:       0x00abcdef,
		InboxAddr: 0x7fff00001000,
		InboxRKey: 0xdeadbeef,
	}
	copy(e.GID[:], []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1})

	buf := e.Encode()
	require.Len(t, buf, ExchangeSize)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestDecodeRejectsWrongSize(t *testing.T) {
	_, err := Decode(make([]byte, 10))
	assert.Error(t, err)
}

func TestEncodeLeavesReservedBytesZero(t *testing.T) {
	e := Exchange{LID: 1, QPN: 2, PSN: 3}
	buf := e.Encode()
	for _, i := range []int{26, 27, 28, 29, 30, 31, 44, 45, 46, 47} {
		assert.Equal(t, byte(0), buf[i], "reserved byte at offset %d must be zero", i)
	}
}
