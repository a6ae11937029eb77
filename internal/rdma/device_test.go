package rdma

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatGIDString(t *testing.T) {
	assert.Equal(t, "::ffff:192.168.1.1", formatGIDString([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 192, 168, 1, 1}))

	ipv6GID := []byte{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	assert.Equal(t, "fe80::1", formatGIDString(ipv6GID))
}

func TestIsIPv4MappedIPv6(t *testing.T) {
	assert.True(t, isIPv4MappedIPv6([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 1, 2, 3, 4}))
	assert.False(t, isIPv4MappedIPv6([]byte{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}))
	assert.False(t, isIPv4MappedIPv6([]byte{1, 2, 3}))
}

func TestParseGIDString(t *testing.T) {
	gid, err := parseGIDString("fe80::1")
	assert.NoError(t, err)
	assert.Equal(t, formatGIDString(gid[:]), "fe80::1")

	_, err = parseGIDString("not-a-gid")
	assert.Error(t, err)
}

func TestGIDRoundTrip(t *testing.T) {
	raw := []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	formatted := formatGIDString(raw)
	parsed, err := parseGIDString(formatted)
	assert.NoError(t, err)
	assert.Equal(t, raw, parsed[:])
}

// TestManagerOnHardware exercises device discovery against real
// RDMA hardware when present, and is skipped otherwise.
func TestManagerOnHardware(t *testing.T) {
	if os.Getenv("CI") != "" {
		t.Skip("skipping RDMA hardware detection test in CI environment")
	}

	manager, err := NewManager()
	if err != nil {
		t.Skipf("RDMA environment not detected, skipping test: %v", err)
	}
	if len(manager.Devices) == 0 {
		t.Skip("no RDMA devices found, skipping test")
	}

	device := manager.Devices[0]
	if err := device.Open(0); err != nil {
		t.Errorf("failed to open RDMA device: %v", err)
		return
	}
	defer device.Close()

	t.Logf("opened device %s, gid %s, ip %s", device.Name, device.GID, device.IPAddr)
	assert.NotEmpty(t, device.GID)
}
