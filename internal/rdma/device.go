package rdma

// #cgo LDFLAGS: -libverbs
// #include <stdlib.h>
// #include <infiniband/verbs.h>
//
// // Helper function to access ibv_port_attr safely
// int my_ibv_query_port(struct ibv_context *context, uint8_t port_num, struct ibv_port_attr *port_attr) {
//     return ibv_query_port(context, port_num, port_attr);
// }
//
// // Helper function to get phys_port_cnt
// int get_phys_port_cnt(struct ibv_context *context, uint8_t *phys_port_cnt) {
//     struct ibv_device_attr device_attr;
//     if (ibv_query_device(context, &device_attr)) {
//         return -1;
//     }
//     *phys_port_cnt = device_attr.phys_port_cnt;
//     return 0;
// }
import "C"
import (
	"fmt"
	"net"
	"os"
	"unsafe"

	"github.com/rs/zerolog/log"
)

// Device represents an opened RDMA NIC: a context, a protection domain,
// and the active port/GID pair that connections on it will advertise
// during bootstrap.
type Device struct {
	Context        *C.struct_ibv_context
	device         *C.struct_ibv_device
	Name           string
	GID            string
	IPAddr         string
	PD             *C.struct_ibv_pd
	IsOpen         bool
	ActiveGIDIndex uint8
	ActivePortNum  uint8
}

// Manager enumerates the RDMA NICs visible to this host.
type Manager struct {
	Devices []*Device
}

// NewManager lists the RDMA devices available on the host. It does not
// open any of them; call Device.Open on the one you intend to use.
func NewManager() (*Manager, error) {
	manager := &Manager{}

	var numDevices C.int
	deviceList := C.ibv_get_device_list(&numDevices)
	if deviceList == nil {
		return nil, fmt.Errorf("failed to get RDMA device list")
	}
	defer C.ibv_free_device_list(deviceList)

	if numDevices == 0 {
		return nil, fmt.Errorf("no RDMA devices found")
	}

	for i := 0; i < int(numDevices); i++ {
		dev := *(**C.struct_ibv_device)(unsafe.Pointer(uintptr(unsafe.Pointer(deviceList)) + uintptr(i)*unsafe.Sizeof(uintptr(0))))
		if dev == nil {
			continue
		}

		name := C.GoString(C.ibv_get_device_name(dev))
		log.Debug().Str("device", name).Msg("found RDMA device")

		manager.Devices = append(manager.Devices, &Device{
			device: dev,
			Name:   name,
		})
	}

	return manager, nil
}

// ByName returns the device with the given name, or nil if none matches.
func (m *Manager) ByName(name string) *Device {
	for _, d := range m.Devices {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// isIPv4MappedIPv6 reports whether ipBytes is a ::ffff:A.B.C.D style GID.
func isIPv4MappedIPv6(ipBytes []byte) bool {
	return len(ipBytes) == 16 && ipBytes[10] == 0xff && ipBytes[11] == 0xff
}

// formatGIDString formats a raw GID, preserving the ::ffff: prefix for
// IPv4-mapped addresses instead of collapsing to net.IP's bare dotted form.
func formatGIDString(gidBytes []byte) string {
	if isIPv4MappedIPv6(gidBytes) {
		ipv4Part := fmt.Sprintf("%d.%d.%d.%d", gidBytes[12], gidBytes[13], gidBytes[14], gidBytes[15])
		return "::ffff:" + ipv4Part
	}
	return net.IP(gidBytes).String()
}

// parseGIDString parses a formatted GID string back into its 16 raw bytes.
func parseGIDString(gid string) ([16]byte, error) {
	var out [16]byte
	ip := net.ParseIP(gid)
	if ip == nil {
		return out, fmt.Errorf("invalid GID %q", gid)
	}
	ip16 := ip.To16()
	if ip16 == nil {
		return out, fmt.Errorf("GID %q did not convert to 16 bytes", gid)
	}
	copy(out[:], ip16)
	return out, nil
}

// ParseGID parses a formatted GID string (as found on Device.GID) into its
// 16 raw wire-format bytes, for callers assembling a bootstrap exchange
// record outside this package.
func ParseGID(gid string) ([16]byte, error) { return parseGIDString(gid) }

// FormatGID is the inverse of ParseGID: it renders 16 raw GID bytes learned
// from a peer's bootstrap exchange back into the string form TransitionToRTR
// expects.
func FormatGID(gid [16]byte) string { return formatGIDString(gid[:]) }

func (d *Device) releaseResources() {
	if d.PD != nil {
		C.ibv_dealloc_pd(d.PD)
		d.PD = nil
	}
	if d.Context != nil {
		C.ibv_close_device(d.Context)
		d.Context = nil
	}
}

// Open opens the device context, allocates a protection domain, and scans
// the device's physical ports for an active one exposing a non-zero GID
// at gidIndex. The chosen port/GID become the device's advertised
// address for bootstrap exchanges.
func (d *Device) Open(gidIndex int) error {
	if d.IsOpen {
		return nil
	}
	if gidIndex < 0 {
		return fmt.Errorf("gidIndex must be >= 0, got %d for device %s", gidIndex, d.Name)
	}

	ctx := C.ibv_open_device(d.device)
	if ctx == nil {
		return fmt.Errorf("failed to open device %s", d.Name)
	}
	d.Context = ctx

	pd := C.ibv_alloc_pd(d.Context)
	if pd == nil {
		C.ibv_close_device(d.Context)
		d.Context = nil
		return fmt.Errorf("failed to allocate protection domain for device %s", d.Name)
	}
	d.PD = pd

	var physPortCnt C.uint8_t
	if C.get_phys_port_cnt(d.Context, &physPortCnt) != 0 {
		d.releaseResources()
		return fmt.Errorf("failed to query device attributes for %s", d.Name)
	}
	if physPortCnt == 0 {
		d.releaseResources()
		return fmt.Errorf("device %s has 0 physical ports", d.Name)
	}

	var activePortNumFound C.uint8_t
	var gidFound C.union_ibv_gid
	var usableGIDFound bool

	for portNum := C.uint8_t(1); portNum <= physPortCnt; portNum++ {
		var portAttr C.struct_ibv_port_attr
		if ret := C.my_ibv_query_port(d.Context, portNum, &portAttr); ret != 0 {
			log.Warn().Str("device", d.Name).Uint8("port", uint8(portNum)).Msg("failed to query port, skipping")
			continue
		}
		if portAttr.state != C.IBV_PORT_ACTIVE {
			log.Debug().Str("device", d.Name).Uint8("port", uint8(portNum)).Msg("port not active, skipping")
			continue
		}

		var currentGid C.union_ibv_gid
		if ret := C.ibv_query_gid(d.Context, portNum, C.int(gidIndex), &currentGid); ret == 0 {
			gidBytes := unsafe.Slice((*byte)(unsafe.Pointer(&currentGid)), C.sizeof_union_ibv_gid)
			isZeroGid := true
			for _, b := range gidBytes {
				if b != 0 {
					isZeroGid = false
					break
				}
			}
			if !isZeroGid {
				log.Info().
					Str("device", d.Name).
					Uint8("port", uint8(portNum)).
					Int("gid_index", gidIndex).
					Str("gid", formatGIDString(gidBytes)).
					Msg("found usable GID on active port")
				activePortNumFound = portNum
				gidFound = currentGid
				usableGIDFound = true
				break
			}
			log.Warn().Str("device", d.Name).Uint8("port", uint8(portNum)).Int("gid_index", gidIndex).Msg("GID index resolved to zero GID on this port")
		} else {
			log.Warn().Str("device", d.Name).Uint8("port", uint8(portNum)).Int("gid_index", gidIndex).Msg("failed to query GID at index on this port")
		}
	}

	if !usableGIDFound {
		d.releaseResources()
		return fmt.Errorf("no usable GID found for device %s on any active port with GID index %d", d.Name, gidIndex)
	}

	d.ActiveGIDIndex = uint8(gidIndex)
	d.ActivePortNum = uint8(activePortNumFound)

	gidBytes := unsafe.Slice((*byte)(unsafe.Pointer(&gidFound)), C.sizeof_union_ibv_gid)
	d.GID = formatGIDString(gidBytes)
	d.IPAddr = d.resolveIPAddr(net.IP(gidBytes))

	d.IsOpen = true
	log.Info().Str("device", d.Name).Str("gid", d.GID).Str("ip", d.IPAddr).Uint8("port", d.ActivePortNum).Msg("opened RDMA device")
	return nil
}

// resolveIPAddr prefers the IPv4 address of the device's network
// interface, falling back to extracting it from the GID itself.
func (d *Device) resolveIPAddr(gidIP net.IP) string {
	if ip := d.ipFromInterface(); ip != "" {
		return ip
	}
	if ipv4 := gidIP.To4(); ipv4 != nil {
		return ipv4.String()
	}
	return gidIP.String()
}

func (d *Device) ipFromInterface() string {
	netDir := fmt.Sprintf("/sys/class/infiniband/%s/device/net", d.Name)
	entries, err := os.ReadDir(netDir)
	if err != nil || len(entries) == 0 {
		return ""
	}

	ifName := entries[0].Name()
	iface, err := net.InterfaceByName(ifName)
	if err != nil {
		return ""
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ipv4 := ipNet.IP.To4(); ipv4 != nil {
			return ipv4.String()
		}
	}
	return ""
}

// Close releases the device's protection domain and context. Safe to
// call on an already-closed device.
func (d *Device) Close() {
	if !d.IsOpen {
		return
	}
	d.releaseResources()
	d.IsOpen = false
	log.Debug().Str("device", d.Name).Msg("closed RDMA device")
}
