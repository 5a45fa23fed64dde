// Package tun opens and configures the host-local TUN device that the
// Router reads and writes IPv4 packets from.
package tun

import (
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"sazanami/internal/core"
)

const (
	devNetTun = "/dev/net/tun"

	// ifReqSize matches struct ifreq on Linux (IFNAMSIZ=16 + union of 24 bytes).
	ifReqSize = 40

	maxPacketSize = 65535
)

// writeBufPool avoids per-packet allocation in WritePacket.
var writeBufPool = sync.Pool{
	New: func() any { return make([]byte, maxPacketSize) },
}

// Device is a Linux /dev/net/tun interface in IFF_TUN|IFF_NO_PI mode: reads
// and writes carry raw IPv4 packets, no link-layer or protocol-info header.
type Device struct {
	name    string
	file    *os.File
	ip      netip.Addr
	readBuf []byte // single packet-loop goroutine owns this
}

// Open creates (or attaches to) a TUN device named name, assigns it ip/cidr
// and brings it up. Requires CAP_NET_ADMIN.
func Open(name string, ip netip.Addr, cidr netip.Prefix) (*Device, error) {
	fd, err := unix.Open(devNetTun, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", core.ErrTunUnavailable, devNetTun, err)
	}

	ifName, err := configureTunFd(fd, name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %v", core.ErrTunUnavailable, err)
	}

	d := &Device{
		name:    ifName,
		file:    os.NewFile(uintptr(fd), ifName),
		ip:      ip,
		readBuf: make([]byte, maxPacketSize),
	}

	if err := d.configureInterface(cidr); err != nil {
		d.Close()
		return nil, fmt.Errorf("%w: configure %s: %v", core.ErrTunUnavailable, ifName, err)
	}

	core.Log.Infof("TUN", "device %s up (ip=%s, cidr=%s)", ifName, ip, cidr)
	return d, nil
}

// configureTunFd issues TUNSETIFF with IFF_TUN|IFF_NO_PI and returns the
// kernel-assigned interface name.
func configureTunFd(fd int, name string) (string, error) {
	var ifr [ifReqSize]byte
	copy(ifr[:unix.IFNAMSIZ], name)
	// flags field follows the name at offset IFNAMSIZ, as a little-endian uint16.
	flags := uint16(unix.IFF_TUN | unix.IFF_NO_PI)
	ifr[unix.IFNAMSIZ] = byte(flags)
	ifr[unix.IFNAMSIZ+1] = byte(flags >> 8)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&ifr[0]))); errno != 0 {
		return "", fmt.Errorf("TUNSETIFF: %w", errno)
	}

	end := 0
	for end < unix.IFNAMSIZ && ifr[end] != 0 {
		end++
	}
	return string(ifr[:end]), nil
}

// configureInterface assigns the gateway address over cidr and brings the
// link up, shelling out to iproute2 the same way the teacher's darwin
// adapter shells out to ifconfig.
func (d *Device) configureInterface(cidr netip.Prefix) error {
	addr := fmt.Sprintf("%s/%d", d.ip, cidr.Bits())
	if out, err := exec.Command("ip", "addr", "add", addr, "dev", d.name).CombinedOutput(); err != nil {
		return fmt.Errorf("ip addr add: %s: %w", strings.TrimSpace(string(out)), err)
	}
	if out, err := exec.Command("ip", "link", "set", "dev", d.name, "up").CombinedOutput(); err != nil {
		return fmt.Errorf("ip link set up: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Name returns the kernel-assigned interface name (e.g. "sazanami-tun").
func (d *Device) Name() string { return d.name }

// IP returns the TUN gateway address.
func (d *Device) IP() netip.Addr { return d.ip }

// ReadPacket reads one raw IPv4 packet. Not safe for concurrent use — called
// only from the Router's single read loop.
func (d *Device) ReadPacket(buf []byte) (int, error) {
	n, err := d.file.Read(d.readBuf)
	if err != nil {
		return 0, err
	}
	return copy(buf, d.readBuf[:n]), nil
}

// WritePacket writes one raw IPv4 packet. Safe for concurrent use.
func (d *Device) WritePacket(pkt []byte) error {
	if len(pkt) == 0 {
		return nil
	}
	buf := writeBufPool.Get().([]byte)
	defer writeBufPool.Put(buf)
	n := copy(buf, pkt)
	_, err := d.file.Write(buf[:n])
	return err
}

// Close releases the TUN file descriptor; the kernel removes the interface.
func (d *Device) Close() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	core.Log.Infof("TUN", "device %s closed", d.name)
	return err
}
