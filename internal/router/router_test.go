package router

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"sazanami/internal/session"
)

type fakeDevice struct {
	ip      netip.Addr
	written [][]byte
}

func (d *fakeDevice) ReadPacket([]byte) (int, error) { return 0, nil }

func (d *fakeDevice) WritePacket(pkt []byte) error {
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	d.written = append(d.written, cp)
	return nil
}

func (d *fakeDevice) IP() netip.Addr { return d.ip }

func TestHandleTCPOutboundRedirectsToDispatcher(t *testing.T) {
	dev := &fakeDevice{ip: netip.MustParseAddr("10.0.0.1")}
	sessions := session.New()
	r := New(dev, sessions, 9000, 9001)
	pc := newParseCtx()

	clientIP := [4]byte{10, 0, 0, 2}
	vip := [4]byte{10, 0, 0, 55}
	pkt := buildTCPPacket(clientIP, vip, 55000, 443)

	require.NoError(t, r.handlePacket(pc, pkt))
	require.Len(t, dev.written, 1)

	out := dev.written[0]
	require.Equal(t, [4]byte{10, 0, 0, 1}, [4]byte(out[16:20]))
	require.Equal(t, uint16(9000), be16(out[22:24]))
	require.True(t, validChecksum(out[0:20]))

	dstIP, dstPort, ok := sessions.OriginalDstOf(session.TCP, 55000)
	require.True(t, ok)
	require.Equal(t, netip.AddrFrom4(vip), dstIP)
	require.Equal(t, uint16(443), dstPort)
}

func TestHandleTCPReturnRestoresOriginalDestination(t *testing.T) {
	dev := &fakeDevice{ip: netip.MustParseAddr("10.0.0.1")}
	sessions := session.New()
	r := New(dev, sessions, 9000, 9001)
	pc := newParseCtx()

	clientIP := [4]byte{10, 0, 0, 2}
	vip := [4]byte{10, 0, 0, 55}
	sessions.Upsert(session.TCP, 55000, netip.AddrFrom4(vip), 443)

	reply := buildTCPPacket([4]byte{10, 0, 0, 1}, clientIP, 9000, 55000)

	require.NoError(t, r.handlePacket(pc, reply))
	require.Len(t, dev.written, 1)

	out := dev.written[0]
	require.Equal(t, vip, [4]byte(out[12:16]))
	require.Equal(t, uint16(443), be16(out[20:22]))
	require.True(t, validChecksum(out[0:20]))
}

func TestHandleTCPReturnMissingSessionIsError(t *testing.T) {
	dev := &fakeDevice{ip: netip.MustParseAddr("10.0.0.1")}
	sessions := session.New()
	r := New(dev, sessions, 9000, 9001)
	pc := newParseCtx()

	reply := buildTCPPacket([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 9000, 60000)
	require.Error(t, r.handlePacket(pc, reply))
}

func TestHandleUDPOutboundAndReturn(t *testing.T) {
	dev := &fakeDevice{ip: netip.MustParseAddr("10.0.0.1")}
	sessions := session.New()
	r := New(dev, sessions, 9000, 9001)
	pc := newParseCtx()

	clientIP := [4]byte{10, 0, 0, 2}
	vip := [4]byte{10, 0, 0, 55}

	pkt := make([]byte, 28)
	pkt[0] = 0x45
	putBe16(pkt[2:4], 28)
	pkt[8] = 64
	pkt[9] = protoUDP
	copy(pkt[12:16], clientIP[:])
	copy(pkt[16:20], vip[:])
	udp := pkt[20:28]
	putBe16(udp[0:2], 51000)
	putBe16(udp[2:4], 53)
	putBe16(udp[4:6], 8)
	putBe16(pkt[10:12], ipChecksum(pkt[0:20]))

	require.NoError(t, r.handlePacket(pc, pkt))
	out := dev.written[0]
	require.Equal(t, [4]byte{10, 0, 0, 1}, [4]byte(out[16:20]))
	require.Equal(t, uint16(9001), be16(out[22:24]))

	_, _, ok := sessions.OriginalDstOf(session.UDP, 51000)
	require.True(t, ok)
}
