package router

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sum16(data []byte) uint32 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	return sum
}

func ipChecksum(header []byte) uint16 {
	return ^checksumFold(sum16(header))
}

func tcpPseudoChecksum(srcIP, dstIP [4]byte, tcpSegment []byte) uint16 {
	pseudo := make([]byte, 12)
	copy(pseudo[0:4], srcIP[:])
	copy(pseudo[4:8], dstIP[:])
	pseudo[9] = 6
	putBe16(pseudo[10:12], uint16(len(tcpSegment)))
	return ^checksumFold(sum16(pseudo) + sum16(tcpSegment))
}

// validChecksum reports whether a one's-complement checksum field embedded
// in data makes the whole buffer sum to the all-ones identity.
func validChecksum(data []byte) bool {
	return checksumFold(sum16(data)) == 0xffff
}

func buildTCPPacket(srcIP, dstIP [4]byte, srcPort, dstPort uint16) []byte {
	pkt := make([]byte, 40)
	pkt[0] = 0x45
	putBe16(pkt[2:4], 40)
	pkt[8] = 64
	pkt[9] = protoTCP
	copy(pkt[12:16], srcIP[:])
	copy(pkt[16:20], dstIP[:])

	tcp := pkt[20:40]
	putBe16(tcp[0:2], srcPort)
	putBe16(tcp[2:4], dstPort)
	tcp[12] = 5 << 4
	putBe16(tcp[16:18], tcpPseudoChecksum(srcIP, dstIP, tcp))
	putBe16(pkt[10:12], ipChecksum(pkt[0:20]))
	return pkt
}

func TestBuiltPacketChecksumsAreValid(t *testing.T) {
	src := [4]byte{10, 0, 0, 2}
	dst := [4]byte{10, 0, 0, 8}
	pkt := buildTCPPacket(src, dst, 55000, 443)

	require.True(t, validChecksum(pkt[0:20]), "ip header checksum must validate")

	pseudo := make([]byte, 12)
	copy(pseudo[0:4], src[:])
	copy(pseudo[4:8], dst[:])
	pseudo[9] = protoTCP
	putBe16(pseudo[10:12], 20)
	require.True(t, validChecksum(append(pseudo, pkt[20:40]...)), "tcp checksum must validate")
}

// TestRewriteDstIPKeepsChecksumsValid exercises the router's core invariant:
// after NAT rewrite, both the IP header checksum and the TCP checksum must
// still validate against the mutated bytes.
func TestRewriteDstIPKeepsChecksumsValid(t *testing.T) {
	src := [4]byte{10, 0, 0, 2}
	origDst := [4]byte{198, 51, 100, 9}
	newDst := [4]byte{10, 0, 0, 1}
	pkt := buildTCPPacket(src, origDst, 55000, 443)

	rewriteDstIP(pkt, newDst, tcpChecksum)

	require.Equal(t, newDst, [4]byte(pkt[16:20]))
	require.True(t, validChecksum(pkt[0:20]))

	pseudo := make([]byte, 12)
	copy(pseudo[0:4], src[:])
	copy(pseudo[4:8], newDst[:])
	pseudo[9] = protoTCP
	putBe16(pseudo[10:12], 20)
	require.True(t, validChecksum(append(pseudo, pkt[20:40]...)))
}

func TestRewriteTCPPortKeepsChecksumValid(t *testing.T) {
	src := [4]byte{10, 0, 0, 2}
	dst := [4]byte{10, 0, 0, 1}
	pkt := buildTCPPacket(src, dst, 55000, 443)

	rewriteTCPPort(pkt, true, 9000)

	require.Equal(t, uint16(9000), be16(pkt[20+2:20+4]))

	pseudo := make([]byte, 12)
	copy(pseudo[0:4], src[:])
	copy(pseudo[4:8], dst[:])
	pseudo[9] = protoTCP
	putBe16(pseudo[10:12], 20)
	require.True(t, validChecksum(append(pseudo, pkt[20:40]...)))
}

// TestRewriteRoundTripRestoresOriginal exercises the router's forward/return
// NAT rewrite as an involution: redirecting to the TUN address and then
// rewriting back to the original destination must reproduce the original
// addressing and leave both checksums valid.
func TestRewriteRoundTripRestoresOriginal(t *testing.T) {
	src := [4]byte{10, 0, 0, 2}
	origDst := [4]byte{198, 51, 100, 9}
	tunIP := [4]byte{10, 0, 0, 1}
	pkt := buildTCPPacket(src, origDst, 55000, 443)

	rewriteDstIP(pkt, tunIP, tcpChecksum)
	rewriteTCPPort(pkt, true, 9000)
	require.Equal(t, tunIP, [4]byte(pkt[16:20]))
	require.True(t, validChecksum(pkt[0:20]))

	rewriteDstIP(pkt, origDst, tcpChecksum)
	rewriteTCPPort(pkt, true, 443)

	require.Equal(t, origDst, [4]byte(pkt[16:20]))
	require.Equal(t, uint16(443), be16(pkt[20+2:20+4]))
	require.True(t, validChecksum(pkt[0:20]))

	pseudo := make([]byte, 12)
	copy(pseudo[0:4], src[:])
	copy(pseudo[4:8], origDst[:])
	pseudo[9] = protoTCP
	putBe16(pseudo[10:12], 20)
	require.True(t, validChecksum(append(pseudo, pkt[20:40]...)))
}
