// Package router implements the TUN packet half of the transparent proxy:
// it reads raw IPv4 packets off the TUN device, rewrites the NAT'd
// destination to the local dispatcher and back again on the return leg, and
// reinjects the rewritten packet into the same device. Because a TUN
// interface delivers a packet written to its fd to the kernel as if it had
// arrived on the wire, redirecting a flow to a local listener on the TUN's
// own address is enough to let the kernel's own TCP/IP stack complete the
// handshake — the same rewrite-and-reinject trick the teacher's NDIS filter
// uses, adapted from driver-level continuation to TUN reinjection.
package router

import (
	"context"
	"errors"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"sazanami/internal/core"
	"sazanami/internal/session"
)

const (
	protoTCP = 6
	protoUDP = 17
)

// Device is the subset of *tun.Device the router depends on.
type Device interface {
	ReadPacket([]byte) (int, error)
	WritePacket([]byte) error
	IP() netip.Addr
}

// Router owns the single TUN read loop. It is not safe to call Run from
// more than one goroutine; WritePacket (via the device) is safe for the
// concurrent callers that don't exist today but might in a future return
// path driven from elsewhere.
type Router struct {
	dev          Device
	sessions     *session.FlowTable
	tunIP        [4]byte
	tcpProxyPort uint16
	udpProxyPort uint16

	malformed uint64
}

// New builds a Router. tcpProxyPort/udpProxyPort are the local ports the
// Proxy Dispatcher listens on, bound to the TUN device's own address.
func New(dev Device, sessions *session.FlowTable, tcpProxyPort, udpProxyPort uint16) *Router {
	return &Router{
		dev:          dev,
		sessions:     sessions,
		tunIP:        dev.IP().As4(),
		tcpProxyPort: tcpProxyPort,
		udpProxyPort: udpProxyPort,
	}
}

// Run reads packets until ctx is canceled or the device returns an
// unrecoverable error.
func (r *Router) Run(ctx context.Context) error {
	buf := make([]byte, 65535)
	pc := newParseCtx()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := r.dev.ReadPacket(buf)
		if err != nil {
			return err
		}
		pkt := buf[:n]

		if err := r.handlePacket(pc, pkt); err != nil {
			r.malformed++
			core.Log.Debugf("ROUTER", "dropped packet: %v", err)
		}
	}
}

// MalformedCount reports how many packets have been dropped for failing to
// parse as a well-formed IPv4/TCP or IPv4/UDP datagram.
func (r *Router) MalformedCount() uint64 { return r.malformed }

var errUnhandledProtocol = errors.New("router: not TCP or UDP")

// parseCtx is a long-lived decode buffer reused across packets, avoiding a
// layer-struct allocation per packet on the hot path.
type parseCtx struct {
	ip4     layers.IPv4
	tcp     layers.TCP
	udp     layers.UDP
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func newParseCtx() *parseCtx {
	c := &parseCtx{}
	c.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &c.ip4, &c.tcp, &c.udp)
	c.parser.IgnoreUnsupported = true
	return c
}

func (r *Router) handlePacket(pc *parseCtx, pkt []byte) error {
	if len(pkt) < 20 || pkt[0]>>4 != 4 {
		return errors.New("router: short or non-IPv4 packet")
	}

	if err := pc.parser.DecodeLayers(pkt, &pc.decoded); err != nil {
		return err
	}

	hasTCP, hasUDP := false, false
	for _, lt := range pc.decoded {
		switch lt {
		case layers.LayerTypeTCP:
			hasTCP = true
		case layers.LayerTypeUDP:
			hasUDP = true
		}
	}

	switch {
	case hasTCP:
		return r.handleTCP(pkt, pc)
	case hasUDP:
		return r.handleUDP(pkt, pc)
	default:
		return errUnhandledProtocol
	}
}

const (
	tcpFlagFIN = 0x01
	tcpFlagRST = 0x04
)

func (r *Router) handleTCP(pkt []byte, pc *parseCtx) error {
	srcIP := [4]byte(pc.ip4.SrcIP.To4())
	srcPort := uint16(pc.tcp.SrcPort)
	dstPort := uint16(pc.tcp.DstPort)
	closing := pc.tcp.FIN || pc.tcp.RST

	if srcIP == r.tunIP && srcPort == r.tcpProxyPort {
		return r.handleTCPReturn(pkt, dstPort, closing)
	}
	return r.handleTCPOutbound(pkt, pc, srcPort, closing)
}

// handleTCPOutbound sees a SYN (or any later segment) from a local process
// addressed to dstIP:dstPort — a real destination, or more commonly a
// fake-DNS virtual IP. It records the true destination and redirects the
// segment to the dispatcher listening on the TUN's own address.
func (r *Router) handleTCPOutbound(pkt []byte, pc *parseCtx, srcPort uint16, closing bool) error {
	dstIP := [4]byte(pc.ip4.DstIP.To4())
	dstPort := uint16(pc.tcp.DstPort)

	r.sessions.Upsert(session.TCP, srcPort, netip.AddrFrom4(dstIP), dstPort)
	if closing {
		r.sessions.MarkClosing(srcPort)
	} else {
		r.sessions.Touch(session.TCP, srcPort)
	}

	rewriteDstIP(pkt, r.tunIP, tcpChecksum)
	rewriteTCPPort(pkt, true, r.tcpProxyPort)
	return r.dev.WritePacket(pkt)
}

// handleTCPReturn sees a segment from the dispatcher back to a client.
// dstPort on this segment is the client's original source port, which
// doubles as the session key.
func (r *Router) handleTCPReturn(pkt []byte, clientPort uint16, closing bool) error {
	origDst, origPort, ok := r.sessions.OriginalDstOf(session.TCP, clientPort)
	if !ok {
		return core.ErrSessionMissing
	}
	if closing {
		r.sessions.MarkClosing(clientPort)
	} else {
		r.sessions.Touch(session.TCP, clientPort)
	}

	rewriteSrcIP(pkt, origDst.As4(), tcpChecksum)
	rewriteTCPPort(pkt, false, origPort)
	return r.dev.WritePacket(pkt)
}

func (r *Router) handleUDP(pkt []byte, pc *parseCtx) error {
	srcIP := [4]byte(pc.ip4.SrcIP.To4())
	srcPort := uint16(pc.udp.SrcPort)
	dstPort := uint16(pc.udp.DstPort)

	if srcIP == r.tunIP && srcPort == r.udpProxyPort {
		return r.handleUDPReturn(pkt, dstPort)
	}
	return r.handleUDPOutbound(pkt, pc, srcPort)
}

func (r *Router) handleUDPOutbound(pkt []byte, pc *parseCtx, srcPort uint16) error {
	dstIP := [4]byte(pc.ip4.DstIP.To4())
	dstPort := uint16(pc.udp.DstPort)

	r.sessions.Upsert(session.UDP, srcPort, netip.AddrFrom4(dstIP), dstPort)
	r.sessions.Touch(session.UDP, srcPort)

	rewriteDstIP(pkt, r.tunIP, udpChecksum)
	rewriteUDPPort(pkt, true, r.udpProxyPort)
	return r.dev.WritePacket(pkt)
}

func (r *Router) handleUDPReturn(pkt []byte, clientPort uint16) error {
	origDst, origPort, ok := r.sessions.OriginalDstOf(session.UDP, clientPort)
	if !ok {
		return core.ErrSessionMissing
	}
	r.sessions.Touch(session.UDP, clientPort)

	rewriteSrcIP(pkt, origDst.As4(), udpChecksum)
	rewriteUDPPort(pkt, false, origPort)
	return r.dev.WritePacket(pkt)
}
