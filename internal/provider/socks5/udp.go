package socks5

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"
)

// udpReadBufPool reuses 64KB buffers across SOCKS5 UDP relay reads.
var udpReadBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 65535)
		return &b
	},
}

// RFC 1928 constants.
const (
	socks5Version    = 0x05
	authNone         = 0x00
	authUserPassword = 0x02
	authNoAcceptable = 0xFF

	cmdUDPAssociate = 0x03

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSucceeded = 0x00

	userPassVersion   = 0x01
	userPassSucceeded = 0x00
)

type socks5Auth struct {
	username string
	password string
}

// udpAssociateConn wraps a UDP socket to a SOCKS5 UDP relay, transparently
// adding/removing the per-datagram RFC 1928 §7 header. The TCP control
// connection must stay open for the duration of the relay; closing it tears
// the relay down server-side.
type udpAssociateConn struct {
	udpConn    *net.UDPConn
	tcpCtrl    net.Conn
	relayAddr  *net.UDPAddr
	targetHost string
	targetPort uint16
}

func dialUDPAssociate(ctx context.Context, serverAddr string, auth *socks5Auth, targetAddr string) (net.Conn, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	tcpConn, err := d.DialContext(ctx, "tcp", serverAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 udp: connect control channel: %w", err)
	}

	if err := socks5Handshake(tcpConn, auth); err != nil {
		tcpConn.Close()
		return nil, err
	}

	// DST.ADDR/DST.PORT are unknown at ASSOCIATE time; send 0.0.0.0:0.
	req := []byte{
		socks5Version, cmdUDPAssociate, 0x00,
		atypIPv4, 0, 0, 0, 0,
		0, 0,
	}
	if _, err := tcpConn.Write(req); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("socks5 udp: send ASSOCIATE: %w", err)
	}

	relayAddr, err := readSocks5Reply(tcpConn)
	if err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("socks5 udp: ASSOCIATE reply: %w", err)
	}
	if relayAddr.IP.IsUnspecified() {
		serverHost, _, _ := net.SplitHostPort(serverAddr)
		relayAddr.IP = net.ParseIP(serverHost)
	}

	udpConn, err := net.DialUDP("udp", nil, relayAddr)
	if err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("socks5 udp: connect relay %s: %w", relayAddr, err)
	}

	host, portStr, err := net.SplitHostPort(targetAddr)
	if err != nil {
		udpConn.Close()
		tcpConn.Close()
		return nil, fmt.Errorf("socks5 udp: invalid target %q: %w", targetAddr, err)
	}
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)

	conn := &udpAssociateConn{
		udpConn:    udpConn,
		tcpCtrl:    tcpConn,
		relayAddr:  relayAddr,
		targetHost: host,
		targetPort: port,
	}
	go conn.watchControlChannel()
	return conn, nil
}

func socks5Handshake(conn net.Conn, auth *socks5Auth) error {
	methods := []byte{authNone}
	if auth != nil {
		methods = []byte{authNone, authUserPassword}
	}

	greeting := make([]byte, 2+len(methods))
	greeting[0] = socks5Version
	greeting[1] = byte(len(methods))
	copy(greeting[2:], methods)
	if _, err := conn.Write(greeting); err != nil {
		return fmt.Errorf("socks5 udp: send greeting: %w", err)
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("socks5 udp: read auth method: %w", err)
	}
	if reply[0] != socks5Version {
		return fmt.Errorf("socks5 udp: unexpected version %d", reply[0])
	}

	switch reply[1] {
	case authNone:
		return nil
	case authUserPassword:
		if auth == nil {
			return fmt.Errorf("socks5 udp: server requires auth, none configured")
		}
		return doUserPassAuth(conn, auth)
	case authNoAcceptable:
		return fmt.Errorf("socks5 udp: no acceptable auth method")
	default:
		return fmt.Errorf("socks5 udp: unsupported auth method %d", reply[1])
	}
}

func doUserPassAuth(conn net.Conn, auth *socks5Auth) error {
	uLen, pLen := len(auth.username), len(auth.password)
	if uLen > 255 || pLen > 255 {
		return fmt.Errorf("socks5 udp: username or password too long")
	}

	msg := make([]byte, 3+uLen+pLen)
	msg[0] = userPassVersion
	msg[1] = byte(uLen)
	copy(msg[2:], auth.username)
	msg[2+uLen] = byte(pLen)
	copy(msg[3+uLen:], auth.password)
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("socks5 udp: send credentials: %w", err)
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("socks5 udp: read auth reply: %w", err)
	}
	if reply[1] != userPassSucceeded {
		return fmt.Errorf("socks5 udp: authentication failed (status %d)", reply[1])
	}
	return nil
}

func readSocks5Reply(conn net.Conn) (*net.UDPAddr, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, fmt.Errorf("read reply header: %w", err)
	}
	if header[1] != repSucceeded {
		return nil, fmt.Errorf("server replied with code %d", header[1])
	}

	var ip net.IP
	switch header[3] {
	case atypIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return nil, err
		}
		ip = net.IP(buf)
	case atypIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return nil, err
		}
		ip = net.IP(buf)
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return nil, err
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return nil, err
		}
		resolved, err := net.ResolveIPAddr("ip", string(domain))
		if err != nil {
			return nil, fmt.Errorf("resolve relay domain %q: %w", domain, err)
		}
		ip = resolved.IP
	default:
		return nil, fmt.Errorf("unsupported address type %d", header[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: ip, Port: int(binary.BigEndian.Uint16(portBuf))}, nil
}

func (c *udpAssociateConn) Write(b []byte) (int, error) {
	header := buildUDPHeader(c.targetHost, c.targetPort)
	pkt := make([]byte, len(header)+len(b))
	copy(pkt, header)
	copy(pkt[len(header):], b)
	if _, err := c.udpConn.Write(pkt); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *udpAssociateConn) Read(b []byte) (int, error) {
	bp := udpReadBufPool.Get().(*[]byte)
	defer udpReadBufPool.Put(bp)
	buf := *bp

	n, err := c.udpConn.Read(buf)
	if err != nil {
		return 0, err
	}
	offset, err := udpHeaderLen(buf[:n])
	if err != nil {
		return 0, fmt.Errorf("parse relay header: %w", err)
	}
	payload := buf[offset:n]
	copy(b, payload)
	if len(payload) > len(b) {
		return len(b), nil
	}
	return len(payload), nil
}

func (c *udpAssociateConn) Close() error {
	c.udpConn.Close()
	c.tcpCtrl.Close()
	return nil
}

func (c *udpAssociateConn) LocalAddr() net.Addr { return c.udpConn.LocalAddr() }

func (c *udpAssociateConn) RemoteAddr() net.Addr {
	ap, err := netip.ParseAddrPort(fmt.Sprintf("%s:%d", c.targetHost, c.targetPort))
	if err != nil {
		return c.relayAddr
	}
	return net.UDPAddrFromAddrPort(ap)
}

func (c *udpAssociateConn) SetDeadline(t time.Time) error      { return c.udpConn.SetDeadline(t) }
func (c *udpAssociateConn) SetReadDeadline(t time.Time) error  { return c.udpConn.SetReadDeadline(t) }
func (c *udpAssociateConn) SetWriteDeadline(t time.Time) error { return c.udpConn.SetWriteDeadline(t) }

// watchControlChannel closes the UDP relay once the TCP control connection
// drops, per RFC 1928: the server tears down the association when it does.
func (c *udpAssociateConn) watchControlChannel() {
	buf := make([]byte, 1)
	c.tcpCtrl.Read(buf)
	c.udpConn.Close()
}

func buildUDPHeader(host string, port uint16) []byte {
	header := []byte{0x00, 0x00, 0x00}

	if ip, err := netip.ParseAddr(host); err == nil {
		if ip.Is4() {
			a4 := ip.As4()
			header = append(header, atypIPv4)
			header = append(header, a4[:]...)
		} else {
			a16 := ip.As16()
			header = append(header, atypIPv6)
			header = append(header, a16[:]...)
		}
	} else {
		header = append(header, atypDomain, byte(len(host)))
		header = append(header, []byte(host)...)
	}

	return append(header, byte(port>>8), byte(port))
}

func udpHeaderLen(pkt []byte) (int, error) {
	if len(pkt) < 4 {
		return 0, fmt.Errorf("packet too short")
	}
	switch pkt[3] {
	case atypIPv4:
		if len(pkt) < 10 {
			return 0, fmt.Errorf("packet too short for IPv4 header")
		}
		return 10, nil
	case atypIPv6:
		if len(pkt) < 22 {
			return 0, fmt.Errorf("packet too short for IPv6 header")
		}
		return 22, nil
	case atypDomain:
		if len(pkt) < 5 {
			return 0, fmt.Errorf("packet too short for domain header")
		}
		total := 4 + 1 + int(pkt[4]) + 2
		if len(pkt) < total {
			return 0, fmt.Errorf("packet too short for domain name")
		}
		return total, nil
	default:
		return 0, fmt.Errorf("unsupported address type %d", pkt[3])
	}
}
