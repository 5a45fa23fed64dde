package proxy

import (
	"net"
	"time"
)

// sniffSNI reads the first bytes of an unclassified direct-IP connection
// looking for a TLS ClientHello. Those bytes are consumed from conn, so it
// returns the extracted hostname (empty if none found) together with the
// bytes read, which the caller must prepend back onto conn's read stream.
func sniffSNI(conn net.Conn) (string, []byte) {
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if n == 0 {
		return "", nil
	}
	buf = buf[:n]
	if err != nil {
		return "", buf
	}
	return extractSNI(buf), buf
}

// prefixedConn replays a peeked byte slice before resuming reads from the
// wrapped connection.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

// extractSNI parses a TLS ClientHello record and returns its SNI hostname,
// or "" if data is not a well-formed ClientHello or carries no SNI
// extension. Used to classify direct-IP TLS flows — ones that never
// resolved through the fake-DNS store — by the domain the client is
// actually asking for.
func extractSNI(data []byte) string {
	if len(data) < 5 || data[0] != 0x16 {
		return ""
	}

	recordLen := int(data[3])<<8 | int(data[4])
	if len(data) < 5+recordLen {
		return ""
	}
	hs := data[5 : 5+recordLen]

	if len(hs) < 4 || hs[0] != 0x01 {
		return ""
	}
	hsLen := int(hs[1])<<16 | int(hs[2])<<8 | int(hs[3])
	if len(hs) < 4+hsLen {
		return ""
	}
	ch := hs[4 : 4+hsLen]

	// client_version(2) + random(32)
	pos := 2 + 32
	if pos >= len(ch) {
		return ""
	}

	sessionIDLen := int(ch[pos])
	pos += 1 + sessionIDLen
	if pos+2 > len(ch) {
		return ""
	}

	cipherSuitesLen := int(ch[pos])<<8 | int(ch[pos+1])
	pos += 2 + cipherSuitesLen
	if pos+1 > len(ch) {
		return ""
	}

	compressionLen := int(ch[pos])
	pos += 1 + compressionLen
	if pos+2 > len(ch) {
		return ""
	}

	extensionsLen := int(ch[pos])<<8 | int(ch[pos+1])
	pos += 2
	if pos+extensionsLen > len(ch) {
		return ""
	}

	return parseSNIExtensions(ch[pos : pos+extensionsLen])
}

func parseSNIExtensions(data []byte) string {
	pos := 0
	for pos+4 <= len(data) {
		extType := int(data[pos])<<8 | int(data[pos+1])
		extLen := int(data[pos+2])<<8 | int(data[pos+3])
		pos += 4
		if pos+extLen > len(data) {
			return ""
		}
		if extType == 0 { // server_name
			return parseSNIPayload(data[pos : pos+extLen])
		}
		pos += extLen
	}
	return ""
}

func parseSNIPayload(data []byte) string {
	if len(data) < 2 {
		return ""
	}
	listLen := int(data[0])<<8 | int(data[1])
	if len(data) < 2+listLen {
		return ""
	}
	list := data[2 : 2+listLen]

	pos := 0
	for pos+3 <= len(list) {
		nameType := list[pos]
		nameLen := int(list[pos+1])<<8 | int(list[pos+2])
		pos += 3
		if pos+nameLen > len(list) {
			return ""
		}
		if nameType == 0 { // host_name
			return string(list[pos : pos+nameLen])
		}
		pos += nameLen
	}
	return ""
}
