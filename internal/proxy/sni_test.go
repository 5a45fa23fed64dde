package proxy

import (
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// buildClientHello captures a real TLS ClientHello record by driving the
// standard library's handshake against a local listener that closes
// immediately after reading it.
func buildClientHello(t *testing.T, serverName string) []byte {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	captured := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			captured <- nil
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _ := conn.Read(buf)
		captured <- buf[:n]
	}()

	conn, err := net.Dial("tcp4", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	go func() {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: serverName, InsecureSkipVerify: true})
		tlsConn.Handshake() // expected to fail once the server closes; we only need the ClientHello on the wire
	}()

	data := <-captured
	require.NotEmpty(t, data)
	return data
}

func TestExtractSNIFindsHostname(t *testing.T) {
	hello := buildClientHello(t, "example.com")
	require.Equal(t, "example.com", extractSNI(hello))
}

func TestExtractSNIRejectsNonTLS(t *testing.T) {
	require.Equal(t, "", extractSNI([]byte("GET / HTTP/1.1\r\n\r\n")))
	require.Equal(t, "", extractSNI(nil))
	require.Equal(t, "", extractSNI([]byte{0x16, 0x03}))
}
