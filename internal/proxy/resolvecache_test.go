package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// startStubResolver answers every A query for name with addr and the given
// TTL, on a freshly bound loopback UDP socket.
func startStubResolver(t *testing.T, name string, addr net.IP, ttl uint32) string {
	t.Helper()

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		if len(req.Question) == 1 && req.Question[0].Qtype == dns.TypeA {
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
				A:   addr,
			})
		}
		w.WriteMsg(resp)
	})}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestResolveCacheClampsUpstreamTTLToMin(t *testing.T) {
	upstream := startStubResolver(t, "short.example.", net.IPv4(93, 184, 216, 34), 1)
	c := newResolveCache([]string{upstream}, 30*time.Second, 5*time.Minute)

	_, err := c.resolve(context.Background(), "short.example.")
	require.NoError(t, err)

	c.mu.RLock()
	e := c.entries["short.example."]
	c.mu.RUnlock()

	require.True(t, e.expiresAt.After(time.Now().Add(20*time.Second)))
}

func TestResolveCacheClampsUpstreamTTLToMax(t *testing.T) {
	upstream := startStubResolver(t, "long.example.", net.IPv4(93, 184, 216, 34), 3600)
	c := newResolveCache([]string{upstream}, 30*time.Second, 5*time.Minute)

	_, err := c.resolve(context.Background(), "long.example.")
	require.NoError(t, err)

	c.mu.RLock()
	e := c.entries["long.example."]
	c.mu.RUnlock()

	require.True(t, e.expiresAt.Before(time.Now().Add(6*time.Minute)))
}

func TestResolveCacheServesFromCacheWithoutRequery(t *testing.T) {
	upstream := startStubResolver(t, "cached.example.", net.IPv4(1, 2, 3, 4), 30)
	c := newResolveCache([]string{upstream}, 30*time.Second, 5*time.Minute)

	first, err := c.resolve(context.Background(), "cached.example.")
	require.NoError(t, err)

	second, err := c.resolve(context.Background(), "cached.example.")
	require.NoError(t, err)
	require.Equal(t, first, second)
}
