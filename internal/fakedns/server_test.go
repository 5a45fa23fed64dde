package fakedns

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"sazanami/internal/ipam"
)

func startTestServer(t *testing.T, upstreams []string) string {
	t.Helper()
	pool, err := ipam.NewPool("10.0.0.0/24", netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	store := ipam.NewStore(pool)

	srv := New(store, upstreams, time.Second, "127.0.0.1:0")
	ln, err := net.ListenPacket("udp", srv.listenAt)
	require.NoError(t, err)
	srv.listenAt = ln.LocalAddr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go srv.Run(ctx)
	time.Sleep(50 * time.Millisecond) // let the listener bind

	return srv.listenAt
}

func TestSynthesizeAAllocatesFromPool(t *testing.T) {
	addr := startTestServer(t, []string{"8.8.8.8:53"})

	c := new(dns.Client)
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)

	resp, _, err := c.Exchange(m, addr)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)

	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	require.True(t, a.A.To4()[0] == 10 && a.A.To4()[1] == 0)
	require.Equal(t, uint32(FakeTTL.Seconds()), a.Hdr.Ttl)
}

func TestSynthesizeARefreshesSameIPOnRepeat(t *testing.T) {
	addr := startTestServer(t, []string{"8.8.8.8:53"})

	c := new(dns.Client)
	query := func() net.IP {
		m := new(dns.Msg)
		m.SetQuestion("repeat.example.", dns.TypeA)
		resp, _, err := c.Exchange(m, addr)
		require.NoError(t, err)
		require.Len(t, resp.Answer, 1)
		return resp.Answer[0].(*dns.A).A
	}

	first := query()
	second := query()
	require.Equal(t, first, second)
}

func TestNormalizeDomainStripsTrailingDot(t *testing.T) {
	require.Equal(t, "example.com", normalizeDomain("example.com."))
	require.Equal(t, "example.com", normalizeDomain("example.com"))
}

// startStubUpstream answers every query with enough TXT records to exceed
// the plain-DNS 512-byte UDP limit, so forwarded queries exercise the
// truncation path in writeMsg.
func startStubUpstream(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		for i := 0; i < 30; i++ {
			resp.Answer = append(resp.Answer, &dns.TXT{
				Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
				Txt: []string{"padding-to-force-a-response-well-past-the-512-byte-udp-limit"},
			})
		}
		w.WriteMsg(resp)
	})}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestOversizedResponseIsTruncated(t *testing.T) {
	upstream := startStubUpstream(t)
	addr := startTestServer(t, []string{upstream})

	c := new(dns.Client)
	m := new(dns.Msg)
	m.SetQuestion("big.example.", dns.TypeTXT)

	resp, _, err := c.Exchange(m, addr)
	require.NoError(t, err)
	require.True(t, resp.Truncated)

	packed, err := resp.Pack()
	require.NoError(t, err)
	require.LessOrEqual(t, len(packed), dns.MinMsgSize)
}

func TestMaxUDPSizeHonorsEDNS0(t *testing.T) {
	plain := new(dns.Msg)
	plain.SetQuestion("example.com.", dns.TypeA)
	require.Equal(t, dns.MinMsgSize, maxUDPSize(plain))

	withEDNS := new(dns.Msg)
	withEDNS.SetQuestion("example.com.", dns.TypeA)
	withEDNS.SetEdns0(4096, false)
	require.Equal(t, 4096, maxUDPSize(withEDNS))
}
