// Package fakedns implements the fake-DNS resolver: A-record queries are
// answered with a short-lived virtual IP allocated from the IP pool and
// bound to the queried domain; every other query type is forwarded to a
// real upstream resolver untouched.
package fakedns

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"

	"sazanami/internal/core"
	"sazanami/internal/ipam"
)

// FakeTTL is the TTL stamped on synthesized A records. It is deliberately
// short: the store's binding, not the client's cache, is the source of
// truth for how long a VIP stays live, and a short TTL keeps clients
// re-querying often enough that a GC'd binding doesn't strand traffic. The
// store GC interval is driven by this same constant.
const FakeTTL = 2 * time.Second

// Server is a UDP DNS listener that synthesizes A records from the IP pool
// and otherwise proxies to upstream resolvers.
type Server struct {
	store     *ipam.Store
	upstreams []string
	timeout   time.Duration
	listenAt  string

	pc  net.PacketConn
	ctx context.Context
}

// New creates a fake-DNS server. upstreams must be non-empty; the first to
// answer within timeout wins each forwarded query.
func New(store *ipam.Store, upstreams []string, timeout time.Duration, listenAt string) *Server {
	return &Server{store: store, upstreams: upstreams, timeout: timeout, listenAt: listenAt}
}

// Run listens until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	pc, err := net.ListenPacket("udp", s.listenAt)
	if err != nil {
		return err
	}
	s.pc = pc
	s.ctx = ctx

	go func() {
		<-ctx.Done()
		pc.Close()
	}()

	buf := make([]byte, 65535)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			s.replyFormErr(pc, addr, buf[:n])
			continue
		}

		reqCopy := msg.Copy()
		go s.handle(reqCopy, pc, addr)
	}
}

// maxUDPSize reports the largest response req's sender will accept over
// UDP: the EDNS0 advertised buffer size if present, or the plain DNS limit
// of 512 bytes otherwise (RFC 1035 §4.2.1).
func maxUDPSize(req *dns.Msg) int {
	if opt := req.IsEdns0(); opt != nil {
		if size := int(opt.UDPSize()); size > dns.MinMsgSize {
			return size
		}
	}
	return dns.MinMsgSize
}

func (s *Server) handle(req *dns.Msg, pc net.PacketConn, addr net.Addr) {
	limit := maxUDPSize(req)

	if len(req.Question) != 1 {
		s.writeMsg(pc, addr, errorResponse(req, dns.RcodeFormatError), limit)
		return
	}
	q := req.Question[0]

	if q.Qtype == dns.TypeA && q.Qclass == dns.ClassINET {
		resp, err := s.synthesizeA(req, q)
		if err != nil {
			core.Log.Warnf("FAKEDNS", "synthesize %s: %v", q.Name, err)
			s.writeMsg(pc, addr, errorResponse(req, dns.RcodeServerFailure), limit)
			return
		}
		s.writeMsg(pc, addr, resp, limit)
		return
	}

	resp, err := s.forward(req)
	if err != nil {
		core.Log.Debugf("FAKEDNS", "forward %s (type %d): %v", q.Name, q.Qtype, err)
		s.writeMsg(pc, addr, errorResponse(req, dns.RcodeServerFailure), limit)
		return
	}
	s.writeMsg(pc, addr, resp, limit)
}

func (s *Server) synthesizeA(req *dns.Msg, q dns.Question) (*dns.Msg, error) {
	domain := normalizeDomain(q.Name)
	vip, err := s.store.InsertOrRefresh(domain, FakeTTL)
	if err != nil {
		return nil, err
	}

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true
	resp.Answer = append(resp.Answer, &dns.A{
		Hdr: dns.RR_Header{
			Name:   q.Name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    uint32(FakeTTL.Seconds()),
		},
		A: net.IPv4(vip[0], vip[1], vip[2], vip[3]),
	})
	return resp, nil
}

// forward relays a non-A query to the first upstream that answers within
// timeout. This path never touches the fake-IP store: resolving any query
// through the fake-DNS pipeline itself would feed synthesized answers back
// into the resolver they came from.
func (s *Server) forward(req *dns.Msg) (*dns.Msg, error) {
	// Read buffer sized for the largest DNS message, so an oversized upstream
	// answer is received whole and truncated by writeMsg for the client.
	client := &dns.Client{Timeout: s.timeout, UDPSize: dns.MaxMsgSize}

	var lastErr error
	for _, upstream := range s.upstreams {
		resp, _, err := client.Exchange(req, upstream)
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = core.ErrDNSUpstreamFail
	}
	return nil, lastErr
}

// writeMsg packs and sends msg, truncating per RFC 1035 §4.1.1 (the TC bit)
// when the packed message exceeds limit bytes — oversized answers are
// trimmed rather than dropped, so the client retries over TCP instead of
// timing out.
func (s *Server) writeMsg(pc net.PacketConn, addr net.Addr, msg *dns.Msg, limit int) {
	msg.Truncate(limit)

	packed, err := msg.Pack()
	if err != nil {
		core.Log.Warnf("FAKEDNS", "pack response: %v", err)
		return
	}
	if _, err := pc.WriteTo(packed, addr); err != nil {
		core.Log.Debugf("FAKEDNS", "write response to %s: %v", addr, err)
	}
}

func (s *Server) replyFormErr(pc net.PacketConn, addr net.Addr, raw []byte) {
	if len(raw) < 2 {
		return
	}
	resp := new(dns.Msg)
	resp.Id = uint16(raw[0])<<8 | uint16(raw[1])
	resp.Response = true
	resp.Rcode = dns.RcodeFormatError
	s.writeMsg(pc, addr, resp, dns.MinMsgSize)
}

func errorResponse(req *dns.Msg, rcode int) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(req, rcode)
	return resp
}

func normalizeDomain(qname string) string {
	name := dns.Fqdn(qname)
	return name[:len(name)-1]
}
