// Package proxy implements the Proxy Dispatcher: it accepts the
// TUN-redirected TCP and UDP flows the router NATs to the local listener,
// recovers each flow's true destination, classifies it, and forwards it
// through the matching egress provider.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"sazanami/internal/core"
	"sazanami/internal/ipam"
	"sazanami/internal/provider"
	"sazanami/internal/rules"
	"sazanami/internal/session"
)

// Dispatcher owns the local TCP and UDP listeners the router redirects NAT'd
// flows to.
type Dispatcher struct {
	listenIP netip.Addr
	tcpPort  uint16
	udpPort  uint16

	sessions  *session.FlowTable
	store     *ipam.Store
	engine    *rules.Engine
	providers *provider.Registry
	resolver  *resolveCache

	connectTimeout time.Duration
	connectRetries int
	readTimeout    time.Duration
	writeTimeout   time.Duration

	tcpLn net.Listener
	udpPC net.PacketConn

	udpMu    sync.Mutex
	udpFlows map[uint16]*udpFlow

	wg sync.WaitGroup
}

// Config bundles the Dispatcher's tunables, mirrored from core.Config.
type Config struct {
	ListenIP       netip.Addr
	TCPPort        uint16
	UDPPort        uint16
	Upstreams      []string
	ConnectTimeout time.Duration
	ConnectRetries uint8
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// New builds a Dispatcher. The resolve cache clamps upstream TTLs to
// [30s, 5m].
func New(cfg Config, sessions *session.FlowTable, store *ipam.Store, engine *rules.Engine, providers *provider.Registry) *Dispatcher {
	return &Dispatcher{
		listenIP:       cfg.ListenIP,
		tcpPort:        cfg.TCPPort,
		udpPort:        cfg.UDPPort,
		sessions:       sessions,
		store:          store,
		engine:         engine,
		providers:      providers,
		resolver:       newResolveCache(cfg.Upstreams, 30*time.Second, 5*time.Minute),
		connectTimeout: cfg.ConnectTimeout,
		connectRetries: int(cfg.ConnectRetries),
		readTimeout:    cfg.ReadTimeout,
		writeTimeout:   cfg.WriteTimeout,
		udpFlows:       make(map[uint16]*udpFlow),
	}
}

// Run starts the TCP and UDP listeners and blocks until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	tcpAddr := net.JoinHostPort(d.listenIP.String(), strconv.Itoa(int(d.tcpPort)))
	ln, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("dispatcher: listen tcp %s: %w", tcpAddr, err)
	}
	d.tcpLn = ln

	udpAddr := net.JoinHostPort(d.listenIP.String(), strconv.Itoa(int(d.udpPort)))
	pc, err := net.ListenPacket("udp", udpAddr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("dispatcher: listen udp %s: %w", udpAddr, err)
	}
	d.udpPC = pc

	d.resolver.startCleanup(ctx, time.Minute)

	d.wg.Add(2)
	go d.acceptTCP(ctx)
	go d.readUDP(ctx)

	core.Log.Infof("DISPATCHER", "listening tcp=%s udp=%s", tcpAddr, udpAddr)

	<-ctx.Done()
	ln.Close()
	pc.Close()
	d.wg.Wait()
	return nil
}

func (d *Dispatcher) acceptTCP(ctx context.Context) {
	defer d.wg.Done()
	for {
		conn, err := d.tcpLn.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				core.Log.Warnf("DISPATCHER", "accept: %v", err)
				continue
			}
		}
		go d.handleTCP(ctx, conn)
	}
}

func (d *Dispatcher) handleTCP(ctx context.Context, client net.Conn) {
	defer client.Close()

	clientPort, ok := peerPort(client.RemoteAddr())
	if !ok {
		return
	}

	vip, vport, ok := d.sessions.OriginalDstOf(session.TCP, clientPort)
	if !ok {
		core.Log.Debugf("DISPATCHER", "no session for client port %d", clientPort)
		return
	}

	domain, target, err := d.resolveTarget(ctx, vip)
	if err != nil {
		core.Log.Warnf("DISPATCHER", "resolve %s: %v", vip, err)
		return
	}

	if domain == "" && vport == 443 {
		sni, peeked := sniffSNI(client)
		if sni != "" {
			domain = sni
		}
		if len(peeked) > 0 {
			client = &prefixedConn{Conn: client, prefix: peeked}
		}
	}

	action, err := d.engine.Classify(domain, target, vport)
	if err != nil {
		if !errors.Is(err, core.ErrRuleNoMatch) {
			core.Log.Debugf("DISPATCHER", "classify %s:%d: %v", domain, vport, err)
			return
		}
		action = rules.Action{Kind: rules.ActionDirect}
	}
	if action.Kind == rules.ActionReject {
		return
	}

	prov, err := d.providerFor(action)
	if err != nil {
		core.Log.Warnf("DISPATCHER", "%v", err)
		return
	}

	addr := net.JoinHostPort(target.String(), strconv.Itoa(int(vport)))
	upstream, err := d.dialWithRetries(ctx, prov, addr, false)
	if err != nil {
		core.Log.Warnf("DISPATCHER", "dial %s via %s: %v", addr, prov.Name(), err)
		return
	}
	defer upstream.Close()

	var fwg sync.WaitGroup
	fwg.Add(2)
	go d.pipe(client, upstream, &fwg)
	go d.pipe(upstream, client, &fwg)
	fwg.Wait()
}

// resolveTarget turns a flow's recorded virtual destination into (domain,
// real IP). If the store has no binding for vip, the flow was a direct-IP
// connection to begin with and vip is already the real address.
func (d *Dispatcher) resolveTarget(ctx context.Context, vip netip.Addr) (string, netip.Addr, error) {
	domain, ok := d.store.LookupDomain(vip.As4())
	if !ok {
		return "", vip, nil
	}
	real, err := d.resolver.resolve(ctx, domain)
	if err != nil {
		return domain, netip.Addr{}, err
	}
	return domain, real, nil
}

func (d *Dispatcher) providerFor(a rules.Action) (provider.Provider, error) {
	name := "DIRECT"
	if a.Kind == rules.ActionProxy {
		name = a.ProxyName
	}
	return d.providers.Get(name)
}

func (d *Dispatcher) dialWithRetries(ctx context.Context, p provider.Provider, addr string, udp bool) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt <= d.connectRetries; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, d.connectTimeout)
		var conn net.Conn
		var err error
		if udp {
			conn, err = p.DialUDP(dialCtx, addr)
		} else {
			conn, err = p.DialTCP(dialCtx, addr)
		}
		cancel()
		if err == nil {
			return conn, nil
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", core.ErrEgressDialFail, lastErr)
}

func (d *Dispatcher) pipe(dst, src net.Conn, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 32*1024)

	for {
		if d.readTimeout > 0 {
			src.SetReadDeadline(time.Now().Add(d.readTimeout))
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if d.writeTimeout > 0 {
				dst.SetWriteDeadline(time.Now().Add(d.writeTimeout))
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				break
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				core.Log.Debugf("DISPATCHER", "forward: %v", rerr)
			}
			break
		}
	}

	if tc, ok := dst.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	if tc, ok := src.(*net.TCPConn); ok {
		tc.CloseRead()
	}
}

func peerPort(addr net.Addr) (uint16, bool) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if ok {
		return uint16(tcpAddr.Port), true
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if ok {
		return uint16(udpAddr.Port), true
	}
	return 0, false
}
