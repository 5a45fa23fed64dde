// Package shadowsocks implements the Shadowsocks egress provider using
// sing-shadowsocks' AEAD ciphers.
package shadowsocks

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	shadowsocks "github.com/sagernet/sing-shadowsocks"
	"github.com/sagernet/sing-shadowsocks/shadowaead"
	"github.com/sagernet/sing-shadowsocks/shadowaead_2022"
	"github.com/sagernet/sing/common/bufio"
	M "github.com/sagernet/sing/common/metadata"

	"sazanami/internal/core"
)

// Config holds the Shadowsocks-specific fields of core.ProxyServer.
type Config struct {
	Endpoint string
	Method   string
	Password string
}

// Provider routes traffic through a Shadowsocks server. The AEAD cipher
// constructs a fresh encrypted stream per TCP connection and a fresh
// encrypted session per UDP flow; there is no persistent session with the
// server, so Connect only reaches the server once to fail fast on an
// unreachable host. The probe is a plain TCP dial; it does not check the
// method or password.
type Provider struct {
	mu     sync.RWMutex
	config Config
	state  core.TunnelState
	name   string
	method shadowsocks.Method
}

// New builds a Shadowsocks provider for the given method/password.
func New(name string, cfg Config) (*Provider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("shadowsocks: endpoint is required")
	}
	method, err := newMethod(cfg.Method, cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("shadowsocks: %w", err)
	}
	return &Provider{config: cfg, name: name, state: core.TunnelStateDown, method: method}, nil
}

func newMethod(method, password string) (shadowsocks.Method, error) {
	switch {
	case method == "":
		return nil, fmt.Errorf("cipher method is required")
	case is2022Method(method):
		return shadowaead_2022.NewWithPassword(method, password, nil)
	default:
		return shadowaead.New(method, []byte(password))
	}
}

func is2022Method(method string) bool {
	return len(method) >= 5 && method[:5] == "2022-"
}

// Connect probes the server with a real TCP handshake so misconfiguration
// surfaces at startup instead of on first use.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = core.TunnelStateConnecting
	d := net.Dialer{Timeout: 10 * time.Second}
	probe, err := d.DialContext(ctx, "tcp", p.config.Endpoint)
	if err != nil {
		p.state = core.TunnelStateError
		return fmt.Errorf("shadowsocks: server unreachable at %s: %w", p.config.Endpoint, err)
	}
	probe.Close()

	p.state = core.TunnelStateUp
	core.Log.Infof("SHADOWSOCKS", "%q is up (server=%s, method=%s)", p.name, p.config.Endpoint, p.config.Method)
	return nil
}

func (p *Provider) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = core.TunnelStateDown
	core.Log.Infof("SHADOWSOCKS", "%q disconnected", p.name)
	return nil
}

func (p *Provider) State() core.TunnelState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// DialTCP opens a fresh TCP connection to the server and wraps it in the
// Shadowsocks AEAD stream cipher addressed at addr.
func (p *Provider) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	if p.State() != core.TunnelStateUp {
		return nil, fmt.Errorf("shadowsocks: %q is not up", p.name)
	}

	d := net.Dialer{}
	raw, err := d.DialContext(ctx, "tcp", p.config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("shadowsocks: dial server: %w", err)
	}

	dest := M.ParseSocksaddr(addr)
	conn, err := p.method.DialEarlyConn(raw, dest)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("shadowsocks: wrap stream: %w", err)
	}
	return conn, nil
}

// DialUDP opens a UDP socket to the server and wraps it in the Shadowsocks
// AEAD packet cipher, addressed at addr for every datagram sent.
func (p *Provider) DialUDP(ctx context.Context, addr string) (net.Conn, error) {
	if p.State() != core.TunnelStateUp {
		return nil, fmt.Errorf("shadowsocks: %q is not up", p.name)
	}

	d := net.Dialer{}
	raw, err := d.DialContext(ctx, "udp", p.config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("shadowsocks: dial server: %w", err)
	}

	dest := M.ParseSocksaddr(addr)
	pc := p.method.DialPacketConn(raw)
	return bufio.NewBindPacketConn(pc, dest), nil
}

func (p *Provider) Name() string     { return p.name }
func (p *Provider) Protocol() string { return "shadowsocks" }
