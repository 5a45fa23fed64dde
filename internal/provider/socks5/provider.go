// Package socks5 implements the SOCKS5 egress provider.
package socks5

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"sazanami/internal/core"
	"sazanami/internal/provider"
)

// Config holds the fields of core.ProxyServer this provider understands.
type Config struct {
	Endpoint    string
	Username    string
	Password    string
	SupportsUDP bool
}

// Provider routes traffic through a SOCKS5 proxy via DialTCP/DialUDP.
type Provider struct {
	mu     sync.RWMutex
	config Config
	state  core.TunnelState
	name   string

	dialer proxy.Dialer
}

// New creates a SOCKS5 provider for the given endpoint ("host:port").
func New(name string, cfg Config) (*Provider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("socks5: endpoint is required")
	}
	return &Provider{config: cfg, name: name, state: core.TunnelStateDown}, nil
}

// Connect probes the SOCKS5 server is reachable and builds the dialer.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = core.TunnelStateConnecting
	core.Log.Infof("SOCKS5", "connecting %q to %s", p.name, p.config.Endpoint)

	var auth *proxy.Auth
	if p.config.Username != "" {
		auth = &proxy.Auth{User: p.config.Username, Password: p.config.Password}
	}

	dialer, err := proxy.SOCKS5("tcp", p.config.Endpoint, auth, proxy.Direct)
	if err != nil {
		p.state = core.TunnelStateError
		return fmt.Errorf("socks5: build dialer: %w", err)
	}

	d := net.Dialer{Timeout: 10 * time.Second}
	probe, err := d.DialContext(ctx, "tcp", p.config.Endpoint)
	if err != nil {
		p.state = core.TunnelStateError
		return fmt.Errorf("socks5: server unreachable at %s: %w", p.config.Endpoint, err)
	}
	probe.Close()

	p.dialer = dialer
	p.state = core.TunnelStateUp
	core.Log.Infof("SOCKS5", "%q is up (server=%s)", p.name, p.config.Endpoint)
	return nil
}

func (p *Provider) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialer = nil
	p.state = core.TunnelStateDown
	core.Log.Infof("SOCKS5", "%q disconnected", p.name)
	return nil
}

func (p *Provider) State() core.TunnelState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// DialTCP dials addr through the SOCKS5 server.
func (p *Provider) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	p.mu.RLock()
	state, dialer := p.state, p.dialer
	p.mu.RUnlock()

	if state != core.TunnelStateUp || dialer == nil {
		return nil, fmt.Errorf("socks5: %q is not up (state=%s)", p.name, state)
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return dialer.Dial("tcp", addr)
}

// DialUDP performs a SOCKS5 UDP ASSOCIATE and returns a net.Conn that
// transparently wraps/unwraps the per-datagram SOCKS5 header.
func (p *Provider) DialUDP(ctx context.Context, addr string) (net.Conn, error) {
	p.mu.RLock()
	state := p.state
	p.mu.RUnlock()

	if state != core.TunnelStateUp {
		return nil, fmt.Errorf("socks5: %q is not up (state=%s)", p.name, state)
	}
	if !p.config.SupportsUDP {
		return nil, provider.ErrUDPNotSupported
	}

	var auth *socks5Auth
	if p.config.Username != "" {
		auth = &socks5Auth{username: p.config.Username, password: p.config.Password}
	}
	return dialUDPAssociate(ctx, p.config.Endpoint, auth, addr)
}

func (p *Provider) Name() string     { return p.name }
func (p *Provider) Protocol() string { return "socks5" }
