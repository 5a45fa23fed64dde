// Package direct implements the Direct egress provider: traffic dialed
// straight out the real network interface, bypassing the TUN device and any
// proxy.
package direct

import (
	"context"
	"net"

	"sazanami/internal/core"
)

// Provider is always up — there is no handshake or remote endpoint to
// connect to, so Connect/Disconnect only flip the reported state.
type Provider struct {
	state core.TunnelState
}

// New creates a Direct provider.
func New() *Provider {
	return &Provider{state: core.TunnelStateUp}
}

func (p *Provider) Connect(_ context.Context) error {
	p.state = core.TunnelStateUp
	core.Log.Infof("DIRECT", "provider ready")
	return nil
}

func (p *Provider) Disconnect() error {
	p.state = core.TunnelStateDown
	core.Log.Infof("DIRECT", "provider stopped")
	return nil
}

func (p *Provider) State() core.TunnelState { return p.state }

// DialTCP dials addr over a plain net.Dialer.
func (p *Provider) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp4", addr)
}

// DialUDP dials a connected UDP socket to addr.
func (p *Provider) DialUDP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "udp4", addr)
}

func (p *Provider) Name() string     { return "DIRECT" }
func (p *Provider) Protocol() string { return "direct" }
