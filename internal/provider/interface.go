// Package provider defines the egress provider contract implemented by
// direct, socks5 and shadowsocks egress backends, and the registry the
// dispatcher uses to look one up by name.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"sazanami/internal/core"
)

// ErrUDPNotSupported is returned by providers that cannot carry UDP (plain
// SOCKS5 without UDP ASSOCIATE, for instance).
var ErrUDPNotSupported = errors.New("provider: UDP not supported")

// Provider is the contract every egress backend implements. Direct traffic
// and each configured proxy server are all Providers; the dispatcher treats
// them uniformly once a rule Action names one.
type Provider interface {
	Connect(ctx context.Context) error
	Disconnect() error
	State() core.TunnelState

	// DialTCP opens a TCP connection to addr through this provider.
	DialTCP(ctx context.Context, addr string) (net.Conn, error)

	// DialUDP opens a connected UDP "connection" to addr through this
	// provider. Each Write sends one datagram, each Read returns one.
	DialUDP(ctx context.Context, addr string) (net.Conn, error)

	Name() string
	Protocol() string
}

// Registry maps configured proxy names to their live Provider, plus the
// always-present "DIRECT" provider. Lookups are read-mostly after startup,
// so a RWMutex is enough.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider under name.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return p, nil
}

// ConnectAll calls Connect on every registered provider, collecting the
// first error but attempting every provider regardless.
func (r *Registry) ConnectAll(ctx context.Context) error {
	r.mu.RLock()
	snapshot := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		snapshot = append(snapshot, p)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, p := range snapshot {
		if err := p.Connect(ctx); err != nil {
			core.Log.Errorf("PROVIDER", "%s (%s) failed to connect: %v", p.Name(), p.Protocol(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// DisconnectAll tears down every registered provider.
func (r *Registry) DisconnectAll() {
	r.mu.RLock()
	snapshot := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		snapshot = append(snapshot, p)
	}
	r.mu.RUnlock()

	for _, p := range snapshot {
		if err := p.Disconnect(); err != nil {
			core.Log.Warnf("PROVIDER", "%s disconnect: %v", p.Name(), err)
		}
	}
}
