package proxy

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"

	"sazanami/internal/core"
)

// resolveEntry is one cached upstream answer.
type resolveEntry struct {
	ip        netip.Addr
	expiresAt time.Time
}

// resolveCache is a small TTL cache of upstream A-record lookups, sitting in
// front of the dispatcher's egress classification. It exists so every
// dialed connection re-resolves its domain against a real upstream
// resolver rather than the fake-DNS store — feeding a fake answer back into
// the classifier would just resolve to the VIP that got us here.
//
// Each entry's lifetime is the upstream record's own TTL, clamped to
// [minTTL, maxTTL]: a short-lived record isn't allowed to force a
// re-resolve on every dial, and a long-lived one can't pin a stale answer
// past maxTTL.
type resolveCache struct {
	mu      sync.RWMutex
	entries map[string]resolveEntry

	client    *dns.Client
	upstreams []string
	minTTL    time.Duration
	maxTTL    time.Duration
}

func newResolveCache(upstreams []string, minTTL, maxTTL time.Duration) *resolveCache {
	return &resolveCache{
		entries:   make(map[string]resolveEntry),
		client:    &dns.Client{Timeout: 5 * time.Second},
		upstreams: upstreams,
		minTTL:    minTTL,
		maxTTL:    maxTTL,
	}
}

// resolve returns a real IPv4 address for domain, using the cache when
// fresh and falling back to an upstream A lookup on miss.
func (c *resolveCache) resolve(ctx context.Context, domain string) (netip.Addr, error) {
	now := time.Now()

	c.mu.RLock()
	e, ok := c.entries[domain]
	c.mu.RUnlock()
	if ok && now.Before(e.expiresAt) {
		return e.ip, nil
	}

	addr, ttl, err := c.lookup(ctx, domain)
	if err != nil {
		return netip.Addr{}, err
	}

	ttl = clampTTL(ttl, c.minTTL, c.maxTTL)
	c.mu.Lock()
	c.entries[domain] = resolveEntry{ip: addr, expiresAt: now.Add(ttl)}
	c.mu.Unlock()

	return addr, nil
}

// lookup queries the configured upstreams in order for domain's A record,
// returning the first answer's address and the upstream-reported TTL.
func (c *resolveCache) lookup(ctx context.Context, domain string) (netip.Addr, time.Duration, error) {
	if len(c.upstreams) == 0 {
		return netip.Addr{}, 0, core.ErrDNSUpstreamFail
	}

	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(domain), dns.TypeA)

	for _, upstream := range c.upstreams {
		resp, _, err := c.client.ExchangeContext(ctx, q, upstream)
		if err != nil {
			continue
		}
		for _, rr := range resp.Answer {
			a, ok := rr.(*dns.A)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(a.A.To4())
			if !ok {
				continue
			}
			return addr, time.Duration(a.Hdr.Ttl) * time.Second, nil
		}
	}
	return netip.Addr{}, 0, core.ErrDNSUpstreamFail
}

// clampTTL bounds an upstream-reported TTL to [min, max].
func clampTTL(ttl, minTTL, maxTTL time.Duration) time.Duration {
	if ttl < minTTL {
		return minTTL
	}
	if ttl > maxTTL {
		return maxTTL
	}
	return ttl
}

// startCleanup periodically drops expired entries.
func (c *resolveCache) startCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now()
				c.mu.Lock()
				for k, e := range c.entries {
					if now.After(e.expiresAt) {
						delete(c.entries, k)
					}
				}
				c.mu.Unlock()
			}
		}
	}()
}
