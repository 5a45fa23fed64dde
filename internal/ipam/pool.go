// Package ipam implements the fake-IP pool and the domain↔IP store that
// sits in front of it.
package ipam

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"

	"sazanami/internal/core"
)

// Pool is a free list over an IPv4 CIDR, excluding the network address, the
// broadcast address, and the configured gateway. Acquisition is ascending
// and wraps; because reclaim is TTL-driven (see Store.GC), exhaustion is
// surfaced rather than papered over with LRU eviction — a full pool means
// the TTL is too generous for the churn it is seeing.
type Pool struct {
	mu sync.Mutex

	base     [4]byte // first assignable address (network + 1)
	size     uint32  // number of assignable addresses
	next     uint32  // ring-buffer cursor, offset from base
	held     map[[4]byte]bool
}

// NewPool builds a pool over cidr, reserving the network address, the
// broadcast address and gw (the TUN gateway) from circulation.
func NewPool(cidr string, gw netip.Addr) (*Pool, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid tun.cidr %q: %v", core.ErrConfigInvalid, cidr, err)
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("%w: tun.cidr %q is not IPv4", core.ErrConfigInvalid, cidr)
	}
	bits := prefix.Bits()
	if bits > 30 {
		return nil, fmt.Errorf("%w: tun.cidr %q too small, need at least /30", core.ErrConfigInvalid, cidr)
	}

	base4 := prefix.Addr().As4()
	total := uint32(1) << (32 - bits)

	p := &Pool{
		base: ipAdd(base4, 1),
		size: total - 2, // exclude network and broadcast
		held: make(map[[4]byte]bool),
	}
	if gw.Is4() {
		p.held[gw.As4()] = true // pin the gateway out of circulation permanently
	}
	return p, nil
}

// Acquire returns the next free address in ascending ring order. Fails with
// ErrPoolExhausted when every address in range is held.
func (p *Pool) Acquire() ([4]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := uint32(0); i < p.size; i++ {
		idx := (p.next + i) % p.size
		ip := ipAdd(p.base, idx)
		if !p.held[ip] {
			p.held[ip] = true
			p.next = (idx + 1) % p.size
			return ip, nil
		}
	}
	return [4]byte{}, core.ErrPoolExhausted
}

// Release returns addr to the pool. Releasing an address that is not
// currently held (or that lies outside the pool) is an idempotent no-op,
// logged at debug level.
func (p *Pool) Release(addr [4]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.held[addr] {
		core.Log.Debugf("IPAM", "release of unheld address %d.%d.%d.%d ignored",
			addr[0], addr[1], addr[2], addr[3])
		return
	}
	delete(p.held, addr)
}

// Held reports whether addr is currently allocated. Exposed for tests.
func (p *Pool) Held(addr [4]byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.held[addr]
}

func ipAdd(base [4]byte, offset uint32) [4]byte {
	v := binary.BigEndian.Uint32(base[:]) + offset
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], v)
	return out
}
