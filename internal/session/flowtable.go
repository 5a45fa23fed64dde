// Package session implements the Session Manager: a per-flow NAT table
// keyed by (protocol, client port) that remembers each outbound flow's true
// destination so the router can rewrite packets to and from the local
// proxy, and the dispatcher can recover the original target on accept.
package session

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Proto distinguishes the TCP and UDP flow tables.
type Proto int

const (
	TCP Proto = iota
	UDP
)

// tcpGraceSeconds is the 2×MSL-equivalent grace period after a FIN/RST is
// observed before a TCP session is actually removed.
const tcpGraceSeconds = 4

// tcpIdleSeconds is the fallback idle timeout for TCP flows that are never
// observed to close cleanly (e.g. the client vanished without a FIN).
const tcpIdleSeconds = 300

// udpIdleSeconds is the normal UDP idle timeout; udpDNSIdleSeconds is the
// shorter timeout applied to flows whose original destination port is 53,
// which churn far faster than general UDP traffic.
const (
	udpIdleSeconds    = 120
	udpDNSIdleSeconds = 10
)

// Session records one outbound flow's original destination.
type Session struct {
	ID              string // uuid assigned at creation; not used for lookup and not logged
	OriginalDstIP   netip.Addr
	OriginalDstPort uint16

	lastActivity int64 // atomic; unix seconds
	closing      atomic.Bool
	closedAt     int64 // atomic; unix seconds when MarkClosing was first called
}

func (s *Session) touch(now int64) {
	atomic.StoreInt64(&s.lastActivity, now)
}

const numShards = 64

type shard struct {
	mu sync.RWMutex
	m  map[uint16]*Session
}

func shardIndex(port uint16) uint32 {
	// FNV-1a over the 2-byte port, masked to the shard count — same idiom
	// used for the NAT shard selection this table generalizes.
	h := uint32(2166136261)
	h = (h ^ uint32(byte(port>>8))) * 16777619
	h = (h ^ uint32(byte(port))) * 16777619
	return h & (numShards - 1)
}

// FlowTable is the Session Manager: one sharded map per protocol, keyed by
// client source port. The hot path (Upsert on packet ingress) holds a
// shard's lock only for the map write itself, never across packet rewriting
// or I/O.
type FlowTable struct {
	tcp [numShards]shard
	udp [numShards]shard

	nowSec atomic.Int64
}

// New creates an initialized, empty flow table.
func New() *FlowTable {
	ft := &FlowTable{}
	for i := range ft.tcp {
		ft.tcp[i].m = make(map[uint16]*Session)
	}
	for i := range ft.udp {
		ft.udp[i].m = make(map[uint16]*Session)
	}
	ft.nowSec.Store(time.Now().Unix())
	return ft
}

func (ft *FlowTable) table(proto Proto) *[numShards]shard {
	if proto == TCP {
		return &ft.tcp
	}
	return &ft.udp
}

// StartTimestampUpdater refreshes the cached Unix clock every 250ms so hot
// path code never calls time.Now() directly.
func (ft *FlowTable) StartTimestampUpdater(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ft.nowSec.Store(time.Now().Unix())
			}
		}
	}()
}

// NowSec returns the cached Unix timestamp.
func (ft *FlowTable) NowSec() int64 { return ft.nowSec.Load() }

// Upsert records the original destination for a flow identified by
// (proto, clientPort), creating the session on first observation and
// refreshing last-activity on every subsequent packet.
func (ft *FlowTable) Upsert(proto Proto, clientPort uint16, dstIP netip.Addr, dstPort uint16) {
	tbl := ft.table(proto)
	sh := &tbl[shardIndex(clientPort)]
	now := ft.NowSec()

	sh.mu.Lock()
	if s, ok := sh.m[clientPort]; ok {
		s.OriginalDstIP = dstIP
		s.OriginalDstPort = dstPort
		s.touch(now)
	} else {
		sh.m[clientPort] = &Session{
			ID:              uuid.NewString(),
			OriginalDstIP:   dstIP,
			OriginalDstPort: dstPort,
			lastActivity:    now,
		}
	}
	sh.mu.Unlock()
}

// OriginalDstOf is the dispatcher's synchronous reverse lookup: "what is
// the true destination of the flow on client port p?"
func (ft *FlowTable) OriginalDstOf(proto Proto, clientPort uint16) (netip.Addr, uint16, bool) {
	tbl := ft.table(proto)
	sh := &tbl[shardIndex(clientPort)]
	sh.mu.RLock()
	s, ok := sh.m[clientPort]
	sh.mu.RUnlock()
	if !ok {
		return netip.Addr{}, 0, false
	}
	return s.OriginalDstIP, s.OriginalDstPort, true
}

// Touch refreshes a session's last-activity timestamp without changing its
// recorded destination. Called by the router on each forwarded packet that
// is not a FIN/RST, and by the dispatcher on each UDP datagram it relays.
func (ft *FlowTable) Touch(proto Proto, clientPort uint16) {
	tbl := ft.table(proto)
	sh := &tbl[shardIndex(clientPort)]
	sh.mu.RLock()
	s, ok := sh.m[clientPort]
	sh.mu.RUnlock()
	if ok {
		s.touch(ft.NowSec())
	}
}

// MarkClosing records that the router observed a FIN or RST for this TCP
// session. The entry is not removed immediately — cleanup reaps it after
// tcpGraceSeconds so a straggling retransmit still finds a session.
func (ft *FlowTable) MarkClosing(clientPort uint16) {
	sh := &ft.tcp[shardIndex(clientPort)]
	sh.mu.RLock()
	s, ok := sh.m[clientPort]
	sh.mu.RUnlock()
	if !ok {
		return
	}
	if s.closing.CompareAndSwap(false, true) {
		atomic.StoreInt64(&s.closedAt, ft.NowSec())
	}
}

// Delete removes a session outright, without waiting for a grace period or
// idle timeout.
func (ft *FlowTable) Delete(proto Proto, clientPort uint16) {
	tbl := ft.table(proto)
	sh := &tbl[shardIndex(clientPort)]
	sh.mu.Lock()
	delete(sh.m, clientPort)
	sh.mu.Unlock()
}

// StartTCPCleanup periodically removes TCP sessions that are closing and
// past their grace period, or that have gone idle without ever closing
// cleanly.
func (ft *FlowTable) StartTCPCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ft.reapTCP()
			}
		}
	}()
}

func (ft *FlowTable) reapTCP() {
	now := ft.NowSec()
	for i := range ft.tcp {
		sh := &ft.tcp[i]
		var stale []uint16
		sh.mu.RLock()
		for port, s := range sh.m {
			if s.closing.Load() {
				if now-atomic.LoadInt64(&s.closedAt) >= tcpGraceSeconds {
					stale = append(stale, port)
				}
				continue
			}
			if now-atomic.LoadInt64(&s.lastActivity) >= tcpIdleSeconds {
				stale = append(stale, port)
			}
		}
		sh.mu.RUnlock()

		if len(stale) > 0 {
			sh.mu.Lock()
			for _, port := range stale {
				delete(sh.m, port)
			}
			sh.mu.Unlock()
		}
	}
}

// StartUDPCleanup periodically removes idle UDP sessions. Flows whose
// original destination was port 53 use a much shorter timeout since DNS
// request/response pairs complete in milliseconds.
func (ft *FlowTable) StartUDPCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ft.reapUDP()
			}
		}
	}()
}

func (ft *FlowTable) reapUDP() {
	now := ft.NowSec()
	for i := range ft.udp {
		sh := &ft.udp[i]
		var stale []uint16
		sh.mu.RLock()
		for port, s := range sh.m {
			timeout := int64(udpIdleSeconds)
			if s.OriginalDstPort == 53 {
				timeout = udpDNSIdleSeconds
			}
			if now-atomic.LoadInt64(&s.lastActivity) >= timeout {
				stale = append(stale, port)
			}
		}
		sh.mu.RUnlock()

		if len(stale) > 0 {
			sh.mu.Lock()
			for _, port := range stale {
				delete(sh.m, port)
			}
			sh.mu.Unlock()
		}
	}
}
