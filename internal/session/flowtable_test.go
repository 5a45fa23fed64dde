package session

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpsertThenOriginalDstOf(t *testing.T) {
	ft := New()
	vip := netip.MustParseAddr("10.0.0.5")

	ft.Upsert(TCP, 55123, vip, 443)
	ip, port, ok := ft.OriginalDstOf(TCP, 55123)
	require.True(t, ok)
	require.Equal(t, vip, ip)
	require.Equal(t, uint16(443), port)
}

func TestOriginalDstOfMissingIsNotFound(t *testing.T) {
	ft := New()
	_, _, ok := ft.OriginalDstOf(TCP, 1)
	require.False(t, ok)
}

// TestSessionEvictionAfterGrace exercises spec scenario S4: once a session
// is marked closing, it survives until its grace period elapses, then
// OriginalDstOf returns not-found.
func TestSessionEvictionAfterGrace(t *testing.T) {
	ft := New()
	vip := netip.MustParseAddr("10.0.0.9")
	ft.Upsert(TCP, 9000, vip, 443)

	ft.MarkClosing(9000)
	_, _, ok := ft.OriginalDstOf(TCP, 9000)
	require.True(t, ok, "session must survive until the grace period elapses")

	// Fast-forward the cached clock past the grace period and reap.
	ft.nowSec.Store(ft.NowSec() + tcpGraceSeconds + 1)
	ft.reapTCP()

	_, _, ok = ft.OriginalDstOf(TCP, 9000)
	require.False(t, ok)
}

func TestUDPSessionsIndependentOfTCP(t *testing.T) {
	ft := New()
	vip := netip.MustParseAddr("10.0.0.7")
	ft.Upsert(UDP, 4000, vip, 53)

	_, _, ok := ft.OriginalDstOf(TCP, 4000)
	require.False(t, ok, "TCP and UDP tables must not share state")

	_, _, ok = ft.OriginalDstOf(UDP, 4000)
	require.True(t, ok)
}
