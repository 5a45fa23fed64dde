package ipam

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sazanami/internal/core"
)

func newTestStore(t *testing.T, cidr string) *Store {
	t.Helper()
	pool, err := NewPool(cidr, netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	return NewStore(pool)
}

func TestStoreForwardReverseAreInverses(t *testing.T) {
	s := newTestStore(t, "10.0.0.0/24")

	ip, err := s.InsertOrRefresh("example.com", time.Minute)
	require.NoError(t, err)

	gotIP, ok := s.LookupIP("example.com")
	require.True(t, ok)
	require.Equal(t, ip, gotIP)

	gotDomain, ok := s.LookupDomain(ip)
	require.True(t, ok)
	require.Equal(t, "example.com", gotDomain)
}

func TestStoreRefreshReturnsSameIP(t *testing.T) {
	s := newTestStore(t, "10.0.0.0/24")

	ip1, err := s.InsertOrRefresh("example.com", 50*time.Millisecond)
	require.NoError(t, err)
	ip2, err := s.InsertOrRefresh("example.com", time.Minute)
	require.NoError(t, err)
	require.Equal(t, ip1, ip2)
}

func TestStoreGCIsMonotone(t *testing.T) {
	s := newTestStore(t, "10.0.0.0/30") // 1 usable address once the gateway is pinned

	_, err := s.InsertOrRefresh("a.example.com", 10*time.Millisecond)
	require.NoError(t, err)

	t1 := time.Now()
	removedAtT1 := s.GC(t1)

	time.Sleep(20 * time.Millisecond)
	t2 := time.Now()
	removedAtT2 := s.GC(t2)

	require.GreaterOrEqual(t, removedAtT2, removedAtT1)

	_, ok := s.LookupIP("a.example.com")
	require.False(t, ok)
}

func TestStorePoolExhaustionSurfaced(t *testing.T) {
	s := newTestStore(t, "10.0.0.0/30") // 2 usable addresses minus gateway

	_, err := s.InsertOrRefresh("a.example.com", time.Minute)
	require.NoError(t, err)
	_, err = s.InsertOrRefresh("b.example.com", time.Minute)
	require.ErrorIs(t, err, core.ErrPoolExhausted)
}
