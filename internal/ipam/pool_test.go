package ipam

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"sazanami/internal/core"
)

func TestPoolAcquireNoDuplicates(t *testing.T) {
	// Gateway outside the /30, so both 10.0.0.1 and 10.0.0.2 are assignable.
	pool, err := NewPool("10.0.0.0/30", netip.MustParseAddr("10.0.1.1"))
	require.NoError(t, err)

	a, err := pool.Acquire()
	require.NoError(t, err)
	b, err := pool.Acquire()
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	_, err = pool.Acquire()
	require.ErrorIs(t, err, core.ErrPoolExhausted)

	pool.Release(a)
	c, err := pool.Acquire()
	require.NoError(t, err)
	require.Equal(t, a, c)
}

func TestPoolReleaseUnheldIsNoop(t *testing.T) {
	pool, err := NewPool("10.0.0.0/29", netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	pool.Release([4]byte{10, 0, 0, 5}) // never acquired; must not panic or corrupt state

	ip, err := pool.Acquire()
	require.NoError(t, err)
	require.True(t, pool.Held(ip))
}

func TestPoolExcludesGateway(t *testing.T) {
	pool, err := NewPool("10.0.0.0/29", netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		ip, err := pool.Acquire()
		if err != nil {
			break
		}
		require.NotEqual(t, [4]byte{10, 0, 0, 1}, ip)
	}
}
