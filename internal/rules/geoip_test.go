package rules

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"sazanami/internal/core"
)

func writeGeoIPFile(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "geoip.csv")
	content := strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestGeoIPRuleMatchesCountry(t *testing.T) {
	path := writeGeoIPFile(t, "US,93.184.216.0/24", "JP,203.0.113.0/24")

	e, err := NewEngine([]string{
		"GEOIP,US,exitnode",
		"MATCH,DIRECT",
	}, path)
	require.NoError(t, err)

	a, err := e.Classify("", netip.MustParseAddr("93.184.216.10"), 443)
	require.NoError(t, err)
	require.Equal(t, ActionProxy, a.Kind)
	require.Equal(t, "exitnode", a.ProxyName)

	a2, err := e.Classify("", netip.MustParseAddr("203.0.113.10"), 443)
	require.NoError(t, err)
	require.Equal(t, ActionDirect, a2.Kind)
}

func TestGeoIPRuleIgnoresDomainTargets(t *testing.T) {
	path := writeGeoIPFile(t, "US,93.184.216.0/24")

	e, err := NewEngine([]string{
		"GEOIP,US,exitnode",
		"MATCH,DIRECT",
	}, path)
	require.NoError(t, err)

	// A domain-carrying target never matches a GEOIP rule, even when its
	// resolved address falls inside the country's CIDR set.
	a, err := e.Classify("example.com", netip.MustParseAddr("93.184.216.10"), 443)
	require.NoError(t, err)
	require.Equal(t, ActionDirect, a.Kind)
}

func TestGeoIPRuleWithoutDatabaseIsRejected(t *testing.T) {
	_, err := NewEngine([]string{"GEOIP,US,exitnode", "MATCH,DIRECT"}, "")
	require.ErrorIs(t, err, core.ErrConfigInvalid)
}
