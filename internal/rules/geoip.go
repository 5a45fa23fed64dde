package rules

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
)

// geoIPTable maps an uppercase country code to the set of CIDRs filed under
// it. Loaded once from a local newline-delimited "COUNTRY,CIDR" file — no
// network fetch, unlike the teacher's geoip.dat downloader.
type geoIPTable map[string]*PrefixTrie

// loadGeoIPTable reads a COUNTRY,CIDR per line file into a country → trie
// table. Blank lines and lines starting with # are ignored.
func loadGeoIPTable(path string) (geoIPTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", path, err)
	}
	defer f.Close()

	table := make(geoIPTable)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ",", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("geoip: %s:%d: expected COUNTRY,CIDR", path, lineNo)
		}
		country := strings.ToUpper(strings.TrimSpace(parts[0]))
		cidr := strings.TrimSpace(parts[1])

		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("geoip: %s:%d: invalid cidr %q: %w", path, lineNo, cidr, err)
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue // IPv6 entries are out of scope (no IPv6 in the virtual pool)
		}
		var ip [4]byte
		copy(ip[:], ip4)
		ones, _ := ipNet.Mask.Size()

		trie, ok := table[country]
		if !ok {
			trie = NewPrefixTrie()
			table[country] = trie
		}
		trie.Insert(ip, ones)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("geoip: read %s: %w", path, err)
	}
	return table, nil
}

// contains reports whether ip falls within the named country's CIDR set.
func (t geoIPTable) contains(country string, ip [4]byte) bool {
	trie, ok := t[strings.ToUpper(country)]
	if !ok {
		return false
	}
	return trie.Contains(ip)
}
