// Package rules implements the ordered rule engine that classifies a
// destination (domain, resolved IP, port) into Direct, Proxy(name), or
// Reject.
package rules

import (
	"fmt"
	"net/netip"
	"strings"

	"sazanami/internal/core"
)

// Engine holds the compiled, ordered rule list. Unlike the teacher's
// domain matcher, which ranks exact > suffix > keyword regardless of
// declaration order, Classify walks the list exactly as declared: the
// first rule whose category applies and whose value matches wins. Users
// express priority purely by ordering their rule list.
type Engine struct {
	rules []compiledRule
	geo   geoIPTable
}

// NewEngine compiles rule strings in order. geoipPath may be empty when no
// GEOIP rule is present; it is only opened if at least one GEOIP rule
// requires it. Any parse failure is returned wrapped in ErrConfigInvalid,
// which callers must treat as fatal at config load.
func NewEngine(ruleStrings []string, geoipPath string) (*Engine, error) {
	e := &Engine{}
	needsGeo := false

	for i, s := range ruleStrings {
		r, err := parseRule(s)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if r.kind == KindMatch && i != len(ruleStrings)-1 {
			return nil, fmt.Errorf("%w: MATCH rule %q must be last", core.ErrConfigInvalid, s)
		}
		if r.kind == KindGeoIP {
			needsGeo = true
		}
		e.rules = append(e.rules, r)
	}

	if needsGeo {
		if geoipPath == "" {
			return nil, fmt.Errorf("%w: GEOIP rule present but no geoip database configured", core.ErrConfigInvalid)
		}
		table, err := loadGeoIPTable(geoipPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
		}
		e.geo = table
	}

	return e, nil
}

// Classify maps a target to an egress Action. domain may be empty (direct-IP
// traffic, or a VIP with no known binding); ip must be valid whenever domain
// is empty so IP-based rules have something to test against.
func (e *Engine) Classify(domain string, ip netip.Addr, port uint16) (Action, error) {
	hasDomain := domain != ""
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	for _, r := range e.rules {
		switch r.kind {
		case KindMatch:
			return r.action, nil

		case KindDomain:
			if hasDomain && domain == r.value {
				return r.action, nil
			}

		case KindDomainSuffix:
			if hasDomain && (domain == r.value || strings.HasSuffix(domain, "."+r.value)) {
				return r.action, nil
			}

		case KindDomainKeyword:
			if hasDomain && strings.Contains(domain, r.value) {
				return r.action, nil
			}

		case KindIPCidr:
			if !hasDomain && ip.Is4() && cidrContains(ip.As4(), r.cidr, r.bits) {
				return r.action, nil
			}

		case KindGeoIP:
			if !hasDomain && ip.Is4() && e.geo.contains(r.value, ip.As4()) {
				return r.action, nil
			}
		}
	}

	return Action{}, core.ErrRuleNoMatch
}
