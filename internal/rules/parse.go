package rules

import (
	"fmt"
	"net"
	"strings"

	"sazanami/internal/core"
)

// Kind identifies a rule's match variant.
type Kind int

const (
	KindDomain Kind = iota
	KindDomainSuffix
	KindDomainKeyword
	KindIPCidr
	KindGeoIP
	KindMatch
)

// ActionKind identifies the outcome a matching rule produces.
type ActionKind int

const (
	ActionDirect ActionKind = iota
	ActionProxy
	ActionReject
)

// Action is the egress decision classify() produces.
type Action struct {
	Kind      ActionKind
	ProxyName string // set only when Kind == ActionProxy
}

func (a Action) String() string {
	switch a.Kind {
	case ActionDirect:
		return "DIRECT"
	case ActionReject:
		return "REJECT"
	case ActionProxy:
		return a.ProxyName
	default:
		return "UNKNOWN"
	}
}

// compiledRule is one parsed entry of the ordered rule list.
type compiledRule struct {
	kind   Kind
	value  string // lowercased domain / uppercased country code; empty for IP-CIDR and MATCH
	cidr   [4]byte
	bits   int
	action Action
}

// parseAction turns the trailing CSV field into an Action. "DIRECT" and
// "REJECT" are reserved keywords (case-insensitive); anything else is taken
// to be the name of a configured proxy server.
func parseAction(s string) Action {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DIRECT":
		return Action{Kind: ActionDirect}
	case "REJECT":
		return Action{Kind: ActionReject}
	default:
		return Action{Kind: ActionProxy, ProxyName: strings.TrimSpace(s)}
	}
}

// parseRule parses one "TYPE,VALUE,ACTION" or "MATCH,ACTION" rule string.
// Parse errors are rejected at config load as ErrConfigInvalid — see spec
// Open Question (b), which replaces the original's silent panic.
func parseRule(s string) (compiledRule, error) {
	fields := strings.Split(s, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if len(fields) == 0 || fields[0] == "" {
		return compiledRule{}, fmt.Errorf("%w: empty rule", core.ErrConfigInvalid)
	}

	typ := strings.ToUpper(fields[0])

	if typ == "MATCH" {
		if len(fields) != 2 {
			return compiledRule{}, fmt.Errorf("%w: MATCH rule %q must be MATCH,ACTION", core.ErrConfigInvalid, s)
		}
		return compiledRule{kind: KindMatch, action: parseAction(fields[1])}, nil
	}

	if len(fields) != 3 {
		return compiledRule{}, fmt.Errorf("%w: rule %q must be TYPE,VALUE,ACTION", core.ErrConfigInvalid, s)
	}
	value := fields[1]
	action := parseAction(fields[2])

	switch typ {
	case "DOMAIN":
		if value == "" {
			return compiledRule{}, fmt.Errorf("%w: DOMAIN rule %q missing value", core.ErrConfigInvalid, s)
		}
		return compiledRule{kind: KindDomain, value: strings.ToLower(value), action: action}, nil

	case "DOMAIN-SUFFIX":
		if value == "" {
			return compiledRule{}, fmt.Errorf("%w: DOMAIN-SUFFIX rule %q missing value", core.ErrConfigInvalid, s)
		}
		return compiledRule{kind: KindDomainSuffix, value: strings.ToLower(value), action: action}, nil

	case "DOMAIN-KEYWORD":
		if value == "" {
			return compiledRule{}, fmt.Errorf("%w: DOMAIN-KEYWORD rule %q missing value", core.ErrConfigInvalid, s)
		}
		return compiledRule{kind: KindDomainKeyword, value: strings.ToLower(value), action: action}, nil

	case "IP-CIDR":
		_, ipNet, err := net.ParseCIDR(value)
		if err != nil {
			return compiledRule{}, fmt.Errorf("%w: IP-CIDR rule %q: %v", core.ErrConfigInvalid, s, err)
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			return compiledRule{}, fmt.Errorf("%w: IP-CIDR rule %q is not IPv4", core.ErrConfigInvalid, s)
		}
		var ip [4]byte
		copy(ip[:], ip4)
		ones, _ := ipNet.Mask.Size()
		return compiledRule{kind: KindIPCidr, cidr: ip, bits: ones, action: action}, nil

	case "GEOIP":
		if value == "" {
			return compiledRule{}, fmt.Errorf("%w: GEOIP rule %q missing country code", core.ErrConfigInvalid, s)
		}
		return compiledRule{kind: KindGeoIP, value: strings.ToUpper(value), action: action}, nil

	default:
		return compiledRule{}, fmt.Errorf("%w: unknown rule type %q in %q", core.ErrConfigInvalid, fields[0], s)
	}
}
