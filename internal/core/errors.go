package core

import "errors"

// Error kinds surfaced to operators (see spec §7). Per-flow errors never
// tear down the process; only acquisition of core resources (TUN,
// listeners) is fatal.
var (
	// ErrConfigInvalid marks a malformed config file, unknown rule type, or
	// duration parse failure. Fatal at startup.
	ErrConfigInvalid = errors.New("sazanami: invalid configuration")

	// ErrTunUnavailable marks a failure to create or open the TUN device.
	// Fatal at startup.
	ErrTunUnavailable = errors.New("sazanami: tun device unavailable")

	// ErrDNSUpstreamFail marks that all upstream DNS servers timed out or
	// refused a query. Recovered per-query by returning SERVFAIL.
	ErrDNSUpstreamFail = errors.New("sazanami: all dns upstreams failed")

	// ErrPoolExhausted marks that the fake-IP pool has no free address left.
	// Fake DNS responds SERVFAIL to the triggering query.
	ErrPoolExhausted = errors.New("sazanami: fake ip pool exhausted")

	// ErrSessionMissing marks a proxy accept whose source port has no
	// matching session. The connection is closed with no bytes sent.
	ErrSessionMissing = errors.New("sazanami: no session for source port")

	// ErrEgressDialFail marks a failed egress dial after exhausting retries.
	ErrEgressDialFail = errors.New("sazanami: egress dial failed")

	// ErrEgressTimeout marks an idle read/write timeout on a bridged
	// connection.
	ErrEgressTimeout = errors.New("sazanami: egress idle timeout")

	// ErrRuleNoMatch marks that the rule engine found no matching rule.
	// Treated as Direct by callers.
	ErrRuleNoMatch = errors.New("sazanami: no rule matched")
)
