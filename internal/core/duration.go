package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with strict YAML string parsing: an integer
// followed by "s" or "ms". Unlike the upstream implementation this spec is
// ported from — which split digits from non-digits and panicked on an empty
// numeric part — parse failures are rejected at config load as
// ErrConfigInvalid, never a panic.
type Duration time.Duration

// ParseDuration parses strings of the form "<int>s" or "<int>ms". Any other
// suffix (including bare "2m") is rejected.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty duration", ErrConfigInvalid)
	}

	var unit time.Duration
	var numeric string
	switch {
	case strings.HasSuffix(s, "ms"):
		unit = time.Millisecond
		numeric = strings.TrimSuffix(s, "ms")
	case strings.HasSuffix(s, "s"):
		unit = time.Second
		numeric = strings.TrimSuffix(s, "s")
	default:
		return 0, fmt.Errorf("%w: duration %q must end in \"s\" or \"ms\"", ErrConfigInvalid, s)
	}

	if numeric == "" {
		return 0, fmt.Errorf("%w: duration %q has no numeric part", ErrConfigInvalid, s)
	}

	n, err := strconv.ParseInt(numeric, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: duration %q: %v", ErrConfigInvalid, s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: duration %q is negative", ErrConfigInvalid, s)
	}

	return Duration(n * int64(unit)), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Std returns the standard library time.Duration value.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
