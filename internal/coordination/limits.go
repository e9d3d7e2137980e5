package coordination

import (
	"fmt"
	"math"
	"time"
)

const (
	DefaultClaimTTL = 60 * time.Minute
	MaxClaimTTL     = 480 * time.Minute

	// maxLimitMinutes is the largest minute count a Duration can hold.
	maxLimitMinutes = math.MaxInt64 / int64(time.Minute)
)

// Limits bounds claim lease durations. DefaultTTL applies when a caller does
// not ask for a specific TTL; MaxTTL is a hard ceiling on every grant.
type Limits struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

func DefaultLimits() Limits {
	return Limits{DefaultTTL: DefaultClaimTTL, MaxTTL: MaxClaimTTL}
}

// LimitsFromMinutes builds validated Limits from the minute values used in
// config and limits.set. Counts too large for a Duration are rejected rather
// than wrapped.
func LimitsFromMinutes(defaultMinutes, maxMinutes int) (Limits, error) {
	for _, m := range []int{defaultMinutes, maxMinutes} {
		if int64(m) > maxLimitMinutes {
			return Limits{}, fmt.Errorf("%w: ttl of %d minutes is out of range", ErrInvalidArgument, m)
		}
	}
	l := Limits{
		DefaultTTL: time.Duration(defaultMinutes) * time.Minute,
		MaxTTL:     time.Duration(maxMinutes) * time.Minute,
	}
	return l, l.Validate()
}

func (l Limits) Validate() error {
	if l.DefaultTTL <= 0 {
		return fmt.Errorf("%w: default ttl must be positive, got %s", ErrInvalidArgument, l.DefaultTTL)
	}
	if l.MaxTTL <= 0 {
		return fmt.Errorf("%w: max ttl must be positive, got %s", ErrInvalidArgument, l.MaxTTL)
	}
	if l.DefaultTTL > l.MaxTTL {
		return fmt.Errorf("%w: default ttl %s exceeds max ttl %s", ErrInvalidArgument, l.DefaultTTL, l.MaxTTL)
	}
	return nil
}

// TTL resolves a requested lease length in minutes. Zero or negative means
// "use the default"; anything above the ceiling is capped, never rejected.
func (l Limits) TTL(minutes int) time.Duration {
	ttl := l.DefaultTTL
	if minutes > 0 {
		// Compare in minutes first so huge inputs cannot overflow Duration.
		if maxMinutes := int64(l.MaxTTL / time.Minute); int64(minutes) > maxMinutes {
			return l.MaxTTL
		}
		ttl = time.Duration(minutes) * time.Minute
	}
	if ttl > l.MaxTTL {
		ttl = l.MaxTTL
	}
	return ttl
}
