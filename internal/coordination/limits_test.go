package coordination

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestLimitsTTL(t *testing.T) {
	l := DefaultLimits()
	cases := []struct {
		minutes int
		want    time.Duration
	}{
		{0, 60 * time.Minute},
		{-5, 60 * time.Minute},
		{1, time.Minute},
		{480, 480 * time.Minute},
		{481, 480 * time.Minute},
		{99999, 480 * time.Minute},
		{math.MaxInt, 480 * time.Minute},
	}
	for _, tc := range cases {
		if got := l.TTL(tc.minutes); got != tc.want {
			t.Errorf("TTL(%d) = %v, want %v", tc.minutes, got, tc.want)
		}
	}
}

func TestLimitsValidate(t *testing.T) {
	if err := DefaultLimits().Validate(); err != nil {
		t.Fatalf("default limits invalid: %v", err)
	}
	for _, l := range []Limits{
		{DefaultTTL: 0, MaxTTL: time.Hour},
		{DefaultTTL: time.Hour, MaxTTL: 0},
		{DefaultTTL: 2 * time.Hour, MaxTTL: time.Hour},
	} {
		if err := l.Validate(); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("Validate(%+v) = %v, want ErrInvalidArgument", l, err)
		}
	}
}

func TestLimitsFromMinutes(t *testing.T) {
	l, err := LimitsFromMinutes(15, 30)
	if err != nil {
		t.Fatalf("LimitsFromMinutes: %v", err)
	}
	if l.DefaultTTL != 15*time.Minute || l.MaxTTL != 30*time.Minute {
		t.Fatalf("unexpected limits %+v", l)
	}
}

func TestLimitsFromMinutes_RejectsOverflow(t *testing.T) {
	// 1<<55 minutes would wrap when multiplied into a Duration.
	huge := 1 << 55
	for _, tc := range [][2]int{{60, huge}, {huge, huge}, {60, math.MaxInt}} {
		if _, err := LimitsFromMinutes(tc[0], tc[1]); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("LimitsFromMinutes(%d, %d) = %v, want ErrInvalidArgument", tc[0], tc[1], err)
		}
	}
	largest := int(maxLimitMinutes)
	if _, err := LimitsFromMinutes(60, largest); err != nil {
		t.Fatalf("largest representable ceiling should be accepted: %v", err)
	}
	if _, err := LimitsFromMinutes(90, 60); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("default above max should be rejected, got %v", err)
	}
}
