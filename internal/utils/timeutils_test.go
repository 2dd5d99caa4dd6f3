package utils

import (
	"testing"
	"time"
)

func TestParseTimeAcceptsRFC3339AndUnix(t *testing.T) {
	rfc, err := ParseTime("2024-03-01T10:00:00Z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unix, err := ParseTime("1709287200")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rfc.Equal(unix) {
		t.Fatalf("expected %v == %v", rfc, unix)
	}
	if _, err := ParseTime("yesterday"); err == nil {
		t.Fatalf("expected error for unparseable value")
	}
}

func TestSteps(t *testing.T) {
	start := time.Unix(0, 0)
	if got := Steps(start, start.Add(time.Minute), 15*time.Second); got != 4 {
		t.Fatalf("expected 4 steps, got %d", got)
	}
	if got := Steps(start, start, time.Second); got != 0 {
		t.Fatalf("expected 0 steps for empty range, got %d", got)
	}
}
