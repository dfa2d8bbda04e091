//go:build darwin || linux

package main

import (
	"testing"
	"time"
)

func TestPollTimeout(t *testing.T) {
	now := time.Now()

	if got := pollTimeout(now.Add(-time.Second)); got != 0 {
		t.Errorf("expired deadline = %d, want 0", got)
	}
	if got := pollTimeout(now.Add(10 * time.Second)); got < 9000 || got > 10000 {
		t.Errorf("10s deadline = %dms, want ~10000", got)
	}
	// Extensions are additive on the absolute deadline.
	ext := now.Add(100 * time.Millisecond).Add(xoffExtension)
	if got := pollTimeout(ext); got < 150 || got > 200 {
		t.Errorf("extended deadline = %dms, want ~200", got)
	}
}
