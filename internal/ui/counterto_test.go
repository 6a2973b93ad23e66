package ui

import (
	"testing"
	"time"
)

func TestCountToETA(t *testing.T) {
	start := time.Now()

	c := StartCountTo(start, 100)

	c.Add(10)
	eta := c.ETA(start.Add(10 * time.Second))
	if eta != 90*time.Second {
		t.Fatalf("expected ETA 90s, got %v", eta)
	}

	c.Add(80)
	eta = c.ETA(start.Add(90 * time.Second))
	if eta != 10*time.Second {
		t.Fatalf("expected ETA 10s, got %v", eta)
	}
}

func TestCountToZeroProgress(t *testing.T) {
	start := time.Now()
	c := StartCountTo(start, 100)
	if eta := c.ETA(start.Add(time.Second)); eta != 0 {
		t.Fatalf("expected ETA 0 with no progress, got %v", eta)
	}
}
