package db

import (
	"testing"
)

func TestPoolStats_HealthyRequiresConnections(t *testing.T) {
	stats := &PoolStats{
		TotalConns:    10,
		IdleConns:     5,
		AcquiredConns: 5,
		MaxConns:      20,
		AcquireCount:  100,
		AcquireWait:   "1.5s",
		Healthy:       true,
	}
	if !stats.Healthy {
		t.Error("expected Healthy to be true")
	}
	if stats.TotalConns != 10 {
		t.Errorf("expected TotalConns 10, got %d", stats.TotalConns)
	}

	drained := &PoolStats{MaxConns: 20, AcquireWait: "0s"}
	if drained.Healthy {
		t.Error("expected Healthy to be false with zero connections")
	}
}
