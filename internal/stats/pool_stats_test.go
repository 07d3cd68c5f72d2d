package stats

import (
	"database/sql"
	"testing"
	"time"
)

func TestFromDBStats(t *testing.T) {
	s := FromDBStats("sqlite", sql.DBStats{
		MaxOpenConnections: 4,
		InUse:              1,
		Idle:               2,
		WaitCount:          2,
		WaitDuration:       30 * time.Millisecond,
	})

	want := "sqlite: 1/4 active, 2 idle, 2 waits (15.0ms avg)"
	if got := s.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestStringWithoutWaits(t *testing.T) {
	s := PoolStats{DBType: "postgres", MaxConns: 8}
	want := "postgres: 0/8 active, 0 idle, 0 waits (0.0ms avg)"
	if got := s.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
