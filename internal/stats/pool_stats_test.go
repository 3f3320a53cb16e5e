package stats

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func TestPoolStatsString(t *testing.T) {
	tests := []struct {
		name  string
		stats PoolStats
		want  string
	}{
		{
			name:  "no waits",
			stats: PoolStats{Store: "phone", Driver: "sqlite", MaxConns: 4, ActiveConns: 1, IdleConns: 2},
			want:  "phone (sqlite): 1/4 active, 2 idle, 0 waits (0.0ms avg)",
		},
		{
			name:  "unlimited with waits",
			stats: PoolStats{Store: "archive", Driver: "postgres", ActiveConns: 3, WaitCount: 4, WaitTimeMs: 10},
			want:  "archive (postgres): 3/unlimited active, 0 idle, 4 waits (2.5ms avg)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.stats.String(); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestFromDB(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "mmssms.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	db.SetMaxOpenConns(2)
	if err := db.Ping(); err != nil {
		t.Fatal(err)
	}

	s := FromDB("phone", "sqlite", db)
	if s.MaxConns != 2 {
		t.Errorf("expected max conns 2, got %d", s.MaxConns)
	}
	if s.IdleConns != 1 || s.ActiveConns != 0 {
		t.Errorf("expected one idle connection after ping, got %+v", s)
	}
	if !strings.HasPrefix(s.String(), "phone (sqlite)") {
		t.Errorf("unexpected string %q", s.String())
	}
}
