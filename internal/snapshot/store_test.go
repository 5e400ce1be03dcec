package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kloudmate/capacity-pipeline/internal/models"
)

func newTestStore(t *testing.T, logger *zap.Logger, now time.Time) *Store {
	s := NewStore(&Config{Dir: t.TempDir()}, logger)
	s.now = func() time.Time { return now }
	return s
}

func touch(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("instance_id\nob-1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseName(t *testing.T) {
	tests := []struct {
		name    string
		stamp   string
		clock   string
		wantErr bool
	}{
		{"capacity_assessment_20261016_083000.csv", "20261016", "083000", false},
		{"capacity_assessment_weekly_20261016_083000.csv", "20261016", "083000", false},
		{"capacity_assessment_2026-10-16_083000.csv", "", "", true},
		{"capacity_assessment_latest.csv", "", "", true},
		{"capacity_assessment_20261340_083000.csv", "", "", true},
		{"tenants_20261016_083000.csv", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, stamp, clock, err := ParseName(tt.name, DefaultInstancePrefix)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if stamp != tt.stamp || clock != tt.clock {
				t.Errorf("got %s/%s, want %s/%s", stamp, clock, tt.stamp, tt.clock)
			}
		})
	}
}

func TestDiscover(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	now := time.Date(2026, 10, 17, 10, 0, 0, 0, time.Local)
	s := newTestStore(t, zap.New(core), now)
	dir := s.config.Dir

	touch(t, dir, "capacity_assessment_20261016_090000.csv")
	touch(t, dir, "capacity_assessment_20261011_090000.csv")
	touch(t, dir, "capacity_assessment_20261016_080000.csv")
	// outside a 7 day window: cutoff is 2026-10-10 10:00
	touch(t, dir, "capacity_assessment_20261010_235959.csv")
	touch(t, dir, "capacity_assessment_20261001_090000.csv")
	touch(t, dir, "capacity_assessment_garbage_x.csv")
	touch(t, dir, "capacity_assessment_weekly_20261016_090000.csv")
	touch(t, dir, "tenants_20261016_090000.csv")
	touch(t, dir, "notes.txt")
	if err := os.MkdirAll(filepath.Join(dir, RollupDir), 0o755); err != nil {
		t.Fatal(err)
	}

	refs, err := s.Discover(models.KindInstance, 7)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	want := []string{
		"capacity_assessment_20261011_090000.csv",
		"capacity_assessment_20261016_080000.csv",
		"capacity_assessment_20261016_090000.csv",
	}
	if len(refs) != len(want) {
		t.Fatalf("found %d snapshots, want %d: %+v", len(refs), len(want), refs)
	}
	for i, name := range want {
		if refs[i].Name != name {
			t.Errorf("refs[%d] = %s, want %s", i, refs[i].Name, name)
		}
	}

	if logs.FilterMessage("Skipping malformed snapshot name").Len() != 1 {
		t.Errorf("expected one malformed-name warning, got %d", logs.Len())
	}

	tenants, err := s.Discover(models.KindTenant, 7)
	if err != nil || len(tenants) != 1 {
		t.Errorf("tenant discovery = %+v, %v", tenants, err)
	}
}

func TestDiscoverMissingDir(t *testing.T) {
	s := NewStore(&Config{Dir: filepath.Join(t.TempDir(), "missing")}, zaptest.NewLogger(t))
	if _, err := s.Discover(models.KindInstance, 7); err == nil {
		t.Errorf("expected error for missing directory")
	}
}

func TestWriteRead(t *testing.T) {
	at := time.Date(2026, 10, 16, 8, 30, 0, 0, time.Local)
	s := newTestStore(t, zaptest.NewLogger(t), at.Add(time.Hour))

	records := []models.Record{
		{"instance_id": "ob-1", "instance_name": "prod", "cpu_p95": 95.5, "status": "ONLINE"},
		{"instance_id": "0042", "cpu_p95": 40.0, "series": "normal, ha"},
	}

	path, err := s.Write(models.KindInstance, "daily", records, at)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if filepath.Base(path) != "capacity_assessment_20261016_083000.csv" {
		t.Errorf("unexpected name %s", path)
	}

	snaps, err := s.Load(models.KindInstance, 1)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(snaps) != 1 || len(snaps[0].Records) != 2 {
		t.Fatalf("unexpected snapshots %+v", snaps)
	}

	snap := snaps[0]
	if snap.Stamp != "20261016" {
		t.Errorf("Stamp = %s", snap.Stamp)
	}

	first := snap.Records[0]
	if first["cpu_p95"] != 95.5 || first["status"] != "ONLINE" || first["instance_name"] != "prod" {
		t.Errorf("first record = %v", first)
	}

	second := snap.Records[1]
	if second["instance_id"] != "0042" {
		t.Errorf("identity must stay a string, got %#v", second["instance_id"])
	}
	if _, ok := second["status"]; ok {
		t.Errorf("empty cells must be left out: %v", second)
	}
	if second["series"] != "normal, ha" {
		t.Errorf("quoted cell = %v", second["series"])
	}
}

func TestWriteLabelledAndRollup(t *testing.T) {
	at := time.Date(2026, 10, 16, 8, 30, 0, 0, time.Local)
	s := newTestStore(t, zaptest.NewLogger(t), at)

	rows := []models.Record{{"instance_id": "ob-1", "tenant_id": "t-1", "cpu_usage_percent_avg_max": 40.0}}

	if _, err := s.Write(models.KindTenant, "weekly", rows, at); err != nil {
		t.Fatal(err)
	}
	path, err := s.WriteRollup(models.KindTenant, "weekly", rows, at)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(path) != filepath.Join(s.config.Dir, RollupDir) {
		t.Errorf("rollup written to %s", path)
	}

	refs, err := s.Discover(models.KindTenant, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 0 {
		t.Errorf("labelled exports and rollups must not be discovered: %+v", refs)
	}

	if _, err := s.Write(models.KindTenant, "daily", nil, at); err == nil {
		t.Errorf("expected error for empty export")
	}
}

func TestColumns(t *testing.T) {
	cols := Columns([]models.Record{
		{"zeta": 1, "tenant_id": "t", "instance_id": "i"},
		{"alpha": 2, "instance_name": "n"},
	})
	want := []string{"instance_id", "instance_name", "tenant_id", "alpha", "zeta"}
	if len(cols) != len(want) {
		t.Fatalf("Columns() = %v", cols)
	}
	for i := range want {
		if cols[i] != want[i] {
			t.Errorf("Columns() = %v, want %v", cols, want)
			break
		}
	}
}

func TestParseCell(t *testing.T) {
	tests := []struct {
		col, v string
		want   interface{}
	}{
		{"cpu_avg", "42.5", 42.5},
		{"total_cpu", "16", 16.0},
		{"instance_id", "123", "123"},
		{"tenant_name", "nan", "nan"},
		{"tenant_name", "Inf", "Inf"},
		{"instance_name", "infinity", "infinity"},
		{"status", "ONLINE", "ONLINE"},
	}

	for _, tt := range tests {
		if got := parseCell(tt.col, tt.v); got != tt.want {
			t.Errorf("parseCell(%q, %q) = %#v, want %#v", tt.col, tt.v, got, tt.want)
		}
	}
}
