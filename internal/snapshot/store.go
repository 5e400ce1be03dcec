package snapshot

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kloudmate/capacity-pipeline/internal/models"
)

const (
	DefaultInstancePrefix = "capacity_assessment"
	DefaultTenantPrefix   = "tenants"
	RollupDir             = "rollups"

	dateLayout  = "20060102"
	stampLayout = "20060102_150405"
	extension   = ".csv"
)

// leading columns of every export; the rest follow in name order
var identityColumns = []string{
	models.FieldInstanceID,
	models.FieldInstanceName,
	models.FieldTenantID,
	models.FieldTenantName,
}

type Config struct {
	Dir            string
	InstancePrefix string
	TenantPrefix   string
}

// Store writes dated snapshot exports into a directory and finds them again.
// Names follow <prefix>_YYYYMMDD_HHMMSS.csv.
type Store struct {
	logger *zap.Logger
	config *Config
	now    func() time.Time
}

// Ref is a discovered snapshot file that has not been read yet.
type Ref struct {
	Kind  models.ResourceKind
	Path  string
	Name  string
	Date  time.Time
	Stamp string
	Time  string
}

func NewStore(cfg *Config, logger *zap.Logger) *Store {
	if cfg.InstancePrefix == "" {
		cfg.InstancePrefix = DefaultInstancePrefix
	}
	if cfg.TenantPrefix == "" {
		cfg.TenantPrefix = DefaultTenantPrefix
	}
	return &Store{
		logger: logger,
		config: cfg,
		now:    time.Now,
	}
}

func (s *Store) Prefix(kind models.ResourceKind) string {
	if kind == models.KindTenant {
		return s.config.TenantPrefix
	}
	return s.config.InstancePrefix
}

// FileName builds the export name for a snapshot taken at t. Non-daily
// frequencies are labelled so rollup discovery does not pick them up.
func (s *Store) FileName(kind models.ResourceKind, frequency string, t time.Time) string {
	name := s.Prefix(kind)
	if frequency != "" && frequency != "daily" {
		name += "_" + frequency
	}
	return name + "_" + t.Format(stampLayout) + extension
}

// Write exports records as one dated snapshot and returns its path.
func (s *Store) Write(kind models.ResourceKind, frequency string, records []models.Record, at time.Time) (string, error) {
	if len(records) == 0 {
		return "", fmt.Errorf("no %s records to export", kind)
	}
	path := filepath.Join(s.config.Dir, s.FileName(kind, frequency, at))
	if err := writeCSV(path, records); err != nil {
		return "", err
	}

	s.logger.Info("Snapshot written",
		zap.String("kind", kind.String()),
		zap.String("path", path),
		zap.Int("records", len(records)))
	return path, nil
}

// WriteRollup exports rollup rows under the rollups directory, out of the
// way of snapshot discovery.
func (s *Store) WriteRollup(kind models.ResourceKind, period string, rows []models.Record, at time.Time) (string, error) {
	if len(rows) == 0 {
		return "", fmt.Errorf("no %s rollup rows to export", kind)
	}
	name := s.Prefix(kind) + "_" + period + "_" + at.Format(stampLayout) + extension
	path := filepath.Join(s.config.Dir, RollupDir, name)
	if err := writeCSV(path, rows); err != nil {
		return "", err
	}

	s.logger.Info("Rollup written",
		zap.String("kind", kind.String()),
		zap.String("period", period),
		zap.String("path", path),
		zap.Int("rows", len(rows)))
	return path, nil
}

// ParseName extracts the date and time tokens from a snapshot name. The
// date token is the second to last underscore-separated field.
func ParseName(name, prefix string) (date time.Time, stamp, clock string, err error) {
	if !strings.HasPrefix(name, prefix+"_") || !strings.HasSuffix(name, extension) {
		return time.Time{}, "", "", fmt.Errorf("name %q does not match %s_*%s", name, prefix, extension)
	}

	parts := strings.Split(strings.TrimSuffix(name, extension), "_")
	if len(parts) < 3 {
		return time.Time{}, "", "", fmt.Errorf("name %q has no date token", name)
	}

	stamp = parts[len(parts)-2]
	clock = parts[len(parts)-1]
	date, err = time.ParseInLocation(dateLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}, "", "", fmt.Errorf("bad date token in %q: %w", name, err)
	}
	return date, stamp, clock, nil
}

// Discover lists the daily snapshots of a kind dated within the last
// lookbackDays. Unparsable names are skipped with a warning. The result is
// ordered chronologically by date token, time token and name.
func (s *Store) Discover(kind models.ResourceKind, lookbackDays int) ([]Ref, error) {
	entries, err := os.ReadDir(s.config.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot dir: %w", err)
	}

	prefix := s.Prefix(kind)
	cutoff := s.now().AddDate(0, 0, -lookbackDays)

	var refs []Ref
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix+"_") || !strings.HasSuffix(name, extension) {
			continue
		}

		date, stamp, clock, err := ParseName(name, prefix)
		if err != nil {
			s.logger.Warn("Skipping malformed snapshot name",
				zap.String("name", name),
				zap.Error(err))
			continue
		}
		// labelled exports (weekly, monthly) are not daily snapshots
		if name != prefix+"_"+stamp+"_"+clock+extension {
			continue
		}
		if date.Before(cutoff) {
			continue
		}

		refs = append(refs, Ref{
			Kind:  kind,
			Path:  filepath.Join(s.config.Dir, name),
			Name:  name,
			Date:  date,
			Stamp: stamp,
			Time:  clock,
		})
	}

	SortRefs(refs)
	return refs, nil
}

func SortRefs(refs []Ref) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Stamp != refs[j].Stamp {
			return refs[i].Stamp < refs[j].Stamp
		}
		if refs[i].Time != refs[j].Time {
			return refs[i].Time < refs[j].Time
		}
		return refs[i].Name < refs[j].Name
	})
}

// Read loads one snapshot. Numeric cells come back as float64, empty cells
// are left out and identity columns always stay strings.
func (s *Store) Read(ref Ref) (models.Snapshot, error) {
	f, err := os.Open(ref.Path)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to parse snapshot %s: %w", ref.Name, err)
	}

	snap := models.Snapshot{
		Kind:  ref.Kind,
		Path:  ref.Path,
		Date:  ref.Date,
		Stamp: ref.Stamp,
	}
	if len(rows) == 0 {
		return snap, nil
	}

	header := rows[0]
	snap.Records = make([]models.Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(models.Record, len(header))
		for i, col := range header {
			if i >= len(row) || row[i] == "" {
				continue
			}
			rec[col] = parseCell(col, row[i])
		}
		snap.Records = append(snap.Records, rec)
	}
	return snap, nil
}

// Load discovers and reads the snapshots of a kind. Unreadable files are
// skipped with a warning.
func (s *Store) Load(kind models.ResourceKind, lookbackDays int) ([]models.Snapshot, error) {
	refs, err := s.Discover(kind, lookbackDays)
	if err != nil {
		return nil, err
	}

	snaps := make([]models.Snapshot, 0, len(refs))
	for _, ref := range refs {
		snap, err := s.Read(ref)
		if err != nil {
			s.logger.Warn("Skipping unreadable snapshot",
				zap.String("path", ref.Path),
				zap.Error(err))
			continue
		}
		snaps = append(snaps, snap)
	}

	s.logger.Info("Snapshots loaded",
		zap.String("kind", kind.String()),
		zap.Int("found", len(refs)),
		zap.Int("loaded", len(snaps)),
		zap.Int("lookback_days", lookbackDays))
	return snaps, nil
}

func parseCell(col, v string) interface{} {
	if col == models.FieldInstanceID || col == models.FieldTenantID {
		return v
	}
	// ParseFloat accepts "nan" and "inf"; such cells are names, not numbers
	if f, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	return v
}

// Columns returns the export column order: identity columns present in any
// record first, then every other key by name.
func Columns(records []models.Record) []string {
	seen := make(map[string]bool)
	for _, rec := range records {
		for k := range rec {
			seen[k] = true
		}
	}

	cols := make([]string, 0, len(seen))
	for _, c := range identityColumns {
		if seen[c] {
			cols = append(cols, c)
			delete(seen, c)
		}
	}

	rest := make([]string, 0, len(seen))
	for k := range seen {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	return append(cols, rest...)
}

func writeCSV(path string, records []models.Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create export dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	cols := Columns(records)
	w := csv.NewWriter(tmp)
	if err := w.Write(cols); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write header: %w", err)
	}

	row := make([]string, len(cols))
	for i, rec := range records {
		for j, c := range cols {
			row[j] = rec.String(c)
		}
		if err := w.Write(row); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write row %d: %w", i, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close export: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move export into place: %w", err)
	}
	return nil
}
