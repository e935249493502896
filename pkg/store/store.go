// Package store persists the interop score data of one dataset year.
//
// Layout under the interop score repository:
//
//	<year>/results/revisions/<revision>/runs-<channel>.json
//	<year>/results/revisions/<revision>/<browser>-<channel>-<metadata revision>.csv
//	<year>/results/pending-<channel>.json
//	<year>/latest/aligned/<channel>-current.csv
//	<year>/latest/aligned/<channel>-current-metadata.json
//	<year>/latest/aligned/<channel>-current-daily.csv
//	<year>/latest/aligned/<channel>-historic.csv
//
// Every file is produced complete in memory and written atomically.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/interopscore/pkg/aligned"
	"github.com/ethpandaops/interopscore/pkg/fsutil"
	"github.com/ethpandaops/interopscore/pkg/runs"
	"github.com/ethpandaops/interopscore/pkg/tabular"
)

const filePerm = 0o644

// scoreSchema is the per-run score table.
var scoreSchema = tabular.NewSchema([]string{"category", "score"}, nil, nil, nil, false)

// Store reads and writes the files of one dataset year.
type Store struct {
	log   logrus.FieldLogger
	root  string
	year  int
	table aligned.Table
	owner *fsutil.OwnerConfig
}

// New creates a store rooted at the interop score repository root.
func New(log logrus.FieldLogger, root string, year int, table aligned.Table, owner *fsutil.OwnerConfig) *Store {
	return &Store{
		log:   log.WithField("component", "store"),
		root:  root,
		year:  year,
		table: table,
		owner: owner,
	}
}

// Root returns the repository root.
func (s *Store) Root() string {
	return s.root
}

// Table returns the aligned table layout of the store.
func (s *Store) Table() aligned.Table {
	return s.table
}

// YearDir returns the directory holding every file of the year.
func (s *Store) YearDir() string {
	return filepath.Join(s.root, strconv.Itoa(s.year))
}

// RevisionsDir returns the per-revision results directory.
func (s *Store) RevisionsDir() string {
	return filepath.Join(s.YearDir(), "results", "revisions")
}

// AlignedDir returns the directory of the aligned views.
func (s *Store) AlignedDir() string {
	return filepath.Join(s.YearDir(), "latest", "aligned")
}

// RunsPath returns the run list of a revision for channel.
func (s *Store) RunsPath(revision, channel string) string {
	return filepath.Join(s.RevisionsDir(), revision, fmt.Sprintf("runs-%s.json", channel))
}

// ScorePath returns the score table of one run.
func (s *Store) ScorePath(revision, browser, channel, metadataRevision string) string {
	return filepath.Join(s.RevisionsDir(), revision,
		fmt.Sprintf("%s-%s-%s.csv", browser, channel, metadataRevision))
}

// PendingPath returns the pending days file of channel.
func (s *Store) PendingPath(channel string) string {
	return filepath.Join(s.YearDir(), "results", fmt.Sprintf("pending-%s.json", channel))
}

// SnapshotPath returns the full snapshot table of channel.
func (s *Store) SnapshotPath(channel string) string {
	return filepath.Join(s.AlignedDir(), fmt.Sprintf("%s-current.csv", channel))
}

// DailyPath returns the daily snapshot table of channel.
func (s *Store) DailyPath(channel string) string {
	return filepath.Join(s.AlignedDir(), fmt.Sprintf("%s-current-daily.csv", channel))
}

// SnapshotMetadataPath returns the snapshot stamp of channel.
func (s *Store) SnapshotMetadataPath(channel string) string {
	return filepath.Join(s.AlignedDir(), fmt.Sprintf("%s-current-metadata.json", channel))
}

// HistoricPath returns the historic ledger of channel.
func (s *Store) HistoricPath(channel string) string {
	return filepath.Join(s.AlignedDir(), fmt.Sprintf("%s-historic.csv", channel))
}

// KnownRuns returns every run already recorded for channel. A revision
// whose run list is missing or unreadable counts as having no runs.
func (s *Store) KnownRuns(channel string) (*runs.RunsByRevision, error) {
	entries, err := os.ReadDir(s.RevisionsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return runs.NewRunsByRevision(nil), nil
		}

		return nil, fmt.Errorf("listing revisions: %w", err)
	}

	items := make([]*runs.RevisionRuns, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		revision := entry.Name()

		known, err := s.readRuns(revision, channel)
		if err != nil {
			s.log.WithError(err).WithField("revision", revision).Warn("Ignoring unreadable run list")

			continue
		}

		if len(known) > 0 {
			items = append(items, &runs.RevisionRuns{Revision: revision, Runs: known})
		}
	}

	return runs.NewRunsByRevision(items), nil
}

func (s *Store) readRuns(revision, channel string) ([]runs.Run, error) {
	data, err := os.ReadFile(s.RunsPath(revision, channel))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, err
	}

	var known []runs.Run
	if err := json.Unmarshal(data, &known); err != nil {
		return nil, fmt.Errorf("decoding run list: %w", err)
	}

	return known, nil
}

// AddRunScore records run for channel and writes its per-category scores
// computed at metadataRevision. It returns the paths written.
func (s *Store) AddRunScore(channel string, run runs.Run, metadataRevision string, scores map[string]int) ([]string, error) {
	revision := run.FullRevisionHash
	written := make([]string, 0, 2)

	known, err := s.readRuns(revision, channel)
	if err != nil {
		s.log.WithError(err).WithField("revision", revision).Warn("Replacing unreadable run list")

		known = nil
	}

	present := false

	for _, r := range known {
		if r.ID == run.ID {
			present = true

			break
		}
	}

	if !present {
		known = append(known, run)

		data, err := json.MarshalIndent(known, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding run list: %w", err)
		}

		path := s.RunsPath(revision, channel)
		if err := fsutil.WriteFileAtomic(path, data, filePerm, s.owner); err != nil {
			return nil, fmt.Errorf("writing run list: %w", err)
		}

		written = append(written, path)
	}

	data, err := s.encodeScores(scores)
	if err != nil {
		return nil, fmt.Errorf("run %d: %w", run.ID, err)
	}

	path := s.ScorePath(revision, run.BrowserName, channel, metadataRevision)

	changed, err := fsutil.WriteFileIfChanged(path, data, filePerm, s.owner)
	if err != nil {
		return nil, fmt.Errorf("writing run scores: %w", err)
	}

	if changed {
		written = append(written, path)
	}

	return written, nil
}

func (s *Store) encodeScores(scores map[string]int) ([]byte, error) {
	categories := append([]string(nil), s.table.Categories...)
	sort.Strings(categories)

	records := make([]tabular.Record, 0, len(categories))

	for _, category := range categories {
		score, ok := scores[category]
		if !ok {
			return nil, fmt.Errorf("missing score for category %s", category)
		}

		rec := tabular.NewRecord(scoreSchema)
		rec.Fields["category"] = category
		rec.Fields["score"] = strconv.Itoa(score)
		records = append(records, rec)
	}

	return tabular.EncodeBytes(scoreSchema, records)
}

// PendingDays returns the days holding revisions whose scoring was
// deferred. Those days must be fetched again rather than served from the
// known runs.
func (s *Store) PendingDays(channel string) ([]string, error) {
	data, err := os.ReadFile(s.PendingPath(channel))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading pending days: %w", err)
	}

	var days []string
	if err := json.Unmarshal(data, &days); err != nil {
		return nil, fmt.Errorf("decoding pending days: %w", err)
	}

	return days, nil
}

// WritePendingDays replaces the pending days of channel. Nothing is
// written while there is neither a pending day nor an existing file.
func (s *Store) WritePendingDays(channel string, days []string) ([]string, error) {
	path := s.PendingPath(channel)

	if len(days) == 0 {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
	}

	sorted := append(make([]string, 0, len(days)), days...)
	sort.Strings(sorted)

	data, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding pending days: %w", err)
	}

	return s.writeAll(map[string][]byte{path: append(data, '\n')})
}

// LoadSnapshot reads the latest aligned snapshot of channel. It returns
// nil when no snapshot has been written yet.
func (s *Store) LoadSnapshot(channel string) (*aligned.Snapshot, error) {
	data, err := os.ReadFile(s.SnapshotPath(channel))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	meta, err := os.ReadFile(s.SnapshotMetadataPath(channel))
	if errors.Is(err, os.ErrNotExist) {
		s.log.WithField("channel", channel).Warn("Snapshot has no metadata stamp")

		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading snapshot metadata: %w", err)
	}

	snap, err := aligned.UnmarshalSnapshot(s.table, data, meta)
	if err != nil {
		return nil, s.headerMismatch(s.SnapshotPath(channel), err,
			"remove the current snapshot files to rebuild them")
	}

	return snap, nil
}

// LoadDaily reads the daily view of channel. It returns nil when the view
// has not been written yet.
func (s *Store) LoadDaily(channel string) ([]aligned.RunData, error) {
	data, err := os.ReadFile(s.DailyPath(channel))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading daily snapshot: %w", err)
	}

	rows, err := aligned.UnmarshalDaily(s.table, data)
	if err != nil {
		return nil, s.headerMismatch(s.DailyPath(channel), err,
			"remove the current snapshot files to rebuild them")
	}

	return rows, nil
}

// WriteSnapshot writes the full snapshot, its stamp and its daily view.
// It returns the paths whose content changed.
func (s *Store) WriteSnapshot(channel string, snap *aligned.Snapshot) ([]string, error) {
	full, err := aligned.MarshalSnapshot(s.table, snap, false)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}

	meta, err := aligned.MarshalSnapshotMetadata(snap)
	if err != nil {
		return nil, err
	}

	daily, err := aligned.MarshalSnapshot(s.table, snap.FilterByDay(), true)
	if err != nil {
		return nil, fmt.Errorf("encoding daily snapshot: %w", err)
	}

	return s.writeAll(map[string][]byte{
		s.SnapshotPath(channel):         full,
		s.SnapshotMetadataPath(channel): meta,
		s.DailyPath(channel):            daily,
	})
}

// LoadLedger reads the historic ledger of channel. A missing ledger is
// empty.
func (s *Store) LoadLedger(channel string) (*aligned.Ledger, error) {
	data, err := os.ReadFile(s.HistoricPath(channel))
	if errors.Is(err, os.ErrNotExist) {
		return aligned.NewLedger(nil), nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading historic ledger: %w", err)
	}

	ledger, err := aligned.UnmarshalLedger(s.table, data)
	if err != nil {
		return nil, s.headerMismatch(s.HistoricPath(channel), err,
			"rewrite its header to the current columns; removing it loses recorded provenance")
	}

	return ledger, nil
}

// headerMismatch wraps a failure to load path. A header that no longer
// matches the table means the products or categories changed since the
// file was written; every later cycle fails the same way until the file
// is dealt with as described by recovery.
func (s *Store) headerMismatch(path string, err error, recovery string) error {
	var schemaErr *tabular.SchemaError
	if !errors.As(err, &schemaErr) || schemaErr.Row != 0 {
		return fmt.Errorf("loading %s: %w", path, err)
	}

	s.log.WithError(err).WithFields(logrus.Fields{
		"path":     path,
		"recovery": recovery,
	}).Error("Stored header does not match the current products and categories")

	return fmt.Errorf("loading %s: header does not match the current categories (%s): %w", path, recovery, err)
}

// WriteLedger writes the historic ledger of channel.
func (s *Store) WriteLedger(channel string, ledger *aligned.Ledger) ([]string, error) {
	data, err := aligned.MarshalLedger(s.table, ledger)
	if err != nil {
		return nil, fmt.Errorf("encoding historic ledger: %w", err)
	}

	return s.writeAll(map[string][]byte{s.HistoricPath(channel): data})
}

func (s *Store) writeAll(files map[string][]byte) ([]string, error) {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}

	sort.Strings(paths)

	written := make([]string, 0, len(paths))

	for _, path := range paths {
		changed, err := fsutil.WriteFileIfChanged(path, files[path], filePerm, s.owner)
		if err != nil {
			return written, fmt.Errorf("writing %s: %w", path, err)
		}

		if changed {
			written = append(written, path)
		}
	}

	return written, nil
}
