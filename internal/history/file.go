package history

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/doitintl/intercloud-throughput/internal/logging"
	"github.com/doitintl/intercloud-throughput/pkg/types"
)

const (
	AttemptsFile   = "attempted-tests.csv"
	FailuresFile   = "failed-tests.csv"
	VMFailuresFile = "failed-vm-creation.csv"
	ResultsFile    = "results.csv"
	RunResultsDir  = "results-by-run"

	mergedSuffix = ".merged"
	badSuffix    = ".bad"
)

var (
	pairHeader      = []string{FieldTimestamp, FieldRunID, FieldFromCloud, FieldFromRegion, FieldToCloud, FieldToRegion}
	attemptsHeader  = append(append([]string{}, pairHeader...), "aws_vm", "gcp_vm")
	vmFailureHeader = []string{FieldTimestamp, FieldRunID, "cloud", "region", "machine_type"}

	// leadingResultColumns come first in results.csv; other columns follow sorted.
	leadingResultColumns = append(append([]string{}, pairHeader...), FieldDistance)
)

// FileStore keeps history as CSV files in a data directory. Successes are
// spooled as one JSON file per test under results-by-run/<run-id>/ and
// merged into results.csv by CombineRun.
type FileStore struct {
	dir    string
	logger *log.Logger
	now    func() time.Time

	mu sync.Mutex
}

type FileOption func(*FileStore)

func WithFileLogger(logger *log.Logger) FileOption {
	return func(s *FileStore) {
		s.logger = logging.OrDiscard(logger)
	}
}

func WithClock(now func() time.Time) FileOption {
	return func(s *FileStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure data dir %q: %w", dir, err)
	}
	s := &FileStore{
		dir:    dir,
		logger: logging.OrDiscard(nil),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func (s *FileStore) RecordAttempts(_ context.Context, runID string, pairs []types.RegionPair, machineTypes map[types.Cloud]string) error {
	ts := s.timestamp()
	rows := make([][]string, 0, len(pairs))
	for _, p := range pairs {
		rows = append(rows, []string{ts, runID,
			string(p.Src.Cloud), p.Src.ID, string(p.Dst.Cloud), p.Dst.ID,
			machineTypes[types.AWS], machineTypes[types.GCP],
		})
	}
	return s.appendRows(AttemptsFile, attemptsHeader, rows)
}

func (s *FileStore) RecordFailure(_ context.Context, runID string, pair types.RegionPair) error {
	row := []string{s.timestamp(), runID,
		string(pair.Src.Cloud), pair.Src.ID, string(pair.Dst.Cloud), pair.Dst.ID}
	return s.appendRows(FailuresFile, pairHeader, [][]string{row})
}

func (s *FileStore) RecordVMFailure(_ context.Context, runID string, region types.Region, machineType string) error {
	row := []string{s.timestamp(), runID, string(region.Cloud), region.ID, machineType}
	return s.appendRows(VMFailuresFile, vmFailureHeader, [][]string{row})
}

// RecordSuccess writes the result to its own file so concurrent tests never
// share a writer.
func (s *FileStore) RecordSuccess(_ context.Context, runID string, pair types.RegionPair, result Result) error {
	dir := filepath.Join(s.dir, RunResultsDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure run results dir: %w", err)
	}
	data, err := json.Marshal(withPairFields(result, runID, pair, s.now()))
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+".json")
	if err := writeFileAtomic(path, append(data, '\n')); err != nil {
		return fmt.Errorf("write result %s: %w", pair, err)
	}
	return nil
}

// CombineRun merges unmerged result files of runID into results.csv and
// marks them merged.
func (s *FileStore) CombineRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.dir, RunResultsDir, runID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read run results dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil
	}
	sort.Strings(files)

	header, rows, err := readCSV(filepath.Join(s.dir, ResultsFile))
	if err != nil {
		return err
	}
	existing := len(rows)
	var merged []string
	for _, path := range files {
		flat, err := readResult(path)
		if err != nil {
			s.logger.Printf("skipping unreadable result: %v", err)
			if err := os.Rename(path, path+badSuffix); err != nil {
				return fmt.Errorf("set aside %q: %w", path, err)
			}
			continue
		}
		rows = append(rows, flat)
		merged = append(merged, path)
	}
	if len(merged) == 0 {
		return nil
	}
	s.logger.Printf("adding %d new results into %d existing results in %s", len(merged), existing, ResultsFile)

	if err := writeCSVAtomic(filepath.Join(s.dir, ResultsFile), resultColumns(header, rows), rows); err != nil {
		return err
	}
	for _, path := range merged {
		if err := os.Rename(path, path+mergedSuffix); err != nil {
			return fmt.Errorf("mark %q merged: %w", path, err)
		}
	}
	return nil
}

func readResult(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read result %q: %w", path, err)
	}
	flat, err := FlattenJSON(b)
	if err != nil {
		return nil, fmt.Errorf("flatten result %q: %w", path, err)
	}
	return flat, nil
}

func (s *FileStore) LoadHistory(_ context.Context) (*History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := &History{}
	if err := s.loadEntries(AttemptsFile, func(e Entry) { h.Attempts = append(h.Attempts, e) }); err != nil {
		return nil, err
	}
	if err := s.loadEntries(FailuresFile, func(e Entry) { h.Failures = append(h.Failures, e) }); err != nil {
		return nil, err
	}
	if err := s.loadEntries(ResultsFile, h.addSuccess); err != nil {
		return nil, err
	}

	_, rows, err := readCSV(filepath.Join(s.dir, VMFailuresFile))
	if err != nil {
		return nil, err
	}
	for i, row := range rows {
		key, err := regionKey(row["cloud"], row["region"])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", VMFailuresFile, i+2, err)
		}
		h.VMFailures = append(h.VMFailures, VMFailure{
			Time:        parseTime(row[FieldTimestamp]),
			RunID:       row[FieldRunID],
			Region:      key,
			MachineType: row["machine_type"],
		})
	}
	return h, nil
}

func (s *FileStore) loadEntries(name string, add func(Entry)) error {
	_, rows, err := readCSV(filepath.Join(s.dir, name))
	if err != nil {
		return err
	}
	for i, row := range rows {
		key, err := pairKey(row[FieldFromCloud], row[FieldFromRegion], row[FieldToCloud], row[FieldToRegion])
		if err != nil {
			return fmt.Errorf("%s row %d: %w", name, i+2, err)
		}
		add(Entry{Time: parseTime(row[FieldTimestamp]), RunID: row[FieldRunID], Pair: key})
	}
	return nil
}

func (s *FileStore) appendRows(name string, header []string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write %s header: %w", name, err)
		}
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	return f.Sync()
}

// FlattenJSON decodes a JSON object and flattens nested objects one level,
// so {"a":{"b":1}} becomes {"a_b":"1"}. Deeper values are kept as JSON text.
func FlattenJSON(data []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		if inner, ok := v.(map[string]any); ok {
			for k2, v2 := range inner {
				out[k+"_"+k2] = formatValue(v2)
			}
			continue
		}
		out[k] = formatValue(v)
	}
	return out, nil
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// resultColumns keeps the existing header order and appends any new keys.
func resultColumns(existing []string, rows []map[string]string) []string {
	cols := append([]string{}, existing...)
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		seen[c] = true
	}
	if len(cols) == 0 {
		for _, c := range leadingResultColumns {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	var extra []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				extra = append(extra, k)
			}
		}
	}
	sort.Strings(extra)
	return append(cols, extra...)
}

func readCSV(path string) ([]string, []map[string]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read %q header: %w", path, err)
	}

	var rows []map[string]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read %q: %w", path, err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

func writeCSVAtomic(path string, header []string, rows []map[string]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return err
	}
	rec := make([]string, len(header))
	for _, row := range rows {
		for i, col := range header {
			rec[i] = row[col]
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
