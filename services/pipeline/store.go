package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var resultHeader = []string{
	"source_url", "title", "university", "supervisor",
	"funding", "alignment", "other", "extracted_at",
}

// ResultStore accumulates extracted records and persists them as a csv
// table, unique on source url. Reopening an existing table merges:
// rows from earlier runs are kept and replaced in place when the same
// url is extracted again (last write wins across runs). Within a run,
// appending a url twice is a no-op. Safe for concurrent appends.
type ResultStore struct {
	path string

	mu    sync.Mutex
	rows  []ExtractedRecord
	index map[string]int
	// urls appended during this run
	appended map[string]bool
}

// OpenResultStore loads whatever table already exists at path. A
// missing file is a fresh table, any other i/o or shape problem is a
// *StoreError.
func OpenResultStore(path string) (*ResultStore, error) {
	s := &ResultStore{
		path:     path,
		index:    map[string]int{},
		appended: map[string]bool{},
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, &StoreError{Path: path, Op: "open", Err: err}
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = len(resultHeader)
	lines, err := reader.ReadAll()
	if err != nil {
		return nil, &StoreError{Path: path, Op: "read", Err: err}
	}
	if len(lines) == 0 {
		return s, nil
	}
	for i, col := range resultHeader {
		if lines[0][i] != col {
			return nil, &StoreError{
				Path: path,
				Op:   "read",
				Err:  fmt.Errorf("unexpected header column %q, want %q", lines[0][i], col),
			}
		}
	}

	for _, line := range lines[1:] {
		record := decodeRow(line)
		if _, ok := s.index[record.SourceURL]; ok {
			// tables we wrote never contain duplicates, but a
			// hand-edited one might
			continue
		}
		s.index[record.SourceURL] = len(s.rows)
		s.rows = append(s.rows, record)
	}
	return s, nil
}

// Append adds the record to the table. Returns false without error when
// the url was already appended during this run. A url carried over from
// a previous run is overwritten in place.
func (s *ResultStore) Append(record ExtractedRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.appended[record.SourceURL] {
		return false
	}
	s.appended[record.SourceURL] = true

	if i, ok := s.index[record.SourceURL]; ok {
		s.rows[i] = record
		return true
	}
	s.index[record.SourceURL] = len(s.rows)
	s.rows = append(s.rows, record)
	return true
}

func (s *ResultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// Rows returns a copy of the current table in order.
func (s *ResultStore) Rows() []ExtractedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ExtractedRecord, len(s.rows))
	copy(out, s.rows)
	return out
}

// Flush writes the complete table to a temp file in the destination
// directory and renames it over the target, so a crash mid-write never
// corrupts previously persisted results.
func (s *ResultStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return &StoreError{Path: s.path, Op: "create temp", Err: err}
	}
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	writer := csv.NewWriter(tmp)
	err = writer.Write(resultHeader)
	if err != nil {
		return &StoreError{Path: s.path, Op: "write", Err: err}
	}
	for _, record := range s.rows {
		err = writer.Write(encodeRow(record))
		if err != nil {
			return &StoreError{Path: s.path, Op: "write", Err: err}
		}
	}
	writer.Flush()
	err = writer.Error()
	if err != nil {
		return &StoreError{Path: s.path, Op: "write", Err: err}
	}

	err = tmp.Sync()
	if err != nil {
		return &StoreError{Path: s.path, Op: "sync", Err: err}
	}
	err = tmp.Close()
	if err != nil {
		return &StoreError{Path: s.path, Op: "close", Err: err}
	}

	err = os.Rename(tmp.Name(), s.path)
	if err != nil {
		return &StoreError{Path: s.path, Op: "rename", Err: err}
	}
	tmp = nil

	slog.Debug("flushed result table", "path", s.path, "rows", len(s.rows))
	return nil
}

func encodeRow(r ExtractedRecord) []string {
	other := "{}"
	if len(r.Other) > 0 {
		encoded, err := json.Marshal(r.Other)
		if err == nil {
			other = string(encoded)
		}
	}
	return []string{
		r.SourceURL,
		r.Title,
		r.University,
		r.Supervisor,
		r.Funding,
		r.Alignment,
		other,
		r.ExtractedAt.UTC().Format(time.RFC3339),
	}
}

func decodeRow(fields []string) ExtractedRecord {
	record := ExtractedRecord{
		SourceURL:  fields[0],
		Title:      fields[1],
		University: fields[2],
		Supervisor: fields[3],
		Funding:    fields[4],
		Alignment:  fields[5],
		Other:      map[string]string{},
	}
	if fields[6] != "" {
		err := json.Unmarshal([]byte(fields[6]), &record.Other)
		if err != nil {
			slog.Warn("unreadable other column, keeping raw value", "url", record.SourceURL)
			record.Other = map[string]string{"raw": fields[6]}
		}
	}
	at, err := time.Parse(time.RFC3339, fields[7])
	if err == nil {
		record.ExtractedAt = at
	}
	return record
}
