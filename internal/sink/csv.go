package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sync"
)

// CSV appends rows to a CSV file, writing a header when the file is new
// or empty.
type CSV struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *csv.Writer
}

var csvHeader = []string{"connection_id", "identity_key", "display_name", "profile_url", "change_kind", "timestamp"}

// NewCSV opens (or creates) the CSV file at path in append mode.
func NewCSV(path string) (*CSV, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open csv %s: %w", path, err)
	}
	s := &CSV{path: path, file: f, w: csv.NewWriter(f)}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sink: stat csv %s: %w", path, err)
	}
	if info.Size() == 0 {
		if err := s.w.Write(csvHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("sink: write csv header: %w", err)
		}
		s.w.Flush()
	}
	return s, nil
}

func (s *CSV) WriteRows(_ context.Context, connectionID string, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		record := []string{connectionID, r.IdentityKey, r.DisplayName, r.ProfileURL, r.ChangeKind, r.Timestamp}
		if err := s.w.Write(record); err != nil {
			return fmt.Errorf("sink: write csv row: %w", err)
		}
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("sink: flush csv: %w", err)
	}
	return nil
}

func (s *CSV) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	return s.file.Close()
}
