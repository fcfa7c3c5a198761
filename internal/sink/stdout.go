package sink

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
)

// Stdout writes row batches as JSON lines to an io.Writer (default
// os.Stdout), one envelope per batch.
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdout creates a Stdout sink. If w is nil, os.Stdout is used.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{enc: json.NewEncoder(w)}
}

func (s *Stdout) WriteRows(_ context.Context, connectionID string, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(envelope{ConnectionID: connectionID, Rows: rows})
}

func (s *Stdout) Close() error { return nil }

type envelope struct {
	ConnectionID string `json:"connection_id"`
	Rows         []Row  `json:"rows"`
}
