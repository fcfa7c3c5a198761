package sink

import (
	"context"
	"log/slog"
)

// Router fans out row batches to all configured sinks. One sink error
// does not block the others — errors are logged and the first
// encountered is returned.
type Router struct {
	sinks  []RowSink
	logger *slog.Logger
}

// NewRouter creates a fan-out router delivering to all sinks.
func NewRouter(logger *slog.Logger, sinks ...RowSink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

func (r *Router) WriteRows(ctx context.Context, connectionID string, rows []Row) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.WriteRows(ctx, connectionID, rows); err != nil {
			r.logger.Warn("sink: write rows failed", "connection_id", connectionID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Router) Close() error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
