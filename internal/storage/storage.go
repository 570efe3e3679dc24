package storage

import (
	"fmt"
	"os"

	"github.com/fisaks/plcpulse/internal/config"
	"github.com/fisaks/plcpulse/internal/pulse"
)

const dayLayout = "2006-01-02"

// Sink is a pulse.PersistenceSink that holds files open.
type Sink interface {
	pulse.PersistenceSink
	Close() error
}

// New builds the sink selected by cfg.Backend and creates cfg.Dir.
func New(cfg config.StorageConfig) (Sink, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	switch cfg.Backend {
	case "", "csv":
		return NewCSVSink(cfg.Dir), nil
	case "sqlite":
		return NewSQLiteSink(cfg.Dir), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
