package storage

import (
	"fmt"

	"github.com/hickar/mailrelay/internal/app/config"
)

// Open creates backend selected by configuration.
func Open(cfg config.StateConfig) (Backend, error) {
	switch cfg.Driver {
	case config.StateDriverFile:
		return NewFileBackend(cfg.Path), nil
	case config.StateDriverSQLite:
		return NewSQLiteBackend(cfg.Path)
	case config.StateDriverMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported state driver: %q", cfg.Driver)
	}
}
