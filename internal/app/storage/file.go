package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hickar/mailrelay/internal/app/mailer"
)

// FileBackend keeps run state in a small JSON document.
// Writes go through a temporary file and rename so a crash never
// leaves a half-written document behind.
type FileBackend struct {
	path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: filepath.Clean(path)}
}

func (f *FileBackend) Read(_ context.Context) (mailer.RunState, error) {
	var state mailer.RunState

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return state, ErrNoState
	}
	if err != nil {
		return state, fmt.Errorf("read state file: %w", err)
	}

	if err = json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("parse state file: %w", err)
	}

	return state, nil
}

func (f *FileBackend) Write(_ context.Context, state mailer.RunState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary state file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temporary state file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temporary state file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temporary state file: %w", err)
	}

	if err = os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}

	return nil
}

func (f *FileBackend) Close() error {
	return nil
}
