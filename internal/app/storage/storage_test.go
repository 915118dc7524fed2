package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hickar/mailrelay/internal/app/config"
	"github.com/hickar/mailrelay/internal/app/mailer"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func fixedClock(t time.Time) Option {
	return WithClock(func() time.Time { return t })
}

func TestAccountingLoad(t *testing.T) {
	now := time.Date(2024, time.March, 10, 9, 30, 0, 0, time.UTC)
	today := mailer.RunState{Date: "2024-03-10"}

	tests := []struct {
		name    string
		prepare func(t *testing.T, path string)
		want    mailer.RunState
	}{
		{
			name:    "missing file",
			prepare: func(*testing.T, string) {},
			want:    today,
		},
		{
			name: "corrupted file",
			prepare: func(t *testing.T, path string) {
				require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
			},
			want: today,
		},
		{
			name: "negative counters",
			prepare: func(t *testing.T, path string) {
				require.NoError(t, os.WriteFile(path, []byte(`{"date":"2024-03-10","runs_completed_today":-1}`), 0o600))
			},
			want: today,
		},
		{
			name: "previous day",
			prepare: func(t *testing.T, path string) {
				require.NoError(t, os.WriteFile(path, []byte(`{"date":"2024-03-09","runs_completed_today":7,"emails_sent_today":120}`), 0o600))
			},
			want: today,
		},
		{
			name: "same day",
			prepare: func(t *testing.T, path string) {
				require.NoError(t, os.WriteFile(path, []byte(`{"date":"2024-03-10","runs_completed_today":2,"emails_sent_today":31}`), 0o600))
			},
			want: mailer.RunState{Date: "2024-03-10", RunsCompletedToday: 2, EmailsSentToday: 31},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state.json")
			tt.prepare(t, path)

			acc := NewAccounting(NewFileBackend(path), time.UTC, discardLogger, fixedClock(now))
			assert.Equal(t, tt.want, acc.Load(context.Background()))
		})
	}
}

func TestAccountingUsesConfiguredLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	now := time.Date(2024, time.March, 10, 22, 30, 0, 0, time.UTC)

	acc := NewAccounting(NewMemoryBackend(), loc, discardLogger, fixedClock(now))
	assert.Equal(t, "2024-03-11", acc.Load(context.Background()).Date)
}

func TestBackendsRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	sqlite, err := NewSQLiteBackend(filepath.Join(dir, "state.db"))
	require.NoError(t, err)

	backends := map[string]Backend{
		"file":   NewFileBackend(filepath.Join(dir, "nested", "state.json")),
		"sqlite": sqlite,
		"memory": NewMemoryBackend(),
	}

	for name, backend := range backends {
		t.Run(name, func(t *testing.T) {
			t.Cleanup(func() { assert.NoError(t, backend.Close()) })

			_, err := backend.Read(ctx)
			require.ErrorIs(t, err, ErrNoState)

			first := mailer.RunState{Date: "2024-03-10", RunsCompletedToday: 1, EmailsSentToday: 3}
			require.NoError(t, backend.Write(ctx, first))

			second := mailer.RunState{Date: "2024-03-10", RunsCompletedToday: 2, EmailsSentToday: 8}
			require.NoError(t, backend.Write(ctx, second))

			got, err := backend.Read(ctx)
			require.NoError(t, err)
			assert.Equal(t, second, got)
		})
	}
}

func TestSQLiteBackendReopensExistingDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	first, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	require.NoError(t, first.Write(ctx, mailer.RunState{Date: "2024-03-10", RunsCompletedToday: 4}))
	require.NoError(t, first.Close())

	second, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	got, err := second.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, got.RunsCompletedToday)
}

type failingBackend struct {
	MemoryBackend
}

func (failingBackend) Write(context.Context, mailer.RunState) error {
	return errors.New("disk full")
}

func TestAccountingSaveIsBestEffort(t *testing.T) {
	acc := NewAccounting(&failingBackend{MemoryBackend: *NewMemoryBackend()}, time.UTC, discardLogger)

	assert.NotPanics(t, func() {
		acc.Save(context.Background(), mailer.RunState{Date: "2024-03-10", RunsCompletedToday: 1})
	})
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	backend, err := Open(config.StateConfig{Driver: config.StateDriverFile, Path: filepath.Join(dir, "s.json")})
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, backend)

	backend, err = Open(config.StateConfig{Driver: config.StateDriverSQLite, Path: filepath.Join(dir, "s.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteBackend{}, backend)
	require.NoError(t, backend.Close())

	backend, err = Open(config.StateConfig{Driver: config.StateDriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, backend)

	_, err = Open(config.StateConfig{Driver: "redis"})
	assert.Error(t, err)
}
