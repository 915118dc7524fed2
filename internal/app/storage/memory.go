package storage

import (
	"context"

	"github.com/hickar/mailrelay/internal/app/mailer"
	"github.com/hickar/mailrelay/internal/pkg/kvstore"
)

const runStateKey = "run_state"

// MemoryBackend keeps run state for the lifetime of the process only.
// Counters are lost on restart, which resets daily quotas.
type MemoryBackend struct {
	store *kvstore.KVStore[string, mailer.RunState]
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{store: kvstore.New[string, mailer.RunState]()}
}

func (m *MemoryBackend) Read(_ context.Context) (mailer.RunState, error) {
	state, ok := m.store.Get(runStateKey)
	if !ok {
		return state, ErrNoState
	}
	return state, nil
}

func (m *MemoryBackend) Write(_ context.Context, state mailer.RunState) error {
	m.store.Set(runStateKey, state)
	return nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
