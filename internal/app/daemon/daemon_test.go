package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hickar/mailrelay/internal/app/config"
	"github.com/hickar/mailrelay/internal/app/mailer"
	"github.com/hickar/mailrelay/internal/app/relay"
)

type fakeRunner struct {
	mu        sync.Mutex
	calls     int
	deadlines []bool
	results   func(ctx context.Context, call int) error
}

func (r *fakeRunner) RunOnce(ctx context.Context, _ config.RelayConfig) (relay.BatchResult, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	_, ok := ctx.Deadline()
	r.deadlines = append(r.deadlines, ok)
	r.mu.Unlock()

	return relay.BatchResult{}, r.results(ctx, call)
}

func testConfig() config.Config {
	return config.Config{
		PollInterval: 5 * time.Millisecond,
		RunTimeout:   time.Second,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDaemonStopsOnAuthFailure(t *testing.T) {
	runner := &fakeRunner{results: func(context.Context, int) error {
		return fmt.Errorf("open message store: login: %w", mailer.ErrAuthFailed)
	}}

	cfg := testConfig()
	cfg.PollInterval = time.Hour

	d := NewDaemon(cfg, &Scheduler{}, runner, discardLogger())

	err := d.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, mailer.ErrAuthFailed)
	assert.Equal(t, 1, runner.calls)
}

func TestDaemonContinuesAfterFailedRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &fakeRunner{results: func(_ context.Context, call int) error {
		if call == 3 {
			cancel()
			return nil
		}
		return errors.New("connection refused")
	}}

	d := NewDaemon(testConfig(), &Scheduler{}, runner, discardLogger())

	err := d.Start(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.GreaterOrEqual(t, runner.calls, 3)
	for _, ok := range runner.deadlines {
		assert.True(t, ok, "every run is bounded by run timeout")
	}
}

func TestDaemonRunTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := &fakeRunner{results: func(runCtx context.Context, call int) error {
		if call == 1 {
			<-runCtx.Done()
			return fmt.Errorf("run interrupted: %w", runCtx.Err())
		}
		cancel()
		return nil
	}}

	cfg := testConfig()
	cfg.RunTimeout = 10 * time.Millisecond

	err := NewDaemon(cfg, &Scheduler{}, runner, discardLogger()).Start(ctx)
	assert.ErrorIs(t, err, context.Canceled, "timed out run does not stop the daemon")
}

func TestDaemonInvalidInterval(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 0

	runner := &fakeRunner{results: func(context.Context, int) error { return nil }}
	err := NewDaemon(cfg, &Scheduler{}, runner, discardLogger()).Start(context.Background())
	assert.ErrorContains(t, err, "interval must be larger than 0")
	assert.Zero(t, runner.calls)
}
