package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hickar/mailrelay/internal/app/config"
	"github.com/hickar/mailrelay/internal/app/forwarder"
	"github.com/hickar/mailrelay/internal/app/mailer"
)

var ErrMessageTooLarge = errors.New("message exceeds size limit")

type Transformer interface {
	Transform(raw *mailer.RawMessage) (*mailer.OutboundMessage, error)
}

type Accounting interface {
	Load(ctx context.Context) mailer.RunState
	Save(ctx context.Context, state mailer.RunState)
}

// Engine relays unread messages from the source mailbox to the
// destination, one bounded batch per run.
type Engine struct {
	stores      mailer.StoreOpener
	transports  mailer.TransportDialer
	transformer Transformer
	accounting  Accounting
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
}

type Option func(*Engine)

// WithClock overrides time source used for the time window check.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithSleeper overrides how the pause between sends is taken.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

func NewEngine(
	stores mailer.StoreOpener,
	transports mailer.TransportDialer,
	transformer Transformer,
	accounting Accounting,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		stores:      stores,
		transports:  transports,
		transformer: transformer,
		accounting:  accounting,
		now:         time.Now,
		sleep:       sleepContext,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// RunOnce performs a single relay run.
//
// Errors are returned only when the run could not start: the source
// mailbox could not be opened or listed, or the first transport session
// could not be established. Failures of individual messages are reported
// in BatchResult. Cancelling ctx stops the batch before the next message.
func (e *Engine) RunOnce(ctx context.Context, cfg config.RelayConfig) (BatchResult, error) {
	var res BatchResult
	started := e.now()

	if w := cfg.AllowedTimeWindow; w != nil && !w.Contains(cfg.In(started)) {
		res.Skipped = true
		res.SkipReason = fmt.Sprintf("outside allowed time window %s", w)
		e.logger.InfoContext(ctx, "relay run skipped", slog.String("reason", res.SkipReason))
		return res, nil
	}

	state := e.accounting.Load(ctx)
	if reason := quotaReached(state, cfg); reason != "" {
		res.Skipped = true
		res.SkipReason = reason
		e.logger.InfoContext(ctx, "relay run skipped",
			slog.String("reason", reason),
			slog.Group("quota", quotaAttrs(state, cfg)...),
		)
		return res, nil
	}

	store, err := e.stores.Open(ctx)
	if err != nil {
		return res, fmt.Errorf("open message store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			e.logger.DebugContext(ctx, "failed to close message store", slog.Any("error", err))
		}
	}()

	unread, err := store.ListUnread(ctx)
	if err != nil {
		return res, fmt.Errorf("list unread messages: %w", err)
	}

	res.TotalUnread = len(unread)
	if len(unread) == 0 {
		e.logger.InfoContext(ctx, "no unread messages found")
		return res, nil
	}

	batch := unread[:batchSize(len(unread), state, cfg)]
	e.logger.InfoContext(ctx, "unread messages found",
		slog.Int("total_unread", len(unread)),
		slog.Int("batch", len(batch)),
	)

	transport, err := e.transports.Dial(ctx)
	if err != nil {
		return res, fmt.Errorf("connect to transport: %w", err)
	}
	defer func() {
		if transport == nil {
			return
		}
		if err := transport.Close(); err != nil {
			e.logger.DebugContext(ctx, "failed to close transport", slog.Any("error", err))
		}
	}()

	delay := cfg.InterMessageDelay()
	for i, id := range batch {
		if ctx.Err() != nil {
			break
		}

		res.Attempted++
		position := i + 1

		it := e.attempt(ctx, store, transport, id, cfg)
		transport = it.transport
		if it.reconnected {
			res.Reconnects++
		}

		if it.failure != nil {
			it.failure.Position = position
			res.Failed++
			res.Failures = append(res.Failures, *it.failure)
			e.logger.WarnContext(ctx, fmt.Sprintf("[%d/%d] failed to forward message", position, len(batch)),
				it.failure.LogAttrs()...,
			)
		} else {
			res.Forwarded++
			e.logger.InfoContext(ctx, fmt.Sprintf("[%d/%d] message forwarded", position, len(batch)),
				slog.String("id", string(id)),
				slog.String("subject", it.subject),
			)
		}

		if it.sent && position < len(batch) && delay > 0 {
			if err := e.sleep(ctx, delay); err != nil {
				break
			}
		}
	}

	res.Remaining = res.TotalUnread - res.Attempted

	state.RunsCompletedToday++
	state.EmailsSentToday += res.Forwarded
	e.accounting.Save(context.WithoutCancel(ctx), state)

	e.logger.InfoContext(ctx, "relay run complete",
		slog.Int("total_unread", res.TotalUnread),
		slog.Int("attempted", res.Attempted),
		slog.Int("forwarded", res.Forwarded),
		slog.Int("failed", res.Failed),
		slog.Int("remaining", res.Remaining),
		slog.Int("reconnects", res.Reconnects),
		slog.Group("quota", quotaAttrs(state, cfg)...),
		slog.Duration("duration", e.now().Sub(started)),
	)

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("run interrupted: %w", err)
	}

	return res, nil
}

// itemResult is the outcome of a single message attempt.
type itemResult struct {
	transport   mailer.Transport
	reconnected bool
	sent        bool
	subject     string
	failure     *Failure
}

// attempt relays a single message: fetch, transform, deliver and,
// only after successful delivery, mark it seen.
func (e *Engine) attempt(
	ctx context.Context,
	store mailer.MessageStore,
	transport mailer.Transport,
	id mailer.MessageID,
	cfg config.RelayConfig,
) itemResult {
	it := itemResult{transport: transport}
	fail := func(stage Stage, err error) itemResult {
		it.failure = &Failure{
			ID:      id,
			Subject: it.subject,
			Stage:   stage,
			Kind:    mailer.KindOf(err),
			Err:     err,
		}
		return it
	}

	raw, err := store.Fetch(ctx, id)
	if err != nil {
		return fail(StageFetch, err)
	}
	it.subject = forwarder.DisplaySubject(forwarder.SanitizeSubject(raw.Header.Subject))

	msg, err := e.transformer.Transform(raw)
	if err != nil {
		return fail(StageTransform, err)
	}

	if limit := cfg.MaxMessageBytes; limit > 0 && msg.Size() > int64(limit) {
		return fail(StageSize, mailer.NewSendError(mailer.KindRejected, fmt.Errorf("%w: %s > %s",
			ErrMessageTooLarge, humanize.Bytes(uint64(msg.Size())), humanize.Bytes(limit))))
	}

	d, err := deliver(ctx, e.transports, transport, msg)
	it.transport = d.transport
	it.reconnected = d.reconnected
	if err != nil {
		return fail(StageSend, err)
	}
	it.sent = true

	if err = store.MarkSeen(ctx, id); err != nil {
		e.logger.ErrorContext(ctx, "message sent but not marked as seen, it will be forwarded again",
			slog.String("id", string(id)),
			slog.Any("error", err),
		)
		return fail(StageMarkSeen, err)
	}

	return it
}

// batchSize bounds batch by per-run limit and remaining daily email budget.
func batchSize(unread int, state mailer.RunState, cfg config.RelayConfig) int {
	size := unread
	if cfg.MaxPerRun > 0 {
		size = min(size, cfg.MaxPerRun)
	}
	if cfg.MaxEmailsPerDay > 0 {
		size = min(size, max(cfg.MaxEmailsPerDay-state.EmailsSentToday, 0))
	}

	return size
}

func quotaReached(state mailer.RunState, cfg config.RelayConfig) string {
	switch {
	case cfg.MaxRunsPerDay > 0 && state.RunsCompletedToday >= cfg.MaxRunsPerDay:
		return fmt.Sprintf("daily run quota reached (%d/%d)", state.RunsCompletedToday, cfg.MaxRunsPerDay)
	case cfg.MaxEmailsPerDay > 0 && state.EmailsSentToday >= cfg.MaxEmailsPerDay:
		return fmt.Sprintf("daily email quota reached (%d/%d)", state.EmailsSentToday, cfg.MaxEmailsPerDay)
	}

	return ""
}

func quotaAttrs(state mailer.RunState, cfg config.RelayConfig) []any {
	return []any{
		slog.String("date", state.Date),
		slog.Int("runs_today", state.RunsCompletedToday),
		slog.Int("max_runs_per_day", cfg.MaxRunsPerDay),
		slog.Int("emails_today", state.EmailsSentToday),
		slog.Int("max_emails_per_day", cfg.MaxEmailsPerDay),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
