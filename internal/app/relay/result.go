package relay

import (
	"log/slog"

	"github.com/hickar/mailrelay/internal/app/mailer"
)

// Stage names the step of a per-message attempt which failed.
type Stage string

const (
	StageFetch     Stage = "fetch"
	StageTransform Stage = "transform"
	StageSize      Stage = "size"
	StageSend      Stage = "send"
	StageMarkSeen  Stage = "mark_seen"
)

// BatchResult is the tally of a single run.
type BatchResult struct {
	Skipped     bool
	SkipReason  string
	TotalUnread int
	Attempted   int
	Forwarded   int
	Failed      int
	Remaining   int // Unread messages left for the following runs.
	Reconnects  int
	Failures    []Failure
}

// Failure describes a message which could not be relayed.
type Failure struct {
	Position int // 1-based position within the batch.
	ID       mailer.MessageID
	Subject  string
	Stage    Stage
	Kind     mailer.FailureKind
	Err      error
}

func (f Failure) LogAttrs() []any {
	return []any{
		slog.Int("position", f.Position),
		slog.String("id", string(f.ID)),
		slog.String("subject", f.Subject),
		slog.String("stage", string(f.Stage)),
		slog.String("kind", f.Kind.String()),
		slog.Any("error", f.Err),
	}
}
