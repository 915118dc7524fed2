package mailer

import "time"

const DateLayout = "2006-01-02"

// RunState holds per-day run accounting.
type RunState struct {
	Date               string `json:"date"`
	RunsCompletedToday int    `json:"runs_completed_today"`
	EmailsSentToday    int    `json:"emails_sent_today"`
}

// NewRunState returns zeroed counters for calendar day of t.
func NewRunState(t time.Time) RunState {
	return RunState{Date: t.Format(DateLayout)}
}

// Valid reports whether state could have been produced by a run.
func (s RunState) Valid() bool {
	if _, err := time.Parse(DateLayout, s.Date); err != nil {
		return false
	}
	return s.RunsCompletedToday >= 0 && s.EmailsSentToday >= 0
}
