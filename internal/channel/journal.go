package channel

import (
	"context"

	"launchpad/internal/domain"
)

// Recorder persists notifications; *journal.Store implements it.
type Recorder interface {
	Record(ctx context.Context, n domain.Notification) error
}

// JournalOutput records every forwarded notification.
type JournalOutput struct {
	rec Recorder
}

func NewJournalOutput(rec Recorder) *JournalOutput {
	return &JournalOutput{rec: rec}
}

func (j *JournalOutput) Name() string { return "journal" }

func (j *JournalOutput) Forward(ctx context.Context, n domain.Notification) error {
	return j.rec.Record(ctx, n)
}
