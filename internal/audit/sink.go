// Package audit publishes decided outcomes and their anomaly findings to the
// review collaborators.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/harrylevesque/slqrattend/internal/models"
)

// Entry kinds.
const (
	KindOutcome = "outcome"
	KindFinding = "finding"
)

// Entry is one line of the audit stream. Exactly one of Outcome and Finding is set.
type Entry struct {
	Kind       string                    `json:"kind"`
	SessionID  string                    `json:"session_id"`
	ClaimantID string                    `json:"claimant_id"`
	Outcome    *models.AttendanceOutcome `json:"outcome,omitempty"`
	Finding    *models.AnomalyFinding    `json:"finding,omitempty"`
	RecordedAt time.Time                 `json:"recorded_at"`
}

// Entries flattens o into one outcome entry followed by one entry per finding
// in detection order.
func Entries(o *models.AttendanceOutcome, at time.Time) []Entry {
	out := make([]Entry, 0, 1+len(o.Anomalies))
	out = append(out, Entry{
		Kind:       KindOutcome,
		SessionID:  o.SessionID,
		ClaimantID: o.ClaimantID,
		Outcome:    o,
		RecordedAt: at,
	})
	for i := range o.Anomalies {
		out = append(out, Entry{
			Kind:       KindFinding,
			SessionID:  o.SessionID,
			ClaimantID: o.ClaimantID,
			Finding:    &o.Anomalies[i],
			RecordedAt: at,
		})
	}
	return out
}

// Sink receives audit entries.
type Sink interface {
	Publish(ctx context.Context, entries []Entry) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, []Entry) error { return nil }
func (Nop) Close() error                           { return nil }

// Multi fans entries out to every sink. All sinks are attempted; their
// errors are joined.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, entries []Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, entries); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
