// Package store holds the session registry, recorded outcomes and per-claimant
// activity windows. Implementations must make RecordOutcome an atomic
// check-and-insert per (claimant, session) key.
package store

import (
	"context"
	"time"

	"github.com/harrylevesque/slqrattend/internal/models"
)

// SessionStore is the session registry.
type SessionStore interface {
	// CreateSession inserts s. When supersede is set, every active session with
	// the same lecture ref is moved to the superseded state in the same step;
	// their ids are returned. At most one session per lecture ref is active;
	// without supersede a second active session fails with ErrStoreConflict.
	CreateSession(ctx context.Context, s *models.Session, supersede bool) ([]string, error)
	// GetSession returns a copy of the stored session or utils.ErrNotFound.
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	// UpdateSession applies fn to the stored session under a consistent read
	// and persists the result unless fn returns an error.
	UpdateSession(ctx context.Context, sessionID string, fn func(*models.Session) error) (*models.Session, error)
}

// OutcomeStore holds accepted attendance outcomes.
type OutcomeStore interface {
	// GetOutcome returns the outcome for the key or utils.ErrNotFound.
	GetOutcome(ctx context.Context, claimantID, sessionID string) (*models.AttendanceOutcome, error)
	// RecordOutcome inserts o and appends entry to the claimant's activity
	// window atomically. If an outcome already exists for the key nothing is
	// written and utils.ErrDuplicateClaim is returned.
	RecordOutcome(ctx context.Context, o *models.AttendanceOutcome, entry models.ActivityEntry) error
	// DeviceUses lists claimants whose recorded outcome on sessionID used deviceSignature.
	DeviceUses(ctx context.Context, sessionID, deviceSignature string) ([]models.DeviceUse, error)
	// ListOutcomes returns the outcomes recorded for a session ordered by submission time.
	ListOutcomes(ctx context.Context, sessionID string) ([]*models.AttendanceOutcome, error)
}

// ActivityStore holds per-claimant rolling submission logs.
type ActivityStore interface {
	// AppendActivity appends entry and lazily evicts the claimant's entries
	// older than the store's retention.
	AppendActivity(ctx context.Context, entry models.ActivityEntry) error
	// RecentActivity returns the claimant's entries submitted at or after since,
	// oldest first.
	RecentActivity(ctx context.Context, claimantID string, since time.Time) ([]models.ActivityEntry, error)
}

// Store is the full collaborator contract consumed by the attendance core.
type Store interface {
	SessionStore
	OutcomeStore
	ActivityStore
	Ping(ctx context.Context) error
	Close() error
}

// DefaultRetention bounds how long activity entries are kept.
const DefaultRetention = time.Hour
