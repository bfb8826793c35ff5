package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrylevesque/slqrattend/internal/models"
	"github.com/harrylevesque/slqrattend/internal/utils"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newSession(id, lecture string) *models.Session {
	return &models.Session{
		SessionID:      id,
		OwnerID:        "prof-1",
		LectureRef:     lecture,
		IssuedAt:       t0,
		ExpiresAt:      t0.Add(30 * time.Minute),
		AnchorLocation: &models.Location{Lat: 52.2053, Lon: 0.1218},
		Nonce:          "nonce-" + id,
		State:          models.SessionActive,
	}
}

func newOutcome(claimant, session, device string, at time.Time) *models.AttendanceOutcome {
	return &models.AttendanceOutcome{
		SessionID:       session,
		ClaimantID:      claimant,
		Status:          models.StatusAcceptedOnTime,
		Delay:           at.Sub(t0),
		DeviceSignature: device,
		SubmittedAt:     at,
		DecidedAt:       at,
		Anomalies: []models.AnomalyFinding{{
			ID:         "f-1",
			Kind:       models.AnomalyClockSkew,
			Severity:   models.SeverityMedium,
			SessionID:  session,
			ClaimantID: claimant,
			Evidence:   map[string]string{"skew": "90s"},
			DetectedAt: at,
		}},
	}
}

func entryFor(o *models.AttendanceOutcome) models.ActivityEntry {
	return models.ActivityEntry{
		ClaimantID:      o.ClaimantID,
		SessionID:       o.SessionID,
		DeviceSignature: o.DeviceSignature,
		SubmittedAt:     o.SubmittedAt,
	}
}

// runStoreSuite checks the behaviour every Store implementation must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("session round trip", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateSession(ctx, newSession("s1", "cs101"), true)
		require.NoError(t, err)

		got, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "prof-1", got.OwnerID)
		assert.True(t, got.IssuedAt.Equal(t0))
		require.NotNil(t, got.AnchorLocation)
		assert.InDelta(t, 52.2053, got.AnchorLocation.Lat, 1e-9)

		_, err = s.GetSession(ctx, "missing")
		assert.ErrorIs(t, err, utils.ErrNotFound)
	})

	t.Run("supersede same lecture", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateSession(ctx, newSession("s1", "cs101"), true)
		require.NoError(t, err)
		_, err = s.CreateSession(ctx, newSession("other", "math"), true)
		require.NoError(t, err)

		superseded, err := s.CreateSession(ctx, newSession("s2", "cs101"), true)
		require.NoError(t, err)
		assert.Equal(t, []string{"s1"}, superseded)

		old, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, models.SessionSuperseded, old.State)
		other, err := s.GetSession(ctx, "other")
		require.NoError(t, err)
		assert.Equal(t, models.SessionActive, other.State)
	})

	t.Run("concurrent opens keep one active session", func(t *testing.T) {
		s := newStore(t)
		const n = 8
		var (
			wg         sync.WaitGroup
			mu         sync.Mutex
			superseded int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ids, err := s.CreateSession(ctx, newSession(fmt.Sprintf("s%d", i), "cs101"), true)
				mu.Lock()
				defer mu.Unlock()
				if assert.NoError(t, err) {
					superseded += len(ids)
				}
			}(i)
		}
		wg.Wait()

		active := 0
		for i := 0; i < n; i++ {
			got, err := s.GetSession(ctx, fmt.Sprintf("s%d", i))
			require.NoError(t, err)
			if got.State == models.SessionActive {
				active++
			}
		}
		assert.Equal(t, 1, active)
		assert.Equal(t, n-1, superseded)
	})

	t.Run("second active session without supersede conflicts", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateSession(ctx, newSession("s1", "cs101"), false)
		require.NoError(t, err)

		_, err = s.CreateSession(ctx, newSession("s2", "cs101"), false)
		assert.ErrorIs(t, err, utils.ErrStoreConflict)

		first, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, models.SessionActive, first.State)
	})

	t.Run("update session", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateSession(ctx, newSession("s1", "cs101"), false)
		require.NoError(t, err)

		updated, err := s.UpdateSession(ctx, "s1", func(sess *models.Session) error {
			sess.State = models.SessionRevoked
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, models.SessionRevoked, updated.State)

		_, err = s.UpdateSession(ctx, "s1", func(sess *models.Session) error {
			sess.Nonce = "changed"
			return utils.ErrForbidden
		})
		assert.ErrorIs(t, err, utils.ErrForbidden)
		got, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "nonce-s1", got.Nonce)

		_, err = s.UpdateSession(ctx, "missing", func(*models.Session) error { return nil })
		assert.ErrorIs(t, err, utils.ErrNotFound)
	})

	t.Run("record outcome once", func(t *testing.T) {
		s := newStore(t)
		o := newOutcome("alice", "s1", "dev-a", t0.Add(time.Minute))
		require.NoError(t, s.RecordOutcome(ctx, o, entryFor(o)))

		again := newOutcome("alice", "s1", "dev-b", t0.Add(2*time.Minute))
		err := s.RecordOutcome(ctx, again, entryFor(again))
		assert.ErrorIs(t, err, utils.ErrDuplicateClaim)

		got, err := s.GetOutcome(ctx, "alice", "s1")
		require.NoError(t, err)
		assert.Equal(t, "dev-a", got.DeviceSignature)
		require.Len(t, got.Anomalies, 1)
		assert.Equal(t, "90s", got.Anomalies[0].Evidence["skew"])

		// the losing write must not touch the activity window
		window, err := s.RecentActivity(ctx, "alice", t0)
		require.NoError(t, err)
		assert.Len(t, window, 1)

		_, err = s.GetOutcome(ctx, "bob", "s1")
		assert.ErrorIs(t, err, utils.ErrNotFound)
	})

	t.Run("concurrent record outcome", func(t *testing.T) {
		s := newStore(t)
		const n = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			ok, dupes int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				o := newOutcome("alice", "s1", "dev", t0.Add(time.Duration(i)*time.Second))
				err := s.RecordOutcome(ctx, o, entryFor(o))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case assert.ErrorIs(t, err, utils.ErrDuplicateClaim):
					dupes++
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, ok)
		assert.Equal(t, n-1, dupes)
	})

	t.Run("device uses", func(t *testing.T) {
		s := newStore(t)
		a := newOutcome("alice", "s1", "shared", t0.Add(time.Minute))
		b := newOutcome("bob", "s1", "own", t0.Add(2*time.Minute))
		c := newOutcome("carol", "s2", "shared", t0.Add(3*time.Minute))
		for _, o := range []*models.AttendanceOutcome{a, b, c} {
			require.NoError(t, s.RecordOutcome(ctx, o, entryFor(o)))
		}

		uses, err := s.DeviceUses(ctx, "s1", "shared")
		require.NoError(t, err)
		require.Len(t, uses, 1)
		assert.Equal(t, "alice", uses[0].ClaimantID)

		uses, err = s.DeviceUses(ctx, "s1", "")
		require.NoError(t, err)
		assert.Empty(t, uses)
	})

	t.Run("list outcomes ordered", func(t *testing.T) {
		s := newStore(t)
		late := newOutcome("bob", "s1", "b", t0.Add(5*time.Minute))
		early := newOutcome("alice", "s1", "a", t0.Add(time.Minute))
		require.NoError(t, s.RecordOutcome(ctx, late, entryFor(late)))
		require.NoError(t, s.RecordOutcome(ctx, early, entryFor(early)))

		list, err := s.ListOutcomes(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "alice", list[0].ClaimantID)
		assert.Equal(t, "bob", list[1].ClaimantID)
	})

	t.Run("activity window eviction", func(t *testing.T) {
		s := newStore(t)
		// suite stores are built with a 10 minute retention
		for _, offset := range []time.Duration{0, 5 * time.Minute, 20 * time.Minute, 21 * time.Minute} {
			require.NoError(t, s.AppendActivity(ctx, models.ActivityEntry{
				ClaimantID:  "alice",
				SessionID:   "s1",
				SubmittedAt: t0.Add(offset),
			}))
		}
		all, err := s.RecentActivity(ctx, "alice", time.Time{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.True(t, all[0].SubmittedAt.Equal(t0.Add(20*time.Minute)))

		recent, err := s.RecentActivity(ctx, "alice", t0.Add(21*time.Minute))
		require.NoError(t, err)
		assert.Len(t, recent, 1)

		none, err := s.RecentActivity(ctx, "bob", time.Time{})
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}
