package verify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrylevesque/slqrattend/internal/anomaly"
	"github.com/harrylevesque/slqrattend/internal/clock"
	"github.com/harrylevesque/slqrattend/internal/models"
	"github.com/harrylevesque/slqrattend/internal/store"
	"github.com/harrylevesque/slqrattend/internal/utils"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

var hall = models.Location{Lat: 45.5048, Lon: -73.5772}

type harness struct {
	engine *Engine
	store  store.Store
	clock  *clock.Manual
	sess   *models.Session
}

func newHarness(t *testing.T, cfg Config, st store.Store) *harness {
	t.Helper()
	clk := clock.NewManual(t0)
	det, err := anomaly.NewDetector(anomaly.DefaultConfig(), st, st, clk, nil)
	require.NoError(t, err)
	eng, err := NewEngine(cfg, st, st, det, clk, nil)
	require.NoError(t, err)

	sess := &models.Session{
		SessionID:      "sess-1",
		OwnerID:        "prof",
		LectureRef:     "cs101",
		IssuedAt:       t0,
		ExpiresAt:      t0.Add(time.Hour),
		AnchorLocation: &hall,
		Nonce:          "nonce-1",
		State:          models.SessionActive,
	}
	_, err = st.CreateSession(context.Background(), sess, true)
	require.NoError(t, err)
	return &harness{engine: eng, store: st, clock: clk, sess: sess}
}

func (h *harness) claim(claimant string, delay time.Duration) *models.Claim {
	return &models.Claim{
		ClaimantID:  claimant,
		SessionID:   h.sess.SessionID,
		TokenNonce:  h.sess.Nonce,
		SubmittedAt: h.sess.IssuedAt.Add(delay),
	}
}

func memoryHarness(t *testing.T, cfg Config) *harness {
	return newHarness(t, cfg, store.NewMemoryStore(time.Hour))
}

func TestVerify_Classification(t *testing.T) {
	cfg := Config{GracePeriod: 15 * time.Minute, LateCutoff: 30 * time.Minute}
	cases := []struct {
		name   string
		delay  time.Duration
		status models.Status
		reason models.RejectReason
	}{
		{"at issue", 0, models.StatusAcceptedOnTime, models.ReasonNone},
		{"grace minus 1s", 15*time.Minute - time.Second, models.StatusAcceptedOnTime, models.ReasonNone},
		{"exactly grace", 15 * time.Minute, models.StatusAcceptedOnTime, models.ReasonNone},
		{"grace plus 1s", 15*time.Minute + time.Second, models.StatusAcceptedLate, models.ReasonNone},
		{"exactly cutoff", 30 * time.Minute, models.StatusAcceptedLate, models.ReasonNone},
		{"cutoff plus 1s", 30*time.Minute + time.Second, models.StatusRejected, models.ReasonTooLate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := memoryHarness(t, cfg)
			out, err := h.engine.Verify(context.Background(), h.claim("alice", tc.delay), h.sess)
			require.NoError(t, err)
			assert.Equal(t, tc.status, out.Status)
			assert.Equal(t, tc.reason, out.RejectReason)
			assert.Equal(t, tc.delay, out.Delay)

			_, err = h.store.GetOutcome(context.Background(), "alice", h.sess.SessionID)
			if tc.status.Accepted() {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, utils.ErrNotFound, "rejections are never stored")
				assert.ErrorIs(t, out.Err(), utils.ErrTooLate)
			}
		})
	}
}

func TestVerify_DefaultCutoffIsSessionTTL(t *testing.T) {
	h := memoryHarness(t, DefaultConfig())
	out, err := h.engine.Verify(context.Background(), h.claim("alice", 59*time.Minute), h.sess)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAcceptedLate, out.Status)
}

func TestVerify_UsesServerTimeNotClientTime(t *testing.T) {
	h := memoryHarness(t, DefaultConfig())
	c := h.claim("alice", 20*time.Minute)
	c.ClientReportedTime = h.sess.IssuedAt.Add(time.Minute)

	out, err := h.engine.Verify(context.Background(), c, h.sess)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAcceptedLate, out.Status)
	require.Len(t, out.Anomalies, 1)
	assert.Equal(t, models.AnomalyClockSkew, out.Anomalies[0].Kind)
}

func TestVerify_ZeroSubmittedAtUsesClock(t *testing.T) {
	h := memoryHarness(t, DefaultConfig())
	h.clock.Set(t0.Add(3 * time.Minute))
	c := h.claim("alice", 0)
	c.SubmittedAt = time.Time{}

	out, err := h.engine.Verify(context.Background(), c, h.sess)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute, out.Delay)
	assert.True(t, c.SubmittedAt.IsZero(), "caller's claim is not modified")
}

func TestVerify_NotLive(t *testing.T) {
	h := memoryHarness(t, DefaultConfig())
	ctx := context.Background()

	out, err := h.engine.Verify(ctx, h.claim("alice", time.Hour), h.sess)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, out.Status)
	assert.Equal(t, models.ReasonExpiredSession, out.RejectReason)
	require.Len(t, out.Anomalies, 1)
	assert.Equal(t, models.AnomalyExpiredSession, out.Anomalies[0].Kind)

	for _, state := range []models.SessionState{models.SessionRevoked, models.SessionSuperseded} {
		s := *h.sess
		s.State = state
		out, err := h.engine.Verify(ctx, h.claim("bob", time.Minute), &s)
		require.NoError(t, err)
		assert.Equal(t, models.ReasonRevokedSession, out.RejectReason, string(state))
		assert.ErrorIs(t, out.Err(), utils.ErrRevoked)
	}

	// rejected attempts still land in the activity window
	recent, err := h.store.RecentActivity(ctx, "alice", time.Time{})
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestVerify_DuplicateClaimRunsDetector(t *testing.T) {
	h := memoryHarness(t, DefaultConfig())
	ctx := context.Background()

	first, err := h.engine.Verify(ctx, h.claim("alice", time.Minute), h.sess)
	require.NoError(t, err)
	require.Equal(t, models.StatusAcceptedOnTime, first.Status)

	again := h.claim("alice", 2*time.Minute)
	again.TokenNonce = "old-nonce"
	out, err := h.engine.Verify(ctx, again, h.sess)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, out.Status)
	assert.Equal(t, models.ReasonDuplicateClaim, out.RejectReason)
	require.Len(t, out.Anomalies, 1)
	assert.Equal(t, models.AnomalyReplayedNonce, out.Anomalies[0].Kind)

	stored, err := h.store.GetOutcome(ctx, "alice", h.sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAcceptedOnTime, stored.Status, "the first outcome is not overwritten")
	assert.True(t, stored.SubmittedAt.Equal(first.SubmittedAt))

	recent, err := h.store.RecentActivity(ctx, "alice", time.Time{})
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestVerify_PlainDuplicateEscalatesToRapidResubmission(t *testing.T) {
	h := memoryHarness(t, DefaultConfig())
	ctx := context.Background()

	_, err := h.engine.Verify(ctx, h.claim("alice", time.Minute), h.sess)
	require.NoError(t, err)

	// same nonce, same everything: rejected without findings
	out, err := h.engine.Verify(ctx, h.claim("alice", 2*time.Minute), h.sess)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonDuplicateClaim, out.RejectReason)
	assert.NotNil(t, out.Anomalies)
	assert.Empty(t, out.Anomalies)

	out, err = h.engine.Verify(ctx, h.claim("alice", 3*time.Minute), h.sess)
	require.NoError(t, err)
	assert.Empty(t, out.Anomalies)

	// fourth attempt inside the 5 minute window
	out, err = h.engine.Verify(ctx, h.claim("alice", 4*time.Minute), h.sess)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonDuplicateClaim, out.RejectReason)
	require.Len(t, out.Anomalies, 1)
	assert.Equal(t, models.AnomalyRapidResubmission, out.Anomalies[0].Kind)
	assert.Equal(t, "4", out.Anomalies[0].Evidence["submissions"])
}

func TestVerify_LocationMismatch600m(t *testing.T) {
	h := memoryHarness(t, DefaultConfig())
	c := h.claim("alice", time.Minute)
	c.ClaimedLocation = &models.Location{Lat: hall.Lat + 0.0054, Lon: hall.Lon}

	out, err := h.engine.Verify(context.Background(), c, h.sess)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAcceptedOnTime, out.Status, "anomalies do not change status")

	var mismatches []models.AnomalyFinding
	for _, f := range out.Anomalies {
		if f.Kind == models.AnomalyLocationMismatch {
			mismatches = append(mismatches, f)
		}
	}
	require.Len(t, mismatches, 1)
	assert.Equal(t, models.SeverityHigh, mismatches[0].Severity)

	stored, err := h.store.GetOutcome(context.Background(), "alice", h.sess.SessionID)
	require.NoError(t, err)
	require.Len(t, stored.Anomalies, 1)
	assert.Equal(t, mismatches[0].ID, stored.Anomalies[0].ID)
}

func TestVerify_DeviceReuseAcrossClaimants(t *testing.T) {
	h := memoryHarness(t, DefaultConfig())
	ctx := context.Background()

	a := h.claim("alice", time.Minute)
	a.DeviceSignature = "phone-1"
	_, err := h.engine.Verify(ctx, a, h.sess)
	require.NoError(t, err)

	b := h.claim("bob", 2*time.Minute)
	b.DeviceSignature = "phone-1"
	out, err := h.engine.Verify(ctx, b, h.sess)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAcceptedOnTime, out.Status)
	require.Len(t, out.Anomalies, 1)
	assert.Equal(t, models.AnomalyDeviceReuseConflict, out.Anomalies[0].Kind)
	assert.Equal(t, "alice", out.Anomalies[0].Evidence["other_claimant_id"])
}

func TestVerify_RevokeKeepsRecordedOutcomes(t *testing.T) {
	h := memoryHarness(t, DefaultConfig())
	ctx := context.Background()

	before, err := h.engine.Verify(ctx, h.claim("alice", time.Minute), h.sess)
	require.NoError(t, err)

	revoked, err := h.store.UpdateSession(ctx, h.sess.SessionID, func(s *models.Session) error {
		s.State = models.SessionRevoked
		return nil
	})
	require.NoError(t, err)

	out, err := h.engine.Verify(ctx, h.claim("bob", 2*time.Minute), revoked)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonRevokedSession, out.RejectReason)

	list, err := h.store.ListOutcomes(ctx, h.sess.SessionID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "alice", list[0].ClaimantID)
	assert.Equal(t, before.Status, list[0].Status)
}

func TestVerify_ConcurrentSameKey(t *testing.T) {
	backends := map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store { return store.NewMemoryStore(time.Hour) },
		"sqlite": func(t *testing.T) store.Store {
			s, err := store.OpenSQL(context.Background(), store.DialectSQLite, ":memory:", time.Hour)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, DefaultConfig(), open(t))
			const n = 8
			var wg sync.WaitGroup
			outs := make([]*models.AttendanceOutcome, n)
			errs := make([]error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					outs[i], errs[i] = h.engine.Verify(context.Background(), h.claim("alice", time.Minute), h.sess)
				}(i)
			}
			wg.Wait()

			accepted, duplicates := 0, 0
			for i := 0; i < n; i++ {
				require.NoError(t, errs[i])
				if outs[i].Status.Accepted() {
					accepted++
				} else if outs[i].RejectReason == models.ReasonDuplicateClaim {
					duplicates++
				}
			}
			assert.Equal(t, 1, accepted)
			assert.Equal(t, n-1, duplicates)

			list, err := h.store.ListOutcomes(context.Background(), h.sess.SessionID)
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

type brokenStore struct {
	*store.MemoryStore
}

func (brokenStore) RecordOutcome(context.Context, *models.AttendanceOutcome, models.ActivityEntry) error {
	return utils.Wrap(utils.CodeStoreUnavailable, "record outcome", errors.New("disk full"))
}

func TestVerify_StoreFailureIsNotDuplicate(t *testing.T) {
	h := newHarness(t, DefaultConfig(), brokenStore{store.NewMemoryStore(time.Hour)})

	out, err := h.engine.Verify(context.Background(), h.claim("alice", time.Minute), h.sess)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, utils.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, utils.ErrDuplicateClaim)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, Config{GracePeriod: 0, LateCutoff: 0}.Validate())
	assert.ErrorIs(t, Config{GracePeriod: -time.Second}.Validate(), utils.ErrInvalidConfig)
	assert.ErrorIs(t, Config{GracePeriod: time.Hour, LateCutoff: time.Minute}.Validate(), utils.ErrInvalidConfig)

	_, err := NewEngine(Config{GracePeriod: time.Hour, LateCutoff: time.Minute}, nil, nil, nil, nil, nil)
	assert.ErrorIs(t, err, utils.ErrInvalidConfig)
}
