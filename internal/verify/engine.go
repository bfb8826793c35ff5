// Package verify turns a claim against a session into an attendance outcome.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harrylevesque/slqrattend/internal/anomaly"
	"github.com/harrylevesque/slqrattend/internal/clock"
	"github.com/harrylevesque/slqrattend/internal/models"
	"github.com/harrylevesque/slqrattend/internal/store"
	"github.com/harrylevesque/slqrattend/internal/utils"
)

// Config holds the timing thresholds. A zero LateCutoff means the session's
// own ttl.
type Config struct {
	GracePeriod time.Duration `yaml:"grace_period"`
	LateCutoff  time.Duration `yaml:"late_cutoff"`
}

// DefaultConfig is a 15 minute grace period with the session ttl as cutoff.
func DefaultConfig() Config {
	return Config{GracePeriod: 15 * time.Minute}
}

// Validate enforces 0 <= grace <= late cutoff.
func (c Config) Validate() error {
	if c.GracePeriod < 0 || c.LateCutoff < 0 {
		return utils.New(utils.CodeInvalidConfig, "grace period and late cutoff must not be negative")
	}
	if c.LateCutoff > 0 && c.GracePeriod > c.LateCutoff {
		return utils.New(utils.CodeInvalidConfig,
			fmt.Sprintf("grace period %s exceeds late cutoff %s", c.GracePeriod, c.LateCutoff))
	}
	return nil
}

// Engine decides claims. It is safe for concurrent use; all shared state
// lives in the stores.
type Engine struct {
	cfg      Config
	outcomes store.OutcomeStore
	activity store.ActivityStore
	detector *anomaly.Detector
	clock    clock.Clock
	logger   *slog.Logger
}

// NewEngine validates cfg and returns an Engine.
func NewEngine(cfg Config, outcomes store.OutcomeStore, activity store.ActivityStore, detector *anomaly.Detector, clk clock.Clock, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Engine{
		cfg:      cfg,
		outcomes: outcomes,
		activity: activity,
		detector: detector,
		clock:    clk,
		logger:   utils.OrDefault(logger),
	}, nil
}

// Verify decides claim against session. Decisions, including rejections, come
// back as the outcome; the error is reserved for store failures
// (utils.ErrStoreUnavailable, utils.ErrStoreConflict). Accepted outcomes are
// recorded together with the activity entry in one atomic step; every other
// attempt only appends to the claimant's activity window.
func (e *Engine) Verify(ctx context.Context, claim *models.Claim, session *models.Session) (*models.AttendanceOutcome, error) {
	c := *claim
	if c.SubmittedAt.IsZero() {
		c.SubmittedAt = e.clock.Now()
	}
	entry := models.ActivityEntry{
		ClaimantID:      c.ClaimantID,
		SessionID:       session.SessionID,
		DeviceSignature: c.DeviceSignature,
		SubmittedAt:     c.SubmittedAt,
	}
	out := &models.AttendanceOutcome{
		SessionID:       session.SessionID,
		ClaimantID:      c.ClaimantID,
		DeviceSignature: c.DeviceSignature,
		SubmittedAt:     c.SubmittedAt,
		Delay:           c.SubmittedAt.Sub(session.IssuedAt),
		Anomalies:       []models.AnomalyFinding{},
	}

	if !session.Live(c.SubmittedAt) {
		out.Status = models.StatusRejected
		out.RejectReason = models.ReasonExpiredSession
		if session.Revoked() {
			out.RejectReason = models.ReasonRevokedSession
		}
		if f := e.detector.SessionState(&c, session); f != nil {
			out.Anomalies = append(out.Anomalies, *f)
		}
		return e.reject(ctx, out, entry)
	}

	_, err := e.outcomes.GetOutcome(ctx, c.ClaimantID, session.SessionID)
	switch {
	case err == nil:
		return e.duplicate(ctx, &c, session, out, entry)
	case !errors.Is(err, utils.ErrNotFound):
		return nil, err
	}

	cutoff := e.lateCutoff(session)
	switch {
	case out.Delay <= e.cfg.GracePeriod && out.Delay <= cutoff:
		out.Status = models.StatusAcceptedOnTime
	case out.Delay <= cutoff:
		out.Status = models.StatusAcceptedLate
	default:
		out.Status = models.StatusRejected
		out.RejectReason = models.ReasonTooLate
		return e.reject(ctx, out, entry)
	}

	findings, err := e.detector.Detect(ctx, &c, session, out.Delay)
	if err != nil {
		return nil, err
	}
	out.Anomalies = findings
	out.DecidedAt = e.clock.Now()

	err = e.outcomes.RecordOutcome(ctx, out, entry)
	switch {
	case err == nil:
		e.logger.Info("claim accepted",
			"session_id", out.SessionID,
			"claimant_id", out.ClaimantID,
			"status", out.Status,
			"delay", out.Delay,
			"anomalies", len(out.Anomalies),
		)
		return out, nil
	case errors.Is(err, utils.ErrDuplicateClaim):
		// a concurrent claim for the same key won the insert
		out.Status = models.StatusRejected
		out.RejectReason = models.ReasonDuplicateClaim
		return e.reject(ctx, out, entry)
	default:
		return nil, err
	}
}

// duplicate rejects a repeat claim but still runs detection over it. There is
// no duplicate finding kind: a plain repeat with the live nonce carries no
// findings, and repeated attempts surface as rapid_resubmission once the
// activity window fills.
func (e *Engine) duplicate(ctx context.Context, c *models.Claim, session *models.Session, out *models.AttendanceOutcome, entry models.ActivityEntry) (*models.AttendanceOutcome, error) {
	findings, err := e.detector.Detect(ctx, c, session, out.Delay)
	if err != nil {
		return nil, err
	}
	out.Status = models.StatusRejected
	out.RejectReason = models.ReasonDuplicateClaim
	out.Anomalies = findings
	return e.reject(ctx, out, entry)
}

func (e *Engine) reject(ctx context.Context, out *models.AttendanceOutcome, entry models.ActivityEntry) (*models.AttendanceOutcome, error) {
	if err := e.activity.AppendActivity(ctx, entry); err != nil {
		return nil, err
	}
	if out.DecidedAt.IsZero() {
		out.DecidedAt = e.clock.Now()
	}
	e.logger.Info("claim rejected",
		"session_id", out.SessionID,
		"claimant_id", out.ClaimantID,
		"reason", out.RejectReason,
		"delay", out.Delay,
		"anomalies", len(out.Anomalies),
	)
	return out, nil
}

// lateCutoff is the configured cutoff, or the session ttl when unset.
func (e *Engine) lateCutoff(session *models.Session) time.Duration {
	if e.cfg.LateCutoff > 0 {
		return e.cfg.LateCutoff
	}
	return session.TTL()
}
