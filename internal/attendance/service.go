// Package attendance is the entry point used by the transports: it rate limits
// claims, resolves tokens to sessions, runs the verification engine and
// publishes the result.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harrylevesque/slqrattend/internal/audit"
	"github.com/harrylevesque/slqrattend/internal/clock"
	"github.com/harrylevesque/slqrattend/internal/models"
	"github.com/harrylevesque/slqrattend/internal/observability"
	"github.com/harrylevesque/slqrattend/internal/ratelimit"
	"github.com/harrylevesque/slqrattend/internal/session"
	"github.com/harrylevesque/slqrattend/internal/store"
	"github.com/harrylevesque/slqrattend/internal/utils"
	"github.com/harrylevesque/slqrattend/internal/verify"
)

// Config bounds claim attempts per claimant.
type Config struct {
	ClaimRateMax    int           `yaml:"claim_rate_max"`
	ClaimRateWindow time.Duration `yaml:"claim_rate_window"`
}

// DefaultConfig allows ten claim attempts per claimant per minute.
func DefaultConfig() Config {
	return Config{ClaimRateMax: 10, ClaimRateWindow: time.Minute}
}

// Deps are the collaborators of a Service. Limiter, Sink and Recorder are optional.
type Deps struct {
	Store    store.Store
	Manager  *session.Manager
	Engine   *verify.Engine
	Limiter  ratelimit.Limiter
	Sink     audit.Sink
	Recorder *observability.Recorder
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Service implements the attendance operations.
type Service struct {
	cfg      Config
	store    store.Store
	manager  *session.Manager
	engine   *verify.Engine
	limiter  ratelimit.Limiter
	sink     audit.Sink
	recorder *observability.Recorder
	clock    clock.Clock
	logger   *slog.Logger
}

// NewService wires a Service.
func NewService(cfg Config, d Deps) (*Service, error) {
	if d.Store == nil || d.Manager == nil || d.Engine == nil {
		return nil, errors.New("attendance: store, manager and engine are required")
	}
	if d.Limiter != nil && (cfg.ClaimRateMax < 1 || cfg.ClaimRateWindow <= 0) {
		return nil, utils.New(utils.CodeInvalidConfig, "claim rate limit needs a positive max and window")
	}
	s := &Service{
		cfg:      cfg,
		store:    d.Store,
		manager:  d.Manager,
		engine:   d.Engine,
		limiter:  d.Limiter,
		sink:     d.Sink,
		recorder: d.Recorder,
		clock:    d.Clock,
		logger:   utils.OrDefault(d.Logger),
	}
	if s.sink == nil {
		s.sink = audit.Nop{}
	}
	if s.clock == nil {
		s.clock = clock.System{}
	}
	return s, nil
}

// Now returns server time.
func (s *Service) Now() time.Time { return s.clock.Now() }

// Health checks the store.
func (s *Service) Health(ctx context.Context) error { return s.store.Ping(ctx) }

// IssuedSession is a session together with its current token.
type IssuedSession struct {
	Session *models.Session `json:"session"`
	Token   string          `json:"token"`
}

// OpenSession opens a session and returns its first token.
func (s *Service) OpenSession(ctx context.Context, ownerID, lectureRef string, ttl time.Duration, anchor *models.Location) (*IssuedSession, error) {
	sess, err := s.manager.Open(ctx, ownerID, lectureRef, ttl, anchor)
	if err != nil {
		return nil, err
	}
	return s.issue(sess)
}

// IssueToken re-encodes the current token of a live session for its owner.
func (s *Service) IssueToken(ctx context.Context, sessionID, requesterID string) (*IssuedSession, error) {
	sess, err := s.owned(ctx, sessionID, requesterID)
	if err != nil {
		return nil, err
	}
	if sess.Revoked() {
		return nil, utils.ErrRevoked
	}
	if sess.Expired(s.clock.Now()) {
		return nil, utils.ErrExpired
	}
	return s.issue(sess)
}

// RotateSession refreshes the session nonce and returns the new token.
func (s *Service) RotateSession(ctx context.Context, sessionID, requesterID string) (*IssuedSession, error) {
	sess, err := s.manager.Rotate(ctx, sessionID, requesterID)
	if err != nil {
		return nil, err
	}
	return s.issue(sess)
}

// RevokeSession ends a session.
func (s *Service) RevokeSession(ctx context.Context, sessionID, requesterID string) (*models.Session, error) {
	return s.manager.Revoke(ctx, sessionID, requesterID)
}

// GetSession returns a session to its owner.
func (s *Service) GetSession(ctx context.Context, sessionID, requesterID string) (*models.Session, error) {
	return s.owned(ctx, sessionID, requesterID)
}

// SessionOutcomes lists the recorded attendance of a session for its owner.
func (s *Service) SessionOutcomes(ctx context.Context, sessionID, requesterID string) ([]*models.AttendanceOutcome, error) {
	if _, err := s.owned(ctx, sessionID, requesterID); err != nil {
		return nil, err
	}
	return s.store.ListOutcomes(ctx, sessionID)
}

// ClaimRequest is what a student submits.
type ClaimRequest struct {
	ClaimantID      string
	Token           string
	Location        *models.Location
	DeviceSignature string
	ClientTime      time.Time
}

// Claim decides a claim. Rejections are returned as outcomes with a nil
// error; the error carries rate limiting, unreadable tokens and store
// failures.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (*models.AttendanceOutcome, error) {
	if strings.TrimSpace(req.ClaimantID) == "" {
		return nil, utils.New(utils.CodeInvalidRequest, "claimant id is required")
	}
	if req.Location != nil && !req.Location.Valid() {
		return nil, utils.New(utils.CodeInvalidRequest, "claim location out of range")
	}
	if err := s.allow(ctx, req.ClaimantID); err != nil {
		return nil, err
	}

	payload, err := s.manager.Unseal(req.Token)
	if err != nil {
		return nil, err
	}
	sess, err := s.manager.Get(ctx, payload.SessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.ErrInvalidToken
		}
		return nil, err
	}
	if sess.OwnerID != payload.OwnerID {
		return nil, utils.ErrInvalidToken
	}

	submitted := s.clock.Now()
	claim := &models.Claim{
		ClaimantID:         req.ClaimantID,
		SessionID:          sess.SessionID,
		TokenNonce:         payload.Nonce,
		SubmittedAt:        submitted,
		ClaimedLocation:    req.Location,
		DeviceSignature:    req.DeviceSignature,
		ClientReportedTime: req.ClientTime,
	}
	start := time.Now()
	out, err := s.engine.Verify(ctx, claim, sess)
	if err != nil {
		s.logger.Error("claim verification failed",
			"session_id", sess.SessionID,
			"claimant_id", req.ClaimantID,
			"error", err,
		)
		return nil, err
	}
	if s.recorder != nil {
		s.recorder.Outcome(ctx, out, time.Since(start))
	}
	if sev := models.MaxSeverity(out.Anomalies); sev != "" && sev.Rank() >= models.SeverityHigh.Rank() {
		s.logger.Warn("suspicious claim",
			"session_id", out.SessionID,
			"claimant_id", out.ClaimantID,
			"status", out.Status,
			"severity", sev,
			"anomalies", len(out.Anomalies),
		)
	}
	if err := s.sink.Publish(ctx, audit.Entries(out, s.clock.Now())); err != nil {
		// audit is best effort
		s.logger.Warn("audit publish failed", "session_id", out.SessionID, "claimant_id", out.ClaimantID, "error", err)
	}
	return out, nil
}

func (s *Service) allow(ctx context.Context, claimantID string) error {
	if s.limiter == nil {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, "claim:"+claimantID, s.cfg.ClaimRateMax, s.cfg.ClaimRateWindow)
	if err != nil {
		// fail open on limiter errors
		s.logger.Warn("claim rate limiter unavailable", "claimant_id", claimantID, "error", err)
		return nil
	}
	if !ok {
		if s.recorder != nil {
			s.recorder.RateLimited(ctx)
		}
		return utils.New(utils.CodeRateLimited,
			fmt.Sprintf("more than %d claims in %s", s.cfg.ClaimRateMax, s.cfg.ClaimRateWindow))
	}
	return nil
}

func (s *Service) owned(ctx context.Context, sessionID, requesterID string) (*models.Session, error) {
	sess, err := s.manager.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != requesterID {
		return nil, utils.ErrForbidden
	}
	return sess, nil
}

func (s *Service) issue(sess *models.Session) (*IssuedSession, error) {
	token, err := s.manager.Encode(sess)
	if err != nil {
		return nil, fmt.Errorf("encode session token: %w", err)
	}
	return &IssuedSession{Session: sess, Token: token}, nil
}

// RateLimitWindow exposes the claim window, used for Retry-After.
func (s *Service) RateLimitWindow() time.Duration { return s.cfg.ClaimRateWindow }
