// Package anomaly raises advisory findings for claims. Findings never change
// an outcome's status.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/harrylevesque/slqrattend/internal/clock"
	"github.com/harrylevesque/slqrattend/internal/geo"
	"github.com/harrylevesque/slqrattend/internal/models"
	"github.com/harrylevesque/slqrattend/internal/store"
	"github.com/harrylevesque/slqrattend/internal/utils"
)

// Config holds the rule thresholds.
type Config struct {
	LocationMediumMeters float64       `yaml:"location_medium_meters"`
	LocationHighMeters   float64       `yaml:"location_high_meters"`
	RapidWindow          time.Duration `yaml:"rapid_window"`
	RapidMaxSubmissions  int           `yaml:"rapid_max_submissions"`
	ClockSkewTolerance   time.Duration `yaml:"clock_skew_tolerance"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		LocationMediumMeters: 100,
		LocationHighMeters:   500,
		RapidWindow:          5 * time.Minute,
		RapidMaxSubmissions:  3,
		ClockSkewTolerance:   60 * time.Second,
	}
}

// Validate rejects thresholds that would make a rule meaningless.
func (c Config) Validate() error {
	switch {
	case c.LocationMediumMeters <= 0:
		return utils.New(utils.CodeInvalidConfig, "location medium threshold must be positive")
	case c.LocationHighMeters < c.LocationMediumMeters:
		return utils.New(utils.CodeInvalidConfig, "location high threshold below medium threshold")
	case c.RapidWindow <= 0:
		return utils.New(utils.CodeInvalidConfig, "rapid resubmission window must be positive")
	case c.RapidMaxSubmissions < 1:
		return utils.New(utils.CodeInvalidConfig, "rapid resubmission limit must be at least 1")
	case c.ClockSkewTolerance < 0:
		return utils.New(utils.CodeInvalidConfig, "clock skew tolerance must not be negative")
	}
	return nil
}

// Detector evaluates the rules against the stores.
type Detector struct {
	cfg      Config
	outcomes store.OutcomeStore
	activity store.ActivityStore
	clock    clock.Clock
	logger   *slog.Logger
}

// NewDetector validates cfg and returns a Detector.
func NewDetector(cfg Config, outcomes store.OutcomeStore, activity store.ActivityStore, clk clock.Clock, logger *slog.Logger) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Detector{
		cfg:      cfg,
		outcomes: outcomes,
		activity: activity,
		clock:    clk,
		logger:   utils.OrDefault(logger),
	}, nil
}

// Detect runs every rule in fixed order: location_mismatch,
// device_reuse_conflict, rapid_resubmission, clock_skew, replayed_nonce.
// The claim's own submission must not yet be in the activity window.
func (d *Detector) Detect(ctx context.Context, claim *models.Claim, session *models.Session, delay time.Duration) ([]models.AnomalyFinding, error) {
	findings := make([]models.AnomalyFinding, 0)
	add := func(f *models.AnomalyFinding) {
		if f != nil {
			f.Evidence["delay"] = delay.String()
			findings = append(findings, *f)
		}
	}

	add(d.locationMismatch(claim, session))

	f, err := d.deviceReuse(ctx, claim, session)
	if err != nil {
		return nil, err
	}
	add(f)

	f, err = d.rapidResubmission(ctx, claim, session)
	if err != nil {
		return nil, err
	}
	add(f)

	add(d.clockSkew(claim, session))
	add(d.replayedNonce(claim, session))

	for _, f := range findings {
		d.logger.Debug("anomaly detected",
			"kind", f.Kind,
			"severity", f.Severity,
			"session_id", f.SessionID,
			"claimant_id", f.ClaimantID,
		)
	}
	return findings, nil
}

// SessionState returns the finding for a claim made against a session that is
// no longer live: expired_session (low) or revoked_session (medium). It
// returns nil for live sessions.
func (d *Detector) SessionState(claim *models.Claim, session *models.Session) *models.AnomalyFinding {
	switch {
	case session.Revoked():
		f := d.finding(models.AnomalyRevokedSession, models.SeverityMedium, claim, session)
		f.Evidence["state"] = string(session.State)
		return f
	case session.Expired(claim.SubmittedAt):
		f := d.finding(models.AnomalyExpiredSession, models.SeverityLow, claim, session)
		f.Evidence["expired_at"] = session.ExpiresAt.Format(time.RFC3339Nano)
		f.Evidence["past_expiry"] = claim.SubmittedAt.Sub(session.ExpiresAt).String()
		return f
	}
	return nil
}

func (d *Detector) locationMismatch(claim *models.Claim, session *models.Session) *models.AnomalyFinding {
	if session.AnchorLocation == nil || claim.ClaimedLocation == nil {
		return nil
	}
	dist := geo.Between(*session.AnchorLocation, *claim.ClaimedLocation)
	var sev models.Severity
	var threshold float64
	switch {
	case dist > d.cfg.LocationHighMeters:
		sev, threshold = models.SeverityHigh, d.cfg.LocationHighMeters
	case dist > d.cfg.LocationMediumMeters:
		sev, threshold = models.SeverityMedium, d.cfg.LocationMediumMeters
	default:
		return nil
	}
	f := d.finding(models.AnomalyLocationMismatch, sev, claim, session)
	f.Evidence["distance_m"] = strconv.FormatFloat(dist, 'f', 1, 64)
	f.Evidence["threshold_m"] = strconv.FormatFloat(threshold, 'f', 0, 64)
	f.Evidence["anchor"] = formatLocation(*session.AnchorLocation)
	f.Evidence["claimed"] = formatLocation(*claim.ClaimedLocation)
	return f
}

func (d *Detector) deviceReuse(ctx context.Context, claim *models.Claim, session *models.Session) (*models.AnomalyFinding, error) {
	if claim.DeviceSignature == "" {
		return nil, nil
	}
	uses, err := d.outcomes.DeviceUses(ctx, session.SessionID, claim.DeviceSignature)
	if err != nil {
		return nil, fmt.Errorf("device uses: %w", err)
	}
	var others []models.DeviceUse
	for _, u := range uses {
		if u.ClaimantID != claim.ClaimantID {
			others = append(others, u)
		}
	}
	if len(others) == 0 {
		return nil, nil
	}
	// report against the most recent other claimant
	last := others[0]
	for _, u := range others[1:] {
		if u.SubmittedAt.After(last.SubmittedAt) {
			last = u
		}
	}
	f := d.finding(models.AnomalyDeviceReuseConflict, models.SeverityHigh, claim, session)
	f.Evidence["device_signature"] = claim.DeviceSignature
	f.Evidence["claimant_id"] = claim.ClaimantID
	f.Evidence["other_claimant_id"] = last.ClaimantID
	f.Evidence["time_gap"] = absDuration(claim.SubmittedAt.Sub(last.SubmittedAt)).String()
	f.Evidence["other_claimants"] = strconv.Itoa(len(others))
	return f, nil
}

func (d *Detector) rapidResubmission(ctx context.Context, claim *models.Claim, session *models.Session) (*models.AnomalyFinding, error) {
	since := claim.SubmittedAt.Add(-d.cfg.RapidWindow)
	recent, err := d.activity.RecentActivity(ctx, claim.ClaimantID, since)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	count := 1 // this submission
	for _, e := range recent {
		if !e.SubmittedAt.After(claim.SubmittedAt) {
			count++
		}
	}
	if count <= d.cfg.RapidMaxSubmissions {
		return nil, nil
	}
	f := d.finding(models.AnomalyRapidResubmission, models.SeverityMedium, claim, session)
	f.Evidence["submissions"] = strconv.Itoa(count)
	f.Evidence["limit"] = strconv.Itoa(d.cfg.RapidMaxSubmissions)
	f.Evidence["window"] = d.cfg.RapidWindow.String()
	return f, nil
}

func (d *Detector) clockSkew(claim *models.Claim, session *models.Session) *models.AnomalyFinding {
	if claim.ClientReportedTime.IsZero() {
		return nil
	}
	skew := absDuration(claim.ClientReportedTime.Sub(claim.SubmittedAt))
	if skew <= d.cfg.ClockSkewTolerance {
		return nil
	}
	f := d.finding(models.AnomalyClockSkew, models.SeverityMedium, claim, session)
	f.Evidence["skew"] = skew.String()
	f.Evidence["client_time"] = claim.ClientReportedTime.UTC().Format(time.RFC3339Nano)
	f.Evidence["server_time"] = claim.SubmittedAt.UTC().Format(time.RFC3339Nano)
	return f
}

func (d *Detector) replayedNonce(claim *models.Claim, session *models.Session) *models.AnomalyFinding {
	if claim.TokenNonce == session.Nonce {
		return nil
	}
	// the current nonce is a live credential and stays out of the evidence
	f := d.finding(models.AnomalyReplayedNonce, models.SeverityCritical, claim, session)
	f.Evidence["token_nonce"] = claim.TokenNonce
	return f
}

func (d *Detector) finding(kind models.AnomalyKind, sev models.Severity, claim *models.Claim, session *models.Session) *models.AnomalyFinding {
	return &models.AnomalyFinding{
		ID:         uuid.NewString(),
		Kind:       kind,
		Severity:   sev,
		SessionID:  session.SessionID,
		ClaimantID: claim.ClaimantID,
		Evidence:   map[string]string{},
		DetectedAt: d.clock.Now(),
	}
}

func formatLocation(l models.Location) string {
	return strconv.FormatFloat(l.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(l.Lon, 'f', 6, 64)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
