package models

import (
	"fmt"
	"time"
)

// AnomalyKind enumerates the suspicious signals the detector can raise.
type AnomalyKind string

const (
	AnomalyExpiredSession      AnomalyKind = "expired_session"
	AnomalyRevokedSession      AnomalyKind = "revoked_session"
	AnomalyReplayedNonce       AnomalyKind = "replayed_nonce"
	AnomalyLocationMismatch    AnomalyKind = "location_mismatch"
	AnomalyDeviceReuseConflict AnomalyKind = "device_reuse_conflict"
	AnomalyRapidResubmission   AnomalyKind = "rapid_resubmission"
	AnomalyClockSkew           AnomalyKind = "clock_skew"
)

// AllAnomalyKinds lists every kind in declaration order.
var AllAnomalyKinds = []AnomalyKind{
	AnomalyExpiredSession,
	AnomalyRevokedSession,
	AnomalyReplayedNonce,
	AnomalyLocationMismatch,
	AnomalyDeviceReuseConflict,
	AnomalyRapidResubmission,
	AnomalyClockSkew,
}

// Valid reports whether k is one of the declared kinds.
func (k AnomalyKind) Valid() bool {
	for _, known := range AllAnomalyKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Severity ranks findings for review triage.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from 1 (low) to 4 (critical).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		panic(fmt.Sprintf("models: unknown severity %q", string(s)))
	}
}

// MaxSeverity returns the highest severity among findings, or "" when there are none.
func MaxSeverity(findings []AnomalyFinding) Severity {
	var top Severity
	for _, f := range findings {
		if top == "" || f.Severity.Rank() > top.Rank() {
			top = f.Severity
		}
	}
	return top
}

// AnomalyFinding is an immutable advisory signal attached to an outcome.
type AnomalyFinding struct {
	ID         string            `json:"id"`
	Kind       AnomalyKind       `json:"kind"`
	Severity   Severity          `json:"severity"`
	SessionID  string            `json:"session_id"`
	ClaimantID string            `json:"claimant_id"`
	Evidence   map[string]string `json:"evidence"`
	DetectedAt time.Time         `json:"detected_at"`
}
