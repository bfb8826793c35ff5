package models

import (
	"fmt"
	"time"

	"github.com/harrylevesque/slqrattend/internal/utils"
)

// Claim is a single verification attempt. It is never persisted.
type Claim struct {
	ClaimantID         string
	SessionID          string
	TokenNonce         string
	SubmittedAt        time.Time
	ClaimedLocation    *Location
	DeviceSignature    string
	ClientReportedTime time.Time
}

// Status is the decision for a claim.
type Status string

const (
	StatusAcceptedOnTime Status = "accepted_on_time"
	StatusAcceptedLate   Status = "accepted_late"
	StatusRejected       Status = "rejected"
)

// Accepted reports whether the status admits the claimant.
func (s Status) Accepted() bool {
	switch s {
	case StatusAcceptedOnTime, StatusAcceptedLate:
		return true
	case StatusRejected:
		return false
	default:
		panic(fmt.Sprintf("models: unknown status %q", string(s)))
	}
}

// RejectReason explains a rejected outcome.
type RejectReason string

const (
	ReasonNone           RejectReason = ""
	ReasonExpiredSession RejectReason = "expired_session"
	ReasonRevokedSession RejectReason = "revoked_session"
	ReasonDuplicateClaim RejectReason = "duplicate_claim"
	ReasonTooLate        RejectReason = "too_late"
)

// AttendanceOutcome is the result of one claim against one session.
type AttendanceOutcome struct {
	SessionID       string           `json:"session_id"`
	ClaimantID      string           `json:"claimant_id"`
	Status          Status           `json:"status"`
	RejectReason    RejectReason     `json:"reject_reason,omitempty"`
	Delay           time.Duration    `json:"delay_ns"`
	DeviceSignature string           `json:"device_signature,omitempty"`
	SubmittedAt     time.Time        `json:"submitted_at"`
	Anomalies       []AnomalyFinding `json:"anomalies"`
	DecidedAt       time.Time        `json:"decided_at"`
}

// Err maps a rejected outcome to its coded error. Accepted outcomes return nil.
func (o *AttendanceOutcome) Err() error {
	switch o.RejectReason {
	case ReasonNone:
		return nil
	case ReasonExpiredSession:
		return utils.ErrExpired
	case ReasonRevokedSession:
		return utils.ErrRevoked
	case ReasonDuplicateClaim:
		return utils.ErrDuplicateClaim
	case ReasonTooLate:
		return utils.ErrTooLate
	default:
		panic(fmt.Sprintf("models: unknown reject reason %q", string(o.RejectReason)))
	}
}

// ActivityEntry is one submission in a claimant's activity window.
type ActivityEntry struct {
	ClaimantID      string    `json:"claimant_id"`
	SessionID       string    `json:"session_id"`
	DeviceSignature string    `json:"device_signature"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// DeviceUse records a claimant that already used a device on a session.
type DeviceUse struct {
	ClaimantID  string
	SubmittedAt time.Time
}
