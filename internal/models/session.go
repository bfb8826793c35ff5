package models

import (
	"math"
	"time"
)

// SessionState is the stored lifecycle state of a session. Expiry is derived
// from ExpiresAt and never written.
type SessionState string

const (
	SessionActive     SessionState = "active"
	SessionRevoked    SessionState = "revoked"
	SessionSuperseded SessionState = "superseded"
)

// Location is a WGS84 coordinate pair in degrees.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether l is a finite coordinate within ±90 latitude and ±180 longitude.
func (l Location) Valid() bool {
	if math.IsNaN(l.Lat) || math.IsNaN(l.Lon) {
		return false
	}
	return l.Lat >= -90 && l.Lat <= 90 && l.Lon >= -180 && l.Lon <= 180
}

// Session is one attendance window for a lecture occurrence.
type Session struct {
	SessionID      string       `json:"session_id"`
	OwnerID        string       `json:"owner_id"`
	LectureRef     string       `json:"lecture_ref"`
	IssuedAt       time.Time    `json:"issued_at"`
	ExpiresAt      time.Time    `json:"expires_at"`
	AnchorLocation *Location    `json:"anchor_location,omitempty"`
	Nonce          string       `json:"nonce"`
	State          SessionState `json:"state"`
}

// TTL returns the window length the session was opened with.
func (s *Session) TTL() time.Duration {
	return s.ExpiresAt.Sub(s.IssuedAt)
}

// Revoked reports whether the session was ended by its owner or superseded.
func (s *Session) Revoked() bool {
	return s.State == SessionRevoked || s.State == SessionSuperseded
}

// Expired reports whether now is at or past ExpiresAt.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Live reports whether claims can currently be made against the session.
func (s *Session) Live(now time.Time) bool {
	return !now.Before(s.IssuedAt) && !s.Expired(now) && !s.Revoked()
}

// TokenPayload is the sealed content of a session token.
type TokenPayload struct {
	SessionID string    `json:"sid"`
	OwnerID   string    `json:"oid"`
	Nonce     string    `json:"n"`
	ExpiresAt time.Time `json:"exp"`
}

// Ticket is a decoded token: the session as currently stored plus the
// nonce the token was issued with.
type Ticket struct {
	Session    *Session
	TokenNonce string
}
