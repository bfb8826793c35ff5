// Package session manages time-boxed attendance sessions and the sealed
// tokens shown to students as QR codes.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harrylevesque/slqrattend/internal/clock"
	"github.com/harrylevesque/slqrattend/internal/crypto"
	"github.com/harrylevesque/slqrattend/internal/models"
	"github.com/harrylevesque/slqrattend/internal/store"
	"github.com/harrylevesque/slqrattend/internal/utils"
)

// nonceBytes is the entropy of a session nonce before encoding.
const nonceBytes = 16

// Config bounds the session window.
type Config struct {
	MinTTL time.Duration `yaml:"min_ttl"`
	MaxTTL time.Duration `yaml:"max_ttl"`
}

// DefaultConfig allows sessions between one minute and four hours.
func DefaultConfig() Config {
	return Config{MinTTL: time.Minute, MaxTTL: 4 * time.Hour}
}

// Validate checks 0 < MinTTL <= MaxTTL.
func (c Config) Validate() error {
	if c.MinTTL <= 0 || c.MaxTTL < c.MinTTL {
		return utils.New(utils.CodeInvalidConfig, fmt.Sprintf("session ttl bounds [%s, %s] are invalid", c.MinTTL, c.MaxTTL))
	}
	return nil
}

// Manager opens, encodes, decodes, revokes and rotates sessions.
type Manager struct {
	cfg      Config
	store    store.SessionStore
	envelope *crypto.Envelope
	key      []byte
	clock    clock.Clock
	logger   *slog.Logger
}

// NewManager returns a Manager sealing tokens with key through env.
func NewManager(cfg Config, st store.SessionStore, env *crypto.Envelope, key []byte, clk clock.Clock, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(key) != crypto.KeySize {
		return nil, crypto.ErrInvalidKeyLength
	}
	if env == nil {
		env = crypto.NewEnvelope(crypto.CipherAESGCM)
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Manager{
		cfg:      cfg,
		store:    st,
		envelope: env,
		key:      key,
		clock:    clk,
		logger:   utils.OrDefault(logger),
	}, nil
}

// Open starts a session for lectureRef that is live for ttl from now. Any
// active session for the same lecture is superseded.
func (m *Manager) Open(ctx context.Context, ownerID, lectureRef string, ttl time.Duration, anchor *models.Location) (*models.Session, error) {
	if ttl < m.cfg.MinTTL || ttl > m.cfg.MaxTTL {
		return nil, utils.New(utils.CodeInvalidDuration,
			fmt.Sprintf("ttl %s outside [%s, %s]", ttl, m.cfg.MinTTL, m.cfg.MaxTTL))
	}
	if strings.TrimSpace(ownerID) == "" || strings.TrimSpace(lectureRef) == "" {
		return nil, utils.New(utils.CodeInvalidRequest, "owner and lecture ref are required")
	}
	if anchor != nil && !anchor.Valid() {
		return nil, utils.New(utils.CodeInvalidRequest, "anchor location out of range")
	}
	nonce, err := crypto.RandomToken(nonceBytes)
	if err != nil {
		return nil, fmt.Errorf("session nonce: %w", err)
	}
	now := m.clock.Now()
	s := &models.Session{
		SessionID:      uuid.NewString(),
		OwnerID:        ownerID,
		LectureRef:     lectureRef,
		IssuedAt:       now,
		ExpiresAt:      now.Add(ttl),
		AnchorLocation: copyLocation(anchor),
		Nonce:          nonce,
		State:          models.SessionActive,
	}
	superseded, err := m.store.CreateSession(ctx, s, true)
	if err != nil {
		return nil, err
	}
	m.logger.Info("session opened",
		"session_id", s.SessionID,
		"owner_id", ownerID,
		"lecture_ref", lectureRef,
		"expires_at", s.ExpiresAt,
		"superseded", superseded,
	)
	return s, nil
}

// Encode seals the token payload of s.
func (m *Manager) Encode(s *models.Session) (string, error) {
	payload, err := json.Marshal(models.TokenPayload{
		SessionID: s.SessionID,
		OwnerID:   s.OwnerID,
		Nonce:     s.Nonce,
		ExpiresAt: s.ExpiresAt,
	})
	if err != nil {
		return "", err
	}
	return m.envelope.Seal(payload, m.key)
}

// Unseal performs only the cryptographic half of Decode.
func (m *Manager) Unseal(token string) (*models.TokenPayload, error) {
	plain, err := m.envelope.Open(strings.TrimSpace(token), m.key)
	if err != nil {
		return nil, utils.ErrInvalidToken
	}
	var p models.TokenPayload
	if err := json.Unmarshal(plain, &p); err != nil || p.SessionID == "" {
		return nil, utils.ErrInvalidToken
	}
	return &p, nil
}

// Decode opens token and checks it against the stored session: unknown or
// mismatched sessions yield ErrInvalidToken, now >= expires_at yields
// ErrExpired and revoked or superseded sessions yield ErrRevoked.
func (m *Manager) Decode(ctx context.Context, token string) (*models.Ticket, error) {
	p, err := m.Unseal(token)
	if err != nil {
		return nil, err
	}
	s, err := m.store.GetSession(ctx, p.SessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.ErrInvalidToken
		}
		return nil, err
	}
	if s.OwnerID != p.OwnerID {
		return nil, utils.ErrInvalidToken
	}
	if s.Expired(m.clock.Now()) {
		return nil, utils.ErrExpired
	}
	if s.Revoked() {
		return nil, utils.ErrRevoked
	}
	return &models.Ticket{Session: s, TokenNonce: p.Nonce}, nil
}

// Revoke ends the session. Only the owner may revoke. Revoking an already
// revoked session is a no-op.
func (m *Manager) Revoke(ctx context.Context, sessionID, requesterID string) (*models.Session, error) {
	s, err := m.store.UpdateSession(ctx, sessionID, func(s *models.Session) error {
		if s.OwnerID != requesterID {
			return utils.ErrForbidden
		}
		if s.State == models.SessionActive {
			s.State = models.SessionRevoked
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, utils.ErrForbidden) {
			m.logger.Warn("revoke refused", "session_id", sessionID, "requester_id", requesterID)
		}
		return nil, err
	}
	m.logger.Info("session revoked", "session_id", sessionID, "state", s.State)
	return s, nil
}

// Rotate replaces the session nonce so previously issued tokens are flagged as
// replays. Only the owner may rotate, and only while the session is live.
func (m *Manager) Rotate(ctx context.Context, sessionID, requesterID string) (*models.Session, error) {
	nonce, err := crypto.RandomToken(nonceBytes)
	if err != nil {
		return nil, fmt.Errorf("session nonce: %w", err)
	}
	now := m.clock.Now()
	s, err := m.store.UpdateSession(ctx, sessionID, func(s *models.Session) error {
		if s.OwnerID != requesterID {
			return utils.ErrForbidden
		}
		if s.Revoked() {
			return utils.ErrRevoked
		}
		if s.Expired(now) {
			return utils.ErrExpired
		}
		s.Nonce = nonce
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("session nonce rotated", "session_id", sessionID)
	return s, nil
}

// Get returns the stored session.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

func copyLocation(l *models.Location) *models.Location {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}
