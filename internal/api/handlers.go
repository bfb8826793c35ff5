package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/harrylevesque/slqrattend/internal/attendance"
	"github.com/harrylevesque/slqrattend/internal/models"
	"github.com/harrylevesque/slqrattend/internal/observability"
	"github.com/harrylevesque/slqrattend/internal/utils"
)

const maxBodyBytes = 64 << 10

// largest ttl_seconds that still fits a time.Duration
const maxTTLSeconds = math.MaxInt64 / int64(time.Second)

// Handlers serves the attendance API.
type Handlers struct {
	svc     *attendance.Service
	metrics *observability.Provider
	logger  *slog.Logger
}

// NewHandlers returns Handlers for svc. metrics may be nil.
func NewHandlers(svc *attendance.Service, metrics *observability.Provider, logger *slog.Logger) *Handlers {
	return &Handlers{svc: svc, metrics: metrics, logger: utils.OrDefault(logger)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return utils.Wrap(utils.CodeInvalidRequest, "malformed JSON body", err)
	}
	return nil
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeServiceError(w, r, h.logger, err, h.svc.RateLimitWindow())
}

// Health reports store reachability.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Health(r.Context()); err != nil {
		h.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Time returns the server clock so clients can report theirs against it.
func (h *Handlers) Time(w http.ResponseWriter, r *http.Request) {
	now := h.svc.Now()
	writeJSON(w, http.StatusOK, map[string]any{
		"time":    now.Format(time.RFC3339Nano),
		"unix_ms": now.UnixMilli(),
	})
}

// Metrics renders the current counter snapshot.
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		WriteError(w, r, http.StatusNotFound, utils.CodeNotFound, "metrics are disabled")
		return
	}
	points, err := h.metrics.Snapshot(r.Context())
	if err != nil {
		WriteInternal(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": points})
}

type openSessionRequest struct {
	LectureRef string           `json:"lecture_ref"`
	TTL        string           `json:"ttl,omitempty"`
	TTLSeconds int64            `json:"ttl_seconds,omitempty"`
	Anchor     *models.Location `json:"anchor_location,omitempty"`
}

func (req openSessionRequest) ttl() (time.Duration, error) {
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			return 0, utils.Wrap(utils.CodeInvalidRequest, "ttl must be a duration such as 30m", err)
		}
		return d, nil
	}
	if req.TTLSeconds > maxTTLSeconds || req.TTLSeconds < -maxTTLSeconds {
		return 0, utils.New(utils.CodeInvalidRequest, "ttl_seconds out of range")
	}
	return time.Duration(req.TTLSeconds) * time.Second, nil
}

// OpenSession handles POST /sessions.
func (h *Handlers) OpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	ttl, err := req.ttl()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	issued, err := h.svc.OpenSession(r.Context(), requester(r), req.LectureRef, ttl, req.Anchor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

// GetSession handles GET /sessions/{id}.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.GetSession(r.Context(), mux.Vars(r)["id"], requester(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// SessionOutcomes handles GET /sessions/{id}/outcomes.
func (h *Handlers) SessionOutcomes(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.SessionOutcomes(r.Context(), mux.Vars(r)["id"], requester(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*models.AttendanceOutcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": list})
}

// IssueToken handles POST /sessions/{id}/token.
func (h *Handlers) IssueToken(w http.ResponseWriter, r *http.Request) {
	issued, err := h.svc.IssueToken(r.Context(), mux.Vars(r)["id"], requester(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issued)
}

// RotateSession handles POST /sessions/{id}/rotate.
func (h *Handlers) RotateSession(w http.ResponseWriter, r *http.Request) {
	issued, err := h.svc.RotateSession(r.Context(), mux.Vars(r)["id"], requester(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issued)
}

// RevokeSession handles POST /sessions/{id}/revoke.
func (h *Handlers) RevokeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.RevokeSession(r.Context(), mux.Vars(r)["id"], requester(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type claimRequest struct {
	Token           string                  `json:"token"`
	Location        *models.Location        `json:"location,omitempty"`
	Device          *utils.DeviceAttributes `json:"device,omitempty"`
	DeviceSignature string                  `json:"device_signature,omitempty"`
	ClientTime      string                  `json:"client_time,omitempty"`
}

// Claim handles POST /claims. Every decision is returned as the outcome body;
// rejections carry the status of their reason.
func (h *Handlers) Claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		h.fail(w, r, utils.New(utils.CodeInvalidRequest, "token is required"))
		return
	}
	sig := req.DeviceSignature
	if req.Device != nil {
		sig = utils.Fingerprint(*req.Device)
	}
	var clientTime time.Time
	if req.ClientTime != "" {
		t, err := time.Parse(time.RFC3339Nano, req.ClientTime)
		if err != nil {
			h.fail(w, r, utils.Wrap(utils.CodeInvalidRequest, "client_time must be RFC 3339", err))
			return
		}
		clientTime = t
	}

	out, err := h.svc.Claim(r.Context(), attendance.ClaimRequest{
		ClaimantID:      requester(r),
		Token:           req.Token,
		Location:        req.Location,
		DeviceSignature: sig,
		ClientTime:      clientTime,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if rejected := out.Err(); rejected != nil {
		status = statusFor(utils.CodeOf(rejected))
	}
	writeJSON(w, status, out)
}

// DeviceSignature handles POST /devices/signature: it returns the fingerprint
// the server derives for the posted attributes.
func (h *Handlers) DeviceSignature(w http.ResponseWriter, r *http.Request) {
	var attrs utils.DeviceAttributes
	if err := decodeBody(r, &attrs); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"device_signature": utils.Fingerprint(attrs)})
}

// notFound answers unknown routes with a problem document.
func notFound(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusNotFound, utils.CodeNotFound, "no such route")
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	WriteError(w, r, http.StatusMethodNotAllowed, "", "The HTTP method is not supported for this endpoint")
}
