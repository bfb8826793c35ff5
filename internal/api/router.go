package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/harrylevesque/slqrattend/internal/attendance"
	"github.com/harrylevesque/slqrattend/internal/observability"
	"github.com/harrylevesque/slqrattend/internal/ratelimit"
)

// Options configures the middleware chain.
type Options struct {
	Limiter    ratelimit.Limiter
	HTTPMax    int
	HTTPWindow time.Duration
	Throttle   *rate.Limiter
	Metrics    *observability.Provider
	Logger     *slog.Logger
}

// NewRouter builds the attendance API.
func NewRouter(svc *attendance.Service, opts Options) *mux.Router {
	h := NewHandlers(svc, opts.Metrics, opts.Logger)

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	r.Use(RequestID, Recover(opts.Logger), Logging(opts.Logger), Throttle(opts.Throttle))

	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/time", h.Time).Methods("GET")
	r.HandleFunc("/metrics", h.Metrics).Methods("GET")
	r.HandleFunc("/devices/signature", h.DeviceSignature).Methods("POST")

	authed := r.NewRoute().Subrouter()
	authed.Use(RequireUser, RateLimit(opts.Limiter, opts.HTTPMax, opts.HTTPWindow, opts.Logger))
	authed.HandleFunc("/sessions", h.OpenSession).Methods("POST")
	authed.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	authed.HandleFunc("/sessions/{id}/outcomes", h.SessionOutcomes).Methods("GET")
	authed.HandleFunc("/sessions/{id}/token", h.IssueToken).Methods("POST")
	authed.HandleFunc("/sessions/{id}/rotate", h.RotateSession).Methods("POST")
	authed.HandleFunc("/sessions/{id}/revoke", h.RevokeSession).Methods("POST")
	authed.HandleFunc("/claims", h.Claim).Methods("POST")
	return r
}
