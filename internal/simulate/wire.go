package simulate

import (
	"log/slog"
	"time"

	"github.com/harrylevesque/slqrattend/internal/anomaly"
	"github.com/harrylevesque/slqrattend/internal/attendance"
	"github.com/harrylevesque/slqrattend/internal/audit"
	"github.com/harrylevesque/slqrattend/internal/clock"
	"github.com/harrylevesque/slqrattend/internal/crypto"
	"github.com/harrylevesque/slqrattend/internal/observability"
	"github.com/harrylevesque/slqrattend/internal/session"
	"github.com/harrylevesque/slqrattend/internal/store"
	"github.com/harrylevesque/slqrattend/internal/verify"
)

// NewInProcess wires a memory-backed service driven by clk with default
// policies. No claim rate limit is applied.
func NewInProcess(clk clock.Clock, sink audit.Sink, recorder *observability.Recorder, logger *slog.Logger) (*attendance.Service, error) {
	st := store.NewMemoryStore(time.Hour)
	mgr, err := session.NewManager(session.DefaultConfig(), st, crypto.NewEnvelope(crypto.CipherAESGCM), crypto.MustRandom(crypto.KeySize), clk, logger)
	if err != nil {
		return nil, err
	}
	det, err := anomaly.NewDetector(anomaly.DefaultConfig(), st, st, clk, logger)
	if err != nil {
		return nil, err
	}
	eng, err := verify.NewEngine(verify.DefaultConfig(), st, st, det, clk, logger)
	if err != nil {
		return nil, err
	}
	return attendance.NewService(attendance.DefaultConfig(), attendance.Deps{
		Store:    st,
		Manager:  mgr,
		Engine:   eng,
		Sink:     sink,
		Recorder: recorder,
		Clock:    clk,
		Logger:   logger,
	})
}
