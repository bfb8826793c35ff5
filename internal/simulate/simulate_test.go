package simulate

import (
	"context"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrylevesque/slqrattend/internal/clock"
	"github.com/harrylevesque/slqrattend/internal/models"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func run(t *testing.T, opts Options) *Report {
	t.Helper()
	clk := clock.NewManual(t0)
	svc, err := NewInProcess(clk, nil, nil, nil)
	require.NoError(t, err)
	rep, err := Run(context.Background(), svc, clk, gofakeit.New(42), "prof-sim", opts)
	require.NoError(t, err)
	return rep
}

func accepted(r *Report) int {
	n := 0
	for st, c := range r.Statuses {
		if st.Accepted() {
			n += c
		}
	}
	return n
}

func TestRun_ResubmissionsAreDuplicates(t *testing.T) {
	opts := DefaultOptions()
	opts.Students = 5
	opts.SharedDevice, opts.FarAway, opts.Skewed, opts.Resubmit = 0, 0, 0, 100

	rep := run(t, opts)
	assert.NotEmpty(t, rep.SessionID)
	assert.Equal(t, 10, rep.Claims)
	assert.Equal(t, 5, accepted(rep))
	assert.Equal(t, 5, rep.Statuses[models.StatusRejected])
	assert.Equal(t, 5, rep.Reasons[models.ReasonDuplicateClaim])
}

func TestRun_FarAwayAndSkewed(t *testing.T) {
	opts := DefaultOptions()
	opts.Students = 4
	opts.SharedDevice, opts.FarAway, opts.Skewed, opts.Resubmit = 0, 100, 100, 0

	rep := run(t, opts)
	assert.Equal(t, 4, rep.Claims)
	assert.Equal(t, 4, accepted(rep))
	assert.Equal(t, 4, rep.Anomalies[models.AnomalyLocationMismatch])
	assert.Equal(t, 4, rep.Anomalies[models.AnomalyClockSkew])
}

func TestRun_SharedDevices(t *testing.T) {
	opts := DefaultOptions()
	opts.Students = 3
	opts.SharedDevice, opts.FarAway, opts.Skewed, opts.Resubmit = 100, 0, 0, 0

	rep := run(t, opts)
	// every student after the first reuses one device
	assert.Equal(t, 2, rep.Anomalies[models.AnomalyDeviceReuseConflict])
}

func TestRun_NoStudents(t *testing.T) {
	clk := clock.NewManual(t0)
	svc, err := NewInProcess(clk, nil, nil, nil)
	require.NoError(t, err)
	_, err = Run(context.Background(), svc, clk, gofakeit.New(1), "prof", Options{})
	assert.Error(t, err)
}
