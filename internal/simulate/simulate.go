// Package simulate drives a lecture's worth of synthetic claims through an
// attendance service and tallies the outcomes.
package simulate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/harrylevesque/slqrattend/internal/attendance"
	"github.com/harrylevesque/slqrattend/internal/clock"
	"github.com/harrylevesque/slqrattend/internal/models"
	"github.com/harrylevesque/slqrattend/internal/utils"
)

// Options shape the generated population. Percentages are 0..100.
type Options struct {
	Students     int
	TTL          time.Duration
	MaxArrival   time.Duration
	SharedDevice int
	FarAway      int
	Skewed       int
	Resubmit     int
}

// DefaultOptions is a 40 student lecture with a handful of misbehaving devices.
func DefaultOptions() Options {
	return Options{
		Students:     40,
		TTL:          time.Hour,
		MaxArrival:   40 * time.Minute,
		SharedDevice: 10,
		FarAway:      15,
		Skewed:       10,
		Resubmit:     10,
	}
}

// Report tallies what the service decided.
type Report struct {
	SessionID string                      `json:"session_id"`
	Claims    int                         `json:"claims"`
	Statuses  map[models.Status]int       `json:"statuses"`
	Reasons   map[models.RejectReason]int `json:"reasons"`
	Anomalies map[models.AnomalyKind]int  `json:"anomalies"`
}

type submission struct {
	claimant string
	at       time.Duration
	location models.Location
	device   utils.DeviceAttributes
	skew     time.Duration
}

var (
	screens   = []string{"390x844", "412x915", "1920x1080", "1440x900", "360x800"}
	platforms = []string{"iOS", "Android", "MacIntel", "Win32", "Linux x86_64"}
)

// Run opens a session as owner and submits one claim per generated student,
// advancing clk to each arrival.
func Run(ctx context.Context, svc *attendance.Service, clk *clock.Manual, faker *gofakeit.Faker, owner string, opts Options) (*Report, error) {
	if opts.Students < 1 {
		return nil, fmt.Errorf("simulate: need at least one student")
	}
	anchor := models.Location{
		Lat: faker.Float64Range(-60, 60),
		Lon: faker.Float64Range(-170, 170),
	}
	start := clk.Now()
	issued, err := svc.OpenSession(ctx, owner, "lecture-"+faker.Noun(), opts.TTL, &anchor)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	subs := generate(faker, anchor, opts)
	report := &Report{
		SessionID: issued.Session.SessionID,
		Statuses:  map[models.Status]int{},
		Reasons:   map[models.RejectReason]int{},
		Anomalies: map[models.AnomalyKind]int{},
	}
	for _, s := range subs {
		clk.Set(start.Add(s.at))
		loc := s.location
		out, err := svc.Claim(ctx, attendance.ClaimRequest{
			ClaimantID:      s.claimant,
			Token:           issued.Token,
			Location:        &loc,
			DeviceSignature: utils.Fingerprint(s.device),
			ClientTime:      clk.Now().Add(s.skew),
		})
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", s.claimant, err)
		}
		report.Claims++
		report.Statuses[out.Status]++
		if out.RejectReason != models.ReasonNone {
			report.Reasons[out.RejectReason]++
		}
		for _, f := range out.Anomalies {
			report.Anomalies[f.Kind]++
		}
	}
	return report, nil
}

func generate(faker *gofakeit.Faker, anchor models.Location, opts Options) []submission {
	maxArrival := int(opts.MaxArrival / time.Second)
	if maxArrival < 1 {
		maxArrival = 1
	}
	var subs []submission
	var prev *utils.DeviceAttributes
	for i := 0; i < opts.Students; i++ {
		dev := utils.DeviceAttributes{
			UserAgent:      faker.UserAgent(),
			Language:       faker.LanguageAbbreviation(),
			ScreenDims:     faker.RandomString(screens),
			TimezoneOffset: faker.Number(-12, 14) * 60,
			Platform:       faker.RandomString(platforms),
		}
		if prev != nil && roll(faker, opts.SharedDevice) {
			dev = *prev
		}
		prev = &dev

		s := submission{
			claimant: fmt.Sprintf("%s-%03d", faker.Username(), i),
			at:       time.Duration(faker.Number(0, maxArrival)) * time.Second,
			location: jitter(faker, anchor, 0.0003),
			device:   dev,
		}
		if roll(faker, opts.FarAway) {
			far := models.Location{Lat: anchor.Lat + 0.02, Lon: anchor.Lon}
			s.location = jitter(faker, far, 0.0003)
		}
		if roll(faker, opts.Skewed) {
			s.skew = time.Duration(faker.Number(2, 10)) * time.Minute
		}
		subs = append(subs, s)
		if roll(faker, opts.Resubmit) {
			again := s
			again.at += time.Duration(faker.Number(1, 30)) * time.Second
			subs = append(subs, again)
		}
	}
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].at < subs[j].at })
	return subs
}

func jitter(faker *gofakeit.Faker, l models.Location, spread float64) models.Location {
	return models.Location{
		Lat: l.Lat + faker.Float64Range(-spread, spread),
		Lon: l.Lon + faker.Float64Range(-spread, spread),
	}
}

func roll(faker *gofakeit.Faker, percent int) bool {
	return percent > 0 && faker.Number(1, 100) <= percent
}
