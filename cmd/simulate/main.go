package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/harrylevesque/slqrattend/internal/audit"
	"github.com/harrylevesque/slqrattend/internal/clock"
	"github.com/harrylevesque/slqrattend/internal/observability"
	"github.com/harrylevesque/slqrattend/internal/simulate"
	"github.com/harrylevesque/slqrattend/internal/utils"
)

func main() {
	def := simulate.DefaultOptions()
	students := flag.Int("students", def.Students, "Number of generated students")
	seed := flag.Uint64("seed", 123, "Faker seed")
	shared := flag.Int("shared", def.SharedDevice, "Percent of students borrowing the previous device")
	far := flag.Int("far", def.FarAway, "Percent of students claiming from ~2km away")
	skewed := flag.Int("skewed", def.Skewed, "Percent of students with a fast clock")
	resubmit := flag.Int("resubmit", def.Resubmit, "Percent of students submitting twice")
	jsonlPath := flag.String("jsonl", "", "Also write outcomes and findings to this JSONL file")
	asJSON := flag.Bool("json", false, "Print the report as JSON")
	logLevel := flag.String("log-level", "WARN", "Log level")
	flag.Parse()

	logger, err := utils.NewLogger("", *logLevel)
	if err != nil {
		fail(err)
	}
	defer logger.Close()

	var sink audit.Sink = audit.Nop{}
	if *jsonlPath != "" {
		s, err := audit.NewJSONLSink(*jsonlPath)
		if err != nil {
			fail(err)
		}
		sink = s
	}
	defer sink.Close()

	provider := observability.NewProvider(false)
	recorder, err := observability.NewRecorder(provider.Meter())
	if err != nil {
		fail(err)
	}

	clk := clock.NewManual(time.Now().UTC().Truncate(time.Minute))
	svc, err := simulate.NewInProcess(clk, sink, recorder, logger.Logger)
	if err != nil {
		fail(err)
	}

	opts := def
	opts.Students = *students
	opts.SharedDevice = *shared
	opts.FarAway = *far
	opts.Skewed = *skewed
	opts.Resubmit = *resubmit

	ctx := context.Background()
	rep, err := simulate.Run(ctx, svc, clk, gofakeit.New(*seed), "instructor-sim", opts)
	if err != nil {
		fail(err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			fail(err)
		}
		return
	}

	fmt.Println("Session:", rep.SessionID)
	fmt.Println("Claims: ", rep.Claims)
	printCounts("Statuses", rep.Statuses)
	printCounts("Reject reasons", rep.Reasons)
	printCounts("Anomalies", rep.Anomalies)

	points, err := provider.Snapshot(ctx)
	if err == nil {
		fmt.Println("Metrics:")
		for _, p := range points {
			fmt.Printf("  %s %v = %g\n", p.Name, p.Attributes, p.Value)
		}
	}
}

func printCounts[K ~string](title string, counts map[K]int) {
	fmt.Println(title + ":")
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-24s %d\n", k, counts[K(k)])
	}
}

func fail(err error) {
	fmt.Println("Error:", err)
	os.Exit(1)
}
