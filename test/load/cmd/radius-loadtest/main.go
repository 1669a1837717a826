// Command radius-loadtest runs load tests against a radiusd server.
//
// Usage:
//
//	radius-loadtest -auth 10.0.0.5:1812 -acct 10.0.0.5:1813 -secret testing123 -duration 60s
//
// The server must know the load generator's address as a client and hold
// accounts named <prefix>0 .. <prefix>N-1 with the given password.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radiusd/test/load"
)

type jsonReport struct {
	DurationSeconds   float64 `json:"duration_seconds"`
	Requests          uint64  `json:"requests"`
	Accepts           uint64  `json:"accepts"`
	Rejects           uint64  `json:"rejects"`
	AcctResponses     uint64  `json:"acct_responses"`
	Errors            uint64  `json:"errors"`
	Timeouts          uint64  `json:"timeouts"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Latency           struct {
		MinUs float64 `json:"min_us"`
		AvgUs float64 `json:"avg_us"`
		P50Us float64 `json:"p50_us"`
		P95Us float64 `json:"p95_us"`
		P99Us float64 `json:"p99_us"`
		MaxUs float64 `json:"max_us"`
	} `json:"latency"`
	TargetsMet bool `json:"targets_met"`
}

func main() {
	defaults := load.DefaultConfig()

	authTarget := flag.String("auth", defaults.AuthTarget, "Authentication listener (host:port)")
	acctTarget := flag.String("acct", defaults.AcctTarget, "Accounting listener (host:port)")
	secret := flag.String("secret", defaults.Secret, "Shared secret")
	concurrency := flag.Int("concurrency", defaults.Concurrency, "Number of concurrent workers")
	duration := flag.Duration("duration", defaults.Duration, "Test duration")
	rps := flag.Int("rps", 0, "Target requests per second (0 = unlimited)")
	users := flag.Int("users", defaults.Users, "Number of distinct accounts")
	prefix := flag.String("user-prefix", defaults.UserPrefix, "Account name prefix")
	password := flag.String("password", defaults.Password, "Account password")
	warmup := flag.Duration("warmup", defaults.WarmupDuration, "Warmup duration")
	acctRatio := flag.Float64("acct-ratio", defaults.AcctRatio, "Share of accounting requests (0.0-1.0)")
	timeout := flag.Duration("timeout", defaults.Timeout, "Timeout per request")
	jsonOutput := flag.Bool("json", false, "Output results as JSON")
	validateTargets := flag.Bool("validate", false, "Exit with non-zero if targets not met")
	verbose := flag.Bool("v", false, "Log failed requests")

	flag.Parse()

	cfg := &load.BenchmarkConfig{
		AuthTarget:        *authTarget,
		AcctTarget:        *acctTarget,
		Secret:            *secret,
		Concurrency:       *concurrency,
		Duration:          *duration,
		RequestsPerSecond: *rps,
		Users:             *users,
		UserPrefix:        *prefix,
		Password:          *password,
		WarmupDuration:    *warmup,
		AcctRatio:         *acctRatio,
		Timeout:           *timeout,
	}

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	benchmark := load.NewBenchmark(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupted, stopping benchmark...")
		cancel()
	}()

	fmt.Println("Starting RADIUS Load Test")
	fmt.Printf("Targets: %s / %s\n", cfg.AuthTarget, cfg.AcctTarget)
	fmt.Printf("Duration: %s (+ %s warmup)\n", cfg.Duration, cfg.WarmupDuration)
	fmt.Printf("Concurrency: %d workers\n", cfg.Concurrency)
	fmt.Println()

	result, err := benchmark.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Benchmark failed: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		if err := printJSON(result); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode results: %v\n", err)
			os.Exit(1)
		}
	} else {
		result.PrintReport()
	}

	if *validateTargets {
		if !result.MeetsTargets() {
			fmt.Println("\nWARNING: Performance targets not met!")
			os.Exit(1)
		}
		fmt.Println("\nAll performance targets met!")
	}
}

func printJSON(result *load.BenchmarkResult) error {
	us := func(d time.Duration) float64 { return float64(d.Microseconds()) }

	r := jsonReport{
		DurationSeconds:   result.Duration.Seconds(),
		Requests:          result.Requests,
		Accepts:           result.Accepts,
		Rejects:           result.Rejects,
		AcctResponses:     result.AcctAcks,
		Errors:            result.Errors,
		Timeouts:          result.Timeouts,
		RequestsPerSecond: result.RequestsPerSecond,
		TargetsMet:        result.MeetsTargets(),
	}
	r.Latency.MinUs = us(result.LatencyMin)
	r.Latency.AvgUs = us(result.LatencyAvg)
	r.Latency.P50Us = us(result.LatencyP50)
	r.Latency.P95Us = us(result.LatencyP95)
	r.Latency.P99Us = us(result.LatencyP99)
	r.Latency.MaxUs = us(result.LatencyMax)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
