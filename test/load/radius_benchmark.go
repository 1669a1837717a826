// Package load drives a RADIUS server with concurrent Access-Requests and
// accounting updates and reports throughput and latency.
//
// Targets for a single radiusd instance on the memory backend:
//   - 20,000+ requests/sec total throughput
//   - <5ms P99 latency
//   - no timeouts at the configured rate
package load

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
)

// BenchmarkConfig configures the load test
type BenchmarkConfig struct {
	// AuthTarget is the authentication listener, e.g. "127.0.0.1:1812"
	AuthTarget string

	// AcctTarget is the accounting listener, e.g. "127.0.0.1:1813"
	AcctTarget string

	// Secret is the shared secret of the load generator's address
	Secret string

	// Concurrency is the number of concurrent workers
	Concurrency int

	// Duration is how long to run the test
	Duration time.Duration

	// RequestsPerSecond is the target RPS (0 for unlimited)
	RequestsPerSecond int

	// Users is the number of distinct accounts, named PrefixN
	Users int

	// UserPrefix and Password describe the accounts to authenticate
	UserPrefix string
	Password   string

	// WarmupDuration is the time to warm up before measuring
	WarmupDuration time.Duration

	// AcctRatio is the share of requests sent as Interim-Update (0.0-1.0)
	AcctRatio float64

	// Timeout bounds each exchange
	Timeout time.Duration
}

// DefaultConfig returns a default benchmark configuration
func DefaultConfig() *BenchmarkConfig {
	return &BenchmarkConfig{
		AuthTarget:     "127.0.0.1:1812",
		AcctTarget:     "127.0.0.1:1813",
		Secret:         "testing123",
		Concurrency:    100,
		Duration:       30 * time.Second,
		Users:          10000,
		UserPrefix:     "load",
		Password:       "load",
		WarmupDuration: 5 * time.Second,
		AcctRatio:      0.5,
		Timeout:        time.Second,
	}
}

// BenchmarkResult contains the results of a load test
type BenchmarkResult struct {
	Config *BenchmarkConfig

	// Duration is the measured duration, warmup excluded
	Duration time.Duration

	Requests uint64
	Accepts  uint64
	Rejects  uint64
	AcctAcks uint64
	Errors   uint64
	Timeouts uint64

	RequestsPerSecond float64

	Latencies  []time.Duration
	LatencyP50 time.Duration
	LatencyP95 time.Duration
	LatencyP99 time.Duration
	LatencyMax time.Duration
	LatencyMin time.Duration
	LatencyAvg time.Duration
}

// Responses is the number of requests that got a reply
func (r *BenchmarkResult) Responses() uint64 {
	return r.Accepts + r.Rejects + r.AcctAcks
}

// Benchmark runs a RADIUS load test
type Benchmark struct {
	config *BenchmarkConfig
	logger *zap.Logger
	client *radius.Client

	requests atomic.Uint64
	accepts  atomic.Uint64
	rejects  atomic.Uint64
	acctAcks atomic.Uint64
	errors   atomic.Uint64
	timeouts atomic.Uint64

	latencies   []time.Duration
	latenciesMu sync.Mutex

	sessionSeq atomic.Uint64
}

// NewBenchmark creates a new benchmark
func NewBenchmark(config *BenchmarkConfig, logger *zap.Logger) *Benchmark {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Users <= 0 {
		config.Users = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = time.Second
	}
	return &Benchmark{
		config: config,
		logger: logger,
		client: &radius.Client{Retry: 0, MaxPacketErrors: 1},
	}
}

func (b *Benchmark) reset() {
	b.requests.Store(0)
	b.accepts.Store(0)
	b.rejects.Store(0)
	b.acctAcks.Store(0)
	b.errors.Store(0)
	b.timeouts.Store(0)
	b.latenciesMu.Lock()
	b.latencies = make([]time.Duration, 0, 100000)
	b.latenciesMu.Unlock()
}

// Run executes the benchmark
func (b *Benchmark) Run(ctx context.Context) (*BenchmarkResult, error) {
	b.logger.Info("Starting RADIUS benchmark",
		zap.Int("workers", b.config.Concurrency),
		zap.String("auth_target", b.config.AuthTarget),
		zap.String("acct_target", b.config.AcctTarget),
		zap.Duration("duration", b.config.Duration),
		zap.Int("users", b.config.Users),
	)

	for _, t := range []string{b.config.AuthTarget, b.config.AcctTarget} {
		if _, err := net.ResolveUDPAddr("udp", t); err != nil {
			return nil, fmt.Errorf("invalid target address %s: %w", t, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.Duration+b.config.WarmupDuration+time.Minute)
	defer cancel()

	b.reset()

	var wg sync.WaitGroup
	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()

	var rateLimiter <-chan time.Time
	if b.config.RequestsPerSecond > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(b.config.RequestsPerSecond))
		defer ticker.Stop()
		rateLimiter = ticker.C
	}

	for i := 0; i < b.config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			b.worker(workerCtx, workerID, rateLimiter)
		}(i)
	}

	if b.config.WarmupDuration > 0 {
		b.logger.Info("Warmup phase", zap.Duration("duration", b.config.WarmupDuration))
		select {
		case <-time.After(b.config.WarmupDuration):
		case <-ctx.Done():
			workerCancel()
			wg.Wait()
			return nil, ctx.Err()
		}
		b.reset()
		b.logger.Info("Warmup complete, starting measurement phase")
	}

	startTime := time.Now()
	select {
	case <-time.After(b.config.Duration):
	case <-ctx.Done():
	}

	workerCancel()
	wg.Wait()

	return b.calculateResults(time.Since(startTime)), nil
}

func (b *Benchmark) worker(ctx context.Context, id int, rateLimiter <-chan time.Time) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if rateLimiter != nil {
			select {
			case <-rateLimiter:
			case <-ctx.Done():
				return
			}
		}

		user := b.config.UserPrefix + strconv.Itoa(rng.Intn(b.config.Users))
		acct := rng.Float64() < b.config.AcctRatio

		start := time.Now()
		var code radius.Code
		var err error
		if acct {
			code, err = b.sendInterim(ctx, user)
		} else {
			code, err = b.sendAccessRequest(ctx, user)
		}
		latency := time.Since(start)

		if ctx.Err() != nil {
			// the exchange was cut short by the end of the run
			return
		}
		b.requests.Add(1)

		if err != nil {
			if isTimeout(err) {
				b.timeouts.Add(1)
			} else {
				b.errors.Add(1)
				b.logger.Debug("Request failed", zap.Int("worker", id), zap.Error(err))
			}
			continue
		}

		switch code {
		case radius.CodeAccessAccept:
			b.accepts.Add(1)
		case radius.CodeAccessReject:
			b.rejects.Add(1)
		case radius.CodeAccountingResponse:
			b.acctAcks.Add(1)
		default:
			b.errors.Add(1)
			continue
		}

		b.latenciesMu.Lock()
		b.latencies = append(b.latencies, latency)
		b.latenciesMu.Unlock()
	}
}

func (b *Benchmark) exchange(ctx context.Context, p *radius.Packet, addr string) (radius.Code, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()
	resp, err := b.client.Exchange(ctx, p, addr)
	if err != nil {
		return 0, err
	}
	return resp.Code, nil
}

// sendAccessRequest sends a PAP Access-Request
func (b *Benchmark) sendAccessRequest(ctx context.Context, user string) (radius.Code, error) {
	p := radius.New(radius.CodeAccessRequest, []byte(b.config.Secret))
	if err := rfc2865.UserName_SetString(p, user); err != nil {
		return 0, err
	}
	if err := rfc2865.UserPassword_SetString(p, b.config.Password); err != nil {
		return 0, err
	}
	rfc2865.NASIdentifier_SetString(p, "loadgen")
	return b.exchange(ctx, p, b.config.AuthTarget)
}

// sendInterim sends an Interim-Update for a fresh session id, which the
// server opens as a session started from an update
func (b *Benchmark) sendInterim(ctx context.Context, user string) (radius.Code, error) {
	p := radius.New(radius.CodeAccountingRequest, []byte(b.config.Secret))
	if err := rfc2865.UserName_SetString(p, user); err != nil {
		return 0, err
	}
	rfc2865.NASIPAddress_Set(p, net.IPv4(127, 0, 0, 1))
	rfc2866.AcctSessionID_SetString(p, fmt.Sprintf("load-%d", b.sessionSeq.Add(1)))
	rfc2866.AcctStatusType_Set(p, rfc2866.AcctStatusType_Value_InterimUpdate)
	rfc2866.AcctSessionTime_Set(p, 60)
	return b.exchange(ctx, p, b.config.AcctTarget)
}

func (b *Benchmark) calculateResults(duration time.Duration) *BenchmarkResult {
	result := &BenchmarkResult{
		Config:   b.config,
		Duration: duration,
		Requests: b.requests.Load(),
		Accepts:  b.accepts.Load(),
		Rejects:  b.rejects.Load(),
		AcctAcks: b.acctAcks.Load(),
		Errors:   b.errors.Load(),
		Timeouts: b.timeouts.Load(),
	}
	if duration > 0 {
		result.RequestsPerSecond = float64(result.Requests) / duration.Seconds()
	}

	b.latenciesMu.Lock()
	latencies := make([]time.Duration, len(b.latencies))
	copy(latencies, b.latencies)
	b.latenciesMu.Unlock()

	if len(latencies) == 0 {
		return result
	}

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	result.Latencies = latencies
	result.LatencyMin = latencies[0]
	result.LatencyMax = latencies[len(latencies)-1]
	result.LatencyP50 = percentile(latencies, 0.50)
	result.LatencyP95 = percentile(latencies, 0.95)
	result.LatencyP99 = percentile(latencies, 0.99)

	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	result.LatencyAvg = total / time.Duration(len(latencies))
	return result
}

// percentile returns the pth percentile of sorted latencies
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// PrintReport prints a human-readable report of the results
func (r *BenchmarkResult) PrintReport() {
	fmt.Println("===========================================================")
	fmt.Println("RADIUS Load Test Results")
	fmt.Println("===========================================================")
	fmt.Println()
	fmt.Printf("Test Duration:     %s\n", r.Duration)
	fmt.Printf("Concurrency:       %d workers\n", r.Config.Concurrency)
	fmt.Printf("Users:             %d\n", r.Config.Users)
	fmt.Printf("Accounting Share:  %.0f%%\n", r.Config.AcctRatio*100)
	fmt.Println()
	fmt.Println("--- Throughput ---")
	fmt.Printf("Total Requests:    %d\n", r.Requests)
	fmt.Printf("Access-Accept:     %d\n", r.Accepts)
	fmt.Printf("Access-Reject:     %d\n", r.Rejects)
	fmt.Printf("Acct-Response:     %d\n", r.AcctAcks)
	fmt.Printf("Errors:            %d\n", r.Errors)
	fmt.Printf("Timeouts:          %d\n", r.Timeouts)
	fmt.Printf("Requests/sec:      %.2f\n", r.RequestsPerSecond)
	fmt.Println()
	fmt.Println("--- Latency ---")
	fmt.Printf("Min:               %s\n", r.LatencyMin)
	fmt.Printf("Avg:               %s\n", r.LatencyAvg)
	fmt.Printf("P50 (median):      %s\n", r.LatencyP50)
	fmt.Printf("P95:               %s\n", r.LatencyP95)
	fmt.Printf("P99:               %s\n", r.LatencyP99)
	fmt.Printf("Max:               %s\n", r.LatencyMax)
	fmt.Println()
	fmt.Println("--- Target Validation ---")
	fmt.Printf("RPS >= 20,000:     %s (%.2f)\n", passFailStr(r.RequestsPerSecond >= 20000), r.RequestsPerSecond)
	fmt.Printf("P99 < 5ms:         %s (%s)\n", passFailStr(r.LatencyP99 < 5*time.Millisecond), r.LatencyP99)
	fmt.Printf("No timeouts:       %s (%d)\n", passFailStr(r.Timeouts == 0), r.Timeouts)
	fmt.Println("===========================================================")
}

func passFailStr(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}

// MeetsTargets reports whether the results meet the performance targets
func (r *BenchmarkResult) MeetsTargets() bool {
	if r.RequestsPerSecond < 20000 {
		return false
	}
	if r.LatencyP99 >= 5*time.Millisecond {
		return false
	}
	return r.Timeouts == 0
}
