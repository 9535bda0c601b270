// Package loadtest drives realistic catalogue traffic against a running
// server through the API client and summarises latency per operation.
package loadtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/cmpc-libros/server/internal/apiclient"
	"github.com/cmpc-libros/server/internal/domain/books"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type LoadProfile string

const (
	ProfileLight  LoadProfile = "light"  // 5 req/s, 1 minute
	ProfileMedium LoadProfile = "medium" // 20 req/s, 2 minutes
	ProfileHeavy  LoadProfile = "heavy"  // 50 req/s, 5 minutes
	ProfileBurst  LoadProfile = "burst"  // 100 req/s, 30 seconds, no ramp
)

type ProfileConfig struct {
	RequestsPerSecond int
	Duration          time.Duration
	RampUpTime        time.Duration
	RampDownTime      time.Duration
	// ReadWriteRatio is the share of read operations, 0.8 = 80% reads.
	ReadWriteRatio float64
	Workers        int
}

var LoadProfiles = map[LoadProfile]ProfileConfig{
	ProfileLight:  {RequestsPerSecond: 5, Duration: time.Minute, RampUpTime: 10 * time.Second, RampDownTime: 10 * time.Second, ReadWriteRatio: 0.9},
	ProfileMedium: {RequestsPerSecond: 20, Duration: 2 * time.Minute, RampUpTime: 20 * time.Second, RampDownTime: 20 * time.Second, ReadWriteRatio: 0.8},
	ProfileHeavy:  {RequestsPerSecond: 50, Duration: 5 * time.Minute, RampUpTime: 30 * time.Second, RampDownTime: 30 * time.Second, ReadWriteRatio: 0.7},
	ProfileBurst:  {RequestsPerSecond: 100, Duration: 30 * time.Second, ReadWriteRatio: 0.9},
}

// LoadTester issues requests as one signed-in user. Writes need a staff
// account; with a CLIENT account they are recorded as 403s.
type LoadTester struct {
	client *apiclient.Client
	stats  *Statistics

	mu      sync.Mutex
	bookIDs []string
	created []string
}

func NewLoadTester(client *apiclient.Client) *LoadTester {
	return &LoadTester{client: client}
}

func (lt *LoadTester) Run(ctx context.Context, profile LoadProfile) (*Statistics, error) {
	cfg, ok := LoadProfiles[profile]
	if !ok {
		return nil, fmt.Errorf("unknown profile: %s", profile)
	}
	return lt.RunCustom(ctx, cfg)
}

// RunCustom runs cfg until its total duration elapses or ctx is cancelled.
// Books created during the run are deleted afterwards on a best-effort basis.
func (lt *LoadTester) RunCustom(ctx context.Context, cfg ProfileConfig) (*Statistics, error) {
	if cfg.RequestsPerSecond <= 0 {
		return nil, errors.New("requests per second must be positive")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = max(cfg.RequestsPerSecond*2, 4)
	}

	lt.stats = newStatistics()
	lt.warmUp(ctx)

	total := cfg.RampUpTime + cfg.Duration + cfg.RampDownTime
	runCtx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(currentRPS(0, cfg)), 1)
	start := time.Now()
	work := make(chan operation, workers)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer close(work)
		for {
			if err := limiter.Wait(gctx); err != nil {
				return nil
			}
			limiter.SetLimit(rate.Limit(currentRPS(time.Since(start), cfg)))
			op := lt.pickWrite()
			if rand.Float64() < cfg.ReadWriteRatio {
				op = lt.pickRead()
			}
			select {
			case work <- op:
			case <-gctx.Done():
				return nil
			}
		}
	})
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for op := range work {
				lt.execute(gctx, op)
			}
			return nil
		})
	}
	err := g.Wait()
	lt.stats.finish()

	lt.cleanup(context.WithoutCancel(ctx))
	return lt.stats, err
}

type operation struct {
	name string
	run  func(ctx context.Context) error
}

// warmUp collects book ids for get operations.
func (lt *LoadTester) warmUp(ctx context.Context) {
	result, err := lt.client.ListBooks(ctx, apiclient.BookQuery{Limit: 100})
	if err != nil {
		return
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for _, b := range result.Data {
		lt.bookIDs = append(lt.bookIDs, b.ID.String())
	}
}

func (lt *LoadTester) randomBookID() (string, bool) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if len(lt.bookIDs) == 0 {
		return "", false
	}
	return lt.bookIDs[rand.IntN(len(lt.bookIDs))], true
}

func (lt *LoadTester) pickRead() operation {
	switch rand.IntN(4) {
	case 0:
		if id, ok := lt.randomBookID(); ok {
			return operation{name: "get_book", run: func(ctx context.Context) error {
				_, err := lt.client.GetBook(ctx, id)
				return err
			}}
		}
		fallthrough
	case 1:
		return operation{name: "list_books", run: func(ctx context.Context) error {
			_, err := lt.client.ListBooks(ctx, apiclient.BookQuery{Page: rand.IntN(3) + 1})
			return err
		}}
	case 2:
		genre := books.Genres[rand.IntN(len(books.Genres))]
		return operation{name: "filter_books", run: func(ctx context.Context) error {
			_, err := lt.client.ListBooks(ctx, apiclient.BookQuery{Genre: genre, SortBy: "price", SortDirection: "asc", InStock: true})
			return err
		}}
	default:
		return operation{name: "book_stats", run: func(ctx context.Context) error {
			_, err := lt.client.BookStats(ctx)
			return err
		}}
	}
}

func (lt *LoadTester) pickWrite() operation {
	return operation{name: "create_book", run: func(ctx context.Context) error {
		book, err := lt.client.CreateBook(ctx, randomBook())
		if err != nil {
			return err
		}
		lt.mu.Lock()
		lt.created = append(lt.created, book.ID.String())
		lt.bookIDs = append(lt.bookIDs, book.ID.String())
		lt.mu.Unlock()
		return nil
	}}
}

func randomBook() books.CreateInput {
	price := books.Money(rand.IntN(10_000) + 500)
	stock := rand.IntN(50)
	available := stock > 0
	return books.CreateInput{
		Title:        fmt.Sprintf("Load test %d", rand.Uint32()),
		Author:       "Load Tester",
		Publisher:    "CMPC Bench",
		Price:        &price,
		Availability: &available,
		Genre:        books.Genres[rand.IntN(len(books.Genres))],
		Stock:        &stock,
	}
}

func (lt *LoadTester) execute(ctx context.Context, op operation) {
	start := time.Now()
	err := op.run(ctx)
	if err != nil && ctx.Err() != nil {
		return
	}
	status := 200
	if err != nil {
		status = apiclient.StatusOf(err)
	}
	lt.stats.record(op.name, status, time.Since(start))
}

func (lt *LoadTester) cleanup(ctx context.Context) {
	lt.mu.Lock()
	created := lt.created
	lt.created = nil
	lt.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range created {
		g.Go(func() error {
			_ = lt.client.DeleteBook(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

// currentRPS ramps linearly up to the target and back down, never below 1.
func currentRPS(elapsed time.Duration, cfg ProfileConfig) int {
	target := cfg.RequestsPerSecond
	rps := target
	switch {
	case elapsed < cfg.RampUpTime:
		rps = int(float64(target) * float64(elapsed) / float64(cfg.RampUpTime))
	case elapsed >= cfg.RampUpTime+cfg.Duration && cfg.RampDownTime > 0:
		down := elapsed - cfg.RampUpTime - cfg.Duration
		rps = int(float64(target) * (1 - float64(down)/float64(cfg.RampDownTime)))
	}
	return max(rps, 1)
}

type Statistics struct {
	mu        sync.Mutex
	total     int64
	success   int64
	failed    int64
	latencies []time.Duration
	errors    map[int]int64
	endpoints map[string]*EndpointStats
	startTime time.Time
	endTime   time.Time
}

type EndpointStats struct {
	Count  int64
	Errors int64
	times  []time.Duration
}

func newStatistics() *Statistics {
	return &Statistics{
		errors:    map[int]int64{},
		endpoints: map[string]*EndpointStats{},
		startTime: time.Now(),
	}
}

// record counts one response. Status 0 is a transport error.
func (s *Statistics) record(endpoint string, status int, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.latencies = append(s.latencies, latency)
	ep := s.endpoints[endpoint]
	if ep == nil {
		ep = &EndpointStats{}
		s.endpoints[endpoint] = ep
	}
	ep.Count++
	ep.times = append(ep.times, latency)
	if status >= 200 && status < 300 {
		s.success++
		return
	}
	s.failed++
	s.errors[status]++
	ep.Errors++
}

func (s *Statistics) finish() {
	s.mu.Lock()
	s.endTime = time.Now()
	s.mu.Unlock()
}

func (s *Statistics) Totals() (total, success, failed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, s.success, s.failed
}

func (s *Statistics) Report() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b bytes.Buffer
	duration := s.endTime.Sub(s.startTime)
	fmt.Fprintf(&b, "\nLOAD TEST RESULTS\n=================\n\n")
	fmt.Fprintf(&b, "Duration:        %s\n", duration.Round(time.Second))
	fmt.Fprintf(&b, "Total Requests:  %d\n", s.total)
	if s.total > 0 {
		fmt.Fprintf(&b, "Successful:      %d (%.1f%%)\n", s.success, float64(s.success)/float64(s.total)*100)
		fmt.Fprintf(&b, "Failed:          %d (%.1f%%)\n", s.failed, float64(s.failed)/float64(s.total)*100)
	}
	if duration > 0 {
		fmt.Fprintf(&b, "Requests/sec:    %.2f\n", float64(s.total)/duration.Seconds())
	}

	if len(s.latencies) > 0 {
		fmt.Fprintf(&b, "\nLatency: p50=%s p95=%s p99=%s\n",
			percentile(s.latencies, 0.50), percentile(s.latencies, 0.95), percentile(s.latencies, 0.99))
	}

	if len(s.errors) > 0 {
		codes := make([]int, 0, len(s.errors))
		for code := range s.errors {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		b.WriteString("\nErrors by status:\n")
		for _, code := range codes {
			fmt.Fprintf(&b, "  %d: %d\n", code, s.errors[code])
		}
	}

	names := make([]string, 0, len(s.endpoints))
	for name := range s.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(&b, "\n%-14s %8s %8s %10s\n", "Operation", "Count", "Errors", "p95")
	for _, name := range names {
		ep := s.endpoints[name]
		fmt.Fprintf(&b, "%-14s %8d %8d %10s\n", name, ep.Count, ep.Errors, percentile(ep.times, 0.95))
	}
	return b.String()
}

func percentile(times []time.Duration, p float64) time.Duration {
	if len(times) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), times...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx].Round(time.Millisecond)
}
