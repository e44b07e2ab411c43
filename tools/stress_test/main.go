package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	bftapi "github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/api"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/config"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/network"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/service"
)

var logger = logging.Logger("bft/stress")

// StressTestConfig holds configuration for the stress test.
type StressTestConfig struct {
	Address     string
	Concurrency int
	Duration    time.Duration
	AuthToken   string
	ReportFile  string
	Nodes       int
	BatchSize   int
}

// StressTestResult holds the results of a stress test.
type StressTestResult struct {
	TotalRequests  int64
	SuccessfulReqs int64
	FailedReqs     int64
	TotalDuration  time.Duration
	AvgLatency     time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	RequestsPerSec float64
}

// submitFunc sends one request and returns once it is accepted (remote) or
// executed (local).
type submitFunc func(ctx context.Context, worker int, req message.Request) error

func main() {
	conf := parseFlags()
	if err := logging.SetLogLevel("*", "warn"); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	fmt.Println("=== HieraChain BFT Stress Test ===")
	if conf.Address != "" {
		fmt.Printf("Target: %s\n", conf.Address)
	} else {
		fmt.Printf("Target: in-process cluster of %d replicas\n", conf.Nodes)
	}
	fmt.Printf("Concurrency: %d workers\n", conf.Concurrency)
	fmt.Printf("Duration: %v\n", conf.Duration)
	fmt.Println()

	ctx := context.Background()
	var (
		submit  submitFunc
		cleanup func()
		err     error
	)
	if conf.Address != "" {
		submit, cleanup, err = remoteTarget(ctx, conf)
	} else {
		submit, cleanup, err = localTarget(ctx, conf)
	}
	if err != nil {
		logger.Fatal(err)
	}

	result := runStressTest(ctx, conf, submit)
	cleanup()

	printResults(result)

	if conf.ReportFile != "" {
		saveReport(conf, result)
	}
}

func parseFlags() StressTestConfig {
	conf := StressTestConfig{}

	flag.StringVar(&conf.Address, "addr", "", "Admission server address (empty = in-process cluster)")
	flag.IntVar(&conf.Concurrency, "c", 10, "Number of concurrent workers")
	flag.DurationVar(&conf.Duration, "d", 10*time.Second, "Duration of test")
	flag.StringVar(&conf.AuthToken, "token", "", "Authentication token")
	flag.StringVar(&conf.ReportFile, "o", "", "Output report file (JSON)")
	flag.IntVar(&conf.Nodes, "n", 4, "Replicas of the in-process cluster")
	flag.IntVar(&conf.BatchSize, "batch", 16, "Batch size of the in-process cluster")

	flag.Parse()

	return conf
}

// remoteTarget submits through one admission connection per worker.
func remoteTarget(ctx context.Context, conf StressTestConfig) (submitFunc, func(), error) {
	clients := make([]*bftapi.Client, conf.Concurrency)
	closeAll := func() {
		for _, c := range clients {
			if c != nil {
				c.Close()
			}
		}
	}
	for i := range clients {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		c, err := bftapi.Dial(dctx, conf.Address, conf.AuthToken)
		cancel()
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		clients[i] = c
	}
	submit := func(ctx context.Context, worker int, req message.Request) error {
		return clients[worker].Submit(ctx, []message.Request{req})
	}
	return submit, closeAll, nil
}

// localTarget starts an in-process cluster over a LocalHub. A request counts
// once the first replica executed it.
func localTarget(ctx context.Context, conf StressTestConfig) (submitFunc, func(), error) {
	hub := network.NewLocalHub(1 << 14)
	cfgs := config.LocalCluster(conf.Nodes, 0)

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	replicas := make([]*consensus.Replica, len(cfgs))
	transports := make([]*network.LocalTransport, len(cfgs))
	for i, cfg := range cfgs {
		cfg.BatchSize = conf.BatchSize
		opts, err := consensus.FromConfig(cfg)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		transports[i] = hub.Join(cfg.NodeID)
		opts.Transport = transports[i]
		opts.Service = service.NewKV()
		r, err := consensus.New(opts)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		replicas[i] = r
		g.Go(func() error { return r.Run(gctx) })
	}

	var (
		mu      sync.Mutex
		waiters = make(map[message.RequestKey]chan struct{})
	)
	observer := replicas[0].Committed()
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case cb := <-observer:
				mu.Lock()
				for _, req := range cb.Requests {
					if ch, ok := waiters[req.Key()]; ok {
						close(ch)
						delete(waiters, req.Key())
					}
				}
				mu.Unlock()
			}
		}
	})

	submit := func(ctx context.Context, worker int, req message.Request) error {
		done := make(chan struct{})
		mu.Lock()
		waiters[req.Key()] = done
		mu.Unlock()
		forget := func() {
			mu.Lock()
			delete(waiters, req.Key())
			mu.Unlock()
		}

		if err := replicas[worker%len(replicas)].Submit(ctx, req); err != nil {
			forget()
			return err
		}
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			forget()
			return ctx.Err()
		}
	}
	stop := func() {
		cancel()
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warnf("cluster: %v", err)
		}
		for _, tr := range transports {
			tr.Close()
		}
	}
	return submit, stop, nil
}

func runStressTest(ctx context.Context, conf StressTestConfig, submit submitFunc) StressTestResult {
	var (
		totalReqs    int64
		successReqs  int64
		failedReqs   int64
		totalLatency int64
		minLatency   int64 = 1<<63 - 1
		maxLatency   int64
		wg           sync.WaitGroup
	)

	runCtx, cancel := context.WithTimeout(ctx, conf.Duration)
	defer cancel()
	startTime := time.Now()

	for i := 0; i < conf.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			client := uuid.New()
			for ts := uint64(1); runCtx.Err() == nil; ts++ {
				req := message.Request{ClientID: client, Timestamp: ts, Operation: service.Incr(fmt.Sprintf("worker-%d", workerID))}

				start := time.Now()
				rctx, rcancel := context.WithTimeout(runCtx, 10*time.Second)
				err := submit(rctx, workerID, req)
				rcancel()
				latency := time.Since(start)

				if runCtx.Err() != nil {
					return
				}
				atomic.AddInt64(&totalReqs, 1)
				if err != nil {
					atomic.AddInt64(&failedReqs, 1)
					logger.Debugf("worker %d: %v", workerID, err)
					// Small sleep on error to avoid hammering
					time.Sleep(10 * time.Millisecond)
					continue
				}
				atomic.AddInt64(&successReqs, 1)
				atomic.AddInt64(&totalLatency, int64(latency))
				record(&minLatency, &maxLatency, int64(latency))
			}
		}(i)
	}
	wg.Wait()

	duration := time.Since(startTime)
	total := atomic.LoadInt64(&totalReqs)
	success := atomic.LoadInt64(&successReqs)
	latencySum := atomic.LoadInt64(&totalLatency)
	minLat := atomic.LoadInt64(&minLatency)
	if success == 0 {
		minLat = 0
	}

	var avgLatency time.Duration
	if success > 0 {
		avgLatency = time.Duration(latencySum / success)
	}

	return StressTestResult{
		TotalRequests:  total,
		SuccessfulReqs: success,
		FailedReqs:     atomic.LoadInt64(&failedReqs),
		TotalDuration:  duration,
		AvgLatency:     avgLatency,
		MinLatency:     time.Duration(minLat),
		MaxLatency:     time.Duration(atomic.LoadInt64(&maxLatency)),
		RequestsPerSec: float64(success) / duration.Seconds(),
	}
}

func record(minLatency, maxLatency *int64, lat int64) {
	for {
		old := atomic.LoadInt64(minLatency)
		if lat >= old || atomic.CompareAndSwapInt64(minLatency, old, lat) {
			break
		}
	}
	for {
		old := atomic.LoadInt64(maxLatency)
		if lat <= old || atomic.CompareAndSwapInt64(maxLatency, old, lat) {
			break
		}
	}
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func printResults(result StressTestResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Total Requests:  %d\n", result.TotalRequests)
	fmt.Printf("Successful:      %d (%.2f%%)\n", result.SuccessfulReqs, percent(result.SuccessfulReqs, result.TotalRequests))
	fmt.Printf("Failed:          %d (%.2f%%)\n", result.FailedReqs, percent(result.FailedReqs, result.TotalRequests))
	fmt.Printf("Requests/sec:    %.2f\n", result.RequestsPerSec)
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(conf StressTestConfig, result StressTestResult) {
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"address":     conf.Address,
			"nodes":       conf.Nodes,
			"concurrency": conf.Concurrency,
			"duration":    conf.Duration.String(),
		},
		"results": map[string]interface{}{
			"total_requests":   result.TotalRequests,
			"successful":       result.SuccessfulReqs,
			"failed":           result.FailedReqs,
			"requests_per_sec": result.RequestsPerSec,
			"avg_latency_ms":   float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms":   float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms":   float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(conf.ReportFile, data, 0644); err != nil {
		logger.Errorf("Failed to write report: %v", err)
	} else {
		fmt.Printf("Report saved to: %s\n", conf.ReportFile)
	}
}
