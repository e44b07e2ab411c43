package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	bftapi "github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/api"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/data"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
)

var logger = logging.Logger("bft/client")

type clientConfig struct {
	Address   string
	Token     string
	ClientID  string
	BatchSize int
	Retries   int
	Timeout   time.Duration
	JSONFile  string
}

func main() {
	cfg := clientConfig{}
	flag.StringVar(&cfg.Address, "addr", "127.0.0.1:50051", "Admission server address")
	flag.StringVar(&cfg.Token, "token", os.Getenv("BFT_TOKEN"), "Authentication token")
	flag.StringVar(&cfg.ClientID, "client", "", "Client id (UUID), random when empty")
	flag.IntVar(&cfg.BatchSize, "batch", 16, "Requests per batch")
	flag.IntVar(&cfg.Retries, "retries", 5, "Resends of a batch refused for backpressure")
	flag.DurationVar(&cfg.Timeout, "timeout", 10*time.Second, "Timeout per batch")
	flag.StringVar(&cfg.JSONFile, "json", "", "Send the requests of a JSON array file as they are")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [operation]\n\n", os.Args[0])
		fmt.Fprintln(flag.CommandLine.Output(), "With no operation, one operation per line is read from stdin.")
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := logging.SetLogLevel("*", *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "bft-client: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.JSONFile != "" {
		if err := submitFile(ctx, cfg); err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		return
	}

	var ops [][]byte
	if flag.NArg() > 0 {
		ops = [][]byte{[]byte(strings.Join(flag.Args(), " "))}
	} else {
		var err error
		if ops, err = readOps(os.Stdin); err != nil {
			logger.Fatal(err)
		}
	}

	n, err := submit(ctx, cfg, ops)
	logger.Infof("submitted %d of %d requests", n, len(ops))
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func readOps(r io.Reader) ([][]byte, error) {
	var ops [][]byte
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ops = append(ops, []byte(line))
	}
	return ops, sc.Err()
}

// submit sends ops in batches and returns how many were accepted.
func submit(ctx context.Context, cfg clientConfig, ops [][]byte) (int, error) {
	client := uuid.New()
	if cfg.ClientID != "" {
		var err error
		if client, err = uuid.Parse(cfg.ClientID); err != nil {
			return 0, fmt.Errorf("client id: %w", err)
		}
	}

	c, err := bftapi.Dial(ctx, cfg.Address, cfg.Token)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	// Timestamps only have to grow per client; wall-clock nanoseconds keep
	// them growing across runs with the same client id.
	ts := uint64(time.Now().UnixNano())
	sent := 0
	for start := 0; start < len(ops); start += cfg.BatchSize {
		end := min(start+cfg.BatchSize, len(ops))
		batch := make([]message.Request, 0, end-start)
		for _, op := range ops[start:end] {
			ts++
			batch = append(batch, message.Request{ClientID: client, Timestamp: ts, Operation: op})
		}
		if err := send(ctx, c, cfg, batch); err != nil {
			return sent, err
		}
		sent += len(batch)
	}
	return sent, nil
}

// submitFile sends requests that already carry their client id and
// timestamp, e.g. to replay a recorded workload.
func submitFile(ctx context.Context, cfg clientConfig) error {
	raw, err := os.ReadFile(cfg.JSONFile)
	if err != nil {
		return err
	}
	reqs, err := data.JSONToRequests(raw)
	if err != nil {
		return err
	}

	c, err := bftapi.Dial(ctx, cfg.Address, cfg.Token)
	if err != nil {
		return err
	}
	defer c.Close()

	for start := 0; start < len(reqs); start += cfg.BatchSize {
		end := min(start+cfg.BatchSize, len(reqs))
		if err := send(ctx, c, cfg, reqs[start:end]); err != nil {
			return err
		}
	}
	logger.Infof("submitted %d requests from %s", len(reqs), cfg.JSONFile)
	return nil
}

func send(ctx context.Context, c *bftapi.Client, cfg clientConfig, batch []message.Request) error {
	wait := 50 * time.Millisecond
	for attempt := 0; ; attempt++ {
		bctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err := c.Submit(bctx, batch)
		cancel()
		if err == nil || !errors.Is(err, bftapi.ErrRejected) || !strings.HasSuffix(err.Error(), bftapi.ReasonBackpressure) {
			return err
		}
		if attempt >= cfg.Retries {
			return err
		}
		logger.Debugf("backpressure, retrying in %s", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
}
