package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/HieraChain-BFT/api"
	bftapi "github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/api"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/config"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/network"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/service"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/storage"
)

var logger = logging.Logger("bft/node")

const (
	// keepCheckpoints is how many stable checkpoints the store retains.
	keepCheckpoints = 3
	statusInterval  = 30 * time.Second
	// drainTimeout bounds how long a stopping node waits for its accepted
	// batches to commit.
	drainTimeout    = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "node.yaml", "Replica configuration file (YAML)")
	logLevel := flag.String("log-level", "", "Log level, overrides the configuration")
	recoverState := flag.Bool("recover", true, "Fetch the latest agreed state from the peers at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bft-node: %v\n", err)
		os.Exit(1)
	}
	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	if err := logging.SetLogLevel("*", level); err != nil {
		fmt.Fprintf(os.Stderr, "bft-node: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *recoverState); err != nil {
		logger.Errorf("node %s: %v", cfg.NodeID, err)
		os.Exit(1)
	}
	logger.Infof("node %s stopped", cfg.NodeID)
}

func run(ctx context.Context, cfg config.Config, recoverState bool) error {
	opts, err := consensus.FromConfig(cfg)
	if err != nil {
		return err
	}

	netCfg := network.DefaultNetworkConfig()
	netCfg.NodeID = cfg.NodeID
	netCfg.Listen = ""
	netCfg.Members = cfg.Addresses()
	ns, err := network.NewNetworkService(netCfg)
	if err != nil {
		return err
	}
	if err := ns.Start(); err != nil {
		return err
	}
	defer ns.Close()

	opts.Transport = ns
	opts.Service = service.NewKV()
	replica, err := consensus.New(opts)
	if err != nil {
		return err
	}

	var store *storage.CheckpointStore
	if cfg.StorePath != "" {
		store, err = storage.Open(cfg.StorePath, opts.Codec, keepCheckpoints)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := restore(replica, store); err != nil {
			return err
		}
	}

	// The replica outlives the signal so that it can drain first.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return replica.Run(gctx) })
	g.Go(func() error { return persist(gctx, replica, store) })
	g.Go(func() error { return watch(gctx, replica, ns) })

	if cfg.MetricsAddr != "" {
		ms := api.NewMetricsServer(cfg.MetricsAddr, replica.Registry())
		g.Go(ms.Start)
		g.Go(func() error {
			<-gctx.Done()
			return ms.Stop()
		})
		logger.Infow("metrics server listening", "address", cfg.MetricsAddr)
	}

	var as *bftapi.ArrowServer
	if cfg.AdmissionAddr != "" {
		as = bftapi.NewArrowServer(replica, bftapi.NewAuthenticatorFromEnv())
		if err := as.StartAsync(cfg.AdmissionAddr); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			as.Stop()
			return nil
		})
	}

	if recoverState {
		g.Go(func() error { return replica.Recover(gctx) })
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-ctx.Done():
		}
		if as != nil {
			as.Stop()
		}
		drain(gctx, replica)
		cancelRun()
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drain gives the requests this node accepted a chance to commit before it
// stops.
func drain(ctx context.Context, replica *consensus.Replica) {
	ctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	st := replica.Status()
	logger.Infow("draining", "last_accepted", st.LastAccepted, "last_delivered", st.LastDelivered)
	if err := replica.Drain(ctx); err != nil {
		logger.Warnf("drain: %v", err)
		return
	}
	logger.Infow("drained", "last_delivered", replica.Status().LastDelivered, "stable", replica.Status().Stable)
}

// restore installs the latest stored checkpoint, if any.
func restore(replica *consensus.Replica, store *storage.CheckpointStore) error {
	rec, err := store.Latest()
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if n, err := store.Count(); err == nil {
		logger.Debugf("%d checkpoints stored", n)
	}
	if err := replica.Restore(rec.Snapshot, rec.Cert); err != nil {
		// A damaged snapshot is not fatal: state transfer catches up.
		logger.Warnf("ignoring stored checkpoint %s: %v", rec.Seq(), err)
		return nil
	}
	logger.Infow("restored checkpoint", "seq", rec.Seq(), "saved_at", rec.SavedAt.Format(time.RFC3339))
	return nil
}

// persist stores stable checkpoints and drains committed batches.
func persist(ctx context.Context, replica *consensus.Replica, store *storage.CheckpointStore) error {
	committed := replica.Committed()
	checkpoints := replica.Checkpoints()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cb := <-committed:
			logger.Debugw("delivered", "seq", cb.Seq, "view", cb.View, "requests", len(cb.Requests))
		case sc := <-checkpoints:
			if store == nil {
				continue
			}
			if err := store.Save(sc.Cert, sc.Snapshot); err != nil {
				logger.Errorf("persist checkpoint %s: %v", sc.Seq, err)
			}
		}
	}
}

// watch logs protocol events, and the replica and network status now and
// then.
func watch(ctx context.Context, replica *consensus.Replica, ns *network.NetworkService) error {
	events := replica.Events()
	tick := time.NewTicker(statusInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			st, net := replica.Status(), ns.GetStatus()
			logger.Infow("status",
				"mode", st.Mode,
				"view", st.View,
				"leader", st.Leader,
				"last_delivered", st.LastDelivered,
				"stable", st.Stable,
				"pending", st.Pending,
				"healthy_peers", net.HealthyPeers,
				"peers", net.PeerCount,
			)
		case ev := <-events:
			switch ev.Kind {
			case consensus.EventRejected:
				logger.Debug(ev.String())
			case consensus.EventSuspected, consensus.EventDistrusted, consensus.EventEquivocation:
				logger.Warn(ev.String())
			default:
				logger.Info(ev.String())
			}
		}
	}
}
