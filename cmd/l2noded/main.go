// Command l2noded is the L2 indexing and consensus node daemon: it wires
// configuration, storage, the chain follower, the bulk-sync controller,
// the block processor, the contract-execution host, and the epoch manager
// into a running indexer, and serves the operational /healthz and
// /metrics endpoints of SPEC_FULL §C.1.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/l2indexer/node/pkg/blockproc"
	"github.com/l2indexer/node/pkg/chainfollower"
	"github.com/l2indexer/node/pkg/chainrpc"
	"github.com/l2indexer/node/pkg/config"
	"github.com/l2indexer/node/pkg/contracthost"
	"github.com/l2indexer/node/pkg/epoch"
	"github.com/l2indexer/node/pkg/ibdsync"
	"github.com/l2indexer/node/pkg/metrics"
	"github.com/l2indexer/node/pkg/server"
	"github.com/l2indexer/node/pkg/storage"
	"github.com/l2indexer/node/pkg/txtypes"
)

func main() {
	log.SetFlags(log.LstdFlags)

	var configPath = flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := storage.NewClient(cfg, storage.WithLogger(log.New(os.Stderr, "[storage] ", log.LstdFlags)))
	if err != nil {
		log.Fatalf("connect storage: %v", err)
	}
	if err := dbClient.Migrate(ctx); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	kv, err := storage.OpenGoLevelDB("pointers", cfg.PointerStoreDir)
	if err != nil {
		log.Fatalf("open pointer store: %v", err)
	}
	pointers := storage.NewPointerStore(kv)
	adapter := storage.NewPostgresAdapter(dbClient, pointers)

	reg := metrics.New()

	// The base-chain RPC transport is explicitly out of scope (spec.md
	// §1: "the raw base-chain RPC client transport" is delegated to a
	// collaborator). Until a concrete transport is wired in, the node
	// runs against an empty FakeClient, which lets every other component
	// start and serve /healthz and /metrics, but never observes new
	// blocks. Operators embedding this daemon against a real base-chain
	// node supply a chainrpc.Client implementation here instead.
	rpc := chainrpc.NewFakeClient()
	if cfg.BaseChainRPCURL == "" {
		log.Printf("no base_chain_rpc_url configured; running with an empty RPC client (no live indexing)")
	} else {
		log.Printf("base_chain_rpc_url=%s configured, but no concrete RPC transport is wired into this build; running with an empty RPC client", cfg.BaseChainRPCURL)
	}

	epochMgr, err := epoch.New(cfg, adapter, &epoch.Config{
		Logger:  log.New(os.Stderr, "[epoch] ", log.LstdFlags),
		Metrics: reg,
	})
	if err != nil {
		log.Fatalf("construct epoch manager: %v", err)
	}

	host, err := contracthost.New(cfg, adapter, &contracthost.Config{
		Logger: log.New(os.Stderr, "[contracthost] ", log.LstdFlags),
	})
	if err != nil {
		log.Fatalf("construct contract host: %v", err)
	}

	processorCfg := blockproc.DefaultConfig()
	processorCfg.Metrics = reg
	processor, err := blockproc.NewProcessor(cfg, adapter, host, epochMgr, processorCfg)
	if err != nil {
		log.Fatalf("construct block processor: %v", err)
	}

	follower, err := chainfollower.New(cfg, rpc, adapter)
	if err != nil {
		log.Fatalf("construct chain follower: %v", err)
	}
	follower.Subscribe(func(n chainfollower.ReorgNotification) {
		log.Printf("reorg detected: rewinding to height %d (old tip %d, new best %x)", n.RewindTo, n.OldTip, n.NewBestHash)
		reg.ReorgsDetected.Inc()
		reg.SafeRewindDepth.Observe(float64(n.OldTip + 1 - n.RewindTo))
	})

	ibdCfg := ibdsync.DefaultConfig()
	ibdCfg.Metrics = reg
	ibdController, err := ibdsync.New(cfg, rpc, adapter, epochMgr, ibdCfg)
	if err != nil {
		log.Fatalf("construct bulk-sync controller: %v", err)
	}

	srv := &http.Server{
		Addr:              addrOrDefault(cfg.ListenAddr, ":8080"),
		Handler:           server.New(adapter, reg, log.New(os.Stderr, "[server] ", log.LstdFlags)).Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("serving /healthz and /metrics on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server stopped: %v", err)
		}
	}()

	go runIndexer(ctx, cfg, rpc, adapter, follower, ibdController, processor)

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown: %v", err)
	}
}

func addrOrDefault(addr, def string) string {
	if addr == "" {
		return def
	}
	return addr
}

// runIndexer drives bulk sync to the current chain tip and then polls for
// new blocks, handing each to the follower (continuity/reorg check) and
// the processor (classify/order/execute/checksum/commit) in turn.
func runIndexer(ctx context.Context, cfg *config.ConsensusConfig, rpc chainrpc.Client, adapter storage.Adapter, follower *chainfollower.Follower, ibd *ibdsync.Controller, processor *blockproc.Processor) {
	tip, err := rpc.GetBlockCount(ctx)
	if err != nil {
		log.Printf("indexer: cannot read chain tip yet: %v", err)
		return
	}
	if tip >= cfg.IBDThreshold {
		if err := ibd.Start(ctx, 0, tip); err != nil {
			log.Printf("indexer: bulk sync failed: %v", err)
			return
		}
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := advanceOneTick(ctx, rpc, adapter, follower, processor); err != nil {
				log.Printf("indexer: %v", err)
			}
		}
	}
}

// advanceOneTick processes every newly confirmed block since the last
// committed height, in strictly increasing order (spec §5: "block commits
// are strictly sequential").
func advanceOneTick(ctx context.Context, rpc chainrpc.Client, adapter storage.Adapter, follower *chainfollower.Follower, processor *blockproc.Processor) error {
	tip, err := rpc.GetBlockCount(ctx)
	if err != nil {
		return fmt.Errorf("poll tip: %w", err)
	}

	cp, err := adapter.GetCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	next := uint64(0)
	if cp != nil {
		next = cp.LastCompleted + 1
	}

	for h := next; h <= tip; h++ {
		hash, err := rpc.GetBlockHash(ctx, h)
		if err != nil {
			return fmt.Errorf("get block hash at %d: %w", h, err)
		}
		header, err := rpc.GetBlockHeader(ctx, hash)
		if err != nil {
			return fmt.Errorf("get block header at %d: %w", h, err)
		}
		if err := follower.OnNewTip(ctx, header); err != nil {
			return fmt.Errorf("continuity check at %d: %w", h, err)
		}
		block, err := rpc.GetBlock(ctx, hash, 1)
		if err != nil {
			return fmt.Errorf("get block at %d: %w", h, err)
		}
		if err := processor.ProcessBlock(ctx, &block.Header, block.Transactions); err != nil {
			return fmt.Errorf("process block at %d: %w", h, err)
		}
		if err := adapter.PutCheckpoint(ctx, &txtypes.IBDCheckpoint{
			Phase:         txtypes.PhaseComplete,
			OriginalStart: next,
			LastCompleted: h,
			Target:        tip,
			Timestamp:     time.Now(),
		}); err != nil {
			return fmt.Errorf("advance checkpoint to %d: %w", h, err)
		}
	}
	return nil
}
