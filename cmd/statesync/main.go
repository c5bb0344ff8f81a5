// Command statesync runs a state snapshot sync against in-process peers
// serving a synthetic state, writes the result into a leveldb datadir and
// verifies the recomputed state root.
//
// Usage:
//
//	statesync [flags]
//
// Flags:
//
//	--datadir       Data directory (default: ~/.statesync)
//	--accounts      Number of synthetic accounts (default: 5000)
//	--slots         Storage slots per storage-carrying account (default: 64)
//	--peers         Number of in-process peers (default: 4)
//	--partitions    Account key space partitions (default: 16)
//	--workers       Dispatch workers (default: 16)
//	--rate          Requests per second, 0 for unlimited (default: 0)
//	--move          Move the chain head to a mutated state mid-sync
//	--move.after    Delay before the head moves (default: 200ms)
//	--timeout       Abort the sync after this long (default: 10m)
//	--metrics.addr  Serve Prometheus metrics on this address
//	--verbosity     Log level 0-5 (default: 3)
//	--log.json      Emit JSON logs
//	--version       Print version and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eth2030/statesync/log"
	"github.com/eth2030/statesync/sync"
	"github.com/eth2030/statesync/trie"
)

var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code.
func run(args []string) int {
	defaults := sync.DefaultConfig()
	fs := flag.NewFlagSet("statesync", flag.ContinueOnError)

	datadir := fs.String("datadir", defaultDataDir(), "Data directory for the synced state")
	accounts := fs.Int("accounts", 5000, "Number of synthetic accounts")
	slots := fs.Int("slots", 64, "Storage slots per storage-carrying account")
	peers := fs.Int("peers", 4, "Number of in-process peers")
	partitions := fs.Int("partitions", defaults.PartitionCount, "Account key space partitions (1-256)")
	workers := fs.Int("workers", defaults.Workers, "Dispatch workers")
	reqRate := fs.Float64("rate", 0, "Requests per second, 0 for unlimited")
	move := fs.Bool("move", false, "Move the chain head to a mutated state mid-sync")
	moveAfter := fs.Duration("move.after", 200*time.Millisecond, "Delay before the head moves")
	timeout := fs.Duration("timeout", 10*time.Minute, "Abort the sync after this long")
	metricsAddr := fs.String("metrics.addr", "", "Serve Prometheus metrics on this address")
	verbosity := fs.Int("verbosity", 3, "Log level 0-5 (0=silent, 5=trace)")
	jsonLogs := fs.Bool("log.json", false, "Emit JSON logs")
	showVersion := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if *showVersion {
		fmt.Printf("statesync %s (commit %s)\n", version, commit)
		return 0
	}
	if *jsonLogs {
		log.SetupJSON(os.Stderr, *verbosity)
	} else {
		log.Setup(os.Stderr, *verbosity, true)
	}
	logger := log.Module("cmd")

	if *accounts <= 0 || *peers <= 0 {
		logger.Error("Invalid flags", "accounts", *accounts, "peers", *peers)
		return 2
	}
	cfg := defaults
	cfg.PartitionCount = *partitions
	cfg.Workers = *workers
	cfg.RequestRate = *reqRate
	if *reqRate > 0 && cfg.RequestBurst < *workers {
		cfg.RequestBurst = *workers
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "err", err)
		return 1
	}

	if err := os.MkdirAll(*datadir, 0o755); err != nil {
		logger.Error("Failed to create datadir", "dir", *datadir, "err", err)
		return 1
	}
	lock := flock.New(filepath.Join(*datadir, "LOCK"))
	locked, err := lock.TryLock()
	if err != nil {
		logger.Error("Failed to lock datadir", "dir", *datadir, "err", err)
		return 1
	}
	if !locked {
		logger.Error("Datadir already in use", "dir", *datadir)
		return 1
	}
	defer lock.Unlock()

	db, err := leveldb.New(filepath.Join(*datadir, "chaindata"), 64, 64, "statesync/db/", false)
	if err != nil {
		logger.Error("Failed to open database", "err", err)
		return 1
	}
	defer db.Close()

	server := trie.NewStateServer()
	root, err := server.AddState(genState(*accounts, *slots, 0))
	if err != nil {
		logger.Error("Failed to build synthetic state", "err", err)
		return 1
	}
	logger.Info("Synthetic state ready", "accounts", *accounts, "slots", *slots, "root", root)

	head := newChainHead(1, root)
	syncer, err := sync.New(cfg, db, head)
	if err != nil {
		logger.Error("Failed to create syncer", "err", err)
		return 1
	}
	peerSet := sync.NewPeerSet(sync.DefaultPeerSetConfig())
	for i := 0; i < *peers; i++ {
		peerSet.Register(sync.NewServerPeer(fmt.Sprintf("peer-%d", i), server))
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("Metrics server failed", "err", err)
			}
		}()
		defer srv.Close()
		logger.Info("Metrics server listening", "addr", *metricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if *move && !syncer.IsBulkPhaseFinished() {
		go movePivot(ctx, logger, server, head, syncer, *accounts, *slots, *moveAfter)
	}

	start := time.Now()
	if err := syncer.Run(ctx, peerSet); err != nil {
		logger.Error("State sync failed", "err", err)
		return 1
	}
	return verify(logger, syncer, time.Since(start))
}

// movePivot publishes a mutated state as the new finalized head after a
// delay and points the syncer at it.
func movePivot(ctx context.Context, logger log.Logger, server *trie.StateServer, head *chainHead, syncer *sync.Syncer, accounts, slots int, after time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(after):
	}
	root, err := server.AddState(genState(accounts, slots, 1))
	if err != nil {
		logger.Error("Failed to build moved state", "err", err)
		return
	}
	head.set(2, root)
	pivot := syncer.UpdatePivot()
	logger.Info("Chain head moved", "number", pivot.Number, "root", pivot.Root)
}

// verify recomputes the synced state root. Leaves fetched before a pivot
// move still hold the old state, so a mismatch after a move means the
// state needs healing rather than that the sync failed.
func verify(logger log.Logger, syncer *sync.Syncer, elapsed time.Duration) int {
	pivot := syncer.Pivot()
	err := syncer.Store().Verify(pivot.Root)
	switch {
	case err == nil:
	case pivot.Number > 1 && (errors.Is(err, trie.ErrStateMismatch) || errors.Is(err, trie.ErrStorageMismatch)):
		logger.Warn("Synced state needs healing", "number", pivot.Number, "root", pivot.Root, "err", err)
	default:
		logger.Error("Synced state failed verification", "root", pivot.Root, "err", err)
		return 1
	}
	stats := syncer.Store().Stats()
	logger.Info("State sync complete", "number", pivot.Number, "root", pivot.Root,
		"accounts", stats.Accounts, "slots", stats.Slots, "codes", stats.Codes,
		"elapsed", elapsed.Round(time.Millisecond))
	return 0
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".statesync"
	}
	return filepath.Join(home, ".statesync")
}
