// Command snaild is the Glue layer (spec.md §2: "Button/LED bindings, task
// wiring... out-of-scope in detail"): it wires the Repository, Reconciler,
// Session Engine, Peer Registry, Discovery Service, and Node State Machine
// into the two long-lived tasks spec.md §5 requires, and binds a storage
// partition for the block repository.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"

	"github.com/picoswarm/snail/clock"
	"github.com/picoswarm/snail/discovery"
	"github.com/picoswarm/snail/reconcile"
	"github.com/picoswarm/snail/registry"
	"github.com/picoswarm/snail/repo"
	"github.com/picoswarm/snail/session"
	"github.com/picoswarm/snail/statemachine"
	"github.com/picoswarm/snail/storage"
	"github.com/picoswarm/snail/transport"
)

var (
	version = "v0.1.0"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("snaild", flag.ContinueOnError)

	partitionPath := fs.String("partition", defaultPartitionPath(), "Path to the flash-partition-backed file")
	partitionSize := fs.Int("partition.size", repo.DefaultConfig().SlotSize*repo.DefaultConfig().NumSlots, "Total partition size in bytes")
	partitionLabel := fs.String("partition.label", "PiC0", "Partition label to bind")
	slotSize := fs.Int("slot.size", repo.DefaultConfig().SlotSize, "Bytes per repository slot")
	maxHops := fs.Int("max-hops", int(session.DefaultConfig().MaxHops), "Hop ceiling excluding a block from the reconciler index")
	verbosity := fs.Int("verbosity", 3, "Log level 0-5 (0 and 1=errors only, 5=trace)")
	showVersion := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if *showVersion {
		fmt.Printf("snaild %s (commit %s)\n", version, commit)
		return 0
	}

	setupLogging(*verbosity)
	log.Info("starting snaild", "version", version, "partition", *partitionPath)

	store, err := storage.OpenFileStore(*partitionPath, *partitionLabel, *partitionSize, 4096)
	if err != nil {
		log.Error("failed to open partition", "err", err)
		return 1
	}
	defer store.Close()

	repoCfg := repo.DefaultConfig()
	repoCfg.SlotSize = *slotSize
	repoCfg.NumSlots = *partitionSize / *slotSize
	repoCfg.MaxHops = uint8(*maxHops)
	repoCfg.Label = *partitionLabel

	r, err := repo.Init(store, repoCfg)
	if err != nil {
		log.Error("failed to initialize repository", "err", err)
		return 1
	}

	clk := clock.New()
	reg := registry.New(registry.DefaultConfig())
	disc := discovery.NewFake() // no real radio backend is wired in this module; see SPEC_FULL.md §12

	sessCfg := session.DefaultConfig()
	sessCfg.MaxHops = uint8(*maxHops)

	runSess := func(ctx context.Context, link *transport.Pipe, initiator bool) (int, error) {
		exitCh := make(chan int, 1)
		eng := session.NewEngine(sessCfg, r, func() reconcile.Reconciler {
			return reconcile.NewSetReconcilerFromRepository(r, sessCfg.MaxHops)
		}, clk, func(code int) { exitCh <- code })

		done := make(chan struct{})
		go func() {
			transport.Run(link, initiator, eng)
			close(done)
		}()
		select {
		case code := <-exitCh:
			return code, nil
		case <-ctx.Done():
			link.Close()
			<-done
			return session.ExitRoundCapExceeded, ctx.Err()
		}
	}

	beacon := func() []byte { return nil } // latest-block summary is a presentation concern (spec.md §1)

	node := statemachine.New(statemachine.DefaultConfig(), disc, reg, runSess, beacon)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := node.Start(ctx); err != nil && ctx.Err() == nil {
		log.Error("node loop exited", "err", err)
		return 1
	}
	return 0
}

func defaultPartitionPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "snail-partition.bin"
	}
	return dir + "/snaild/partition.bin"
}

func setupLogging(verbosity int) {
	var lvl slog.Level
	switch {
	case verbosity <= 1:
		lvl = slog.LevelError
	case verbosity == 2:
		lvl = slog.LevelWarn
	case verbosity == 3:
		lvl = slog.LevelInfo
	case verbosity == 4:
		lvl = slog.LevelDebug
	default:
		lvl = log.LevelTrace
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, lvl, true)))
}
