// Command ledger-audit verifies a ledger's hash chain, either offline against
// a database file or online by following a running daemon's stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"liquidity_ledger/internal/domain"
	"liquidity_ledger/internal/infra"
	"liquidity_ledger/internal/ledger"
	"liquidity_ledger/internal/storage"
)

func main() {
	var (
		dbPath = flag.String("db", "", "verify this database file offline")
		url    = flag.String("follow", "", "follow a ledger stream, e.g. ws://127.0.0.1:9464/v1/ledger/stream")
		from   = flag.Uint64("from", 1, "first seq to verify")
		prev   = flag.String("prev", "", "hash of entry from-1 (default: genesis when from is 1)")
		to     = flag.Uint64("to", 0, "last seq to verify offline (0 = head)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch {
	case *dbPath != "":
		err = verifyFile(ctx, *dbPath, *from, *to)
	case *url != "":
		err = follow(ctx, *url, *from, *prev, logger)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("Audit failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// verifyFile checks the chain read-only; a running daemon may own the file.
func verifyFile(ctx context.Context, path string, from, to uint64) error {
	store, err := storage.OpenReadOnly(path)
	if err != nil {
		return err
	}
	defer store.Close()

	start := time.Now()
	if err := ledger.VerifyStore(ctx, store, from, to); err != nil {
		return err
	}
	last, err := store.LastEntry(ctx)
	if err != nil {
		return err
	}
	head, hash := uint64(0), domain.GenesisHash
	if last != nil {
		head, hash = last.Seq, last.Hash
	}
	if to == 0 || to > head {
		to = head
	}
	fmt.Printf("chain OK: seq %d..%d head %d %s (%s)\n", max(from, 1), to, head, hash, time.Since(start).Round(time.Millisecond))
	return nil
}

func follow(ctx context.Context, url string, from uint64, prev string, logger *slog.Logger) error {
	if prev == "" && from <= 1 {
		prev = domain.GenesisHash
	}
	var verified int
	f := infra.NewFeedFollower(url, from, prev, func(_ context.Context, entries []domain.Entry) error {
		verified += len(entries)
		last := entries[len(entries)-1]
		logger.Info("Entries verified", slog.Uint64("seq", last.Seq), slog.String("hash", last.Hash), slog.Int("total", verified))
		return nil
	}, logger)
	f.Start(ctx)
	<-ctx.Done()
	f.Stop()

	next, hash := f.Position()
	fmt.Printf("verified %d entries, next seq %d, last hash %s\n", verified, next, hash)
	return nil
}
