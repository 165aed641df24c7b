package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"liquidity_ledger/internal/engine"
	"liquidity_ledger/internal/event"
	"liquidity_ledger/internal/infra"
	"liquidity_ledger/internal/ledger"
	"liquidity_ledger/internal/pool"
	"liquidity_ledger/internal/storage"
)

// Options are the command line choices that shape startup.
type Options struct {
	ConfigPath string
	EnvFile    string
	// Rebuild discards every cache and replays from the latest snapshot,
	// or from genesis when there is none.
	Rebuild bool
	// Genesis forces a rebuild to ignore snapshots.
	Genesis bool
	Log     io.Writer
}

// Bootstrap orchestrates the daemon startup sequence and owns what it opens.
type Bootstrap struct {
	Config      *infra.Config
	Log         *slog.Logger
	Store       *storage.Store
	Snapshots   *storage.SnapshotManager
	Coordinator *engine.Coordinator
	Metrics     *infra.Metrics
	Report      *engine.RecoveryReport

	unlock   func()
	rebuilt  bool
	lastSnap string
}

func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads config, takes the data dir lock, opens the store and
// recovers state.
func (b *Bootstrap) Initialize(ctx context.Context, opts Options) error {
	if err := infra.LoadDotEnv(opts.EnvFile); err != nil {
		return err
	}
	path := opts.ConfigPath
	if path == "" {
		path = infra.ResolveConfigPath()
	}
	cfg, err := infra.LoadConfig(path)
	if err != nil {
		return err
	}
	b.Config = cfg

	w := opts.Log
	if w == nil {
		w = os.Stdout
	}
	b.Log = infra.NewLogger(cfg, w)
	slog.SetDefault(b.Log)
	b.Log.Info("Bootstrapping ledger", slog.String("config", path), slog.String("data_dir", cfg.Storage.DataDir))

	for _, dir := range []string{cfg.Storage.DataDir, cfg.SnapshotDir(), cfg.DumpDir()} {
		if dir == "" {
			continue
		}
		if err := infra.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	// Single writer per data dir.
	unlock, err := infra.CreateLockFile(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	b.unlock = unlock

	store, err := storage.NewStore(cfg.DBPath())
	if err != nil {
		b.Close()
		return err
	}
	b.Store = store
	b.Snapshots = storage.NewSnapshotManager(cfg.SnapshotDir())
	b.Log.Info("Store opened (WAL mode)", slog.String("path", cfg.DBPath()))

	if err := b.wire(); err != nil {
		b.Close()
		return err
	}
	if err := b.recover(ctx, opts); err != nil {
		b.Close()
		return err
	}
	return nil
}

func (b *Bootstrap) wire() error {
	cfg := b.Config
	warn, err := cfg.LargeTransferWarn()
	if err != nil {
		return err
	}
	tol, err := cfg.RatioTolerance()
	if err != nil {
		return err
	}
	maxFee, err := cfg.MaxFeeRate()
	if err != nil {
		return err
	}

	l := ledger.New(b.Store, ledger.WithLogger(b.Log), ledger.WithLargeTransferWarn(warn))
	pools := pool.NewEngine(l, b.Store, pool.Config{
		MinimumLiquidity: cfg.Pool.MinimumLiquidity,
		RatioTolerance:   tol,
		ReserveFloor:     cfg.Pool.ReserveFloor,
		MaxFeeRate:       maxFee,
	}, b.Log)

	b.Metrics = infra.NewMetrics()
	b.Coordinator = engine.New(l, pools, b.Store, engine.Config{
		LockTimeout: cfg.LockTimeout(),
		RetryBase:   cfg.RetryBase(),
		RetryMax:    cfg.RetryMax(),
		MaxRetries:  cfg.Coordinator.MaxRetries,
		DumpDir:     cfg.DumpDir(),
	},
		engine.WithBus(event.NewBus()),
		engine.WithObserver(b.Metrics),
		engine.WithLogger(b.Log))
	return nil
}

func (b *Bootstrap) recover(ctx context.Context, opts Options) error {
	if !opts.Rebuild {
		rep, err := b.Coordinator.Recover(ctx)
		if err != nil {
			return err
		}
		b.Report = rep
		return nil
	}

	var snap *storage.Snapshot
	if !opts.Genesis {
		s, err := b.Snapshots.LoadLatest()
		if err != nil {
			return fmt.Errorf("failed to load snapshot: %w", err)
		}
		snap = s
	}
	from := uint64(0)
	if snap != nil {
		from = snap.Seq
	}
	b.Log.Warn("Rebuilding state from the ledger", slog.Uint64("snapshot_seq", from))
	rep, err := b.Coordinator.Rebuild(ctx, snap)
	if err != nil {
		return err
	}
	b.Report = rep
	b.rebuilt = true
	return nil
}

// Run serves the ops surface and the snapshot schedule until ctx is done.
func (b *Bootstrap) Run(ctx context.Context) error {
	cfg := b.Config
	g, ctx := errgroup.WithContext(ctx)

	var sched *cron.Cron
	if cfg.Storage.SnapshotSchedule != "" {
		var err error
		if sched, err = b.scheduleSnapshots(ctx); err != nil {
			return err
		}
	}

	opsAddr := ""
	if cfg.Ops.Enabled {
		opsAddr = cfg.Ops.ListenAddr
	}
	b.banner(opsAddr)

	if sched != nil {
		sched.Start()
		g.Go(func() error {
			<-ctx.Done()
			<-sched.Stop().Done()
			return nil
		})
	}
	if cfg.Ops.Enabled {
		var limiter *infra.RateLimiter
		if cfg.Ops.QueryRate > 0 {
			limiter = infra.NewRateLimiter(cfg.Ops.QueryBurst, cfg.Ops.QueryRate, b.Log)
		}
		feed := infra.NewLedgerFeed(b.Coordinator, b.Coordinator.Bus(), b.Metrics, b.Log)
		ops := infra.NewOpsServer(opsAddr, b.Coordinator, feed, b.Metrics, limiter, b.Log)
		g.Go(func() error { return ops.Start(ctx) })
	}

	b.Log.Info("Ledger fully operational. Press Ctrl+C to exit.")
	return g.Wait()
}

// SnapshotOnce writes one snapshot and prunes old ones.
func (b *Bootstrap) SnapshotOnce(ctx context.Context) (string, error) {
	path, err := b.Coordinator.Snapshot(ctx, b.Snapshots)
	b.Metrics.ObserveSnapshot(err)
	if err != nil {
		return "", err
	}
	b.lastSnap = path
	if keep := b.Config.Storage.SnapshotKeep; keep > 0 {
		if err := b.Snapshots.Cleanup(keep); err != nil {
			b.Log.Warn("Snapshot cleanup failed", slog.Any("error", err))
		}
	}
	return path, nil
}

func (b *Bootstrap) scheduleSnapshots(ctx context.Context) (*cron.Cron, error) {
	breaker := infra.NewCircuitBreaker(infra.DefaultCircuitBreakerConfig("snapshot"), b.Log)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(b.Config.Storage.SnapshotSchedule, func() {
		err := breaker.Run(func() error {
			_, err := b.SnapshotOnce(ctx)
			return err
		})
		switch {
		case errors.Is(err, infra.ErrBreakerOpen):
			b.Log.Warn("Snapshot skipped, breaker open")
		case err != nil:
			b.Log.Error("Snapshot failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot schedule: %w", err)
	}
	b.Log.Info("Snapshots scheduled", slog.String("schedule", b.Config.Storage.SnapshotSchedule))
	return c, nil
}

func (b *Bootstrap) banner(opsAddr string) {
	info := infra.BannerInfo{OpsAddr: opsAddr, Rebuilt: b.rebuilt, Snapshot: b.lastSnap}
	info.HeadSeq, _ = b.Coordinator.Head()
	info.Pools = len(b.Coordinator.PoolStates())
	if b.Report != nil && b.Report.Pools != nil {
		info.Frozen = len(b.Report.Pools.Frozen)
	}
	if latest, err := b.Snapshots.LoadLatest(); err == nil && latest != nil && info.Snapshot == "" {
		info.Snapshot = fmt.Sprintf("seq %d", latest.Seq)
	}
	infra.PrintBanner(os.Stdout, b.Config, info)
}

// Close releases the store and the data dir lock.
func (b *Bootstrap) Close() {
	if b.Store != nil {
		if err := b.Store.Close(); err != nil {
			b.Log.Error("Failed to close store", slog.Any("error", err))
		}
		b.Store = nil
	}
	if b.unlock != nil {
		b.unlock()
		b.unlock = nil
	}
}
