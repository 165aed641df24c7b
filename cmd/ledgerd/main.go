package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"liquidity_ledger/internal/app"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config.yaml (default: ./configs or the OS config dir)")
		envFile    = flag.String("env", ".env", "dotenv file with LEDGER_* overrides")
		rebuild    = flag.Bool("rebuild", false, "discard caches and replay from the latest snapshot")
		genesis    = flag.Bool("genesis", false, "with -rebuild, ignore snapshots and replay from the first entry")
		snapshot   = flag.Bool("snapshot", false, "write one snapshot and exit")
		pprofAddr  = flag.String("pprof", "", "serve pprof on this address, e.g. localhost:6060")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(ctx, app.Options{
		ConfigPath: *configPath,
		EnvFile:    *envFile,
		Rebuild:    *rebuild,
		Genesis:    *genesis,
	}); err != nil {
		slog.Error("Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()

	if *snapshot {
		path, err := bootstrap.SnapshotOnce(ctx)
		if err != nil {
			slog.Error("Snapshot failed", slog.Any("error", err))
			bootstrap.Close()
			os.Exit(1)
		}
		fmt.Println(path)
		return
	}

	if *pprofAddr != "" {
		go func() {
			slog.Info("Pprof server started", slog.String("addr", *pprofAddr))
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	if err := bootstrap.Run(ctx); err != nil {
		slog.Error("Ledger stopped with error", slog.Any("error", err))
		bootstrap.Close()
		os.Exit(1)
	}
	slog.Info("Shutting down gracefully...")
}
