package infra

import (
	"fmt"
	"io"
)

// ANSI Color Codes
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
)

// BannerInfo is what the startup banner reports.
type BannerInfo struct {
	HeadSeq  uint64
	Pools    int
	Frozen   int
	Rebuilt  bool
	OpsAddr  string
	Snapshot string
}

// PrintBanner writes the startup banner. A ledger with frozen pools or a
// fresh rebuild is highlighted.
func PrintBanner(w io.Writer, cfg *Config, info BannerInfo) {
	color := ColorGreen
	status := "HEALTHY"
	switch {
	case info.Frozen > 0:
		color, status = ColorRed, fmt.Sprintf("%d FROZEN POOL(S)", info.Frozen)
	case info.Rebuilt:
		color, status = ColorYellow, "REBUILT FROM LOG"
	}
	ops := info.OpsAddr
	if ops == "" {
		ops = "disabled"
	}

	line := func(format string, args ...any) {
		fmt.Fprintf(w, "%s"+format+"%s\n", append(append([]any{color}, args...), ColorReset)...)
	}
	fmt.Fprintln(w)
	line("###########################################################")
	line("#   %-53s #", cfg.App.Name+" "+cfg.App.Version)
	line("#                                                         #")
	line("#   STATUS:   %-43s #", status)
	line("#   HEAD SEQ: %-43d #", info.HeadSeq)
	line("#   POOLS:    %-43d #", info.Pools)
	line("#   DB:       %-43s #", cfg.DBPath())
	line("#   OPS:      %-43s #", ops)
	if info.Snapshot != "" {
		line("#   SNAPSHOT: %-43s #", info.Snapshot)
	}
	if info.Frozen > 0 {
		fmt.Fprintf(w, "%s#   ⚠️  FROZEN POOLS REJECT ALL TRADES UNTIL AUDITED  ⚠️    #%s\n", ColorRed, ColorReset)
	}
	line("###########################################################")
	fmt.Fprintln(w)
}
