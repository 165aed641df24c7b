package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity_ledger/internal/domain"
	"liquidity_ledger/pkg/quant"
)

func writeConfig(t *testing.T, dataDir, schedule string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := fmt.Sprintf(`
storage:
  data_dir: %q
  snapshot_schedule: %q
  snapshot_keep: 2
pool:
  minimum_liquidity: 0
ops:
  enabled: false
logging:
  level: warn
`, dataDir, schedule)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func start(t *testing.T, opts Options) *Bootstrap {
	t.Helper()
	opts.Log = io.Discard
	b := NewBootstrap()
	require.NoError(t, b.Initialize(context.Background(), opts))
	return b
}

// seed registers USD and moves 12.34 into a fresh account.
func seed(t *testing.T, b *Bootstrap) string {
	t.Helper()
	ctx := context.Background()
	_, err := b.Coordinator.RegisterAsset(ctx, "USD", 2)
	require.NoError(t, err)
	src, err := b.Coordinator.OpenAccountWith(ctx, domain.AccountSpec{Owner: "treasury", Asset: "USD", Overdraft: true})
	require.NoError(t, err)
	dst, err := b.Coordinator.OpenAccount(ctx, "USD")
	require.NoError(t, err)
	_, err = b.Coordinator.Submit(ctx, domain.TransactionRequest{
		Kind:     domain.KindTransfer,
		Transfer: &domain.TransferParams{From: src.ID, To: dst.ID, Asset: "USD", Amount: quant.MustParse("12.34", 2)},
	})
	require.NoError(t, err)
	return dst.ID
}

func TestBootstrap_RecoverAndRebuild(t *testing.T) {
	dataDir := t.TempDir()
	cfgPath := writeConfig(t, dataDir, "")

	b := start(t, Options{ConfigPath: cfgPath})
	acc := seed(t, b)
	head, hash := b.Coordinator.Head()
	snap, err := b.SnapshotOnce(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, snap)
	b.Close()
	assert.NoFileExists(t, filepath.Join(dataDir, "instance.lock"))

	for _, opts := range []Options{
		{ConfigPath: cfgPath},
		{ConfigPath: cfgPath, Rebuild: true},
		{ConfigPath: cfgPath, Rebuild: true, Genesis: true},
	} {
		b := start(t, opts)
		bal, err := b.Coordinator.GetBalance(acc, "USD")
		require.NoError(t, err)
		assert.Equal(t, quant.MustParse("12.34", 2), bal)
		gotSeq, gotHash := b.Coordinator.Head()
		assert.Equal(t, head, gotSeq)
		assert.Equal(t, hash, gotHash)
		assert.Equal(t, opts.Rebuild, b.rebuilt)
		require.NoError(t, b.Coordinator.VerifyChain(context.Background(), 1, 0))
		b.Close()
	}
}

func TestBootstrap_DataDirLocked(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir(), "")
	b := start(t, Options{ConfigPath: cfgPath})
	defer b.Close()

	other := NewBootstrap()
	err := other.Initialize(context.Background(), Options{ConfigPath: cfgPath, Log: io.Discard})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in use")
}

func TestBootstrap_ScheduledSnapshots(t *testing.T) {
	dataDir := t.TempDir()
	b := start(t, Options{ConfigPath: writeConfig(t, dataDir, "@every 1s")})
	defer b.Close()
	seed(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool {
		snap, err := b.Snapshots.LoadLatest()
		return err == nil && snap != nil
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
