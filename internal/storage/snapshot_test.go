package storage

import (
	"os"
	"testing"

	"liquidity_ledger/internal/domain"
	"liquidity_ledger/pkg/quant"
)

func TestSnapshot_SaveAndLoad(t *testing.T) {
	sm := NewSnapshotManager(t.TempDir())

	accounts := []domain.Account{{
		ID:       "acc-1",
		Owner:    "alice",
		Status:   domain.AccountActive,
		Version:  3,
		LastSeq:  99,
		Balances: map[string]quant.Amount{"USD": quant.New(12345, 2)},
	}}
	pools := []domain.PoolState{{
		PoolID:      "pool-1",
		AssetA:      "A",
		AssetB:      "B",
		ReserveA:    quant.New(1100000000, 8),
		ReserveB:    quant.New(1818678, 2),
		TotalShares: quant.New(44721359, 5),
		LastSeq:     100,
	}}
	snap := CreateSnapshot(100, "abc", []domain.Asset{{Symbol: "USD", Scale: 2}}, accounts, pools)

	if _, err := sm.Save(snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := sm.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("Expected snapshot, got nil")
	}
	if loaded.Seq != 100 || loaded.HeadHash != "abc" {
		t.Errorf("Expected seq 100 head abc, got %d %s", loaded.Seq, loaded.HeadHash)
	}
	if got := loaded.Accounts[0].Balances["USD"]; !got.Equal(quant.New(12345, 2)) {
		t.Errorf("Balance mismatch: %s", got)
	}
	if got := loaded.Pools[0].ReserveB; !got.Equal(quant.New(1818678, 2)) {
		t.Errorf("Reserve mismatch: %s", got)
	}
	if loaded.Pools[0].LastSeq != 100 {
		t.Errorf("Pool seq tag mismatch: %d", loaded.Pools[0].LastSeq)
	}
}

func TestSnapshot_LoadLatest_MultipleSnapshots(t *testing.T) {
	sm := NewSnapshotManager(t.TempDir())

	for _, seq := range []uint64{10, 50, 30} {
		if _, err := sm.Save(&Snapshot{Seq: seq, TsUnix: int64(seq)}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	// Should load seq=50 (highest)
	loaded, err := sm.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	if loaded.Seq != 50 {
		t.Errorf("Expected latest seq 50, got %d", loaded.Seq)
	}
}

func TestSnapshot_LoadLatest_NoSnapshots(t *testing.T) {
	sm := NewSnapshotManager(t.TempDir() + "/missing")

	loaded, err := sm.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	if loaded != nil {
		t.Errorf("Expected nil for empty dir, got %v", loaded)
	}
}

func TestSnapshot_Cleanup(t *testing.T) {
	dir := t.TempDir()
	sm := NewSnapshotManager(dir)

	for seq := uint64(1); seq <= 5; seq++ {
		if _, err := sm.Save(&Snapshot{Seq: seq, TsUnix: int64(seq)}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	if err := sm.Cleanup(2); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Errorf("Expected 2 snapshots after cleanup, got %d", len(entries))
	}

	loaded, _ := sm.LoadLatest()
	if loaded.Seq != 5 {
		t.Errorf("Expected seq 5 to remain, got %d", loaded.Seq)
	}
}
