package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"liquidity_ledger/internal/domain"
)

// Snapshot is a point-in-time capture of derived ledger and pool state.
// Every account and pool carries its own last seq, so a snapshot taken while
// writes continue is still a valid replay base.
type Snapshot struct {
	Seq      uint64             `json:"seq"` // chain head when the snapshot started
	HeadHash string             `json:"head_hash"`
	TsUnix   int64              `json:"ts"`
	Assets   []domain.Asset     `json:"assets"`
	Accounts []domain.Account   `json:"accounts"`
	Pools    []domain.PoolState `json:"pools"`
}

// SnapshotManager handles saving and loading snapshots.
type SnapshotManager struct {
	dir string
}

// NewSnapshotManager creates a new snapshot manager.
// dir: directory to store snapshot files.
func NewSnapshotManager(dir string) *SnapshotManager {
	return &SnapshotManager{dir: dir}
}

func (sm *SnapshotManager) Dir() string { return sm.dir }

// Save writes a snapshot to disk. The file is renamed into place so a crash
// never leaves a partial snapshot under a valid name.
func (sm *SnapshotManager) Save(snap *Snapshot) (string, error) {
	if err := os.MkdirAll(sm.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	filename := fmt.Sprintf("snapshot_%d_%d.json", snap.Seq, snap.TsUnix)
	path := filepath.Join(sm.dir, filename)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to move snapshot into place: %w", err)
	}

	slog.Info("Snapshot saved",
		slog.Uint64("seq", snap.Seq),
		slog.String("path", path))

	return path, nil
}

type snapFile struct {
	path string
	seq  uint64
	ts   int64
}

func (sm *SnapshotManager) list() ([]snapFile, error) {
	entries, err := os.ReadDir(sm.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot dir: %w", err)
	}

	var files []snapFile
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		var f snapFile
		if _, err := fmt.Sscanf(entry.Name(), "snapshot_%d_%d.json", &f.seq, &f.ts); err != nil {
			continue // Not a snapshot file
		}
		f.path = filepath.Join(sm.dir, entry.Name())
		files = append(files, f)
	}

	// Newest first
	sort.Slice(files, func(i, j int) bool {
		if files[i].seq != files[j].seq {
			return files[i].seq > files[j].seq
		}
		return files[i].ts > files[j].ts
	})
	return files, nil
}

// LoadLatest loads the most recent snapshot from disk.
// Returns nil if no snapshot exists.
func (sm *SnapshotManager) LoadLatest() (*Snapshot, error) {
	files, err := sm.list()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	return sm.Load(files[0].path)
}

// Load reads one snapshot file.
func (sm *SnapshotManager) Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	slog.Info("Snapshot loaded",
		slog.Uint64("seq", snap.Seq),
		slog.String("path", path))

	return &snap, nil
}

// CreateSnapshot builds a snapshot from copies of the current state.
func CreateSnapshot(seq uint64, head string, assets []domain.Asset, accounts []domain.Account, pools []domain.PoolState) *Snapshot {
	return &Snapshot{
		Seq:      seq,
		HeadHash: head,
		TsUnix:   time.Now().Unix(),
		Assets:   assets,
		Accounts: accounts,
		Pools:    pools,
	}
}

// Cleanup removes old snapshots, keeping only the latest N.
func (sm *SnapshotManager) Cleanup(keepCount int) error {
	files, err := sm.list()
	if err != nil {
		return err
	}
	if len(files) <= keepCount {
		return nil
	}

	for _, f := range files[keepCount:] {
		if err := os.Remove(f.path); err != nil {
			slog.Warn("Failed to remove old snapshot", slog.String("path", f.path))
		} else {
			slog.Info("Removed old snapshot", slog.String("path", f.path))
		}
	}

	return nil
}
