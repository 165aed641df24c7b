package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"liquidity_ledger/internal/domain"
	"liquidity_ledger/internal/storage"
	"liquidity_ledger/pkg/quant"
)

// RecoveryReport summarises a recovery run.
type RecoveryReport struct {
	HeadSeq  uint64
	Replayed int // entries applied from the log
	Accounts int // accounts whose cache was behind
}

// Recover loads assets, accounts and the chain head from the store, then
// replays entries newer than each account's cache tag through the same apply
// path used for live commits.
func (l *Ledger) Recover(ctx context.Context) (*RecoveryReport, error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	if err := l.load(ctx); err != nil {
		return nil, err
	}
	return l.replay(ctx)
}

// Rebuild discards cached balances, restores state from snap (nil for an
// empty start) and replays the log from there.
func (l *Ledger) Rebuild(ctx context.Context, snap *storage.Snapshot) (*RecoveryReport, error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	if err := l.store.ResetCaches(ctx); err != nil {
		return nil, err
	}
	if err := l.load(ctx); err != nil {
		return nil, err
	}

	if snap != nil {
		l.mu.Lock()
		for _, sa := range snap.Accounts {
			acc, ok := l.accounts[sa.ID]
			if !ok {
				l.mu.Unlock()
				return nil, domain.EntityErrorf(domain.KindIntegrityViolation, "rebuild", sa.ID, "snapshot account not in store")
			}
			acc.Version, acc.LastSeq = sa.Version, sa.LastSeq
			acc.Balances = make(map[string]quant.Amount, len(sa.Balances))
			for k, v := range sa.Balances {
				acc.Balances[k] = v
			}
		}
		caches := make([]storage.AccountCache, 0, len(l.accounts))
		for _, acc := range l.accounts {
			caches = append(caches, storage.AccountCache{ID: acc.ID, Version: acc.Version, LastSeq: acc.LastSeq, Balances: acc.Balances})
		}
		l.mu.Unlock()

		if err := l.store.SaveAccountCaches(ctx, caches); err != nil {
			return nil, err
		}
		l.log.Info("Ledger restored from snapshot", slog.Uint64("seq", snap.Seq))
	}
	return l.replay(ctx)
}

func (l *Ledger) load(ctx context.Context) error {
	assets, err := l.store.LoadAssets(ctx)
	if err != nil {
		return err
	}
	accounts, err := l.store.LoadAccounts(ctx)
	if err != nil {
		return err
	}
	last, err := l.store.LastEntry(ctx)
	if err != nil {
		return err
	}
	head := uint64(0)
	if last != nil {
		head = last.Seq
	}
	if err := l.checkSnapshotMark(ctx, head); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.assets = make(map[string]domain.Asset, len(assets))
	for _, a := range assets {
		l.assets[a.Symbol] = a
	}
	l.accounts = make(map[string]*domain.Account, len(accounts))
	for i := range accounts {
		l.accounts[accounts[i].ID] = &accounts[i]
	}
	l.headSeq, l.headHash = 0, domain.GenesisHash
	if last != nil {
		l.headSeq, l.headHash = last.Seq, last.Hash
	}
	return nil
}

// checkSnapshotMark fails when the log ends before the last snapshot taken
// from it: entries were lost, or the file was swapped for an older copy.
func (l *Ledger) checkSnapshotMark(ctx context.Context, head uint64) error {
	raw, err := l.store.GetMetadata(ctx, storage.MetaLastSnapshotSeq)
	if err != nil {
		return fmt.Errorf("failed to read snapshot mark: %w", err)
	}
	if raw == "" {
		return nil
	}
	mark, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid snapshot mark %q: %w", raw, err)
	}
	if mark > head {
		l.log.Error("INTEGRITY_VIOLATION", slog.Uint64("head_seq", head), slog.Uint64("snapshot_seq", mark))
		return domain.Errorf(domain.KindIntegrityViolation, "recover",
			"ledger ends at seq %d, before snapshot seq %d", head, mark)
	}
	return nil
}

func (l *Ledger) replay(ctx context.Context) (*RecoveryReport, error) {
	l.mu.RLock()
	head := l.headSeq
	from := head
	for _, acc := range l.accounts {
		if acc.LastSeq > head {
			l.mu.RUnlock()
			return nil, domain.EntityErrorf(domain.KindIntegrityViolation, "recover", acc.ID,
				"cache tag %d beyond chain head %d", acc.LastSeq, head)
		}
		if acc.LastSeq < from {
			from = acc.LastSeq
		}
	}
	l.mu.RUnlock()

	report := &RecoveryReport{HeadSeq: head}
	if from < head {
		// Load the entry at from as the chain anchor for the replayed range.
		start := from
		if start == 0 {
			start = 1
		}
		entries, err := l.store.LoadEntries(ctx, start, head)
		if err != nil {
			return nil, err
		}
		prev := domain.GenesisHash
		if from > 0 {
			if len(entries) == 0 || entries[0].Seq != from {
				return nil, domain.Errorf(domain.KindIntegrityViolation, "recover", "missing anchor entry %d", from)
			}
			prev = entries[0].Hash
			entries = entries[1:]
		}
		if err := verifyLinks(prev, from+1, entries); err != nil {
			return nil, err
		}

		l.mu.Lock()
		caches, applied, err := applyEntries(l.accounts, entries)
		l.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if err := l.store.SaveAccountCaches(ctx, caches); err != nil {
			return nil, err
		}
		report.Replayed = applied
		report.Accounts = len(caches)
	}

	if err := l.checkGlobalBalance(); err != nil {
		return nil, err
	}

	l.log.Info("Ledger recovered",
		slog.Uint64("head_seq", head),
		slog.Int("replayed", report.Replayed),
		slog.Int("accounts_updated", report.Accounts))
	return report, nil
}

// checkGlobalBalance verifies that every asset sums to zero across all accounts.
func (l *Ledger) checkGlobalBalance() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var postings []domain.Posting
	for _, acc := range l.accounts {
		for asset, bal := range acc.Balances {
			postings = append(postings, domain.Posting{AccountID: acc.ID, Asset: asset, Amount: bal})
		}
	}
	sums, err := domain.SumByAsset(postings)
	if err != nil {
		return domain.Errorf(domain.KindIntegrityViolation, "recover", "balances not summable: %v", err)
	}
	for asset, sum := range sums {
		if !sum.IsZero() {
			l.log.Error("INTEGRITY_VIOLATION", slog.String("asset", asset), slog.String("sum", sum.String()))
			return domain.EntityErrorf(domain.KindIntegrityViolation, "recover", asset, "balances sum to %s", sum)
		}
	}
	return nil
}

func verifyLinks(prev string, firstSeq uint64, entries []domain.Entry) error {
	want := firstSeq
	for _, e := range entries {
		if e.Seq != want {
			return domain.Errorf(domain.KindIntegrityViolation, "verify_chain", "sequence gap: expected %d, got %d", want, e.Seq)
		}
		if !e.Verify(prev) {
			return domain.Errorf(domain.KindIntegrityViolation, "verify_chain", "hash mismatch at seq %d", e.Seq)
		}
		prev = e.Hash
		want++
	}
	return nil
}

// VerifyChain recomputes hashes and links for from <= seq <= to (to == 0 is
// the head) and checks that every transaction in range sums to zero per asset.
func (l *Ledger) VerifyChain(ctx context.Context, from, to uint64) error {
	if to == 0 {
		to, _ = l.Head()
	}
	err := VerifyStore(ctx, l.store, from, to)
	if domain.KindOf(err) == domain.KindIntegrityViolation {
		l.log.Error("INTEGRITY_VIOLATION", slog.String("error", err.Error()))
	}
	return err
}

// VerifyStore is VerifyChain straight from the store, for tools that must not
// load or write state. to == 0 is the last stored entry.
func VerifyStore(ctx context.Context, store *storage.Store, from, to uint64) error {
	if from == 0 {
		from = 1
	}
	if to == 0 {
		last, err := store.GetLastSeq(ctx)
		if err != nil {
			return err
		}
		to = last
	}
	if to < from {
		return nil
	}

	prev := domain.GenesisHash
	if from > 1 {
		anchor, err := store.LoadEntries(ctx, from-1, from-1)
		if err != nil {
			return err
		}
		if len(anchor) != 1 {
			return domain.Errorf(domain.KindIntegrityViolation, "verify_chain", "missing entry %d", from-1)
		}
		prev = anchor[0].Hash
	}
	entries, err := store.LoadEntries(ctx, from, to)
	if err != nil {
		return err
	}
	if uint64(len(entries)) != to-from+1 {
		return domain.Errorf(domain.KindIntegrityViolation, "verify_chain",
			"expected %d entries in [%d, %d], found %d", to-from+1, from, to, len(entries))
	}
	if err := verifyLinks(prev, from, entries); err != nil {
		return err
	}

	// Transactions cut by the range edges are checked in full.
	full := entries
	edges := []string{entries[0].TxID, entries[len(entries)-1].TxID}
	for i, txID := range edges {
		if i == 1 && txID == edges[0] {
			break
		}
		txEntries, err := store.LoadEntriesByTx(ctx, txID)
		if err != nil {
			return err
		}
		full = append(withoutTx(full, txID), txEntries...)
	}
	return domain.VerifyBalanced(full)
}

func withoutTx(entries []domain.Entry, txID string) []domain.Entry {
	out := make([]domain.Entry, 0, len(entries))
	for _, e := range entries {
		if e.TxID != txID {
			out = append(out, e)
		}
	}
	return out
}

func (r *RecoveryReport) String() string {
	return fmt.Sprintf("head=%d replayed=%d accounts=%d", r.HeadSeq, r.Replayed, r.Accounts)
}
