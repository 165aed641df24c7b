package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"liquidity_ledger/internal/domain"
	"liquidity_ledger/internal/storage"
	"liquidity_ledger/pkg/quant"
)

// TransferRequest is a balanced set of postings to append as one transaction.
type TransferRequest struct {
	TxID     string
	Postings []domain.Posting

	// ExpectedVersions, if set, must match the current account versions.
	ExpectedVersions map[string]uint64

	// Journal is written in the same store transaction as the entries.
	// FirstSeq and LastSeq are filled in by the ledger.
	Journal *storage.TxRecord
}

// Receipt describes committed entries.
type Receipt struct {
	Range   domain.SequenceRange
	Entries []domain.Entry
}

const opAppend = "append_transfer"

// AppendTransfer validates postings and appends them as contiguous, hash-chained
// entries. Either every posting is committed or nothing is written.
func (l *Ledger) AppendTransfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	if req.TxID == "" {
		return nil, domain.Errorf(domain.KindValidation, opAppend, "missing transaction id")
	}
	if len(req.Postings) == 0 {
		return nil, domain.EntityErrorf(domain.KindValidation, opAppend, req.TxID, "no postings")
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &domain.Error{Kind: domain.KindConcurrencyConflict, Op: opAppend, Entity: req.TxID, Msg: "cancelled before commit", Err: err}
	}

	working, err := l.validate(req)
	if err != nil {
		return nil, err
	}

	l.mu.RLock()
	seq, prev := l.headSeq, l.headHash
	l.mu.RUnlock()

	entries := make([]domain.Entry, len(req.Postings))
	for i, p := range req.Postings {
		seq++
		entries[i] = domain.Entry{Seq: seq, TxID: req.TxID, AccountID: p.AccountID, Asset: p.Asset, Amount: p.Amount}
		entries[i].Seal(prev)
		prev = entries[i].Hash
	}
	rng := domain.SequenceRange{First: entries[0].Seq, Last: seq}

	caches, _, err := applyEntries(working, entries)
	if err != nil {
		return nil, err
	}

	batch := storage.Batch{Entries: entries, Accounts: caches}
	if req.Journal != nil {
		j := *req.Journal
		j.FirstSeq, j.LastSeq = rng.First, rng.Last
		batch.Journal = &j
	}
	if err := l.store.CommitBatch(ctx, batch); err != nil {
		return nil, err
	}

	l.mu.Lock()
	for id, acc := range working {
		l.accounts[id] = acc
	}
	l.headSeq, l.headHash = seq, prev
	l.mu.Unlock()

	l.warnLarge(req)
	return &Receipt{Range: rng, Entries: entries}, nil
}

// validate checks postings against current state and returns working copies
// of the touched accounts.
func (l *Ledger) validate(req TransferRequest) (map[string]*domain.Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	working := make(map[string]*domain.Account)
	for _, p := range req.Postings {
		acc, ok := l.accounts[p.AccountID]
		if !ok {
			return nil, domain.EntityErrorf(domain.KindValidation, opAppend, p.AccountID, "unknown account")
		}
		switch acc.Status {
		case domain.AccountActive:
		case domain.AccountFrozen:
			return nil, domain.EntityErrorf(domain.KindIntegrityViolation, opAppend, p.AccountID, "account is frozen")
		default:
			return nil, domain.EntityErrorf(domain.KindValidation, opAppend, p.AccountID, "account is %s", acc.Status)
		}
		asset, ok := l.assets[p.Asset]
		if !ok {
			return nil, domain.EntityErrorf(domain.KindValidation, opAppend, p.AccountID, "unknown asset %q", p.Asset)
		}
		if p.Amount.Scale() != asset.Scale {
			return nil, domain.EntityErrorf(domain.KindValidation, opAppend, p.AccountID,
				"%s amount at scale %d, asset scale is %d", p.Asset, p.Amount.Scale(), asset.Scale)
		}
		if p.Amount.IsZero() {
			return nil, domain.EntityErrorf(domain.KindValidation, opAppend, p.AccountID, "zero posting")
		}
		if _, ok := working[p.AccountID]; !ok {
			working[p.AccountID] = cloneAccount(acc)
		}
	}

	sums, err := domain.SumByAsset(req.Postings)
	if err != nil {
		return nil, requestOverflow(opAppend, req.TxID, err)
	}
	for asset, sum := range sums {
		if !sum.IsZero() {
			return nil, domain.EntityErrorf(domain.KindValidation, opAppend, req.TxID, "%s postings sum to %s", asset, sum)
		}
	}

	for id, want := range req.ExpectedVersions {
		acc, ok := l.accounts[id]
		if !ok {
			return nil, domain.EntityErrorf(domain.KindValidation, opAppend, id, "unknown account")
		}
		if acc.Version != want {
			return nil, domain.EntityErrorf(domain.KindConcurrencyConflict, opAppend, id,
				"version %d, expected %d", acc.Version, want)
		}
	}

	// Resulting balances, checked before anything is sequenced.
	if _, err := projected(working, req.TxID, req.Postings); err != nil {
		return nil, err
	}
	return working, nil
}

// CheckFunds reports whether every account debited by postings can cover the
// debit at current balances. Nothing is reserved; AppendTransfer checks again.
func (l *Ledger) CheckFunds(txID string, postings []domain.Posting) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	accounts := make(map[string]*domain.Account, len(postings))
	for _, p := range postings {
		acc, ok := l.accounts[p.AccountID]
		if !ok {
			return domain.EntityErrorf(domain.KindValidation, "check_funds", p.AccountID, "unknown account")
		}
		accounts[p.AccountID] = acc
	}
	_, err := projected(accounts, txID, postings)
	return err
}

type leg struct{ account, asset string }

// projected returns the balances postings would leave behind. Debits are
// checked against the floor of their account before any credit is added, so
// an unfunded request fails with InsufficientBalance and never reaches the
// credited side. accounts is only read.
func projected(accounts map[string]*domain.Account, txID string, postings []domain.Posting) (map[leg]quant.Amount, error) {
	var order []leg
	nets := make(map[leg]quant.Amount)
	for _, p := range postings {
		k := leg{p.AccountID, p.Asset}
		cur, ok := nets[k]
		if !ok {
			order = append(order, k)
			nets[k] = p.Amount
			continue
		}
		next, err := cur.Add(p.Amount)
		if err != nil {
			return nil, requestOverflow(opAppend, txID, err)
		}
		nets[k] = next
	}

	out := make(map[leg]quant.Amount, len(order))
	for _, debits := range []bool{true, false} {
		for _, k := range order {
			net := nets[k]
			if net.IsNegative() != debits {
				continue
			}
			acc := accounts[k.account]
			cur, ok := acc.Balances[k.asset]
			if !ok {
				cur = quant.Zero(net.Scale())
			}
			next, err := cur.Add(net)
			switch {
			case err != nil && !errors.Is(err, quant.ErrOverflow):
				return nil, domain.Wrap(err, opAppend, k.account)
			case err != nil && debits && !acc.Overdraft:
				return nil, domain.EntityErrorf(domain.KindInsufficientBalance, opAppend, k.account,
					"%s debit of %s exceeds the account floor", k.asset, net)
			case err != nil:
				return nil, requestOverflow(opAppend, txID, err)
			case debits && !acc.Permits(next):
				short := next.Decimal().Neg().Sub(acc.OverdraftLimit)
				return nil, domain.EntityErrorf(domain.KindInsufficientBalance, opAppend, k.account,
					"%s short by %s", k.asset, short)
			}
			out[k] = next
		}
	}
	return out, nil
}

// requestOverflow reports a request that would leave the representable
// range. Stored state is intact, so the error names no entity to freeze.
func requestOverflow(op, txID string, err error) error {
	return &domain.Error{
		Kind: domain.KindArithmeticOverflow,
		Op:   op,
		Msg:  fmt.Sprintf("transaction %s exceeds the representable range", txID),
		Err:  err,
	}
}

// applyEntries adds entries to accounts and returns the cache rows to persist.
// Entries at or below an account's LastSeq are already reflected and skipped.
// The version of an account increases once per transaction. This is the only
// state transition for balances, shared by live commits and replay.
func applyEntries(accounts map[string]*domain.Account, entries []domain.Entry) ([]storage.AccountCache, int, error) {
	caches := make(map[string]*storage.AccountCache)
	applied := 0
	lastTx := make(map[string]string)
	for _, e := range entries {
		acc, ok := accounts[e.AccountID]
		if !ok {
			return nil, 0, domain.EntityErrorf(domain.KindIntegrityViolation, "apply", e.AccountID, "entry %d for unknown account", e.Seq)
		}
		if e.Seq <= acc.LastSeq {
			continue
		}
		cur, ok := acc.Balances[e.Asset]
		if !ok {
			cur = quant.Zero(e.Amount.Scale())
		}
		next, err := cur.Add(e.Amount)
		if err != nil {
			return nil, 0, domain.Wrap(err, "apply", e.AccountID)
		}
		if !acc.Permits(next) {
			return nil, 0, domain.EntityErrorf(domain.KindIntegrityViolation, "apply", e.AccountID,
				"entry %d drives %s below its floor", e.Seq, e.Asset)
		}
		if acc.Balances == nil {
			acc.Balances = make(map[string]quant.Amount)
		}
		acc.Balances[e.Asset] = next
		if lastTx[acc.ID] != e.TxID {
			acc.Version++
			lastTx[acc.ID] = e.TxID
		}
		acc.LastSeq = e.Seq
		applied++

		c, ok := caches[acc.ID]
		if !ok {
			c = &storage.AccountCache{ID: acc.ID, Balances: make(map[string]quant.Amount)}
			caches[acc.ID] = c
		}
		c.Version, c.LastSeq = acc.Version, acc.LastSeq
		c.Balances[e.Asset] = next
	}

	out := make([]storage.AccountCache, 0, len(caches))
	for _, c := range caches {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, applied, nil
}

func (l *Ledger) warnLarge(req TransferRequest) {
	if l.largeWarn.IsZero() {
		return
	}
	for _, p := range req.Postings {
		if p.Amount.IsPositive() && p.Amount.Decimal().GreaterThan(l.largeWarn) {
			l.log.Warn("LARGE_TRANSFER",
				slog.String("tx_id", req.TxID),
				slog.String("account_id", p.AccountID),
				slog.String("asset", p.Asset),
				slog.String("amount", p.Amount.String()))
		}
	}
}
