package storage

import (
	"time"

	"liquidity_ledger/internal/domain"
	"liquidity_ledger/pkg/quant"
)

type assetRow struct {
	Symbol    string `db:"symbol"`
	Scale     uint8  `db:"scale"`
	CreatedAt int64  `db:"created_at"`
}

type accountRow struct {
	ID             string `db:"id"`
	Owner          string `db:"owner"`
	Status         string `db:"status"`
	Overdraft      bool   `db:"overdraft"`
	OverdraftLimit string `db:"overdraft_limit"`
	Version        uint64 `db:"version"`
	LastSeq        uint64 `db:"last_seq"`
	CreatedAt      int64  `db:"created_at"`
}

type balanceRow struct {
	AccountID string `db:"account_id"`
	Asset     string `db:"asset"`
	Mantissa  int64  `db:"mantissa"`
	Scale     uint8  `db:"scale"`
}

type entryRow struct {
	Seq       uint64 `db:"seq"`
	TxID      string `db:"tx_id"`
	AccountID string `db:"account_id"`
	Asset     string `db:"asset"`
	Mantissa  int64  `db:"mantissa"`
	Scale     uint8  `db:"scale"`
	PrevHash  string `db:"prev_hash"`
	Hash      string `db:"hash"`
	CreatedAt int64  `db:"created_at"`
}

func (r entryRow) toDomain() domain.Entry {
	return domain.Entry{
		Seq:       r.Seq,
		TxID:      r.TxID,
		AccountID: r.AccountID,
		Asset:     r.Asset,
		Amount:    quant.New(r.Mantissa, r.Scale),
		PrevHash:  r.PrevHash,
		Hash:      r.Hash,
	}
}

type poolRow struct {
	ID              string `db:"id"`
	AssetA          string `db:"asset_a"`
	AssetB          string `db:"asset_b"`
	FeePPM          int64  `db:"fee_ppm"`
	ShareAsset      string `db:"share_asset"`
	ReserveAccountA string `db:"reserve_a_account"`
	ReserveAccountB string `db:"reserve_b_account"`
	IssuerAccount   string `db:"issuer_account"`
	LockAccount     string `db:"lock_account"`
	Status          string `db:"status"`
	CreatedAt       int64  `db:"created_at"`
}

func (r poolRow) toDomain() (domain.Pool, error) {
	fee, err := quant.NewRate(r.FeePPM)
	if err != nil {
		return domain.Pool{}, err
	}
	return domain.Pool{
		ID:              r.ID,
		Pair:            domain.Pair{A: r.AssetA, B: r.AssetB},
		FeeRate:         fee,
		ShareAsset:      r.ShareAsset,
		ReserveAccountA: r.ReserveAccountA,
		ReserveAccountB: r.ReserveAccountB,
		IssuerAccount:   r.IssuerAccount,
		LockAccount:     r.LockAccount,
		Status:          domain.PoolStatus(r.Status),
		CreatedAt:       time.UnixMicro(r.CreatedAt).UTC(),
	}, nil
}

type poolCacheRow struct {
	PoolID        string `db:"pool_id"`
	ReserveA      int64  `db:"reserve_a"`
	ReserveAScale uint8  `db:"reserve_a_scale"`
	ReserveB      int64  `db:"reserve_b"`
	ReserveBScale uint8  `db:"reserve_b_scale"`
	TotalShares   int64  `db:"total_shares"`
	SharesScale   uint8  `db:"shares_scale"`
	LastSeq       uint64 `db:"last_seq"`
	UpdatedAt     int64  `db:"updated_at"`
}

// TxRecord is a row of the transaction journal.
type TxRecord struct {
	ID             string  `db:"id"`
	Kind           string  `db:"kind"`
	Status         string  `db:"status"`
	IdempotencyKey *string `db:"idempotency_key"`
	FirstSeq       uint64  `db:"first_seq"`
	LastSeq        uint64  `db:"last_seq"`
	ErrorKind      string  `db:"error_kind"`
	ErrorMsg       string  `db:"error_msg"`
	Request        []byte  `db:"request"`
	Outcome        []byte  `db:"outcome"`
	CreatedAt      int64   `db:"created_at"`
}
