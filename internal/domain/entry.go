package domain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"liquidity_ledger/pkg/quant"
)

// GenesisHash is the previous-hash of the first entry in the chain.
var GenesisHash = strings.Repeat("0", sha256.Size*2)

// Entry is an immutable, sequenced, hash-chained ledger line item.
type Entry struct {
	Seq       uint64       `json:"seq"`
	TxID      string       `json:"tx_id"`
	AccountID string       `json:"account_id"`
	Asset     string       `json:"asset"`
	Amount    quant.Amount `json:"amount"`
	PrevHash  string       `json:"prev_hash"`
	Hash      string       `json:"hash"`
}

// SequenceRange is an inclusive range of sequence numbers.
type SequenceRange struct {
	First uint64 `json:"first"`
	Last  uint64 `json:"last"`
}

func (r SequenceRange) Len() int {
	if r.Last < r.First || r.First == 0 {
		return 0
	}
	return int(r.Last-r.First) + 1
}

// ComputeEntryHash returns SHA-256(prev || fields) as hex. Strings are
// length-prefixed and numbers fixed-width, so no two distinct entries share
// an encoding whatever their ids contain.
func ComputeEntryHash(prev string, e Entry) string {
	h := sha256.New()
	var buf [8]byte
	str := func(s string) {
		binary.BigEndian.PutUint32(buf[:4], uint32(len(s)))
		h.Write(buf[:4])
		h.Write([]byte(s))
	}
	u64 := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	str(prev)
	u64(e.Seq)
	str(e.TxID)
	str(e.AccountID)
	str(e.Asset)
	u64(uint64(e.Amount.Mantissa()))
	h.Write([]byte{e.Amount.Scale()})
	return hex.EncodeToString(h.Sum(nil))
}

// Seal sets PrevHash and Hash.
func (e *Entry) Seal(prev string) {
	e.PrevHash = prev
	e.Hash = ComputeEntryHash(prev, *e)
}

// Verify checks that the entry links to prev and that its hash matches its fields.
func (e Entry) Verify(prev string) bool {
	return e.PrevHash == prev && e.Hash == ComputeEntryHash(prev, e)
}

// Posting returns the balance change the entry records.
func (e Entry) Posting() Posting {
	return Posting{AccountID: e.AccountID, Asset: e.Asset, Amount: e.Amount}
}

// VerifyBalanced checks the double-entry invariant: per transaction and
// asset, amounts sum to zero.
func VerifyBalanced(entries []Entry) error {
	byTx := make(map[string][]Posting)
	var order []string
	for _, e := range entries {
		if _, ok := byTx[e.TxID]; !ok {
			order = append(order, e.TxID)
		}
		byTx[e.TxID] = append(byTx[e.TxID], e.Posting())
	}
	for _, txID := range order {
		sums, err := SumByAsset(byTx[txID])
		if err != nil {
			return EntityErrorf(KindIntegrityViolation, "verify", txID, "unsummable entries: %v", err)
		}
		for asset, sum := range sums {
			if !sum.IsZero() {
				return EntityErrorf(KindIntegrityViolation, "verify", txID, "asset %s sums to %s", asset, sum)
			}
		}
	}
	return nil
}
