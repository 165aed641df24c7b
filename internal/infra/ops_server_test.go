package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidity_ledger/internal/domain"
	"liquidity_ledger/internal/event"
	"liquidity_ledger/pkg/quant"
)

// fakeLedger is an in-memory LedgerReader whose commits go to a bus.
type fakeLedger struct {
	mu      sync.Mutex
	entries []domain.Entry
	pools   map[string]domain.PoolState
	bus     *event.Bus
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{pools: map[string]domain.PoolState{}, bus: event.NewBus()}
}

// commit appends a balanced two-entry transaction. publish=false simulates a
// dropped bus event.
func (l *fakeLedger) commit(publish bool) []domain.Entry {
	l.mu.Lock()
	seq := uint64(len(l.entries))
	prev := domain.GenesisHash
	if seq > 0 {
		prev = l.entries[seq-1].Hash
	}
	tx := fmt.Sprintf("tx-%d", seq/2+1)
	batch := []domain.Entry{
		{Seq: seq + 1, TxID: tx, AccountID: "a", Asset: "USD", Amount: quant.New(-100, 2)},
		{Seq: seq + 2, TxID: tx, AccountID: "b", Asset: "USD", Amount: quant.New(100, 2)},
	}
	for i := range batch {
		batch[i].Seal(prev)
		prev = batch[i].Hash
	}
	l.entries = append(l.entries, batch...)
	l.mu.Unlock()

	if publish {
		l.bus.Publish(&event.EntriesCommittedEvent{
			BaseEvent: event.BaseEvent{Seq: batch[1].Seq},
			TxID:      tx,
			Kind:      domain.KindTransfer,
			Entries:   batch,
		})
	}
	return batch
}

func (l *fakeLedger) Head() (uint64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return 0, domain.GenesisHash
	}
	last := l.entries[len(l.entries)-1]
	return last.Seq, last.Hash
}

func (l *fakeLedger) GetLedgerRange(_ context.Context, from, to uint64) ([]domain.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if from == 0 || (to != 0 && to < from) {
		return nil, domain.Errorf(domain.KindValidation, "get_ledger_range", "bad range")
	}
	var out []domain.Entry
	for _, e := range l.entries {
		if e.Seq >= from && (to == 0 || e.Seq <= to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *fakeLedger) AccountEntries(_ context.Context, account string, limit int) ([]domain.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if account != "a" && account != "b" {
		return nil, domain.EntityErrorf(domain.KindValidation, "account_entries", account, "unknown account")
	}
	var out []domain.Entry
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if l.entries[i].AccountID == account {
			out = append(out, l.entries[i])
		}
	}
	return out, nil
}

func (l *fakeLedger) QueryPoolState(id string) (domain.PoolState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.pools[id]
	if !ok {
		return domain.PoolState{}, domain.EntityErrorf(domain.KindPoolNotFound, "query_pool_state", id, "no such pool")
	}
	return st, nil
}

func (l *fakeLedger) Positions(id string) ([]domain.LiquidityPosition, error) {
	if _, err := l.QueryPoolState(id); err != nil {
		return nil, err
	}
	return []domain.LiquidityPosition{{PoolID: id, Provider: "lp-1", Shares: quant.New(1414, 2)}}, nil
}

func (l *fakeLedger) Price(id, asset string) (decimal.Decimal, error) {
	st, err := l.QueryPoolState(id)
	if err != nil {
		return decimal.Decimal{}, err
	}
	in, out, ok := st.Reserves(asset)
	if !ok {
		return decimal.Decimal{}, domain.EntityErrorf(domain.KindValidation, "price", id, "asset %q not in pool", asset)
	}
	return out.Decimal().Div(in.Decimal()), nil
}

func (l *fakeLedger) PoolStates() []domain.PoolState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.PoolState, 0, len(l.pools))
	for _, st := range l.pools {
		out = append(out, st)
	}
	return out
}

func get(t *testing.T, srv *httptest.Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestOpsServer_Routes(t *testing.T) {
	l := newFakeLedger()
	for i := 0; i < 3; i++ {
		l.commit(false)
	}
	l.pools["p1"] = domain.PoolState{PoolID: "p1", AssetA: "A", AssetB: "B", ReserveA: quant.New(1000, 2), ReserveB: quant.New(2000, 2)}
	m := NewMetrics()
	m.ObserveHead(6)
	ops := NewOpsServer("", l, nil, m, nil, nil)
	srv := httptest.NewServer(ops.Routes())
	defer srv.Close()

	code, body := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"head_seq":6`)

	code, body = get(t, srv, "/v1/ledger/entries?from=2&to=4")
	require.Equal(t, http.StatusOK, code)
	var msg FeedMessage
	require.NoError(t, json.Unmarshal([]byte(body), &msg))
	require.Len(t, msg.Entries, 3)
	assert.Equal(t, uint64(2), msg.Entries[0].Seq)
	// Seq 4 is the credit leg of the second transaction.
	assert.Equal(t, "b", msg.Entries[2].AccountID)
	assert.Equal(t, quant.New(100, 2), msg.Entries[2].Amount)

	// Past the head: empty, not an error.
	code, body = get(t, srv, "/v1/ledger/entries?from=50")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"entries":[]}`, body)

	code, _ = get(t, srv, "/v1/ledger/entries?from=0")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = get(t, srv, "/v1/ledger/entries?from=4&to=2")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = get(t, srv, "/v1/accounts/b/entries?limit=2")
	require.Equal(t, http.StatusOK, code)
	msg = FeedMessage{}
	require.NoError(t, json.Unmarshal([]byte(body), &msg))
	require.Len(t, msg.Entries, 2)
	assert.Equal(t, uint64(6), msg.Entries[0].Seq)
	assert.Equal(t, uint64(4), msg.Entries[1].Seq)
	code, body = get(t, srv, "/v1/accounts/a/entries")
	require.Equal(t, http.StatusOK, code)
	msg = FeedMessage{}
	require.NoError(t, json.Unmarshal([]byte(body), &msg))
	assert.Len(t, msg.Entries, 3)
	code, _ = get(t, srv, "/v1/accounts/a/entries?limit=0")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = get(t, srv, "/v1/accounts/nobody/entries")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = get(t, srv, "/v1/pools/p1")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"reserve_a":"10.00"`)
	code, body = get(t, srv, "/v1/pools/nope")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body, string(domain.KindPoolNotFound))

	code, body = get(t, srv, "/v1/pools/p1/price?asset=A")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"pool_id":"p1","asset":"A","price":"2"}`, body)
	code, _ = get(t, srv, "/v1/pools/p1/price?asset=C")
	assert.Equal(t, http.StatusBadRequest, code)
	code, body = get(t, srv, "/v1/pools/p1/positions")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"shares":"14.14"`)

	code, body = get(t, srv, "/v1/pools")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.HasPrefix(body, "["))

	code, body = get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "ledger_ledger_head_seq 6")
}

func TestOpsServer_ThrottlesLedgerQueries(t *testing.T) {
	l := newFakeLedger()
	l.commit(false)
	ops := NewOpsServer("", l, nil, nil, NewRateLimiter(1, 0.01, nil), nil)
	srv := httptest.NewServer(ops.Routes())
	defer srv.Close()

	code, _ := get(t, srv, "/v1/ledger/entries?from=1")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, srv, "/v1/ledger/entries?from=1")
	assert.Equal(t, http.StatusTooManyRequests, code)

	// Health and pool reads are not throttled.
	code, _ = get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, srv, "/v1/pools")
	assert.Equal(t, http.StatusOK, code)
}
