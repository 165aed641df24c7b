package infra

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"liquidity_ledger/internal/domain"
	"liquidity_ledger/internal/event"
)

// LedgerReader is the read surface served to audit consumers.
type LedgerReader interface {
	Head() (uint64, string)
	GetLedgerRange(ctx context.Context, from, to uint64) ([]domain.Entry, error)
	AccountEntries(ctx context.Context, account string, limit int) ([]domain.Entry, error)
	QueryPoolState(id string) (domain.PoolState, error)
	PoolStates() []domain.PoolState
	Positions(poolID string) ([]domain.LiquidityPosition, error)
	Price(poolID, asset string) (decimal.Decimal, error)
}

// FeedMessage is one websocket frame of the ledger stream. Entries are
// contiguous and continue where the previous frame ended.
type FeedMessage struct {
	Entries []domain.Entry `json:"entries"`
}

// LedgerFeed streams committed entries over websocket: the backlog from the
// requested seq first, then live commits. Live events that arrive out of
// order or are dropped by the bus are filled in from the store, so a client
// always sees a gapless sequence.
type LedgerFeed struct {
	reader   LedgerReader
	bus      *event.Bus
	metrics  *Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader

	PageSize     int
	Buffer       int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func NewLedgerFeed(reader LedgerReader, bus *event.Bus, metrics *Metrics, logger *slog.Logger) *LedgerFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerFeed{
		reader:  reader,
		bus:     bus,
		metrics: metrics,
		log:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		PageSize:     500,
		Buffer:       1024,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// feedConn is one subscriber.
type feedConn struct {
	*LedgerFeed
	ctx  context.Context
	conn *websocket.Conn
	next uint64
}

func (f *LedgerFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	from := uint64(1)
	if s := r.URL.Query().Get("from"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil || n == 0 {
			http.Error(w, "from must be a positive sequence number", http.StatusBadRequest)
			return
		}
		from = n
	}

	// Subscribe before reading the backlog so no commit falls in between.
	events, cancel := f.bus.Subscribe(f.Buffer)
	defer cancel()

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn("Feed upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()
	if f.metrics != nil {
		f.metrics.FeedSubscribers(1)
		defer f.metrics.FeedSubscribers(-1)
	}

	// Reads only detect the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	c := &feedConn{LedgerFeed: f, ctx: r.Context(), conn: conn, next: from}
	f.log.Info("Feed subscriber connected", slog.String("remote", r.RemoteAddr), slog.Uint64("from", from))
	if err := c.run(events, closed); err != nil {
		f.log.Warn("Feed subscriber dropped", slog.String("remote", r.RemoteAddr), slog.Any("error", err))
	}
}

func (c *feedConn) run(events <-chan event.Event, closed <-chan struct{}) error {
	head, _ := c.reader.Head()
	if err := c.backfill(head); err != nil {
		return err
	}

	ping := time.NewTicker(c.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return nil
		case <-c.ctx.Done():
			return nil
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.WriteTimeout)); err != nil {
				return err
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			ce, ok := ev.(*event.EntriesCommittedEvent)
			if !ok || len(ce.Entries) == 0 {
				continue
			}
			if err := c.live(ce.Entries); err != nil {
				return err
			}
		}
	}
}

// live forwards a committed batch, filling any gap before it from the store.
func (c *feedConn) live(entries []domain.Entry) error {
	first := entries[0].Seq
	if first > c.next {
		if err := c.backfill(first - 1); err != nil {
			return err
		}
	}
	i := 0
	for i < len(entries) && entries[i].Seq < c.next {
		i++
	}
	return c.send(entries[i:])
}

// backfill sends stored entries from c.next up to and including to.
func (c *feedConn) backfill(to uint64) error {
	for c.next <= to {
		end := min(to, c.next+uint64(c.PageSize)-1)
		page, err := c.reader.GetLedgerRange(c.ctx, c.next, end)
		if err != nil {
			return fmt.Errorf("backfill %d-%d: %w", c.next, end, err)
		}
		if len(page) == 0 {
			return nil
		}
		if err := c.send(page); err != nil {
			return err
		}
	}
	return nil
}

func (c *feedConn) send(entries []domain.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout)); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(FeedMessage{Entries: entries}); err != nil {
		return err
	}
	c.next = entries[len(entries)-1].Seq + 1
	return nil
}
