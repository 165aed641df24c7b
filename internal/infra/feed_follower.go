package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"liquidity_ledger/internal/domain"
)

// EntrySink receives verified, contiguous entries from a FeedFollower.
type EntrySink func(ctx context.Context, entries []domain.Entry) error

// FeedFollower tails a remote ledger stream. It resumes from the last
// verified seq after every reconnect and checks that each entry is the next
// seq and links to the hash of the one before it.
type FeedFollower struct {
	streamURL string
	sink      EntrySink
	log       *slog.Logger
	client    *StreamClient

	mu   sync.Mutex
	next uint64
	prev string
}

// NewFeedFollower follows streamURL from seq from. prevHash is the hash of
// entry from-1; pass domain.GenesisHash when from is 1, or "" to trust the
// first received link.
func NewFeedFollower(streamURL string, from uint64, prevHash string, sink EntrySink, logger *slog.Logger) *FeedFollower {
	if logger == nil {
		logger = slog.Default()
	}
	if from == 0 {
		from = 1
	}
	f := &FeedFollower{streamURL: streamURL, sink: sink, log: logger, next: from, prev: prevHash}
	f.client = NewStreamClient(f, logger)
	return f
}

func (f *FeedFollower) ID() string { return "ledger-feed" }

func (f *FeedFollower) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("%s?from=%d", f.streamURL, f.next)
}

// Client exposes the underlying connection settings.
func (f *FeedFollower) Client() *StreamClient { return f.client }

func (f *FeedFollower) Start(ctx context.Context) { f.client.Start(ctx) }
func (f *FeedFollower) Stop()                     { f.client.Stop() }

// Position returns the next expected seq and the last verified hash.
func (f *FeedFollower) Position() (uint64, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next, f.prev
}

func (f *FeedFollower) OnMessage(ctx context.Context, msg []byte) error {
	var m FeedMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return fmt.Errorf("decode feed frame: %w", err)
	}

	f.mu.Lock()
	next, prev := f.next, f.prev
	f.mu.Unlock()

	verified := make([]domain.Entry, 0, len(m.Entries))
	var failure error
	for _, e := range m.Entries {
		if e.Seq < next {
			continue
		}
		if e.Seq != next {
			f.log.Warn("FEED_GAP", slog.Uint64("expected", next), slog.Uint64("got", e.Seq))
			failure = fmt.Errorf("feed gap: expected seq %d, got %d", next, e.Seq)
			break
		}
		if prev == "" {
			prev = e.PrevHash
		}
		if !e.Verify(prev) {
			f.log.Error("FEED_HASH_MISMATCH", slog.Uint64("seq", e.Seq), slog.String("tx_id", e.TxID))
			failure = domain.EntityErrorf(domain.KindIntegrityViolation, "follow", e.TxID, "entry %d fails hash verification", e.Seq)
			break
		}
		verified = append(verified, e)
		next, prev = e.Seq+1, e.Hash
	}

	if len(verified) > 0 {
		if err := f.sink(ctx, verified); err != nil {
			return fmt.Errorf("entry sink: %w", err)
		}
		f.mu.Lock()
		f.next, f.prev = next, prev
		f.mu.Unlock()
	}
	return failure
}
