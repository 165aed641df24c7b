package infra

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"liquidity_ledger/internal/domain"
)

// maxRangeEntries caps one /v1/ledger/entries or account entries response.
const maxRangeEntries = 1000

const defaultAccountEntries = 100

// OpsServer is the read-only HTTP surface for operators and auditors.
type OpsServer struct {
	reader  LedgerReader
	feed    *LedgerFeed
	metrics *Metrics
	limiter *RateLimiter
	log     *slog.Logger
	srv     *http.Server
}

// NewOpsServer builds the server. limiter throttles the store-backed ledger
// routes and may be nil.
func NewOpsServer(addr string, reader LedgerReader, feed *LedgerFeed, metrics *Metrics, limiter *RateLimiter, logger *slog.Logger) *OpsServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &OpsServer{reader: reader, feed: feed, metrics: metrics, limiter: limiter, log: logger}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes builds the router.
func (s *OpsServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Throttle)
			r.Get("/ledger/entries", s.handleEntries)
			r.Get("/accounts/{id}/entries", s.handleAccountEntries)
			if s.feed != nil {
				r.Method(http.MethodGet, "/ledger/stream", s.feed)
			}
		})
		r.Get("/pools", s.handlePools)
		r.Get("/pools/{id}", s.handlePool)
		r.Get("/pools/{id}/positions", s.handlePositions)
		r.Get("/pools/{id}/price", s.handlePrice)
	})
	return r
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *OpsServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Ops server listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func (s *OpsServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("HTTP request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("took", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *OpsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	seq, hash := s.reader.Head()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"head_seq":  seq,
		"head_hash": hash,
	})
}

func (s *OpsServer) handleEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseSeq(q.Get("from"), 1)
	if err != nil || from == 0 {
		writeError(w, domain.Errorf(domain.KindValidation, "get_ledger_range", "invalid from %q", q.Get("from")))
		return
	}
	to, err := parseSeq(q.Get("to"), from+maxRangeEntries-1)
	if err != nil {
		writeError(w, domain.Errorf(domain.KindValidation, "get_ledger_range", "invalid to %q", q.Get("to")))
		return
	}
	if to >= from && to-from >= maxRangeEntries {
		to = from + maxRangeEntries - 1
	}
	head, _ := s.reader.Head()
	if from > head {
		writeJSON(w, http.StatusOK, FeedMessage{Entries: []domain.Entry{}})
		return
	}
	to = min(to, head)

	entries, err := s.reader.GetLedgerRange(r.Context(), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FeedMessage{Entries: entries})
}

func (s *OpsServer) handleAccountEntries(w http.ResponseWriter, r *http.Request) {
	limit := defaultAccountEntries
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, domain.Errorf(domain.KindValidation, "account_entries", "invalid limit %q", raw))
			return
		}
		limit = min(n, maxRangeEntries)
	}
	entries, err := s.reader.AccountEntries(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FeedMessage{Entries: entries})
}

func (s *OpsServer) handlePools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reader.PoolStates())
}

func (s *OpsServer) handlePool(w http.ResponseWriter, r *http.Request) {
	st, err := s.reader.QueryPoolState(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *OpsServer) handlePositions(w http.ResponseWriter, r *http.Request) {
	ps, err := s.reader.Positions(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *OpsServer) handlePrice(w http.ResponseWriter, r *http.Request) {
	id, asset := chi.URLParam(r, "id"), r.URL.Query().Get("asset")
	price, err := s.reader.Price(id, asset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pool_id": id, "asset": asset, "price": price.String()})
}

func parseSeq(s string, def uint64) (uint64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	de := domain.AsError(err)
	status := http.StatusInternalServerError
	switch de.Kind {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindPoolNotFound:
		status = http.StatusNotFound
	case domain.KindInsufficientLiquidity:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"kind": string(de.Kind), "error": de.Error()})
}
