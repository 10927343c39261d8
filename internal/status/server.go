// Package status exposes collector health and statistics over HTTP and
// checks them from the outside.
package status

import (
	"net/http"
	"strings"
	"time"

	"github.com/cs-darshan/binance-data-collector/internal/candles"
	"github.com/cs-darshan/binance-data-collector/internal/service"
	"github.com/cs-darshan/binance-data-collector/internal/sink"
	"github.com/cs-darshan/binance-data-collector/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PipelineStats reports per-pair aggregation counters.
type PipelineStats interface {
	Stats() []candles.StatsSnapshot
}

// SinkStats reports persistence counters.
type SinkStats interface {
	Stats() sink.DispatcherStats
}

// SubscriptionStats reports subscriber counters.
type SubscriptionStats interface {
	Stats() service.DispatcherStats
}

// Health is the body of GET /health.
type Health struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`
}

// Report is the body of GET /stats.
type Report struct {
	StartedAt     time.Time               `json:"started_at"`
	Uptime        string                  `json:"uptime"`
	Pairs         []candles.StatsSnapshot `json:"pairs"`
	Sink          sink.DispatcherStats    `json:"sink"`
	Subscriptions service.DispatcherStats `json:"subscriptions"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server serves the status endpoints.
type Server struct {
	pipelines PipelineStats
	sinks     SinkStats
	subs      SubscriptionStats
	done      <-chan struct{}
	startedAt time.Time
	now       func() time.Time
	logger    zerolog.Logger
}

// NewServer creates a status server. Once done is closed /health reports the
// collector as stopped.
func NewServer(pipelines PipelineStats, sinks SinkStats, subs SubscriptionStats, done <-chan struct{}) *Server {
	return &Server{
		pipelines: pipelines,
		sinks:     sinks,
		subs:      subs,
		done:      done,
		startedAt: time.Now(),
		now:       time.Now,
		logger:    log.With().Str("component", "status").Logger(),
	}
}

// Handler returns the router:
//
//	GET /health          liveness
//	GET /stats           counters of every stage
//	GET /stats/{symbol}  counters of one pair
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.health)
	r.Get("/stats", s.stats)
	r.Get("/stats/{symbol}", s.pairStats)
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	h := Health{Status: "ok", StartedAt: s.startedAt, Uptime: s.uptime()}
	code := http.StatusOK
	select {
	case <-s.done:
		h.Status = "stopped"
		code = http.StatusServiceUnavailable
	default:
	}
	writeJSON(w, code, h)
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{
		StartedAt:     s.startedAt,
		Uptime:        s.uptime(),
		Pairs:         s.pipelines.Stats(),
		Sink:          s.sinks.Stats(),
		Subscriptions: s.subs.Stats(),
	})
}

func (s *Server) pairStats(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	if !strings.Contains(symbol, "-") {
		symbol = utils.NormalizeSymbol(symbol)
	}

	for _, snap := range s.pipelines.Stats() {
		if snap.Pair == symbol {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown symbol " + symbol})
}

func (s *Server) uptime() string {
	return s.now().Sub(s.startedAt).Truncate(time.Second).String()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("status request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
