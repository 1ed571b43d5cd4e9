package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/quantrun/profittaker/internal/metrics"
	"github.com/quantrun/profittaker/internal/track"
)

// Server exposes the session's health, tracked positions, and
// Prometheus metrics for scraping.
type Server struct {
	srv     *http.Server
	store   *track.Store
	started time.Time
}

// New builds the server on addr.
func New(addr string, store *track.Store, reg *metrics.Registry) *Server {
	s := &Server{
		store:   store,
		started: time.Now().UTC(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/positions", s.handlePositions).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"tracked": s.store.Len(),
	})
}

// positionView is the wire shape for one tracked ticker.
type positionView struct {
	Symbol    string  `json:"symbol"`
	State     string  `json:"state"`
	Qty       float64 `json:"qty"`
	Entry     float64 `json:"entry_price"`
	LastPrice float64 `json:"last_price,omitempty"`
	Peak      float64 `json:"peak_price,omitempty"`
	Stop      float64 `json:"stop_price,omitempty"`
	Samples   int     `json:"samples"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	views := s.store.Snapshot()
	out := make([]positionView, 0, len(views))
	for _, v := range views {
		pv := positionView{
			Symbol:  v.Symbol,
			State:   v.State.String(),
			Qty:     v.Position.Qty,
			Entry:   v.Position.EntryPrice,
			Samples: v.Samples,
		}
		if v.HasPrice {
			pv.LastPrice = v.LastPrice
		}
		if v.Trail.Active {
			pv.Peak = v.Trail.PeakPrice
			pv.Stop = v.Trail.StopPrice
		}
		out = append(out, pv)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Response encode failed")
	}
}
