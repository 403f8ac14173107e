// Package api exposes the engine's single external boundary over HTTP:
// the dispatch layer posts inputs to /api/process and reads structured
// results back. Everything else is diagnostics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/stratamem/internal/assoc"
	"github.com/nidhogg/stratamem/internal/layer"
	"github.com/nidhogg/stratamem/internal/node"
	"github.com/nidhogg/stratamem/internal/perception"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine  *perception.Engine
	layers  map[node.Layer]*layer.Store
	graph   *assoc.Graph
	sweeper *perception.Sweeper
	logger  *zap.Logger
}

// NewHandler creates the HTTP handler.
func NewHandler(
	engine *perception.Engine,
	layers map[node.Layer]*layer.Store,
	graph *assoc.Graph,
	sweeper *perception.Sweeper,
	logger *zap.Logger,
) *Handler {
	return &Handler{engine: engine, layers: layers, graph: graph, sweeper: sweeper, logger: logger}
}

// Routes builds the chi router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Post("/process", h.process)
		r.Get("/layers", h.layerStats)
		r.Post("/sweep", h.sweep)
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) process(w http.ResponseWriter, r *http.Request) {
	var in perception.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	out, err := h.engine.Process(r.Context(), in)
	if err != nil {
		if errors.Is(err, node.ErrInvalidNode) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("process failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) layerStats(w http.ResponseWriter, _ *http.Request) {
	stats := make([]layer.Stats, 0, len(h.layers))
	for _, l := range node.Layers {
		stats = append(stats, h.layers[l].CurrentStats())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"layers": stats,
		"edges":  h.graph.EdgeCount(),
	})
}

func (h *Handler) sweep(w http.ResponseWriter, r *http.Request) {
	removed := h.sweeper.SweepOnce(r.Context(), time.Now())
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
