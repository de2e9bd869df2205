package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/quivertree/invoicemem/internal/engine"
	"github.com/quivertree/invoicemem/internal/invoice"
	"github.com/quivertree/invoicemem/internal/memory"
	"go.uber.org/zap"
)

// Handler exposes the pipeline over HTTP so the extraction service can
// call it remotely.
type Handler struct {
	engine *engine.Engine
	store  memory.Store
	logger *zap.Logger
}

// NewHandler creates an API handler.
func NewHandler(eng *engine.Engine, store memory.Store, logger *zap.Logger) *Handler {
	return &Handler{engine: eng, store: store, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Post("/invoices/process", h.processInvoice)
		r.Get("/memories/{id}", h.getMemory)
		r.Post("/memories/feedback", h.submitFeedback)
	})

	return r
}

// processRequest is the body of POST /api/invoices/process.
type processRequest struct {
	Invoice       *invoice.NormalizedInvoice `json:"invoice"`
	RawText       string                     `json:"raw_text"`
	HumanFeedback *engine.HumanFeedback      `json:"human_feedback,omitempty"`
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "invoicemem"})
}

func (h *Handler) processInvoice(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Invoice == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invoice is required"})
		return
	}

	out, err := h.engine.Process(r.Context(), req.Invoice, req.RawText, req.HumanFeedback)
	if err != nil {
		h.logger.Error("process invoice failed",
			zap.String("vendor", req.Invoice.VendorName),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := h.store.GetByID(r.Context(), id)
	if errors.Is(err, memory.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "memory not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// submitFeedback feeds a standalone learn signal into the engine, e.g. a
// duplicate disposition recorded outside a pipeline run.
func (h *Handler) submitFeedback(w http.ResponseWriter, r *http.Request) {
	var sig engine.LearnSignal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	mem, err := h.engine.Learn(r.Context(), sig)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if mem == nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "signal carries no verdict"})
		return
	}
	writeJSON(w, http.StatusCreated, mem)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
