package httpx

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pixloja/storefront/internal/storefront"
)

// StorefrontHandler exposes read-only ops views of the shop: the catalog,
// the active sessions, and the sales performance report. Admin mutations go
// through the chat collaborator, which enforces privileges.
type StorefrontHandler struct {
	Svc *storefront.Service
}

func (h *StorefrontHandler) Register(r *chi.Mux) {
	r.Get("/products", h.listProducts)
	r.Get("/sessions", h.listSessions)
	r.Get("/report", h.report)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *StorefrontHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Svc.Listing())
}

func (h *StorefrontHandler) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Svc.ActiveSessions())
}

func (h *StorefrontHandler) report(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 365 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid days"})
			return
		}
		days = n
	}

	rep, err := h.Svc.PerformanceReport(days)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
