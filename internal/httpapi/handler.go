package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"centralmed/flow-service/internal/models"
	"centralmed/flow-service/internal/panel"
	"centralmed/flow-service/internal/queue"
	"centralmed/flow-service/internal/stock"
	"centralmed/flow-service/internal/upstream"
)

type QueueService interface {
	MergedQueue() []models.WaitingEntry
	TriageQueue() []models.WaitingEntry
	SelectForTreatment(ctx context.Context, entryID string) (models.ConsultationContext, bool, error)
	CompleteTriage(ctx context.Context, entryID string) (bool, error)
	Finalize(ctx context.Context, consultationID string) (bool, error)
}

type StockService interface {
	Report(today time.Time) []stock.ItemReport
}

type PanelService interface {
	State() panel.State
}

type Handler struct {
	queue QueueService
	stock StockService
	panel PanelService
	now   func() time.Time
}

func NewHandler(queueService QueueService, stockService StockService, panelService PanelService) *Handler {
	return &Handler{
		queue: queueService,
		stock: stockService,
		panel: panelService,
		now:   time.Now,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/queue", h.handleQueue)
	mux.HandleFunc("/api/queue/triage", h.handleTriageQueue)
	mux.HandleFunc("/api/queue/", h.handleQueueActions)
	mux.HandleFunc("/api/consultations/", h.handleConsultationActions)
	mux.HandleFunc("/api/stock", h.handleStock)
	mux.HandleFunc("/api/panel", h.handlePanel)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": h.queue.MergedQueue(),
	})
}

func (h *Handler) handleTriageQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": h.queue.TriageQueue(),
	})
}

func (h *Handler) handleStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": h.stock.Report(h.now()),
	})
}

func (h *Handler) handlePanel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.panel.State())
}

func (h *Handler) handleQueueActions(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/queue/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, requestID, http.StatusNotFound, "not_found", "unknown queue action")
		return
	}
	entryID, action := parts[0], parts[1]

	switch action {
	case "start":
		consultation, ok, err := h.queue.SelectForTreatment(r.Context(), entryID)
		if err != nil {
			h.writeActionError(w, requestID, err)
			return
		}
		if !ok {
			// Already taken out of the local view: a no-op, not a failure.
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"request_id": requestID,
				"started":    false,
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"request_id":   requestID,
			"started":      true,
			"consultation": consultation,
		})
	case "triage-complete":
		ok, err := h.queue.CompleteTriage(r.Context(), entryID)
		if err != nil {
			h.writeActionError(w, requestID, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"request_id": requestID,
			"completed":  ok,
		})
	default:
		writeError(w, requestID, http.StatusNotFound, "not_found", "unknown queue action")
	}
}

func (h *Handler) handleConsultationActions(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r)
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/consultations/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "finalize" {
		writeError(w, requestID, http.StatusNotFound, "not_found", "unknown consultation action")
		return
	}

	ok, err := h.queue.Finalize(r.Context(), parts[0])
	if err != nil {
		h.writeActionError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id": requestID,
		"finalized":  ok,
	})
}

func (h *Handler) writeActionError(w http.ResponseWriter, requestID string, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidStage):
		writeError(w, requestID, http.StatusConflict, "invalid_stage", err.Error())
	case errors.Is(err, upstream.ErrRejected):
		writeError(w, requestID, http.StatusBadGateway, "upstream_rejected", err.Error())
	case errors.Is(err, upstream.ErrUnavailable):
		writeError(w, requestID, http.StatusBadGateway, "upstream_unavailable", err.Error())
	default:
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error:     responseError{Code: code, Message: message},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func requestIDFrom(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-ID")); id != "" {
		return id
	}
	return uuid.NewString()
}
