package submission

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/fiscalstamp/platform/pkg/common/logger"
	"github.com/fiscalstamp/platform/pkg/common/models"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/documents", h.handleCreateDocument).Methods(http.MethodPost)
	r.HandleFunc("/documents/{id}", h.handleGetDocument).Methods(http.MethodGet)
	r.HandleFunc("/documents/{id}/attempts", h.handleListAttempts).Methods(http.MethodGet)
	r.HandleFunc("/documents/{id}/content", h.handleUpdateContent).Methods(http.MethodPut)
	r.HandleFunc("/documents/{id}/cancel", h.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/documents/{id}/submit", h.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/reaper/sweep", h.handleSweep).Methods(http.MethodPost)
}

func (h *Handler) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req models.CreateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if len(req.Content) == 0 {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}
	doc, err := h.service.CreateDocument(r.Context(), req)
	if err != nil {
		logger.Log.WithError(err).Error("failed to create document")
		http.Error(w, "failed to create document", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"document": doc})
}

func (h *Handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	view, err := h.service.GetView(r.Context(), id)
	if err != nil {
		writeError(w, err, "failed to get document")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	attempts, err := h.service.ListAttempts(r.Context(), id, parseLimit(r, 50))
	if err != nil {
		writeError(w, err, "failed to list attempts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": attempts})
}

func (h *Handler) handleUpdateContent(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	var req models.UpdateContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if len(req.Content) == 0 || req.ContentVersion <= 0 {
		http.Error(w, "content and content_version are required", http.StatusBadRequest)
		return
	}
	doc, err := h.service.UpdateContent(r.Context(), id, req)
	if err != nil {
		writeError(w, err, "failed to update content")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"document": doc})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	doc, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err, "failed to cancel document")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"document": doc})
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}
	var req models.EnqueueSubmissionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}
	job, err := h.service.Enqueue(r.Context(), id, req)
	if err != nil {
		writeError(w, err, "failed to enqueue submission")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"job": job})
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Sweep(r.Context())
	if err != nil {
		logger.Log.WithError(err).Error("reaper sweep failed")
		http.Error(w, "reaper sweep failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func documentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid document id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps store sentinels to status codes.
func writeError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, ErrDocumentNotFound), errors.Is(err, ErrAttemptNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrDocumentSubmitted), errors.Is(err, ErrDocumentLocked), errors.Is(err, ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		logger.Log.WithError(err).Error(msg)
		http.Error(w, msg, http.StatusInternalServerError)
	}
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
