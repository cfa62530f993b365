// Package rest exposes the management surface over HTTP.
package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/orchestrator"
	"github.com/italolelis/transferd/internal/storage"
	"github.com/italolelis/transferd/internal/transfer"
)

type TransferResource struct {
	ID          int64             `json:"id"`
	URL         string            `json:"url"`
	Destination string            `json:"destination"`
	GroupID     int               `json:"group_id"`
	Priority    int               `json:"priority"`
	Status      string            `json:"status"`
	Error       string            `json:"error,omitempty"`
	Downloaded  int64             `json:"downloaded"`
	Total       int64             `json:"total"`
	Progress    int               `json:"progress"`
	NetworkType int               `json:"network_type"`
	CreatedAt   int64             `json:"created_at"`
	Retries     int               `json:"retries"`
	MaxRetries  int               `json:"max_retries"`
	Headers     map[string]string `json:"headers,omitempty"`
	Extras      map[string]string `json:"extras,omitempty"`
}

func newTransferResource(t *transfer.Transfer) TransferResource {
	res := TransferResource{
		ID:          t.ID,
		URL:         t.URL,
		Destination: t.Destination,
		GroupID:     t.GroupID,
		Priority:    int(t.Priority),
		Status:      t.Status.String(),
		Downloaded:  t.Downloaded,
		Total:       t.Total,
		Progress:    t.Progress(),
		NetworkType: int(t.NetworkType),
		CreatedAt:   t.CreatedAt,
		Retries:     t.Retries,
		MaxRetries:  t.MaxRetries,
		Headers:     t.Headers,
		Extras:      t.Extras,
	}

	if t.Error != transfer.ErrNone {
		res.Error = t.Error.String()
	}

	return res
}

type EnqueueRequest struct {
	URL         string            `json:"url"`
	Destination string            `json:"destination"`
	GroupID     int               `json:"group_id"`
	Priority    int               `json:"priority"`
	NetworkType int               `json:"network_type"`
	MaxRetries  int               `json:"max_retries"`
	Headers     map[string]string `json:"headers"`
	Extras      map[string]string `json:"extras"`
}

type SettingsResource struct {
	Concurrency int `json:"concurrency"`
	NetworkType int `json:"network_type"`
}

// TransferHandler serves the transfer management API.
type TransferHandler struct {
	username string
	password string
	orch     *orchestrator.Orchestrator
}

// NewTransferHandler creates a new transfer API handler. Auth is skipped
// when no username is configured.
func NewTransferHandler(username, password string, orch *orchestrator.Orchestrator) *TransferHandler {
	return &TransferHandler{
		username: username,
		password: password,
		orch:     orch,
	}
}

func (h *TransferHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Get("/transfers", h.handleList)
	r.Post("/transfers", h.handleEnqueue)
	r.Get("/transfers/{id}", h.handleGet)
	r.Delete("/transfers/{id}", h.handleDelete)
	r.Post("/transfers/{id}/pause", h.transition(h.orch.Pause))
	r.Post("/transfers/{id}/resume", h.transition(h.orch.Resume))
	r.Post("/transfers/{id}/cancel", h.transition(h.orch.Cancel))

	r.Delete("/groups/{id}", h.handleGroupDelete)
	r.Post("/groups/{id}/pause", h.groupTransition(h.orch.PauseGroup))
	r.Post("/groups/{id}/resume", h.groupTransition(h.orch.ResumeGroup))
	r.Post("/groups/{id}/cancel", h.groupTransition(h.orch.CancelGroup))

	r.Get("/settings", h.handleGetSettings)
	r.Put("/settings/concurrency", h.handleSetConcurrency)
	r.Put("/settings/network", h.handleSetNetwork)

	return r
}

func (h *TransferHandler) handleList(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var (
		transfers []*transfer.Transfer
		err       error
	)

	switch {
	case r.URL.Query().Has("status"):
		status, perr := transfer.ParseStatus(r.URL.Query().Get("status"))
		if perr != nil {
			http.Error(w, perr.Error(), http.StatusBadRequest)

			return
		}

		transfers, err = h.orch.GetByStatus(status)
	case r.URL.Query().Has("group"):
		group, perr := strconv.Atoi(r.URL.Query().Get("group"))
		if perr != nil {
			http.Error(w, "invalid group id", http.StatusBadRequest)

			return
		}

		transfers, err = h.orch.GetByGroup(group)
	default:
		transfers, err = h.orch.GetAll()
	}

	if err != nil {
		logger.Error("failed to list transfers", "err", err)
		http.Error(w, "failed to list transfers", http.StatusInternalServerError)

		return
	}

	resources := make([]TransferResource, len(transfers))
	for i, t := range transfers {
		resources[i] = newTransferResource(t)
	}

	respondJSON(w, http.StatusOK, resources)
}

func (h *TransferHandler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.URL == "" || req.Destination == "" {
		http.Error(w, "url and destination are required", http.StatusBadRequest)

		return
	}

	t := transfer.New(req.URL, req.Destination)
	t.GroupID = req.GroupID
	t.Priority = transfer.Priority(req.Priority)
	t.NetworkType = transfer.NetworkType(req.NetworkType)
	t.MaxRetries = req.MaxRetries
	t.Headers = req.Headers
	t.Extras = req.Extras

	enqueued, err := h.orch.Enqueue(t)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateDestination) {
			http.Error(w, "destination already in use", http.StatusConflict)

			return
		}

		logger.Error("failed to enqueue transfer", "err", err)
		http.Error(w, "failed to enqueue transfer", http.StatusInternalServerError)

		return
	}

	respondJSON(w, http.StatusCreated, newTransferResource(enqueued))
}

func (h *TransferHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := transferID(r)
	if err != nil {
		http.Error(w, "invalid transfer id", http.StatusBadRequest)

		return
	}

	t, err := h.orch.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "transfer not found", http.StatusNotFound)

			return
		}

		http.Error(w, "failed to fetch transfer", http.StatusInternalServerError)

		return
	}

	respondJSON(w, http.StatusOK, newTransferResource(t))
}

// handleDelete prunes a record. With delete_data=true the downloaded
// file goes too.
func (h *TransferHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := transferID(r)
	if err != nil {
		http.Error(w, "invalid transfer id", http.StatusBadRequest)

		return
	}

	op := h.orch.Remove
	if r.URL.Query().Get("delete_data") == "true" {
		op = h.orch.Delete
	}

	if err := op(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "transfer not found", http.StatusNotFound)

			return
		}

		http.Error(w, "failed to delete transfer", http.StatusInternalServerError)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *TransferHandler) handleGroupDelete(w http.ResponseWriter, r *http.Request) {
	group, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid group id", http.StatusBadRequest)

		return
	}

	op := h.orch.RemoveGroup
	if r.URL.Query().Get("delete_data") == "true" {
		op = h.orch.DeleteGroup
	}

	if err := op(group); err != nil {
		http.Error(w, "failed to delete group", http.StatusInternalServerError)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *TransferHandler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, SettingsResource{
		Concurrency: h.orch.ConcurrencyLimit(),
		NetworkType: int(h.orch.GlobalNetworkType()),
	})
}

func (h *TransferHandler) handleSetConcurrency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit int `json:"limit"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Limit < 0 {
		http.Error(w, "invalid limit", http.StatusBadRequest)

		return
	}

	h.orch.SetConcurrencyLimit(req.Limit)
	w.WriteHeader(http.StatusNoContent)
}

func (h *TransferHandler) handleSetNetwork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NetworkType int `json:"network_type"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	nt := transfer.NetworkType(req.NetworkType)
	if nt < transfer.NetworkGlobalOff || nt > transfer.NetworkUnmeteredOnly {
		http.Error(w, "invalid network type", http.StatusBadRequest)

		return
	}

	h.orch.SetGlobalNetworkType(nt)
	w.WriteHeader(http.StatusNoContent)
}

func (h *TransferHandler) transition(op func(id int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := transferID(r)
		if err != nil {
			http.Error(w, "invalid transfer id", http.StatusBadRequest)

			return
		}

		if err := op(id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				http.Error(w, "transfer not found", http.StatusNotFound)

				return
			}

			http.Error(w, err.Error(), http.StatusConflict)

			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *TransferHandler) groupTransition(op func(group int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		group, err := strconv.Atoi(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "invalid group id", http.StatusBadRequest)

			return
		}

		if err := op(group); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)

			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *TransferHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" {
			next.ServeHTTP(w, r)

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func transferID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
