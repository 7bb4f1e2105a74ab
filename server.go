package chatsync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
)

// APIHandler serves the REST endpoints Client talks to on top of any Store.
type APIHandler struct {
	store  Store
	logger *slog.Logger
	router *mux.Router
}

// NewAPIHandler creates a handler over store. Status updates are answered
// with 501 unless store also implements StatusStore.
func NewAPIHandler(store Store, logger *slog.Logger) *APIHandler {
	if logger == nil {
		logger = discardLogger()
	}
	h := &APIHandler{store: store, logger: logger, router: mux.NewRouter()}
	h.Register(h.router.PathPrefix("/api").Subrouter())
	return h
}

// Register mounts the routes on r.
func (h *APIHandler) Register(r *mux.Router) {
	r.HandleFunc("/channels/{id}/messages", h.listMessages).Methods(http.MethodGet)
	r.HandleFunc("/messages", h.createMessage).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}", h.updateMessage).Methods(http.MethodPatch)
	r.HandleFunc("/messages/{id}", h.deleteMessage).Methods(http.MethodDelete)
	r.HandleFunc("/profiles", h.listProfiles).Methods(http.MethodGet)
	r.HandleFunc("/profiles/{id}", h.updateProfile).Methods(http.MethodPatch)
}

func (h *APIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *APIHandler) listMessages(w http.ResponseWriter, r *http.Request) {
	channelID := mux.Vars(r)["id"]
	limit := DefaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, &APIError{Code: "invalid_limit", Message: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	rows, err := h.store.FetchRecent(r.Context(), channelID, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if rows == nil {
		rows = []Message{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *APIHandler) createMessage(w http.ResponseWriter, r *http.Request) {
	var m Message
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, &APIError{Code: "invalid_json", Message: err.Error()})
		return
	}
	if m.ChannelID == "" {
		writeError(w, http.StatusBadRequest, &APIError{Code: "invalid_message", Message: "channel_id is required"})
		return
	}
	row, err := h.store.Insert(r.Context(), &m)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.logger.Debug("message created", "channel_id", row.ChannelID, "message_id", row.ID)
	writeJSON(w, http.StatusCreated, row)
}

func (h *APIHandler) updateMessage(w http.ResponseWriter, r *http.Request) {
	var patch MessagePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, &APIError{Code: "invalid_json", Message: err.Error()})
		return
	}
	row, err := h.store.Update(r.Context(), mux.Vars(r)["id"], patch)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (h *APIHandler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.store.SoftDelete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) listProfiles(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	profiles, err := h.store.FetchProfiles(r.Context(), ids)
	if err != nil {
		h.fail(w, err)
		return
	}
	if profiles == nil {
		profiles = []Profile{}
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (h *APIHandler) updateProfile(w http.ResponseWriter, r *http.Request) {
	ss, ok := h.store.(StatusStore)
	if !ok {
		writeError(w, http.StatusNotImplemented, &APIError{Code: "not_implemented", Message: "store does not persist status"})
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, &APIError{Code: "invalid_json", Message: err.Error()})
		return
	}
	if err := ss.SetStatus(r.Context(), mux.Vars(r)["id"], NormalizeStatus(body.Status)); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) fail(w http.ResponseWriter, err error) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		h.logger.Warn("store request failed", "error", err)
		writeError(w, http.StatusInternalServerError, &APIError{Code: "internal", Message: err.Error()})
		return
	}
	status := http.StatusInternalServerError
	switch apiErr.Code {
	case "not_found":
		status = http.StatusNotFound
	case "conflict":
		status = http.StatusConflict
	}
	writeError(w, status, apiErr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, apiErr *APIError) {
	writeJSON(w, status, apiErr)
}
