package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"walletsync/internal/logger"
)

// ReadThreadsResponse lists the viewer's fully read threads
type ReadThreadsResponse struct {
	Viewer  string   `json:"viewer"`
	Threads []string `json:"threads"`
}

// MarkReadRequest is the body of POST /api/read-threads
type MarkReadRequest struct {
	Counterpart string `json:"counterpart"`
	Unread      int    `json:"unread"`
}

// IncomingRequest is the body of POST /api/read-threads/incoming
type IncomingRequest struct {
	Counterpart string `json:"counterpart"`
}

// GetReadThreads handles GET /api/read-threads
func (h *Handler) GetReadThreads(w http.ResponseWriter, r *http.Request) {
	timer := observe("GET", "/read-threads")
	defer timer.ObserveDuration()

	s, _, ok := session(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized: session not in context", "GET", "/read-threads")
		return
	}

	threads := h.tracker.Threads(s.Username)
	if threads == nil {
		threads = []string{}
	}
	respondJSON(w, http.StatusOK, ReadThreadsResponse{Viewer: s.Username, Threads: threads}, "GET", "/read-threads")
}

// MarkThreadRead handles POST /api/read-threads. The thread is only marked
// when the client reports no unread messages left.
func (h *Handler) MarkThreadRead(w http.ResponseWriter, r *http.Request) {
	timer := observe("POST", "/read-threads")
	defer timer.ObserveDuration()

	s, _, ok := session(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized: session not in context", "POST", "/read-threads")
		return
	}

	var req MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Counterpart == "" {
		respondError(w, http.StatusBadRequest, "counterpart is required", "POST", "/read-threads")
		return
	}

	marked := h.tracker.MarkRead(s.Username, req.Counterpart, req.Unread)
	logger.Debug(s.Username, "thread_mark_read", "counterpart="+req.Counterpart+" marked="+strconv.FormatBool(marked))
	respondJSON(w, http.StatusOK, map[string]bool{"read": marked}, "POST", "/read-threads")
}

// RecordIncoming handles POST /api/read-threads/incoming, clearing the
// thread's read mark after a new message arrives
func (h *Handler) RecordIncoming(w http.ResponseWriter, r *http.Request) {
	timer := observe("POST", "/read-threads/incoming")
	defer timer.ObserveDuration()

	s, _, ok := session(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized: session not in context", "POST", "/read-threads/incoming")
		return
	}

	var req IncomingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Counterpart == "" {
		respondError(w, http.StatusBadRequest, "counterpart is required", "POST", "/read-threads/incoming")
		return
	}

	h.tracker.RecordIncoming(s.Username, req.Counterpart)
	respondJSON(w, http.StatusOK, map[string]bool{"read": false}, "POST", "/read-threads/incoming")
}

// GetUnreadCount handles GET /api/read-threads/{counterpart}/unread?raw=N
// and returns the badge count to display
func (h *Handler) GetUnreadCount(w http.ResponseWriter, r *http.Request) {
	timer := observe("GET", "/read-threads/unread")
	defer timer.ObserveDuration()

	s, _, ok := session(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized: session not in context", "GET", "/read-threads/unread")
		return
	}

	counterpart := mux.Vars(r)["counterpart"]
	raw, err := strconv.Atoi(r.URL.Query().Get("raw"))
	if err != nil || raw < 0 {
		respondError(w, http.StatusBadRequest, "raw must be a non-negative integer", "GET", "/read-threads/unread")
		return
	}

	respondJSON(w, http.StatusOK, map[string]int{"unread": h.tracker.UnreadCount(s.Username, counterpart, raw)}, "GET", "/read-threads/unread")
}
