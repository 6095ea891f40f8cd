package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"walletsync/internal/logger"
	"walletsync/internal/metrics"
	"walletsync/internal/money"
	"walletsync/internal/wallet"
)

// BalanceResponse is the response for the wallet balance endpoints
type BalanceResponse struct {
	Username       string      `json:"username"`
	Role           wallet.Role `json:"role"`
	Balance        float64     `json:"balance"`
	BalanceDisplay string      `json:"balance_display"`
}

func balanceResponse(username string, role wallet.Role, amount float64) BalanceResponse {
	return BalanceResponse{
		Username:       username,
		Role:           role,
		Balance:        amount,
		BalanceDisplay: money.Format(amount),
	}
}

// GetBalance handles GET /api/wallet/balance with the locally cached balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	timer := observe("GET", "/wallet/balance")
	defer timer.ObserveDuration()

	s, role, ok := session(r)
	if !ok {
		logger.Debug("", "balance_unauthorized", "path="+r.URL.Path)
		respondError(w, http.StatusUnauthorized, "Unauthorized: session not in context", "GET", "/wallet/balance")
		return
	}

	amount := h.ledger.Balance(s.Username, role)
	respondJSON(w, http.StatusOK, balanceResponse(s.Username, role, amount), "GET", "/wallet/balance")
}

// ReloadBalance handles POST /api/wallet/reload by fetching the canonical
// balance and mirroring it
func (h *Handler) ReloadBalance(w http.ResponseWriter, r *http.Request) {
	timer := observe("POST", "/wallet/reload")
	defer timer.ObserveDuration()

	s, role, ok := session(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized: session not in context", "POST", "/wallet/reload")
		return
	}

	amount, err := h.ledger.Reload(r.Context(), h.client, s.Username, role)
	if err != nil {
		logger.Debug(s.Username, "reload_error", fmt.Sprintf("role=%s error=%s", role, err.Error()))
		if errors.Is(err, wallet.ErrStorageWrite) {
			h.reportWriteFailure(err)
			respondError(w, http.StatusInsufficientStorage, "Local storage is full", "POST", "/wallet/reload")
			return
		}
		respondError(w, http.StatusBadGateway, "Failed to reload balance", "POST", "/wallet/reload")
		return
	}

	respondJSON(w, http.StatusOK, balanceResponse(s.Username, role, amount), "POST", "/wallet/reload")
}

// streamBuffer is how many undelivered updates a slow stream client may lag
const streamBuffer = 16

// StreamBalance handles GET /api/wallet/stream. It sends the current balance
// and then every change as server-sent events until the client disconnects.
func (h *Handler) StreamBalance(w http.ResponseWriter, r *http.Request) {
	s, role, ok := session(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized: session not in context", "GET", "/wallet/stream")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok || h.bus == nil {
		respondError(w, http.StatusServiceUnavailable, "Balance streaming unavailable", "GET", "/wallet/stream")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	metrics.HTTPRequests.WithLabelValues("GET", "/wallet/stream", "200").Inc()

	updates := make(chan float64, streamBuffer)
	unsubscribe := h.bus.Subscribe(s.Username, role, func(amount float64) {
		select {
		case updates <- amount:
		default:
			logger.Debug(s.Username, "balance_stream_dropped", fmt.Sprintf("role=%s amount=%.2f", role, amount))
		}
	})
	defer unsubscribe()

	logger.Debug(s.Username, "balance_stream_opened", "role="+string(role))
	for {
		select {
		case <-r.Context().Done():
			logger.Debug(s.Username, "balance_stream_closed", "role="+string(role))
			return
		case amount := <-updates:
			data, _ := json.Marshal(balanceResponse(s.Username, role, amount))
			fmt.Fprintf(w, "event: balance\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
