package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"walletsync/internal/logger"
	"walletsync/internal/tip"
)

// TipRequest is the body of POST /api/tips. Amount is taken as typed, so
// both "10.50" and 10.5 are accepted.
type TipRequest struct {
	Recipient string          `json:"recipient"`
	Amount    json.RawMessage `json:"amount"`
}

// amountInput returns the amount as the text a user would have typed
func (t TipRequest) amountInput() string {
	var s string
	if err := json.Unmarshal(t.Amount, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(t.Amount))
}

// tipStatus maps a tip result to an HTTP status code
func tipStatus(result tip.Result) int {
	switch {
	case result.Success:
		return http.StatusOK
	case result.Ignored:
		return http.StatusConflict
	case errors.Is(result.Err, tip.ErrInvalidAmount),
		errors.Is(result.Err, tip.ErrInvalidRecipient),
		errors.Is(result.Err, tip.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(result.Err, tip.ErrRejected):
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

// CreateTip handles POST /api/tips
func (h *Handler) CreateTip(w http.ResponseWriter, r *http.Request) {
	timer := observe("POST", "/tips")
	defer timer.ObserveDuration()

	s, role, ok := session(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized: session not in context", "POST", "/tips")
		return
	}

	var req TipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Debug(s.Username, "tip_invalid_body", "error="+err.Error())
		respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", "/tips")
		return
	}

	result := h.flow(s.Username, role).Submit(r.Context(), req.Recipient, req.amountInput())
	if result.ReloadErr != nil {
		h.reportWriteFailure(result.ReloadErr)
	}

	code := tipStatus(result)
	logger.Debug(s.Username, "tip_response", fmt.Sprintf("recipient=%s status=%d", req.Recipient, code))
	respondJSON(w, code, result, "POST", "/tips")
}

// TransactionsResponse wraps the remote transaction history
type TransactionsResponse struct {
	Transactions []json.RawMessage `json:"transactions"`
}

// GetTransactions handles GET /api/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	timer := observe("GET", "/transactions")
	defer timer.ObserveDuration()

	s, _, ok := session(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized: session not in context", "GET", "/transactions")
		return
	}

	txs, err := h.client.Transactions(r.Context(), s.Username)
	if err != nil {
		logger.Debug(s.Username, "transactions_error", "error="+err.Error())
		respondError(w, http.StatusBadGateway, "Failed to load transactions", "GET", "/transactions")
		return
	}
	if txs == nil {
		txs = []json.RawMessage{}
	}

	respondJSON(w, http.StatusOK, TransactionsResponse{Transactions: txs}, "GET", "/transactions")
}

// GetConnectivity handles GET /api/connectivity
func (h *Handler) GetConnectivity(w http.ResponseWriter, r *http.Request) {
	timer := observe("GET", "/connectivity")
	defer timer.ObserveDuration()

	respondJSON(w, http.StatusOK, h.client.CheckConnectivity(r.Context()), "GET", "/connectivity")
}
