package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"walletsync/internal/logger"
	"walletsync/internal/wallet"
)

// GetStorage handles GET /api/storage with capacity usage and balance health
func (h *Handler) GetStorage(w http.ResponseWriter, r *http.Request) {
	timer := observe("GET", "/storage")
	defer timer.ObserveDuration()

	respondJSON(w, http.StatusOK, h.ledger.Health(), "GET", "/storage")
}

// RepairStorage handles POST /api/storage/repair. Admin only.
func (h *Handler) RepairStorage(w http.ResponseWriter, r *http.Request) {
	timer := observe("POST", "/storage/repair")
	defer timer.ObserveDuration()

	s, role, ok := session(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Unauthorized: session not in context", "POST", "/storage/repair")
		return
	}
	if role != wallet.Admin {
		logger.Debug(s.Username, "repair_forbidden", "role="+string(role))
		respondError(w, http.StatusForbidden, "Admin role required", "POST", "/storage/repair")
		return
	}

	report, err := h.ledger.Repair()
	if err != nil {
		logger.Debug(s.Username, "repair_error", "error="+err.Error())
		if errors.Is(err, wallet.ErrStorageWrite) {
			h.reportWriteFailure(err)
		}
		respondError(w, http.StatusInsufficientStorage, "Repair could not write to storage", "POST", "/storage/repair")
		return
	}

	logger.Debug(s.Username, "repair_success", fmt.Sprintf("mirrors=%d entries=%d", report.Mirrors, report.Entries))
	respondJSON(w, http.StatusOK, report, "POST", "/storage/repair")
}
