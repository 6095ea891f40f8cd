package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"walletsync/internal/api"
	"walletsync/internal/auth"
	"walletsync/internal/metrics"
	"walletsync/internal/readstate"
	"walletsync/internal/safestore"
	"walletsync/internal/tip"
	"walletsync/internal/wallet"
)

// RemoteClient is the part of the REST backend the handlers proxy to
type RemoteClient interface {
	tip.Client
	Transactions(ctx context.Context, username string) ([]json.RawMessage, error)
	CheckConnectivity(ctx context.Context) api.Connectivity
}

// WriteFailureReporter is told about wallet writes that failed after eviction
type WriteFailureReporter interface {
	ReportWriteFailure(key string)
}

// Handler serves the local wallet API
type Handler struct {
	ledger  *wallet.Ledger
	store   *safestore.Store
	tracker *readstate.Tracker
	client  RemoteClient
	bus     *wallet.Bus

	notifier tip.Notifier
	monitor  WriteFailureReporter

	mu    sync.Mutex
	flows map[string]*tip.Submission
}

// NewHandler creates a Handler
func NewHandler(ledger *wallet.Ledger, store *safestore.Store, tracker *readstate.Tracker, client RemoteClient) *Handler {
	return &Handler{
		ledger:  ledger,
		store:   store,
		tracker: tracker,
		client:  client,
		flows:   make(map[string]*tip.Submission),
	}
}

// SetNotifier sets the notifier passed to every tip flow
func (h *Handler) SetNotifier(n tip.Notifier) {
	h.notifier = n
}

// SetBus enables the balance stream endpoint
func (h *Handler) SetBus(b *wallet.Bus) {
	h.bus = b
}

// SetMonitor sets where storage write failures are reported
func (h *Handler) SetMonitor(m WriteFailureReporter) {
	h.monitor = m
}

// Router registers every endpoint on a new router
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()

	apiV1 := r.PathPrefix("/api").Subrouter()
	apiV1.HandleFunc("/ping", PingHandler).Methods("GET")
	apiV1.HandleFunc("/wallet/balance", h.GetBalance).Methods("GET")
	apiV1.HandleFunc("/wallet/reload", h.ReloadBalance).Methods("POST")
	apiV1.HandleFunc("/wallet/stream", h.StreamBalance).Methods("GET")
	apiV1.HandleFunc("/tips", h.CreateTip).Methods("POST")
	apiV1.HandleFunc("/transactions", h.GetTransactions).Methods("GET")
	apiV1.HandleFunc("/connectivity", h.GetConnectivity).Methods("GET")
	apiV1.HandleFunc("/storage", h.GetStorage).Methods("GET")
	apiV1.HandleFunc("/storage/repair", h.RepairStorage).Methods("POST")
	apiV1.HandleFunc("/read-threads", h.GetReadThreads).Methods("GET")
	apiV1.HandleFunc("/read-threads", h.MarkThreadRead).Methods("POST")
	apiV1.HandleFunc("/read-threads/incoming", h.RecordIncoming).Methods("POST")
	apiV1.HandleFunc("/read-threads/{counterpart}/unread", h.GetUnreadCount).Methods("GET")

	return r
}

// flow returns the tip flow of the session's wallet, creating it on first use
func (h *Handler) flow(username string, role wallet.Role) *tip.Submission {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := string(role) + "_" + username
	if s, ok := h.flows[key]; ok {
		return s
	}
	s := tip.NewSubmission(username, role, h.client, h.ledger)
	if h.notifier != nil {
		s.SetNotifier(h.notifier)
	}
	h.flows[key] = s
	return s
}

// reportWriteFailure forwards rejected wallet writes to the monitor
func (h *Handler) reportWriteFailure(err error) {
	var werr *wallet.WriteError
	if h.monitor == nil || !errors.As(err, &werr) {
		return
	}
	h.monitor.ReportWriteFailure(werr.Key)
}

// session returns the caller's session and parsed role
func session(r *http.Request) (auth.Session, wallet.Role, bool) {
	s, ok := auth.GetSessionFromContext(r.Context())
	if !ok {
		return auth.Session{}, "", false
	}
	role, err := wallet.ParseRole(s.Role)
	if err != nil {
		return auth.Session{}, "", false
	}
	return s, role, true
}

// observe starts the latency timer for an endpoint
func observe(method, endpoint string) *prometheus.Timer {
	return prometheus.NewTimer(metrics.HTTPLatency.WithLabelValues(method, endpoint))
}

func respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	metrics.HTTPRequests.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, code int, message, method, endpoint string) {
	respondJSON(w, code, map[string]string{"error": message}, method, endpoint)
}
