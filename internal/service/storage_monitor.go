package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"walletsync/internal/logger"
	"walletsync/internal/safestore"
	"walletsync/internal/wallet"
)

// DefaultMonitorInterval is the default time between storage checks
const DefaultMonitorInterval = 1 * time.Minute

// StorageWarner receives storage capacity warnings
type StorageWarner interface {
	StorageWarning(usage safestore.Usage, failedKey string)
}

// StorageMonitor watches the wallet store's footprint and balance health
type StorageMonitor struct {
	ctx        context.Context
	cancel     context.CancelFunc
	ticker     *time.Ticker
	interval   time.Duration
	store      *safestore.Store
	ledger     *wallet.Ledger
	warner     StorageWarner
	autoRepair bool

	mu     sync.Mutex
	warned bool
}

// NewStorageMonitor creates a new storage monitor
func NewStorageMonitor(store *safestore.Store, ledger *wallet.Ledger, interval time.Duration) *StorageMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}

	return &StorageMonitor{
		ctx:      ctx,
		cancel:   cancel,
		ticker:   time.NewTicker(interval),
		interval: interval,
		store:    store,
		ledger:   ledger,
	}
}

// SetNotificationService sets where capacity warnings are sent
func (m *StorageMonitor) SetNotificationService(w StorageWarner) {
	m.warner = w
}

// SetAutoRepair makes every check repair corrupt or divergent balances
func (m *StorageMonitor) SetAutoRepair(enabled bool) {
	m.autoRepair = enabled
}

// Start begins the background monitor
func (m *StorageMonitor) Start() {
	logger.Debug("storage", "storage_monitor_started", fmt.Sprintf("interval=%v auto_repair=%v", m.interval, m.autoRepair))

	// Run immediately on start
	m.Check()

	// Then run on ticker
	go func() {
		for {
			select {
			case <-m.ticker.C:
				m.Check()
			case <-m.ctx.Done():
				logger.Debug("storage", "storage_monitor_stopped", "")
				return
			}
		}
	}()
}

// Stop stops the background monitor
func (m *StorageMonitor) Stop() {
	m.ticker.Stop()
	m.cancel()
}

// Check runs one capacity and health pass. A warning is sent once each
// time usage crosses the threshold.
func (m *StorageMonitor) Check() {
	health := m.ledger.Health()

	m.mu.Lock()
	crossed := health.NearCapacity && !m.warned
	m.warned = health.NearCapacity
	m.mu.Unlock()

	if crossed {
		logger.Debug("storage", "storage_near_capacity", fmt.Sprintf("bytes=%d ceiling=%d", health.Usage.Bytes, health.Usage.Ceiling))
		m.warn(health.Usage, "")
	}

	if health.Healthy() {
		return
	}
	logger.Debug("storage", "balance_health_degraded", fmt.Sprintf("corrupt=%d divergent=%d", len(health.Corrupt), len(health.Divergent)))

	if !m.autoRepair {
		return
	}
	report, err := m.ledger.Repair()
	if err != nil {
		logger.Debug("storage", "auto_repair_failed", fmt.Sprintf("error=%s", err.Error()))
		return
	}
	logger.Debug("storage", "auto_repair_completed", fmt.Sprintf("mirrors=%d entries=%d", report.Mirrors, report.Entries))
}

// ReportWriteFailure warns immediately about a write that failed after eviction
func (m *StorageMonitor) ReportWriteFailure(key string) {
	logger.Debug("storage", "storage_write_failed", "key="+key)
	m.warn(m.store.Usage(), key)
}

func (m *StorageMonitor) warn(usage safestore.Usage, key string) {
	if m.warner == nil {
		return
	}
	m.warner.StorageWarning(usage, key)
}
