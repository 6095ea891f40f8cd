package wallet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"walletsync/internal/events"
	"walletsync/internal/logger"
	"walletsync/internal/metrics"
)

// DefaultPollInterval is the default time between reconciliation passes
const DefaultPollInterval = 2 * time.Second

// Poller catches collective-map writes that did not go through
// Ledger.Publish and republishes them as walletBalanceUpdated events
type Poller struct {
	ledger   *Ledger
	channel  events.Channel
	interval time.Duration

	mu       sync.Mutex
	snapshot map[string]float64

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	ticker  *time.Ticker
	detach  []func()
}

// NewPoller creates a poller. interval <= 0 selects DefaultPollInterval.
func NewPoller(ledger *Ledger, channel events.Channel, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		ledger:   ledger,
		channel:  channel,
		interval: interval,
		snapshot: make(map[string]float64),
	}
}

// Start seeds the snapshot without notifying, then reconciles on every
// tick and on every storage change to a collective key. Calling Start on a
// running poller has no effect.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.ticker = time.NewTicker(p.interval)
	ctx, ticker := p.ctx, p.ticker
	p.mu.Unlock()

	for _, role := range CollectiveRoles {
		p.seed(role)
	}

	detachStorage := p.channel.OnStorage(p.onStorage)
	detachPublish := p.channel.On(events.BalanceUpdated, p.onBalanceUpdated)

	p.mu.Lock()
	p.detach = []func(){detachStorage, detachPublish}
	p.mu.Unlock()

	logger.Debug("wallet", "poller_started", fmt.Sprintf("context=%s interval=%v", p.channel.ID(), p.interval))

	go func() {
		for {
			select {
			case <-ticker.C:
				p.Reconcile()
			case <-ctx.Done():
				logger.Debug("wallet", "poller_stopped", "context="+p.channel.ID())
				return
			}
		}
	}()
}

// Stop releases the ticker and the event listeners
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.ticker.Stop()
	p.cancel()
	for _, fn := range p.detach {
		fn()
	}
	p.detach = nil
	p.running = false
}

func (p *Poller) seed(role Role) {
	entries := p.ledger.ReadCollective(role)

	p.mu.Lock()
	defer p.mu.Unlock()
	for username, amount := range entries {
		p.snapshot[subscriptionKey(role, username)] = amount
	}
}

// Reconcile runs one pass over both collective maps and returns the number
// of notifications sent
func (p *Poller) Reconcile() int {
	sent := 0
	for _, role := range CollectiveRoles {
		sent += p.reconcileRole(role)
	}
	return sent
}

func (p *Poller) reconcileRole(role Role) int {
	entries := p.ledger.ReadCollective(role)

	usernames := make([]string, 0, len(entries))
	for u := range entries {
		usernames = append(usernames, u)
	}
	sort.Strings(usernames)

	var changes []BalanceChange
	p.mu.Lock()
	for _, u := range usernames {
		key := subscriptionKey(role, u)
		amount := entries[u]
		if old, seen := p.snapshot[key]; seen && old == amount {
			continue
		}
		p.snapshot[key] = amount
		changes = append(changes, BalanceChange{Username: u, Role: role, Amount: amount})
	}
	p.mu.Unlock()

	for _, c := range changes {
		metrics.BalanceNotifications.WithLabelValues("poller").Inc()
		logger.Debug(c.Username, "poller_detected_change", fmt.Sprintf("role=%s amount=%.2f", c.Role, c.Amount))
		p.channel.Dispatch(events.BalanceUpdated, c)
	}
	return len(changes)
}

func (p *Poller) onStorage(ev events.StorageEvent) {
	key, ok := p.ledger.store.Logical(ev.Key)
	if !ok {
		return
	}
	for _, role := range CollectiveRoles {
		if key == CollectiveKey(role) {
			p.reconcileRole(role)
			return
		}
	}
}

// onBalanceUpdated records published values so the next pass does not
// announce them again
func (p *Poller) onBalanceUpdated(ev events.CustomEvent) {
	change, ok := ev.Detail.(BalanceChange)
	if !ok || change.Role == Admin {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot[subscriptionKey(change.Role, change.Username)] = change.Amount
}
