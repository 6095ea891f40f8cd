package wallet

import (
	"fmt"
	"sync"

	"walletsync/internal/events"
	"walletsync/internal/logger"
)

// Bus delivers walletBalanceUpdated events to per-balance subscribers.
// Delivery is at least once; each subscription drops a value identical to
// the one it last delivered.
type Bus struct {
	channel events.Channel
	ledger  *Ledger

	mu     sync.Mutex
	cache  map[string]float64
	subs   map[string]map[int]*subscription
	nextID int
	detach func()
}

type subscription struct {
	mu        sync.Mutex
	fn        func(amount float64)
	last      float64
	delivered bool
}

func (s *subscription) deliver(amount float64) {
	s.mu.Lock()
	if s.delivered && s.last == amount {
		s.mu.Unlock()
		return
	}
	s.last = amount
	s.delivered = true
	s.mu.Unlock()

	s.fn(amount)
}

// NewBus creates a Bus listening on channel. ledger supplies the initial
// value for balances the bus has not seen yet.
func NewBus(channel events.Channel, ledger *Ledger) *Bus {
	return &Bus{
		channel: channel,
		ledger:  ledger,
		cache:   make(map[string]float64),
		subs:    make(map[string]map[int]*subscription),
	}
}

// Start attaches the bus to the channel. Calling it twice has no effect.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.detach != nil {
		return
	}
	b.detach = b.channel.On(events.BalanceUpdated, b.onBalanceUpdated)
	logger.Debug("wallet", "bus_started", "context="+b.channel.ID())
}

// Stop detaches the bus from the channel
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.detach == nil {
		return
	}
	b.detach()
	b.detach = nil
	logger.Debug("wallet", "bus_stopped", "context="+b.channel.ID())
}

func (b *Bus) onBalanceUpdated(ev events.CustomEvent) {
	change, ok := ev.Detail.(BalanceChange)
	if !ok {
		logger.Debug("wallet", "bus_unexpected_detail", fmt.Sprintf("type=%T", ev.Detail))
		return
	}
	b.deliver(change)
}

func (b *Bus) deliver(change BalanceChange) {
	key := subscriptionKey(change.Role, change.Username)

	b.mu.Lock()
	b.cache[key] = change.Amount
	targets := make([]*subscription, 0, len(b.subs[key]))
	for _, s := range b.subs[key] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.deliver(change.Amount)
	}
}

// Subscribe registers fn for (username, role) and calls it immediately with
// the last known balance: the bus cache, else the stored balance, else 0
func (b *Bus) Subscribe(username string, role Role, fn func(amount float64)) (unsubscribe func()) {
	key := subscriptionKey(role, username)
	s := &subscription{fn: fn}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[key] == nil {
		b.subs[key] = make(map[int]*subscription)
	}
	b.subs[key][id] = s
	initial, cached := b.cache[key]
	b.mu.Unlock()

	if !cached {
		initial = b.ledger.Balance(username, role)
	}
	s.deliver(initial)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[key], id)
		if len(b.subs[key]) == 0 {
			delete(b.subs, key)
		}
	}
}

// Last returns the most recent amount the bus saw for (username, role)
func (b *Bus) Last(username string, role Role) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.cache[subscriptionKey(role, username)]
	return v, ok
}
