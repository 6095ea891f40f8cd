package wallet

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/tidwall/gjson"

	"walletsync/internal/events"
	"walletsync/internal/logger"
	"walletsync/internal/metrics"
	"walletsync/internal/money"
	"walletsync/internal/safestore"
)

// BalanceSource returns the canonical balance held by the server
type BalanceSource interface {
	GetBalance(ctx context.Context, username, role string) (float64, error)
}

// Ledger mirrors balances into the individual and collective encodings
type Ledger struct {
	store   *safestore.Store
	channel events.Channel

	mu        sync.Mutex
	roleLocks map[Role]*sync.Mutex
}

// NewLedger creates a Ledger writing through store and announcing changes on channel
func NewLedger(store *safestore.Store, channel events.Channel) *Ledger {
	return &Ledger{
		store:     store,
		channel:   channel,
		roleLocks: make(map[Role]*sync.Mutex),
	}
}

// roleLock serialises writes to one role's individual mirrors and collective entry
func (l *Ledger) roleLock(role Role) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.roleLocks[role]
	if !ok {
		m = &sync.Mutex{}
		l.roleLocks[role] = m
	}
	return m
}

func validate(username string, role Role) error {
	if username == "" {
		return ErrInvalidUsername
	}
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	return nil
}

// SyncBalance stores amount in both encodings for (username, role) and
// publishes the change. Negative and non-finite amounts are stored as 0;
// amounts above money.MaxAmount are rejected.
func (l *Ledger) SyncBalance(username string, role Role, amount float64) error {
	if err := validateAmount(username, role, amount); err != nil {
		return err
	}
	amount = money.ClampNonNegative(amount)
	cents := money.ToCents(amount)

	// Both encodings change under the role lock so a concurrent FullResync
	// cannot rewrite the mirror between the two writes
	lock := l.roleLock(role)
	lock.Lock()
	key := IndividualKey(role, username)
	if !l.store.Set(key, cents) {
		lock.Unlock()
		return &WriteError{Key: key}
	}
	err := l.writeCollectiveLocked(username, role, amount)
	lock.Unlock()
	if err != nil {
		return err
	}

	logger.Debug(username, "balance_synced", fmt.Sprintf("role=%s cents=%d", role, cents))
	l.dispatch(username, role, amount)
	return nil
}

// Publish writes amount into the collective encoding, which other contexts
// observe as a storage change, then dispatches walletBalanceUpdated to this
// context's listeners
func (l *Ledger) Publish(username string, role Role, amount float64) error {
	if err := validateAmount(username, role, amount); err != nil {
		return err
	}
	amount = money.ClampNonNegative(amount)

	lock := l.roleLock(role)
	lock.Lock()
	err := l.writeCollectiveLocked(username, role, amount)
	lock.Unlock()
	if err != nil {
		return err
	}

	l.dispatch(username, role, amount)
	return nil
}

func validateAmount(username string, role Role, amount float64) error {
	if err := validate(username, role); err != nil {
		return err
	}
	if money.IsFinite(amount) && amount > money.MaxAmount {
		return fmt.Errorf("%w: %v", ErrAmountOutOfRange, amount)
	}
	return nil
}

func (l *Ledger) dispatch(username string, role Role, amount float64) {
	metrics.BalanceNotifications.WithLabelValues("publish").Inc()
	l.channel.Dispatch(events.BalanceUpdated, BalanceChange{Username: username, Role: role, Amount: amount})
}

// writeCollectiveLocked updates the role's collective entry. The caller
// holds roleLock(role).
func (l *Ledger) writeCollectiveLocked(username string, role Role, amount float64) error {
	key := CollectiveKey(role)
	if role == Admin {
		if !l.store.Set(key, amount) {
			return &WriteError{Key: key}
		}
		return nil
	}

	entries := l.ReadCollective(role)
	entries[username] = amount
	if !l.store.Set(key, entries) {
		return &WriteError{Key: key}
	}
	return nil
}

// ReadCollective returns the role's collective map with every entry
// normalised. The admin role has no map and always reads empty.
func (l *Ledger) ReadCollective(role Role) map[string]float64 {
	entries := make(map[string]float64)
	for username, e := range l.collectiveEntries(role) {
		entries[username] = e.Amount
	}
	return entries
}

func (l *Ledger) collectiveEntries(role Role) map[string]Entry {
	entries := make(map[string]Entry)
	if role != Buyer && role != Seller {
		return entries
	}

	key := CollectiveKey(role)
	raw, ok := l.store.Raw(key)
	if !ok {
		return entries
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		metrics.StorageCorruptReads.Inc()
		logger.Debug("wallet", "collective_not_object", "key="+key)
		return entries
	}

	parsed.ForEach(func(k, v gjson.Result) bool {
		e := ParseEntry(v)
		if e.Form != FormScalar {
			logger.Debug("wallet", "collective_entry_normalised", fmt.Sprintf("key=%s username=%s form=%s", key, k.String(), e.Form))
		}
		entries[k.String()] = e
		return true
	})
	return entries
}

// FullResync rewrites the role's collective map in normalised form and
// recomputes every individual mirror from it. It returns the number of
// mirrors written.
func (l *Ledger) FullResync(role Role) (int, error) {
	if role != Buyer && role != Seller {
		return 0, fmt.Errorf("%w: %s", ErrNotCollective, role)
	}

	lock := l.roleLock(role)
	lock.Lock()
	defer lock.Unlock()

	entries := l.ReadCollective(role)
	key := CollectiveKey(role)
	if len(entries) > 0 && !l.store.Set(key, entries) {
		return 0, &WriteError{Key: key}
	}

	usernames := make([]string, 0, len(entries))
	for u := range entries {
		usernames = append(usernames, u)
	}
	sort.Strings(usernames)

	written := 0
	for _, u := range usernames {
		mirror := IndividualKey(role, u)
		if !l.store.Set(mirror, money.ToCents(entries[u])) {
			return written, &WriteError{Key: mirror}
		}
		written++
	}

	logger.Debug("wallet", "full_resync", fmt.Sprintf("role=%s mirrors=%d", role, written))
	return written, nil
}

// Individual returns the cents mirror for (username, role)
func (l *Ledger) Individual(username string, role Role) (int64, bool) {
	raw, ok := l.store.Raw(IndividualKey(role, username))
	if !ok {
		return 0, false
	}
	v := gjson.ParseBytes(raw)
	if v.Type != gjson.Number {
		return 0, false
	}
	cents := v.Float()
	switch {
	case !money.IsFinite(cents) || cents < 0:
		return 0, true
	case cents > float64(money.MaxCents):
		return money.MaxCents, true
	}
	return int64(math.Round(cents)), true
}

// Admin returns the scalar admin balance
func (l *Ledger) Admin() float64 {
	raw, ok := l.store.Raw(CollectiveKey(Admin))
	if !ok {
		return 0
	}
	return ParseEntry(gjson.ParseBytes(raw)).Amount
}

// Balance returns the cached balance for (username, role): the collective
// entry when present, else the individual mirror, else 0
func (l *Ledger) Balance(username string, role Role) float64 {
	if role == Admin {
		return l.Admin()
	}
	if amount, ok := l.ReadCollective(role)[username]; ok {
		return amount
	}
	if cents, ok := l.Individual(username, role); ok {
		return money.FromCents(cents)
	}
	return 0
}

// Reload fetches the canonical balance from source and mirrors it
func (l *Ledger) Reload(ctx context.Context, source BalanceSource, username string, role Role) (float64, error) {
	amount, err := source.GetBalance(ctx, username, string(role))
	if err != nil {
		metrics.BalanceReloads.WithLabelValues("failed").Inc()
		logger.Debug(username, "balance_reload_failed", fmt.Sprintf("role=%s error=%s", role, err.Error()))
		return 0, fmt.Errorf("failed to reload balance: %w", err)
	}

	if err := l.SyncBalance(username, role, amount); err != nil {
		metrics.BalanceReloads.WithLabelValues("failed").Inc()
		return 0, err
	}

	metrics.BalanceReloads.WithLabelValues("succeeded").Inc()
	return money.ClampNonNegative(amount), nil
}
