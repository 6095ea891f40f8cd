package wallet

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"walletsync/internal/logger"
	"walletsync/internal/money"
	"walletsync/internal/safestore"
)

// HealthReport describes the wallet keys that do not hold their normal form
type HealthReport struct {
	// Corrupt lists entries that are wrapped, invalid, negative or not rounded,
	// as "<key>" or "<key>.<username>"
	Corrupt []string `json:"corrupt"`
	// Divergent lists individual mirrors that disagree with the collective map
	Divergent    []string        `json:"divergent"`
	Usage        safestore.Usage `json:"usage"`
	NearCapacity bool            `json:"near_capacity"`
}

// Healthy reports whether no repair is needed
func (h HealthReport) Healthy() bool {
	return len(h.Corrupt) == 0 && len(h.Divergent) == 0
}

// RepairReport counts what Repair rewrote
type RepairReport struct {
	Mirrors int `json:"mirrors"`
	Entries int `json:"entries"`
}

// Health inspects the stored balances without modifying them
func (l *Ledger) Health() HealthReport {
	report := HealthReport{
		Corrupt:   []string{},
		Divergent: []string{},
		Usage:     l.store.Usage(),
	}
	report.NearCapacity = report.Usage.Ratio > safestore.CapacityThreshold

	for _, role := range CollectiveRoles {
		key := CollectiveKey(role)
		if raw, ok := l.store.Raw(key); ok && !gjson.ParseBytes(raw).IsObject() {
			report.Corrupt = append(report.Corrupt, key)
			continue
		}
		for username, e := range l.collectiveEntries(role) {
			if !e.Clean() {
				report.Corrupt = append(report.Corrupt, key+"."+username)
			}
			cents, ok := l.Individual(username, role)
			if !ok || cents != money.ToCents(e.Amount) {
				report.Divergent = append(report.Divergent, IndividualKey(role, username))
			}
		}
	}

	if raw, ok := l.store.Raw(CollectiveKey(Admin)); ok && !ParseEntry(gjson.ParseBytes(raw)).Clean() {
		report.Corrupt = append(report.Corrupt, CollectiveKey(Admin))
	}

	for _, key := range l.individualKeys() {
		if raw, ok := l.store.Raw(key); ok && !cleanCents(gjson.ParseBytes(raw)) {
			report.Corrupt = append(report.Corrupt, key)
		}
	}

	sort.Strings(report.Corrupt)
	sort.Strings(report.Divergent)
	return report
}

// Repair normalises every collective map, the admin scalar and every
// individual mirror, then rebuilds the mirrors from the collective maps
func (l *Ledger) Repair() (RepairReport, error) {
	var report RepairReport

	for _, role := range []Role{Buyer, Seller, Admin} {
		n, err := l.normaliseMirrors(role)
		report.Entries += n
		if err != nil {
			return report, err
		}
	}

	adminKey := CollectiveKey(Admin)
	lock := l.roleLock(Admin)
	lock.Lock()
	if raw, ok := l.store.Raw(adminKey); ok {
		if e := ParseEntry(gjson.ParseBytes(raw)); !e.Clean() {
			if !l.store.Set(adminKey, e.Amount) {
				lock.Unlock()
				return report, &WriteError{Key: adminKey}
			}
			report.Entries++
		}
	}
	lock.Unlock()

	for _, role := range CollectiveRoles {
		for _, e := range l.collectiveEntries(role) {
			if !e.Clean() {
				report.Entries++
			}
		}
		n, err := l.FullResync(role)
		report.Mirrors += n
		if err != nil {
			return report, err
		}
	}

	logger.Debug("wallet", "storage_repaired", fmt.Sprintf("mirrors=%d entries=%d", report.Mirrors, report.Entries))
	return report, nil
}

// normaliseMirrors rewrites the role's individual mirrors that are not
// whole non-negative cents. It holds the role lock so a concurrent sync is
// never overwritten with the stale value.
func (l *Ledger) normaliseMirrors(role Role) (int, error) {
	lock := l.roleLock(role)
	lock.Lock()
	defer lock.Unlock()

	normalised := 0
	for _, key := range l.individualKeys(role) {
		raw, ok := l.store.Raw(key)
		if !ok {
			continue
		}
		v := gjson.ParseBytes(raw)
		if cleanCents(v) {
			continue
		}
		var cents int64
		if f := v.Float(); v.Type == gjson.Number && money.IsFinite(f) && f > 0 {
			cents = int64(math.Round(min(f, float64(money.MaxCents))))
		}
		if !l.store.Set(key, cents) {
			return normalised, &WriteError{Key: key}
		}
		normalised++
	}
	return normalised, nil
}

// individualKeys lists the stored cents mirrors of the given roles, or of
// every role when none is given
func (l *Ledger) individualKeys(roles ...Role) []string {
	if len(roles) == 0 {
		roles = []Role{Buyer, Seller, Admin}
	}
	var keys []string
	for _, k := range l.store.Keys() {
		for _, role := range roles {
			if strings.HasPrefix(k, "wallet_"+string(role)+"_") {
				keys = append(keys, k)
				break
			}
		}
	}
	return keys
}

// cleanCents reports whether v is a non-negative whole number of cents
func cleanCents(v gjson.Result) bool {
	if v.Type != gjson.Number {
		return false
	}
	f := v.Float()
	return money.IsFinite(f) && f >= 0 && f <= float64(money.MaxCents) && f == math.Trunc(f)
}
