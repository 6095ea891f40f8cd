package wallet

import (
	"sync"
	"testing"
	"time"

	"walletsync/internal/events"
	"walletsync/internal/safestore"
	"walletsync/internal/storage"
)

type recorder struct {
	mu     sync.Mutex
	values []float64
	notify chan float64
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan float64, 16)}
}

func (r *recorder) record(v float64) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
	r.notify <- v
}

func (r *recorder) all() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.values...)
}

func (r *recorder) wait(t *testing.T, expected float64) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-r.notify:
			if v == expected {
				return
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %v, saw %v", expected, r.all())
		}
	}
}

func TestSubscribeDeliversInitialValue(t *testing.T) {
	ledger, _, tab := setupTestLedger(t)
	ledger.SyncBalance("alice", Buyer, 100)

	bus := NewBus(tab, ledger)
	bus.Start()
	defer bus.Stop()

	rec := newRecorder()
	bus.Subscribe("alice", Buyer, rec.record)
	empty := newRecorder()
	bus.Subscribe("nobody", Seller, empty.record)

	if got := rec.all(); len(got) != 1 || got[0] != 100 {
		t.Errorf("Expected initial [100], got %v", got)
	}
	if got := empty.all(); len(got) != 1 || got[0] != 0 {
		t.Errorf("Expected initial [0], got %v", got)
	}
}

func TestBusSkipsIdenticalRedelivery(t *testing.T) {
	ledger, _, tab := setupTestLedger(t)
	bus := NewBus(tab, ledger)
	bus.Start()
	defer bus.Stop()

	rec := newRecorder()
	bus.Subscribe("bob", Seller, rec.record)

	ledger.Publish("bob", Seller, 40)
	ledger.Publish("bob", Seller, 40)
	tab.Dispatch(events.BalanceUpdated, BalanceChange{Username: "bob", Role: Seller, Amount: 40})
	ledger.Publish("bob", Seller, 55)

	expected := []float64{0, 40, 55}
	got := rec.all()
	if len(got) != len(expected) {
		t.Fatalf("Expected %v, got %v", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("Delivery %d: expected %v, got %v", i, expected[i], got[i])
		}
	}

	if last, ok := bus.Last("bob", Seller); !ok || last != 55 {
		t.Errorf("Expected last 55, got %v %v", last, ok)
	}
}

func TestBusUnsubscribeAndStop(t *testing.T) {
	ledger, _, tab := setupTestLedger(t)
	bus := NewBus(tab, ledger)
	bus.Start()
	bus.Start()

	rec := newRecorder()
	unsubscribe := bus.Subscribe("alice", Buyer, rec.record)
	ledger.Publish("alice", Buyer, 1)
	unsubscribe()
	ledger.Publish("alice", Buyer, 2)

	if got := rec.all(); len(got) != 2 {
		t.Errorf("Expected 2 deliveries before unsubscribe, got %v", got)
	}

	other := newRecorder()
	bus.Subscribe("alice", Buyer, other.record)
	bus.Stop()
	ledger.Publish("alice", Buyer, 3)

	if got := other.all(); len(got) != 1 || got[0] != 2 {
		t.Errorf("Expected only the cached initial value after Stop, got %v", got)
	}
}

func TestPollerDetectsDirectWriteOnce(t *testing.T) {
	ledger, store, tab := setupTestLedger(t)
	store.Set("wallet_buyers", map[string]float64{"alice": 10})

	bus := NewBus(tab, ledger)
	bus.Start()
	defer bus.Stop()

	var notifications []BalanceChange
	tab.On(events.BalanceUpdated, func(ev events.CustomEvent) {
		notifications = append(notifications, ev.Detail.(BalanceChange))
	})

	poller := NewPoller(ledger, tab, time.Hour)
	poller.Start()
	defer poller.Stop()

	if n := poller.Reconcile(); n != 0 {
		t.Errorf("Seeded snapshot should not notify, got %d", n)
	}

	// Write that bypasses Publish
	store.Set("wallet_buyers", map[string]float64{"alice": 10, "carol": 12})

	if n := poller.Reconcile(); n != 1 {
		t.Fatalf("Expected 1 notification, got %d", n)
	}
	if n := poller.Reconcile(); n != 0 {
		t.Errorf("Unchanged value must not notify again, got %d", n)
	}

	expected := BalanceChange{Username: "carol", Role: Buyer, Amount: 12}
	if len(notifications) != 1 || notifications[0] != expected {
		t.Errorf("Expected [%+v], got %+v", expected, notifications)
	}
	if last, _ := bus.Last("carol", Buyer); last != 12 {
		t.Errorf("Bus should have seen carol's balance, got %v", last)
	}
}

func TestPollerSkipsPublishedValues(t *testing.T) {
	ledger, _, tab := setupTestLedger(t)
	poller := NewPoller(ledger, tab, time.Hour)
	poller.Start()
	defer poller.Stop()

	ledger.SyncBalance("alice", Buyer, 20)

	if n := poller.Reconcile(); n != 0 {
		t.Errorf("Published value should already be in the snapshot, got %d", n)
	}
}

func TestPollerStartIsIdempotent(t *testing.T) {
	ledger, store, tab := setupTestLedger(t)
	poller := NewPoller(ledger, tab, time.Hour)
	poller.Start()
	poller.Start()

	count := 0
	tab.On(events.BalanceUpdated, func(events.CustomEvent) { count++ })

	store.Set("wallet_sellers", map[string]float64{"bob": 1})
	poller.Reconcile()
	if count != 1 {
		t.Errorf("Expected 1 notification, got %d", count)
	}

	poller.Stop()
	poller.Stop()

	// Restart after Stop resumes reconciliation
	store.Set("wallet_sellers", map[string]float64{"bob": 2})
	poller.Start()
	defer poller.Stop()
	if n := poller.Reconcile(); n != 0 {
		t.Errorf("Restart reseeds the snapshot silently, got %d", n)
	}
	store.Set("wallet_sellers", map[string]float64{"bob": 3})
	if n := poller.Reconcile(); n != 1 {
		t.Errorf("Expected 1 notification after restart, got %d", n)
	}
}

func TestPollerFastPathAcrossContexts(t *testing.T) {
	hub := events.NewHub()
	tabA := hub.Open()
	defer tabA.Close()
	tabB := hub.Open()
	defer tabB.Close()

	shared := storage.NewMemory()
	ledgerA := NewLedger(safestore.New(tabA.Backend(shared), safestore.Options{}), tabA)
	ledgerB := NewLedger(safestore.New(tabB.Backend(shared), safestore.Options{}), tabB)

	busB := NewBus(tabB, ledgerB)
	busB.Start()
	defer busB.Stop()
	pollerB := NewPoller(ledgerB, tabB, time.Hour)
	pollerB.Start()
	defer pollerB.Stop()

	rec := newRecorder()
	busB.Subscribe("alice", Buyer, rec.record)

	if err := ledgerA.SyncBalance("alice", Buyer, 74.5); err != nil {
		t.Fatalf("SyncBalance failed: %v", err)
	}

	rec.wait(t, 74.5)
	if cents, _ := ledgerB.Individual("alice", Buyer); cents != 7450 {
		t.Errorf("Expected shared mirror 7450, got %d", cents)
	}
}
