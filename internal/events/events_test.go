package events

import (
	"testing"
	"time"

	"walletsync/internal/storage"
)

func waitStorage(t *testing.T, ch <-chan StorageEvent) StorageEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for storage event")
		return StorageEvent{}
	}
}

func TestStorageEventsReachOtherTabsOnly(t *testing.T) {
	hub := NewHub()
	tabA := hub.Open()
	defer tabA.Close()
	tabB := hub.Open()
	defer tabB.Close()

	shared := storage.NewMemory()
	backendA := tabA.Backend(shared)

	seenA := make(chan StorageEvent, 1)
	seenB := make(chan StorageEvent, 1)
	tabA.OnStorage(func(ev StorageEvent) { seenA <- ev })
	tabB.OnStorage(func(ev StorageEvent) { seenB <- ev })

	if err := backendA.Set("mp_wallet_buyers", `{"alice":1}`); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	ev := waitStorage(t, seenB)
	if ev.Key != "mp_wallet_buyers" || ev.NewValue != `{"alice":1}` || ev.Origin != tabA.ID() {
		t.Errorf("Unexpected event: %+v", ev)
	}

	select {
	case ev := <-seenA:
		t.Errorf("Writer must not observe its own storage event, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	backendA.Remove("mp_wallet_buyers")
	ev = waitStorage(t, seenB)
	if !ev.Removed {
		t.Errorf("Expected removal event, got %+v", ev)
	}
}

func TestCustomEventsStayInTab(t *testing.T) {
	hub := NewHub()
	tabA := hub.Open()
	defer tabA.Close()
	tabB := hub.Open()
	defer tabB.Close()

	var gotA, gotB int
	tabA.On(BalanceUpdated, func(ev CustomEvent) {
		if ev.Detail.(int) == 7 {
			gotA++
		}
	})
	tabB.On(BalanceUpdated, func(CustomEvent) { gotB++ })

	tabA.Dispatch(BalanceUpdated, 7)

	// Dispatch is synchronous
	if gotA != 1 {
		t.Errorf("Expected same-tab listener to run once, got %d", gotA)
	}
	if gotB != 0 {
		t.Errorf("Custom events must not cross tabs, got %d", gotB)
	}
}

func TestUnsubscribe(t *testing.T) {
	hub := NewHub()
	tab := hub.Open()
	defer tab.Close()

	calls := 0
	unsubscribe := tab.On(ReadThreadsUpdated, func(CustomEvent) { calls++ })
	tab.Dispatch(ReadThreadsUpdated, nil)
	unsubscribe()
	tab.Dispatch(ReadThreadsUpdated, nil)

	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestClosedTabReceivesNothing(t *testing.T) {
	hub := NewHub()
	writer := hub.Open()
	defer writer.Close()
	closed := hub.Open()
	closed.Close()
	// Closing twice is safe
	closed.Close()

	seen := make(chan StorageEvent, 1)
	closed.OnStorage(func(ev StorageEvent) { seen <- ev })

	writer.Backend(storage.NewMemory()).Set("k", "v")

	select {
	case <-seen:
		t.Error("Closed tab should not receive events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeedDeliversForeignChanges(t *testing.T) {
	path := t.TempDir() + "/feed.db"
	local, err := storage.OpenSQLite(path, "proc-local")
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer local.Close()
	remote, err := storage.OpenSQLite(path, "proc-remote")
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer remote.Close()

	// Written before Start: must not be replayed
	remote.Set("mp_old", "1")

	feed := NewFeed(local, 10*time.Millisecond)
	seen := make(chan StorageEvent, 4)
	feed.OnStorage(func(ev StorageEvent) { seen <- ev })
	if err := feed.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer feed.Stop()

	local.Set("mp_own", "x")
	remote.Set("mp_wallet_sellers", `{"bob":40}`)

	ev := waitStorage(t, seen)
	if ev.Key != "mp_wallet_sellers" || ev.Origin != "proc-remote" {
		t.Errorf("Expected remote wallet_sellers change, got %+v", ev)
	}

	select {
	case ev := <-seen:
		t.Errorf("Unexpected extra event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	if feed.ID() != "proc-local" {
		t.Errorf("Expected feed id proc-local, got %s", feed.ID())
	}
}
