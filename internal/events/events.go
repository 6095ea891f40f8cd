// Package events carries notifications between execution contexts that
// share one storage backend. Two kinds of signal exist:
//
//   - storage events, fired asynchronously in every context except the
//     one that wrote the key (the browser "storage" event);
//   - custom events, dispatched synchronously to listeners of the same
//     context only.
//
// Hub/Tab implements both for contexts living in one process. Feed follows
// a backend's change log so contexts in other processes see each other's
// writes.
package events

import (
	"sync"
)

// Custom event names
const (
	BalanceUpdated     = "walletBalanceUpdated"
	ReadThreadsUpdated = "readThreadsUpdated"
)

// StorageEvent describes a write made by another context
type StorageEvent struct {
	Key      string
	NewValue string
	Removed  bool
	Origin   string
}

// CustomEvent is an in-context notification
type CustomEvent struct {
	Name   string
	Detail any
}

// Channel is the event surface a context exposes to its components
type Channel interface {
	// ID identifies the context
	ID() string
	// OnStorage registers fn for writes made by other contexts
	OnStorage(fn func(StorageEvent)) (unsubscribe func())
	// On registers fn for custom events named name
	On(name string, fn func(CustomEvent)) (unsubscribe func())
	// Dispatch delivers a custom event to this context's listeners before returning
	Dispatch(name string, detail any)
}

// dispatcher is the listener registry shared by the Channel implementations
type dispatcher struct {
	mu      sync.RWMutex
	nextID  int
	storage map[int]func(StorageEvent)
	custom  map[string]map[int]func(CustomEvent)
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		storage: make(map[int]func(StorageEvent)),
		custom:  make(map[string]map[int]func(CustomEvent)),
	}
}

func (d *dispatcher) OnStorage(fn func(StorageEvent)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.storage[id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.storage, id)
	}
}

func (d *dispatcher) On(name string, fn func(CustomEvent)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	if d.custom[name] == nil {
		d.custom[name] = make(map[int]func(CustomEvent))
	}
	d.custom[name][id] = fn

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.custom[name], id)
	}
}

func (d *dispatcher) Dispatch(name string, detail any) {
	d.mu.RLock()
	listeners := make([]func(CustomEvent), 0, len(d.custom[name]))
	for _, fn := range d.custom[name] {
		listeners = append(listeners, fn)
	}
	d.mu.RUnlock()

	ev := CustomEvent{Name: name, Detail: detail}
	for _, fn := range listeners {
		fn(ev)
	}
}

func (d *dispatcher) deliverStorage(ev StorageEvent) {
	d.mu.RLock()
	listeners := make([]func(StorageEvent), 0, len(d.storage))
	for _, fn := range d.storage {
		listeners = append(listeners, fn)
	}
	d.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}
