package events

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"walletsync/internal/logger"
	"walletsync/internal/storage"
)

const defaultQueueSize = 256

// Hub connects the contexts (tabs) of one process that share a backend
type Hub struct {
	mu        sync.RWMutex
	tabs      map[string]*Tab
	queueSize int
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		tabs:      make(map[string]*Tab),
		queueSize: defaultQueueSize,
	}
}

// Open registers a new context with a fresh id and starts its storage
// event delivery loop
func (h *Hub) Open() *Tab {
	t := &Tab{
		id:         uuid.NewString(),
		hub:        h,
		dispatcher: newDispatcher(),
		queue:      make(chan StorageEvent, h.queueSize),
		done:       make(chan struct{}),
	}

	h.mu.Lock()
	h.tabs[t.id] = t
	h.mu.Unlock()

	go t.loop()
	return t
}

// broadcast queues ev for every tab except the origin. Delivery is best
// effort: a tab whose queue is full drops the event.
func (h *Hub) broadcast(ev StorageEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, t := range h.tabs {
		if id == ev.Origin {
			continue
		}
		select {
		case t.queue <- ev:
		default:
			logger.Debug("events", "storage_event_dropped", fmt.Sprintf("tab=%s key=%s", id, ev.Key))
		}
	}
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tabs, id)
}

// Tab is one execution context attached to a Hub
type Tab struct {
	*dispatcher

	id        string
	hub       *Hub
	queue     chan StorageEvent
	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the context id
func (t *Tab) ID() string {
	return t.id
}

// Backend wraps b so that this tab's writes raise storage events in the
// other tabs of the hub. Closing the wrapper leaves b open.
func (t *Tab) Backend(b storage.Backend) storage.Backend {
	return &signalingBackend{Backend: b, tab: t}
}

// Close detaches the tab and stops its delivery loop
func (t *Tab) Close() {
	t.closeOnce.Do(func() {
		t.hub.remove(t.id)
		close(t.done)
	})
}

func (t *Tab) loop() {
	for {
		select {
		case ev := <-t.queue:
			t.deliverStorage(ev)
		case <-t.done:
			return
		}
	}
}

// signalingBackend is the per-tab view of the shared backend
type signalingBackend struct {
	storage.Backend
	tab *Tab
}

func (s *signalingBackend) Set(key, value string) error {
	if err := s.Backend.Set(key, value); err != nil {
		return err
	}
	s.tab.hub.broadcast(StorageEvent{Key: key, NewValue: value, Origin: s.tab.id})
	return nil
}

func (s *signalingBackend) Remove(key string) error {
	if err := s.Backend.Remove(key); err != nil {
		return err
	}
	s.tab.hub.broadcast(StorageEvent{Key: key, Removed: true, Origin: s.tab.id})
	return nil
}

func (s *signalingBackend) Close() error {
	return nil
}
