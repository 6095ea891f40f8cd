// Package readstate remembers, per viewer, which conversation threads have
// been fully read. It only overrides the unread badge; message read flags
// are owned elsewhere.
package readstate

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"walletsync/internal/events"
	"walletsync/internal/logger"
	"walletsync/internal/safestore"
)

// KeyPrefix is followed by the viewer's username
const KeyPrefix = "panty_read_threads_"

// Update is the payload of a readThreadsUpdated event
type Update struct {
	Viewer  string   `json:"viewer"`
	Threads []string `json:"threads"`
}

// Tracker holds the read sets of every viewer seen in this context
type Tracker struct {
	store   *safestore.Store
	channel events.Channel

	mu   sync.Mutex
	sets map[string]*readSet
}

// readSet is a viewer's set together with the stored value it was loaded from
type readSet struct {
	raw     string
	threads map[string]struct{}
}

// NewTracker creates a Tracker persisting through store
func NewTracker(store *safestore.Store, channel events.Channel) *Tracker {
	return &Tracker{
		store:   store,
		channel: channel,
		sets:    make(map[string]*readSet),
	}
}

func key(viewer string) string {
	return KeyPrefix + viewer
}

// setLocked returns the viewer's set, reloading it when the stored value
// changed since it was loaded. Storage events can be dropped, so the stored
// value is checked on every access.
func (t *Tracker) setLocked(viewer string) map[string]struct{} {
	raw, _ := t.store.Raw(key(viewer))
	if rs, ok := t.sets[viewer]; ok && rs.raw == string(raw) {
		return rs.threads
	}

	threads := make(map[string]struct{})
	if v := gjson.ParseBytes(raw); v.IsArray() {
		v.ForEach(func(_, c gjson.Result) bool {
			if c.Type == gjson.String {
				threads[c.String()] = struct{}{}
			}
			return true
		})
	} else if len(raw) > 0 {
		logger.Debug(viewer, "read_threads_not_array", fmt.Sprintf("length=%d", len(raw)))
	}
	t.sets[viewer] = &readSet{raw: string(raw), threads: threads}
	return threads
}

func sorted(set map[string]struct{}) []string {
	threads := make([]string, 0, len(set))
	for c := range set {
		threads = append(threads, c)
	}
	sort.Strings(threads)
	return threads
}

// persistLocked writes the viewer's loaded set and returns it sorted
func (t *Tracker) persistLocked(viewer string) []string {
	threads := sorted(t.sets[viewer].threads)
	if !t.store.Set(key(viewer), threads) {
		logger.Debug(viewer, "read_threads_persist_failed", fmt.Sprintf("count=%d", len(threads)))
		return threads
	}
	raw, _ := t.store.Raw(key(viewer))
	t.sets[viewer].raw = string(raw)
	return threads
}

func (t *Tracker) publish(viewer string, threads []string) {
	t.channel.Dispatch(events.ReadThreadsUpdated, Update{Viewer: viewer, Threads: threads})
}

// MarkRead adds counterpart to the viewer's read set if the thread has no
// unread messages. It reports whether the thread is now marked read.
func (t *Tracker) MarkRead(viewer, counterpart string, unread int) bool {
	if viewer == "" || counterpart == "" || unread != 0 {
		return false
	}

	t.mu.Lock()
	set := t.setLocked(viewer)
	if _, ok := set[counterpart]; ok {
		t.mu.Unlock()
		return true
	}
	set[counterpart] = struct{}{}
	threads := t.persistLocked(viewer)
	t.mu.Unlock()

	logger.Debug(viewer, "thread_marked_read", "counterpart="+counterpart)
	t.publish(viewer, threads)
	return true
}

// IsRead reports whether counterpart's thread is in the viewer's read set
func (t *Tracker) IsRead(viewer, counterpart string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.setLocked(viewer)[counterpart]
	return ok
}

// RecordIncoming drops counterpart's thread from the read set because a
// new unread message arrived in it
func (t *Tracker) RecordIncoming(viewer, counterpart string) {
	t.mu.Lock()
	set := t.setLocked(viewer)
	if _, ok := set[counterpart]; !ok {
		t.mu.Unlock()
		return
	}
	delete(set, counterpart)
	threads := t.persistLocked(viewer)
	t.mu.Unlock()

	logger.Debug(viewer, "thread_marked_unread", "counterpart="+counterpart)
	t.publish(viewer, threads)
}

// UnreadCount is the badge count for a thread: 0 when read, else raw
func (t *Tracker) UnreadCount(viewer, counterpart string, raw int) int {
	if t.IsRead(viewer, counterpart) {
		return 0
	}
	return raw
}

// Threads returns the viewer's read threads, sorted
func (t *Tracker) Threads(viewer string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sorted(t.setLocked(viewer))
}

// Reset forgets the in-memory set; the next access reloads it from storage
func (t *Tracker) Reset(viewer string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sets, viewer)
}

// Watch reloads a viewer's set whenever another context writes it, and
// republishes it in this context. A dropped event only delays the
// republish; reads still see the stored set.
func (t *Tracker) Watch() (stop func()) {
	return t.channel.OnStorage(func(ev events.StorageEvent) {
		logical, ok := t.store.Logical(ev.Key)
		if !ok {
			return
		}
		viewer, ok := strings.CutPrefix(logical, KeyPrefix)
		if !ok || viewer == "" {
			return
		}

		t.Reset(viewer)
		t.publish(viewer, t.Threads(viewer))
	})
}
