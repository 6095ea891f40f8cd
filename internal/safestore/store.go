// Package safestore is the namespaced JSON key-value layer every wallet
// component reads and writes through. Reads never fail loudly: missing,
// expired and corrupt values all come back as "absent". Writes report
// failure with a false return after one eviction-and-retry cycle.
package safestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"walletsync/internal/logger"
	"walletsync/internal/metrics"
	"walletsync/internal/storage"
)

const (
	// DefaultPrefix namespaces every physical key
	DefaultPrefix = "mp_"

	// LRUMetadataKey holds the eviction bookkeeping; it is always protected
	LRUMetadataKey = "_storage_lru_metadata"

	expiresField = "__expires"
	valueField   = "value"
)

// Options configures a Store. Zero values select the defaults.
type Options struct {
	Prefix            string
	Ceiling           int64
	ProtectedKeys     []string
	ProtectedPrefixes []string
	Now               func() time.Time
}

// Store is the application-wide KeyValueStore
type Store struct {
	backend           storage.Backend
	prefix            string
	ceiling           int64
	protectedKeys     map[string]struct{}
	protectedPrefixes []string
	now               func() time.Time

	mu  sync.Mutex
	lru map[string]accessRecord
}

// accessRecord is one entry of the persisted LRU metadata map
type accessRecord struct {
	Timestamp int64 `json:"timestamp"`
	Size      int64 `json:"size"`
}

// envelope wraps values written with a TTL
type envelope struct {
	Expires int64 `json:"__expires"`
	Value   any   `json:"value"`
}

// New creates a Store over backend and loads the persisted LRU metadata
func New(backend storage.Backend, opts Options) *Store {
	s := &Store{
		backend:           backend,
		prefix:            opts.Prefix,
		ceiling:           opts.Ceiling,
		protectedKeys:     map[string]struct{}{LRUMetadataKey: {}},
		protectedPrefixes: opts.ProtectedPrefixes,
		now:               opts.Now,
		lru:               make(map[string]accessRecord),
	}
	if s.prefix == "" {
		s.prefix = DefaultPrefix
	}
	if s.ceiling <= 0 {
		s.ceiling = DefaultCeiling
	}
	if s.protectedPrefixes == nil {
		s.protectedPrefixes = DefaultProtectedPrefixes
	}
	if s.now == nil {
		s.now = time.Now
	}
	for _, k := range opts.ProtectedKeys {
		s.protectedKeys[k] = struct{}{}
	}

	s.loadLRU()
	return s
}

// Prefix returns the namespace prefix
func (s *Store) Prefix() string {
	return s.prefix
}

// Logical strips the namespace from a physical key. ok is false for keys
// outside the namespace.
func (s *Store) Logical(physical string) (string, bool) {
	return strings.CutPrefix(physical, s.prefix)
}

// Raw returns the undecoded JSON stored under key. A JSON null reads as absent.
func (s *Store) Raw(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rawLocked(key)
}

func (s *Store) rawLocked(key string) (json.RawMessage, bool) {
	phys := s.prefix + key
	value, ok, err := s.backend.Get(phys)
	if err != nil {
		logger.Debug("safestore", "storage_get_failed", fmt.Sprintf("key=%s error=%s", key, err.Error()))
		return nil, false
	}
	if !ok {
		return nil, false
	}

	if !gjson.Valid(value) {
		metrics.StorageCorruptReads.Inc()
		logger.Debug("safestore", "storage_corrupt_value", fmt.Sprintf("key=%s length=%d", key, len(value)))
		return nil, false
	}

	size := int64(len(phys) + len(value))
	parsed := gjson.Parse(value)
	if isEnvelope(parsed) {
		if s.now().UnixMilli() >= parsed.Get(expiresField).Int() {
			logger.Debug("safestore", "storage_expired", "key="+key)
			s.removeLocked(key)
			return nil, false
		}
		parsed = parsed.Get(valueField)
	}

	// A stored null holds no value
	if parsed.Type == gjson.Null {
		return nil, false
	}
	s.touchLocked(key, size)
	return json.RawMessage(parsed.Raw), true
}

func isEnvelope(v gjson.Result) bool {
	return v.IsObject() &&
		v.Get(expiresField).Type == gjson.Number &&
		v.Get(valueField).Exists()
}

// Get decodes the value stored under key, or returns def when it is
// absent, null, expired or cannot be decoded into T
func Get[T any](s *Store, key string, def T) T {
	raw, ok := s.Raw(key)
	if !ok {
		return def
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		metrics.StorageCorruptReads.Inc()
		logger.Debug("safestore", "storage_decode_failed", fmt.Sprintf("key=%s error=%s", key, err.Error()))
		return def
	}
	return v
}

// SetOption customizes a Set call
type SetOption func(*setOptions)

type setOptions struct {
	ttl time.Duration
}

// WithTTL makes the value expire after d
func WithTTL(d time.Duration) SetOption {
	return func(o *setOptions) {
		o.ttl = d
	}
}

// Set JSON-encodes value under key. It returns false if encoding fails or
// the backend still rejects the write after one eviction pass.
func (s *Store) Set(key string, value any, opts ...SetOption) bool {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	var payload any = value
	if o.ttl > 0 {
		payload = envelope{Expires: s.now().Add(o.ttl).UnixMilli(), Value: value}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		logger.Debug("safestore", "storage_encode_failed", fmt.Sprintf("key=%s error=%s", key, err.Error()))
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(key, string(data))
}

func (s *Store) writeLocked(key, data string) bool {
	phys := s.prefix + key
	size := int64(len(phys) + len(data))

	err := s.backend.Set(phys, data)
	if errors.Is(err, storage.ErrQuotaExceeded) {
		removed := s.evictLocked(size)
		logger.Debug("safestore", "storage_quota_retry", fmt.Sprintf("key=%s needed=%d evicted=%d", key, size, len(removed)))
		err = s.backend.Set(phys, data)
	}
	if err != nil {
		metrics.StorageWriteFailures.Inc()
		logger.Debug("safestore", "storage_set_failed", fmt.Sprintf("key=%s error=%s", key, err.Error()))
		return false
	}

	s.touchLocked(key, size)
	s.persistLRULocked()
	return true
}

// Remove deletes key
func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(key)
}

func (s *Store) removeLocked(key string) bool {
	if err := s.backend.Remove(s.prefix + key); err != nil {
		logger.Debug("safestore", "storage_remove_failed", fmt.Sprintf("key=%s error=%s", key, err.Error()))
		return false
	}
	if _, tracked := s.lru[key]; tracked {
		delete(s.lru, key)
		s.persistLRULocked()
	}
	return true
}

// Has reports whether key holds a readable, unexpired value
func (s *Store) Has(key string) bool {
	_, ok := s.Raw(key)
	return ok
}

// Keys lists the logical keys in the namespace, excluding bookkeeping
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keysLocked()
}

func (s *Store) keysLocked() []string {
	physical, err := s.backend.Keys()
	if err != nil {
		logger.Debug("safestore", "storage_keys_failed", "error="+err.Error())
		return nil
	}

	var keys []string
	for _, p := range physical {
		k, ok := s.Logical(p)
		if !ok || k == LRUMetadataKey {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

// SizeBytes returns the total key+value length of the namespace
func (s *Store) SizeBytes() int64 {
	return s.Usage().Bytes
}

func (s *Store) touchLocked(key string, size int64) {
	if key == LRUMetadataKey {
		return
	}
	s.lru[key] = accessRecord{Timestamp: s.now().UnixMilli(), Size: size}
}

func (s *Store) persistLRULocked() {
	data, err := json.Marshal(s.lru)
	if err != nil {
		return
	}
	if err := s.backend.Set(s.prefix+LRUMetadataKey, string(data)); err != nil {
		logger.Debug("safestore", "lru_persist_failed", "error="+err.Error())
	}
}

func (s *Store) loadLRU() {
	value, ok, err := s.backend.Get(s.prefix + LRUMetadataKey)
	if err != nil || !ok {
		return
	}
	var records map[string]accessRecord
	if err := json.Unmarshal([]byte(value), &records); err != nil {
		logger.Debug("safestore", "lru_metadata_corrupt", "error="+err.Error())
		return
	}
	for k, r := range records {
		s.lru[k] = r
	}
}
