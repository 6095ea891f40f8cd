package storage

import (
	"fmt"
	"sync"
)

// DefaultQuota mirrors the ~5MB budget browsers give localStorage
const DefaultQuota int64 = 5 * 1024 * 1024

// Limited enforces a byte quota over another Backend. Sizes are tracked
// per process; writes made by other processes sharing the same store are
// only accounted for after the next WithQuota scan.
type Limited struct {
	Backend

	mu    sync.Mutex
	limit int64
	used  int64
	sizes map[string]int64
}

// WithQuota wraps b so that Set fails with ErrQuotaExceeded once the total
// key+value length would exceed limit
func WithQuota(b Backend, limit int64) (*Limited, error) {
	l := &Limited{
		Backend: b,
		limit:   limit,
		sizes:   make(map[string]int64),
	}

	keys, err := b.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to scan backend: %w", err)
	}
	for _, k := range keys {
		v, ok, err := b.Get(k)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", k, err)
		}
		if !ok {
			continue
		}
		size := entrySize(k, v)
		l.sizes[k] = size
		l.used += size
	}

	return l, nil
}

// Set stores value if the quota allows it
func (l *Limited) Set(key, value string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := entrySize(key, value)
	delta := size - l.sizes[key]
	if l.used+delta > l.limit {
		return fmt.Errorf("%w: need %d bytes, %d of %d used", ErrQuotaExceeded, delta, l.used, l.limit)
	}

	if err := l.Backend.Set(key, value); err != nil {
		return err
	}
	l.sizes[key] = size
	l.used += delta
	return nil
}

// Remove deletes key and releases its bytes
func (l *Limited) Remove(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.Backend.Remove(key); err != nil {
		return err
	}
	l.used -= l.sizes[key]
	delete(l.sizes, key)
	return nil
}

// Used returns the bytes currently accounted for
func (l *Limited) Used() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}

// Limit returns the configured quota
func (l *Limited) Limit() int64 {
	return l.limit
}
