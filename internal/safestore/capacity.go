package safestore

import (
	"fmt"
	"sort"
	"strings"

	"walletsync/internal/logger"
	"walletsync/internal/metrics"
)

const (
	// DefaultCeiling is the usable share of the physical quota
	DefaultCeiling int64 = 4.5 * 1024 * 1024

	// CapacityThreshold is the usage ratio above which the store is near capacity
	CapacityThreshold = 0.8
)

// DefaultProtectedPrefixes are never eviction candidates
var DefaultProtectedPrefixes = []string{"wallet_", "auth_", "critical_"}

// Usage is a snapshot of the namespace's footprint
type Usage struct {
	Bytes   int64   `json:"bytes"`
	Ceiling int64   `json:"ceiling"`
	Ratio   float64 `json:"ratio"`
}

// Usage sums key+value lengths over every namespaced key
func (s *Store) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usageLocked()
}

func (s *Store) usageLocked() Usage {
	physical, err := s.backend.Keys()
	if err != nil {
		logger.Debug("safestore", "usage_scan_failed", "error="+err.Error())
		return Usage{Ceiling: s.ceiling}
	}

	var total int64
	for _, p := range physical {
		if !strings.HasPrefix(p, s.prefix) {
			continue
		}
		v, ok, err := s.backend.Get(p)
		if err != nil || !ok {
			continue
		}
		total += int64(len(p) + len(v))
	}

	metrics.StorageUsageBytes.Set(float64(total))
	return Usage{
		Bytes:   total,
		Ceiling: s.ceiling,
		Ratio:   float64(total) / float64(s.ceiling),
	}
}

// NearCapacity reports whether usage exceeds CapacityThreshold
func (s *Store) NearCapacity() bool {
	return s.Usage().Ratio > CapacityThreshold
}

// IsProtected reports whether key may never be evicted
func (s *Store) IsProtected(key string) bool {
	if _, ok := s.protectedKeys[key]; ok {
		return true
	}
	for _, p := range s.protectedPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Evict removes least recently used unprotected keys until at least
// bytesNeeded bytes are freed or no candidates remain. It returns the
// removed logical keys.
func (s *Store) Evict(bytesNeeded int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(bytesNeeded)
}

type evictionCandidate struct {
	key       string
	timestamp int64
	size      int64
}

func (s *Store) evictLocked(bytesNeeded int64) []string {
	var candidates []evictionCandidate
	for _, key := range s.keysLocked() {
		if s.IsProtected(key) {
			continue
		}
		rec, tracked := s.lru[key]
		size := rec.Size
		if !tracked || size == 0 {
			phys := s.prefix + key
			v, ok, err := s.backend.Get(phys)
			if err != nil || !ok {
				continue
			}
			size = int64(len(phys) + len(v))
		}
		candidates = append(candidates, evictionCandidate{key: key, timestamp: rec.Timestamp, size: size})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].timestamp != candidates[j].timestamp {
			return candidates[i].timestamp < candidates[j].timestamp
		}
		return candidates[i].key < candidates[j].key
	})

	var freed int64
	var removed []string
	for _, c := range candidates {
		if freed >= bytesNeeded {
			break
		}
		if err := s.backend.Remove(s.prefix + c.key); err != nil {
			logger.Debug("safestore", "evict_remove_failed", fmt.Sprintf("key=%s error=%s", c.key, err.Error()))
			continue
		}
		delete(s.lru, c.key)
		freed += c.size
		removed = append(removed, c.key)
	}

	if len(removed) > 0 {
		metrics.StorageEvictions.Add(float64(len(removed)))
		s.persistLRULocked()
	}
	if freed < bytesNeeded {
		logger.Debug("safestore", "evict_insufficient", fmt.Sprintf("needed=%d freed=%d candidates=%d", bytesNeeded, freed, len(candidates)))
	} else {
		logger.Debug("safestore", "evict_completed", fmt.Sprintf("needed=%d freed=%d removed=%d", bytesNeeded, freed, len(removed)))
	}
	return removed
}
