// Package storage provides the physical string-keyed stores the wallet
// cache lives in. Every backend is synchronous and shared by all execution
// contexts of the application, so a byte quota can be layered on top with
// WithQuota.
package storage

import (
	"errors"
)

var (
	// ErrQuotaExceeded is returned by Set when the write would overflow the quota
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrClosed is returned by operations on a closed backend
	ErrClosed = errors.New("storage backend closed")
)

// Backend is a persistent string-keyed store
type Backend interface {
	// Get returns the stored value and whether the key exists
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
	Keys() ([]string, error)
	Close() error
}

// Change is one write recorded in a backend's change log
type Change struct {
	Seq     int64
	Key     string
	Value   string
	Removed bool
	Origin  string
}

// ChangeFeed is implemented by backends that record every write so that
// other processes sharing the store can observe them.
type ChangeFeed interface {
	// Origin identifies the writer this backend stamps on its own changes
	Origin() string
	LatestSeq() (int64, error)
	ChangesSince(seq int64, limit int) ([]Change, error)
	PruneChanges(keepLast int) error
}

// entrySize is the byte cost of one stored entry
func entrySize(key, value string) int64 {
	return int64(len(key) + len(value))
}
