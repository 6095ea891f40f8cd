package events

import (
	"context"
	"fmt"
	"time"

	"walletsync/internal/logger"
	"walletsync/internal/storage"
)

const (
	// DefaultFeedInterval is how often the change log is read
	DefaultFeedInterval = 250 * time.Millisecond

	feedBatchSize  = 500
	feedKeepLast   = 1000
	feedPruneEvery = 240
)

// Feed is a Channel for a context whose peers live in other processes.
// Storage events come from the backend's change log, filtered to writes
// made under a different origin. Custom events stay in-process.
type Feed struct {
	*dispatcher

	feed     storage.ChangeFeed
	interval time.Duration
	cursor   int64
	ticks    int

	ctx    context.Context
	cancel context.CancelFunc
	ticker *time.Ticker
}

// NewFeed creates a Feed over feed. interval <= 0 selects DefaultFeedInterval.
func NewFeed(feed storage.ChangeFeed, interval time.Duration) *Feed {
	if interval <= 0 {
		interval = DefaultFeedInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		dispatcher: newDispatcher(),
		feed:       feed,
		interval:   interval,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// ID returns the backend origin this context writes under
func (f *Feed) ID() string {
	return f.feed.Origin()
}

// Start positions the cursor at the newest change and begins following the log
func (f *Feed) Start() error {
	seq, err := f.feed.LatestSeq()
	if err != nil {
		return fmt.Errorf("failed to read change log position: %w", err)
	}
	f.cursor = seq
	f.ticker = time.NewTicker(f.interval)

	logger.Debug("events", "feed_started", fmt.Sprintf("origin=%s cursor=%d interval=%v", f.ID(), seq, f.interval))

	go func() {
		for {
			select {
			case <-f.ticker.C:
				f.poll()
			case <-f.ctx.Done():
				logger.Debug("events", "feed_stopped", "origin="+f.ID())
				return
			}
		}
	}()
	return nil
}

// Stop stops following the change log
func (f *Feed) Stop() {
	if f.ticker != nil {
		f.ticker.Stop()
	}
	f.cancel()
}

// poll delivers every foreign change since the cursor
func (f *Feed) poll() {
	for {
		changes, err := f.feed.ChangesSince(f.cursor, feedBatchSize)
		if err != nil {
			logger.Debug("events", "feed_query_failed", "error="+err.Error())
			return
		}
		for _, c := range changes {
			f.cursor = c.Seq
			if c.Origin == f.ID() {
				continue
			}
			f.deliverStorage(StorageEvent{Key: c.Key, NewValue: c.Value, Removed: c.Removed, Origin: c.Origin})
		}
		if len(changes) < feedBatchSize {
			break
		}
	}

	f.ticks++
	if f.ticks%feedPruneEvery == 0 {
		if err := f.feed.PruneChanges(feedKeepLast); err != nil {
			logger.Debug("events", "feed_prune_failed", "error="+err.Error())
		}
	}
}
