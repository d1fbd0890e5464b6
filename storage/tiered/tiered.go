// Package tiered provides a Hot/Cold tiered billing.EventLog that answers
// duplicate checks from fast ephemeral storage (Hot) and keeps durable
// storage (Cold) as the source of truth.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kitchen-alchemy/functions/pkg/billing"
)

// Config configures the tiered event log
type Config struct {
	// Hot is the L1 cache (e.g., Redis, Memory) checked first
	Hot billing.EventLog

	// Cold is the L2 persistence (e.g., Postgres, Firestore) and the source of truth
	Cold billing.EventLog

	// AsyncHotFill fills Hot in the background after Cold answers or is written.
	// If false, Hot is filled inline.
	AsyncHotFill bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when an async operation fails.
	AsyncErrorHandler func(error)
}

// Storage implements billing.EventLog across two tiers.
// - Read-Through: Seen (Hot → Cold → populate Hot)
// - Write-Through: MarkSeen (Cold first, then Hot)
type Storage struct {
	hot  billing.EventLog
	cold billing.EventLog
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ billing.EventLog = (*Storage)(nil)

// New creates a new tiered event log.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotFill {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncHotFill {
		s.closeOnce.Do(func() {
			close(s.shutdown)
			s.wg.Wait()
		})
	}
	return nil
}

// startWorker runs the background fill loop.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					s.reportAsyncError(err)
				}
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) reportAsyncError(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered sync failed: %w", err))
	}
}

// fillHot marks the event in Hot, inline or through the worker.
func (s *Storage) fillHot(ctx context.Context, provider, eventID string) {
	if !s.conf.AsyncHotFill {
		_ = s.hot.MarkSeen(ctx, provider, eventID) //nolint:errcheck // Cache fill - errors are non-critical
		return
	}

	job := func() error {
		return s.hot.MarkSeen(context.Background(), provider, eventID)
	}
	select {
	case s.syncQueue <- job:
	default:
		s.reportAsyncError(fmt.Errorf("sync queue full, dropped hot fill for %s:%s", provider, eventID))
	}
}

// Seen implements billing.EventLog with read-through strategy.
// A Hot failure falls back to Cold; only a Cold failure is returned.
func (s *Storage) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	if seen, err := s.hot.Seen(ctx, provider, eventID); err == nil && seen {
		return true, nil
	}

	seen, err := s.cold.Seen(ctx, provider, eventID)
	if err != nil {
		return false, err
	}
	if seen {
		s.fillHot(ctx, provider, eventID)
	}
	return seen, nil
}

// MarkSeen implements billing.EventLog with write-through strategy.
// The event must be durable before Hot reports it.
func (s *Storage) MarkSeen(ctx context.Context, provider, eventID string) error {
	if err := s.cold.MarkSeen(ctx, provider, eventID); err != nil {
		return err
	}
	s.fillHot(ctx, provider, eventID)
	return nil
}
