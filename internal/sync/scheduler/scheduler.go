// Package scheduler decides when sync cycles run: on a periodic timer while
// online, when connectivity comes back, and on manual triggers.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/shopsync/internal/errors"
	"github.com/kimhsiao/shopsync/internal/logging"
	syncpkg "github.com/kimhsiao/shopsync/internal/sync"
)

// inProgressRetry is how long the loop waits before retrying a cycle that
// found the engine busy.
var inProgressRetry = time.Second

// Scheduler runs sync cycles on a single goroutine. Triggers that arrive
// while a cycle runs coalesce into one deferred run.
type Scheduler struct {
	engine      syncpkg.SyncEngineInterface
	syncTimeout time.Duration

	trigger chan struct{}
	reset   chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu           sync.RWMutex
	interval     time.Duration
	isRunning    bool
	isOnline     bool
	lastSyncTime time.Time
	lastError    string
}

// Config holds scheduler configuration.
type Config struct {
	Interval    time.Duration // How often to sync when online (default: 5 minutes)
	SyncTimeout time.Duration // Upper bound for one cycle (default: 5 minutes)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:    5 * time.Minute,
		SyncTimeout: 5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. It assumes the device is online
// until told otherwise.
func NewScheduler(engine syncpkg.SyncEngineInterface, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = defaults.SyncTimeout
	}

	return &Scheduler{
		engine:      engine,
		syncTimeout: config.SyncTimeout,
		trigger:     make(chan struct{}, 1),
		reset:       make(chan struct{}, 1),
		interval:    config.Interval,
		isOnline:    true,
	}
}

// Start starts the scheduling loop. It stops when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	interval := s.interval
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, s.stopCh, interval)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_seconds": interval.Seconds(),
	})
}

// Stop stops the scheduling loop and waits for a running cycle to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logging.Info("Background sync scheduler stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-s.reset:
			ticker.Reset(s.Interval())
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.runSync(ctx, "periodic")
		case <-s.trigger:
			s.runSync(ctx, "trigger")
		}
	}
}

// runSync executes one cycle on the loop goroutine.
func (s *Scheduler) runSync(ctx context.Context, reason string) {
	if !s.IsOnline() {
		logging.Debug("Skipping sync - device is offline", map[string]interface{}{"reason": reason})
		return
	}

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	s.record(err)
	if err != nil {
		if errors.Is(err, syncpkg.ErrSyncInProgress) {
			// A manual SyncNow holds the engine; run again shortly.
			time.AfterFunc(inProgressRetry, func() { s.TriggerSync() })
			return
		}
		logging.ErrorWithCode("Scheduled sync failed", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"reason": reason})
		return
	}

	logging.Debug("Scheduled sync completed", map[string]interface{}{
		"reason":    reason,
		"applied":   result.Applied,
		"pushed":    result.Pushed,
		"pulled":    result.Pulled,
		"conflicts": result.Conflicts,
	})
}

func (s *Scheduler) record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.lastSyncTime = time.Now()
		s.lastError = ""
		return
	}
	if !errors.Is(err, syncpkg.ErrSyncInProgress) {
		s.lastError = err.Error()
	}
}

// TriggerSync asks the loop for a cycle. It returns false when a trigger is
// already waiting, in which case this one coalesces into it.
func (s *Scheduler) TriggerSync() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// SyncNow runs a cycle on the caller's goroutine and returns its result.
// If a cycle is already running, a deferred run is queued and
// ErrSyncInProgress is returned.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	s.record(err)
	if errors.Is(err, syncpkg.ErrSyncInProgress) {
		s.TriggerSync()
	}
	if err != nil {
		return result, err
	}

	logging.Info("Manual sync completed", map[string]interface{}{
		"applied":   result.Applied,
		"pushed":    result.Pushed,
		"pulled":    result.Pulled,
		"conflicts": result.Conflicts,
	})
	return result, nil
}

// SetOnlineStatus records connectivity. Going from offline to online
// triggers a cycle.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	if isOnline {
		s.TriggerSync()
	}
}

// SetInterval changes the periodic interval. A running loop picks it up
// immediately.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	changed := s.interval != d
	s.interval = d
	s.mu.Unlock()

	if !changed {
		return
	}
	select {
	case s.reset <- struct{}{}:
	default:
	}
	logging.Info("Sync interval changed", map[string]interface{}{"interval_seconds": d.Seconds()})
}

// Interval returns the periodic interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}

// Status is the scheduler's view of its own state.
type Status struct {
	IsRunning      bool       `json:"isRunning"`
	IsOnline       bool       `json:"isOnline"`
	SyncInProgress bool       `json:"syncInProgress"`
	Interval       string     `json:"interval"`
	LastSyncTime   *time.Time `json:"lastSyncTime,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.engine.IsRunning(),
		Interval:       s.interval.String(),
		LastError:      s.lastError,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// IsOnline returns whether the device is considered online.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// Online implements sync.Connectivity.
func (s *Scheduler) Online() bool {
	return s.IsOnline()
}

// IsRunning returns whether the scheduler loop is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

var _ syncpkg.Connectivity = (*Scheduler)(nil)
