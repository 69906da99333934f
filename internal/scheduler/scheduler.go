// Package scheduler runs the periodic collection loop. Each cycle walks the
// enabled exchanges in priority order, in batches no wider than the
// configured concurrency, and collects the enabled data types in a fixed
// sequence per exchange. A run lock guarantees cycles never overlap: when a
// cycle is still in flight at the next tick, the tick is skipped rather than
// queued.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tenthmarket/go-market-collector/internal/config"
	apperrors "github.com/tenthmarket/go-market-collector/internal/errors"
	"github.com/tenthmarket/go-market-collector/internal/models"
	"github.com/tenthmarket/go-market-collector/internal/storage"
)

// recentErrorCap bounds the in-memory error history exposed via status.
const recentErrorCap = 20

// Collector is the per-exchange surface the scheduler drives. Implemented by
// exchange.Adapter.
type Collector interface {
	Name() string
	Initialize(ctx context.Context) error
	Collect(ctx context.Context, dataType models.DataType) error
}

// ErrorRecord is one retained collection failure.
type ErrorRecord struct {
	Exchange string    `json:"exchange"`
	DataType string    `json:"data_type"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// RunRecord summarizes one completed cycle.
type RunRecord struct {
	ID         string    `json:"id"`
	Trigger    string    `json:"trigger"` // "interval" or "manual"
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Errors     int       `json:"errors"`
}

// Status is the scheduler's introspection snapshot.
type Status struct {
	Running        bool                    `json:"running"`
	TotalRuns      int64                   `json:"total_runs"`
	SuccessfulRuns int64                   `json:"successful_runs"`
	FailedRuns     int64                   `json:"failed_runs"`
	SkippedRuns    int64                   `json:"skipped_runs"`
	LastRun        *RunRecord              `json:"last_run,omitempty"`
	LastSuccess    *time.Time              `json:"last_success,omitempty"`
	RecentErrors   []ErrorRecord           `json:"recent_errors"`
	OpenCircuits   map[string]time.Time    `json:"open_circuits,omitempty"` // exchange -> closes at
	Exchanges      []models.ExchangeStatus `json:"exchanges"`
}

// Scheduler owns the collection loop and the per-exchange circuit breakers.
type Scheduler struct {
	collectors []Collector
	gateway    storage.Gateway
	logger     *slog.Logger

	interval        time.Duration
	interBatchDelay time.Duration
	batchSize       int
	errorThreshold  int
	cooldown        time.Duration
	dataTypes       []models.DataType

	// runMu is the run lock: held for the duration of a cycle, tried (not
	// waited on) by the loop and by manual triggers.
	runMu sync.Mutex

	mu             sync.Mutex
	running        bool
	totalRuns      int64
	successfulRuns int64
	failedRuns     int64
	skippedRuns    int64
	lastRun        *RunRecord
	lastSuccess    time.Time
	recentErrors   []ErrorRecord
	circuits       map[string]time.Time // exchange -> open until
	failStreaks    map[string]int       // exchange -> consecutive fully-failed passes
}

// New wires a scheduler from configuration. The data type sequence is the
// fixed collection order restricted to the enabled types.
func New(cfg *config.AppConfig, collectors []Collector, gateway storage.Gateway, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	enabled := make(map[string]bool)
	for _, dt := range cfg.EnabledDataTypes() {
		enabled[dt] = true
	}
	var dataTypes []models.DataType
	for _, dt := range models.CollectionOrder {
		if enabled[string(dt)] {
			dataTypes = append(dataTypes, dt)
		}
	}

	return &Scheduler{
		collectors:      collectors,
		gateway:         gateway,
		logger:          logger,
		interval:        cfg.CollectionInterval(),
		interBatchDelay: cfg.InterBatchDelay(),
		batchSize:       cfg.Collection.MaxConcurrentExchanges,
		errorThreshold:  cfg.CircuitBreaker.ErrorThreshold,
		cooldown:        cfg.CircuitCooldown(),
		dataTypes:       dataTypes,
		circuits:        make(map[string]time.Time),
		failStreaks:     make(map[string]int),
	}
}

// Run initializes every exchange, performs an immediate first cycle, then
// collects on the configured interval until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.setRunning(true)
	defer s.setRunning(false)

	for _, c := range s.collectors {
		if err := c.Initialize(ctx); err != nil {
			// the exchange stays in rotation; the breaker handles repeats
			s.logger.Error("exchange initialization failed", "exchange", c.Name(), "error", err)
			s.recordError(c.Name(), "initialize", err)
		}
	}

	s.logger.Info("scheduler started",
		"interval", s.interval,
		"exchanges", len(s.collectors),
		"data_types", len(s.dataTypes))

	s.tryCycle(ctx, "interval")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tryCycle(ctx, "interval")
		}
	}
}

// ManualCollect triggers one cycle outside the schedule, for the named
// exchange or for all when exchange is empty. The trigger is asynchronous:
// the run ID is returned immediately, the cycle executes in the background,
// and completion is observable through GetStatus (LastRun carries the ID
// once the cycle finishes). A cycle already in flight rejects the trigger.
func (s *Scheduler) ManualCollect(exchange string) (string, error) {
	targets := s.collectors
	if exchange != "" {
		var found []Collector
		for _, c := range s.collectors {
			if c.Name() == exchange {
				found = append(found, c)
			}
		}
		if len(found) == 0 {
			return "", apperrors.NewInvalidArgument("exchange", exchange, "not an enabled exchange")
		}
		targets = found
	}

	if !s.runMu.TryLock() {
		return "", apperrors.NewInvalidArgument("run", "manual", "a collection cycle is already in progress")
	}

	runID := uuid.NewString()
	go func() {
		defer s.runMu.Unlock()
		s.cycle(context.Background(), runID, "manual", targets)
	}()
	return runID, nil
}

// GetStatus assembles the live scheduler view plus the persisted per-exchange
// status rows.
func (s *Scheduler) GetStatus(ctx context.Context) (Status, error) {
	statuses, err := s.gateway.GetExchangeStatuses(ctx)
	if err != nil {
		return Status{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:        s.running,
		TotalRuns:      s.totalRuns,
		SuccessfulRuns: s.successfulRuns,
		FailedRuns:     s.failedRuns,
		SkippedRuns:    s.skippedRuns,
		LastRun:        s.lastRun,
		RecentErrors:   append([]ErrorRecord(nil), s.recentErrors...),
		Exchanges:      statuses,
	}
	if !s.lastSuccess.IsZero() {
		t := s.lastSuccess
		st.LastSuccess = &t
	}

	now := time.Now()
	for name, until := range s.circuits {
		if until.After(now) {
			if st.OpenCircuits == nil {
				st.OpenCircuits = make(map[string]time.Time)
			}
			st.OpenCircuits[name] = until
		}
	}
	return st, nil
}

func (s *Scheduler) tryCycle(ctx context.Context, trigger string) {
	if !s.runMu.TryLock() {
		s.mu.Lock()
		s.skippedRuns++
		s.mu.Unlock()
		s.logger.Warn("previous cycle still running, skipping tick")
		return
	}
	defer s.runMu.Unlock()
	s.cycle(ctx, uuid.NewString(), trigger, s.collectors)
}

// cycle collects all data types for the given exchanges, batched to the
// configured concurrency. Caller holds the run lock.
func (s *Scheduler) cycle(ctx context.Context, runID, trigger string, targets []Collector) {
	started := time.Now().UTC()
	logger := s.logger.With("run_id", runID, "trigger", trigger)
	logger.Info("collection cycle started", "exchanges", len(targets))

	var errCount int64
	var errMu sync.Mutex

	for start := 0; start < len(targets); start += s.batchSize {
		if ctx.Err() != nil {
			break
		}
		end := start + s.batchSize
		if end > len(targets) {
			end = len(targets)
		}

		var wg sync.WaitGroup
		for _, c := range targets[start:end] {
			open, reopened := s.circuitState(c.Name())
			if open {
				logger.Warn("circuit open, skipping exchange", "exchange", c.Name())
				continue
			}
			if reopened {
				logger.Info("circuit closed, exchange back in rotation", "exchange", c.Name())
			}

			wg.Add(1)
			go func(c Collector) {
				defer wg.Done()
				n := s.collectExchange(ctx, logger, c)
				errMu.Lock()
				errCount += int64(n)
				errMu.Unlock()
			}(c)
		}
		wg.Wait()

		if end < len(targets) && s.interBatchDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(s.interBatchDelay):
			}
		}
	}

	finished := time.Now().UTC()
	record := &RunRecord{
		ID:         runID,
		Trigger:    trigger,
		StartedAt:  started,
		FinishedAt: finished,
		Errors:     int(errCount),
	}

	s.mu.Lock()
	s.totalRuns++
	if errCount == 0 {
		s.successfulRuns++
		s.lastSuccess = finished
	} else {
		s.failedRuns++
	}
	s.lastRun = record
	s.mu.Unlock()

	logger.Info("collection cycle finished",
		"duration", finished.Sub(started),
		"errors", errCount)
}

// collectExchange runs every enabled data type in order. A failed data type
// is recorded and the remaining types still run; only after the full pass
// does the breaker decide whether the exchange sits out. The breaker counts
// whole passes: a pass where every data type failed extends the exchange's
// streak, a pass with any success resets it, and the circuit opens once the
// streak reaches the threshold.
func (s *Scheduler) collectExchange(ctx context.Context, logger *slog.Logger, c Collector) int {
	failures := 0
	for _, dt := range s.dataTypes {
		if ctx.Err() != nil {
			// a cancelled pass carries no signal for the breaker
			return failures
		}
		if err := c.Collect(ctx, dt); err != nil {
			failures++
			s.recordError(c.Name(), string(dt), err)
			logger.Error("collection failed",
				"exchange", c.Name(),
				"data_type", dt,
				"error", err)
		}
	}
	if len(s.dataTypes) == 0 {
		return failures
	}

	if failures == len(s.dataTypes) {
		if s.extendFailStreak(c.Name()) >= s.errorThreshold {
			s.tripCircuit(c.Name())
		}
	} else {
		s.clearFailStreak(c.Name())
	}
	return failures
}

// extendFailStreak records one fully-failed pass and returns the new streak.
func (s *Scheduler) extendFailStreak(exchange string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStreaks[exchange]++
	return s.failStreaks[exchange]
}

func (s *Scheduler) clearFailStreak(exchange string) {
	s.mu.Lock()
	delete(s.failStreaks, exchange)
	s.mu.Unlock()
}

// circuitState reports whether the exchange's circuit is open, and whether it
// just transitioned to closed because its cooldown elapsed. Closing the
// circuit clears the failure streak so the exchange restarts with a clean
// count.
func (s *Scheduler) circuitState(exchange string) (open, reopened bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.circuits[exchange]
	if !ok {
		return false, false
	}
	if time.Now().Before(until) {
		return true, false
	}
	delete(s.circuits, exchange)
	delete(s.failStreaks, exchange)
	return false, true
}

func (s *Scheduler) tripCircuit(exchange string) {
	until := time.Now().Add(s.cooldown)
	s.mu.Lock()
	s.circuits[exchange] = until
	s.mu.Unlock()

	s.logger.Warn("circuit opened",
		"exchange", exchange,
		"threshold", s.errorThreshold,
		"closes_at", until)
	s.gateway.UpdateExchangeStatus(context.Background(), exchange, models.StatusUpdate{
		State:        models.StateInactive,
		ErrorMessage: "",
	})
}

func (s *Scheduler) recordError(exchange, dataType string, err error) {
	rec := ErrorRecord{
		Exchange: exchange,
		DataType: dataType,
		Message:  err.Error(),
		At:       time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentErrors = append(s.recentErrors, rec)
	if len(s.recentErrors) > recentErrorCap {
		s.recentErrors = s.recentErrors[len(s.recentErrors)-recentErrorCap:]
	}
}

func (s *Scheduler) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}
