// Package scheduler runs deployed algorithms on their cadences and submits
// their decisions to the executor.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"execution-core/internal/events"
	"execution-core/internal/market"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/pnl"
	"execution-core/internal/strategy"
	"execution-core/pkg/db"
)

// ErrJobNotFound is returned by Pause, Resume and Unschedule for unknown keys.
var ErrJobNotFound = errors.New("job not found")

// Tick outcomes.
const (
	OutcomeTraded  = "traded"
	OutcomeIdle    = "idle"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Submitter is the executor as the scheduler sees it.
type Submitter interface {
	Submit(ctx context.Context, in order.Intent) (*order.Result, error)
}

// DeploymentStore persists deployment rows; *db.Queries implements it.
type DeploymentStore interface {
	ListActiveDeployments(ctx context.Context) ([]db.DeploymentWithType, error)
	RecordDeploymentRun(ctx context.Context, userID, algorithmID string, pnlDelta decimal.Decimal, trades int, lastError string) error
	SaveDeploymentState(ctx context.Context, userID, algorithmID, state string) error
	SetDeploymentState(ctx context.Context, userID, algorithmID string, active, paused bool) error
}

// PnLSource reports realized P&L; *pnl.Engine implements it.
type PnLSource interface {
	Realized(ctx context.Context, userID string, f pnl.Filter) (decimal.Decimal, error)
}

// Key identifies a job.
type Key struct {
	UserID      string `json:"user_id"`
	AlgorithmID string `json:"algorithm_id"`
}

func (k Key) String() string { return k.UserID + "/" + k.AlgorithmID }

// JobInfo is a point-in-time view of one job.
type JobInfo struct {
	Key
	Strategy  string    `json:"strategy"`
	Cadence   string    `json:"cadence"`
	Paused    bool      `json:"paused"`
	NextRun   time.Time `json:"next_run"`
	LastRun   time.Time `json:"last_run"`
	Successes int       `json:"successes"`
	Errors    int       `json:"errors"`
	LastError string    `json:"last_error,omitempty"`
}

// TickReport is published on the bus after every tick.
type TickReport struct {
	Key
	Outcome string `json:"outcome"`
	OrderID string `json:"order_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

type job struct {
	key      Key
	cadence  Cadence
	strategy strategy.Strategy
	entryID  cron.EntryID
	running  atomic.Bool

	mu        sync.Mutex
	paused    bool
	successes int
	errors    int
	lastError string
	lastRun   time.Time
	realized  decimal.Decimal
}

// Options carries the optional collaborators.
type Options struct {
	Store       DeploymentStore
	PnL         PnLSource
	Registry    *strategy.Registry
	Bus         *events.Bus
	Metrics     *monitor.Metrics
	TickTimeout time.Duration
}

// Scheduler is the process-wide job table keyed by (user, algorithm).
type Scheduler struct {
	cron     *cron.Cron
	prices   market.SnapshotSource
	exec     Submitter
	store    DeploymentStore
	pnl      PnLSource
	registry *strategy.Registry
	bus      *events.Bus
	metrics  *monitor.Metrics
	timeout  time.Duration
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[Key]*job
}

// New builds a stopped scheduler.
func New(prices market.SnapshotSource, exec Submitter, opts Options, logger zerolog.Logger) *Scheduler {
	log := logger.With().Str("component", "scheduler").Logger()
	if opts.Registry == nil {
		opts.Registry = strategy.NewRegistry()
	}
	if opts.TickTimeout <= 0 {
		opts.TickTimeout = 2 * time.Minute
	}
	cl := cronLogger{log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		prices:   prices,
		exec:     exec,
		store:    opts.Store,
		pnl:      opts.PnL,
		registry: opts.Registry,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		timeout:  opts.TickTimeout,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[Key]*job),
	}
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", s.count()).Msg("scheduler started")
}

// Stop cancels in-flight ticks and waits for them to settle or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Schedule registers a job; an existing job for the same key is replaced.
func (s *Scheduler) Schedule(userID, algorithmID string, strat strategy.Strategy, cadence Cadence) error {
	if userID == "" || algorithmID == "" {
		return errors.New("schedule: user and algorithm are required")
	}
	if strat == nil || cadence.schedule == nil {
		return errors.New("schedule: strategy and cadence are required")
	}
	key := Key{UserID: userID, AlgorithmID: algorithmID}
	j := &job{key: key, cadence: cadence, strategy: strat}

	s.mu.Lock()
	if old, ok := s.jobs[key]; ok {
		s.cron.Remove(old.entryID)
		j.realized = old.snapshotRealized()
	}
	j.entryID = s.cron.Schedule(cadence.schedule, cron.FuncJob(func() { s.tick(s.ctx, j) }))
	s.jobs[key] = j
	n := len(s.jobs)
	s.mu.Unlock()

	s.metrics.SetScheduledJobs(n)
	s.log.Info().Str("job", key.String()).Str("strategy", strat.Name()).Str("cadence", cadence.String()).Msg("job scheduled")
	return nil
}

// Pause keeps the job registered but skips its ticks.
func (s *Scheduler) Pause(ctx context.Context, userID, algorithmID string) error {
	return s.setPaused(ctx, userID, algorithmID, true)
}

// Resume re-enables a paused job.
func (s *Scheduler) Resume(ctx context.Context, userID, algorithmID string) error {
	return s.setPaused(ctx, userID, algorithmID, false)
}

func (s *Scheduler) setPaused(ctx context.Context, userID, algorithmID string, paused bool) error {
	j, ok := s.job(Key{UserID: userID, AlgorithmID: algorithmID})
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrJobNotFound, userID, algorithmID)
	}
	j.mu.Lock()
	j.paused = paused
	j.mu.Unlock()
	s.persistState(ctx, j.key, true, paused)
	s.log.Info().Str("job", j.key.String()).Bool("paused", paused).Msg("job state changed")
	return nil
}

// Unschedule removes the job and marks its deployment inactive.
func (s *Scheduler) Unschedule(ctx context.Context, userID, algorithmID string) error {
	key := Key{UserID: userID, AlgorithmID: algorithmID}
	s.mu.Lock()
	j, ok := s.jobs[key]
	if ok {
		s.cron.Remove(j.entryID)
		delete(s.jobs, key)
	}
	n := len(s.jobs)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	s.metrics.SetScheduledJobs(n)
	s.persistState(ctx, key, false, false)
	s.log.Info().Str("job", key.String()).Msg("job unscheduled")
	return nil
}

func (s *Scheduler) persistState(ctx context.Context, key Key, active, paused bool) {
	if s.store == nil {
		return
	}
	if err := s.store.SetDeploymentState(ctx, key.UserID, key.AlgorithmID, active, paused); err != nil {
		s.log.Warn().Err(err).Str("job", key.String()).Msg("persist deployment state failed")
	}
}

// Jobs lists every job ordered by key.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		next := s.cron.Entry(j.entryID).Next
		if next.IsZero() {
			next = j.cadence.schedule.Next(time.Now().UTC())
		}
		j.mu.Lock()
		out = append(out, JobInfo{
			Key:       j.key,
			Strategy:  j.strategy.Name(),
			Cadence:   j.cadence.String(),
			Paused:    j.paused,
			NextRun:   next,
			LastRun:   j.lastRun,
			Successes: j.successes,
			Errors:    j.errors,
			LastError: j.lastError,
		})
		j.mu.Unlock()
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Key.String() < out[b].Key.String() })
	return out
}

// RunNow executes one tick of the job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, userID, algorithmID string) (TickReport, error) {
	j, ok := s.job(Key{UserID: userID, AlgorithmID: algorithmID})
	if !ok {
		return TickReport{}, fmt.Errorf("%w: %s/%s", ErrJobNotFound, userID, algorithmID)
	}
	return s.tick(ctx, j), nil
}

func (s *Scheduler) job(key Key) (*job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	return j, ok
}

func (s *Scheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// tick fetches a snapshot, asks the strategy, submits and records the
// outcome. At most one tick per job runs at a time.
func (s *Scheduler) tick(parent context.Context, j *job) TickReport {
	report := TickReport{Key: j.key, Outcome: OutcomeSkipped}
	j.mu.Lock()
	paused := j.paused
	j.mu.Unlock()
	if paused || !j.running.CompareAndSwap(false, true) {
		s.metrics.SchedulerTick(OutcomeSkipped)
		return report
	}
	defer j.running.Store(false)

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	log := s.log.With().Str("job", j.key.String()).Logger()

	res, err := s.decideAndSubmit(ctx, j)
	switch {
	case err != nil:
		report.Outcome = OutcomeError
		report.Error = err.Error()
	case res == nil:
		report.Outcome = OutcomeIdle
	default:
		report.Outcome = OutcomeTraded
	}
	if res != nil {
		report.OrderID = res.OrderID
		report.Status = res.Status
	}

	j.mu.Lock()
	j.lastRun = time.Now().UTC()
	if err != nil {
		j.errors++
		j.lastError = err.Error()
	} else {
		j.successes++
		j.lastError = ""
	}
	j.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Str("order_id", report.OrderID).Msg("tick failed")
	} else if res != nil {
		log.Info().Str("order_id", res.OrderID).Str("status", res.Status).Msg("tick traded")
	}
	s.recordRun(ctx, j, res, report.Error)
	s.saveStrategyState(ctx, j)
	s.metrics.SchedulerTick(report.Outcome)
	s.bus.Publish(events.EventSchedulerTick, report)
	return report
}

func (s *Scheduler) decideAndSubmit(ctx context.Context, j *job) (*order.Result, error) {
	snap, err := s.prices.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("market snapshot: %w", err)
	}
	intent, err := j.strategy.Decide(snap)
	if err != nil {
		return nil, fmt.Errorf("decide: %w", err)
	}
	if intent == nil {
		return nil, nil
	}
	intent.UserID = j.key.UserID
	intent.AlgorithmID = j.key.AlgorithmID
	return s.exec.Submit(ctx, *intent)
}

// recordRun accumulates the deployment's trade count and realized P&L.
func (s *Scheduler) recordRun(ctx context.Context, j *job, res *order.Result, lastErr string) {
	if s.store == nil || (res == nil && lastErr == "") {
		return
	}
	trades := 0
	delta := decimal.Zero
	if res != nil && res.Status != db.StatusFailed {
		trades = 1
		if s.pnl != nil {
			realized, err := s.pnl.Realized(ctx, j.key.UserID, pnl.Filter{AlgorithmID: j.key.AlgorithmID})
			if err != nil {
				s.log.Warn().Err(err).Str("job", j.key.String()).Msg("realized pnl unavailable")
			} else {
				j.mu.Lock()
				delta = realized.Sub(j.realized)
				j.realized = realized
				j.mu.Unlock()
			}
		}
	}
	err := s.store.RecordDeploymentRun(ctx, j.key.UserID, j.key.AlgorithmID, delta, trades, lastErr)
	if errors.Is(err, db.ErrNotFound) {
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Str("job", j.key.String()).Msg("record deployment run failed")
	}
}

func (s *Scheduler) saveStrategyState(ctx context.Context, j *job) {
	if s.store == nil {
		return
	}
	state, err := j.strategy.State()
	if err != nil {
		s.log.Warn().Err(err).Str("job", j.key.String()).Msg("export strategy state failed")
		return
	}
	if err := s.store.SaveDeploymentState(ctx, j.key.UserID, j.key.AlgorithmID, string(state)); err != nil {
		s.log.Warn().Err(err).Str("job", j.key.String()).Msg("save strategy state failed")
	}
}

func (j *job) snapshotRealized() decimal.Decimal {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.realized
}

// LoadDeployedAlgorithms re-registers every active deployment. Rows with an
// unknown algorithm type or a bad cadence are logged and skipped.
func (s *Scheduler) LoadDeployedAlgorithms(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, errors.New("no deployment store configured")
	}
	rows, err := s.store.ListActiveDeployments(ctx)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, d := range rows {
		log := s.log.With().Str("deployment", d.ID).Str("user_id", d.UserID).Str("algorithm_id", d.AlgorithmID).Logger()
		strat, err := s.registry.Build(d.AlgorithmType, strategy.Merge(d.DefaultParameters, d.Parameters))
		if err != nil {
			log.Warn().Err(err).Str("type", d.AlgorithmType).Msg("skipping deployment")
			continue
		}
		cadence, err := ParseCadence(d.Cadence)
		if err != nil {
			log.Warn().Err(err).Msg("skipping deployment")
			continue
		}
		if d.State != "" {
			if err := strat.Restore(json.RawMessage(d.State)); err != nil {
				log.Warn().Err(err).Msg("strategy state ignored")
			}
		}
		if err := s.Schedule(d.UserID, d.AlgorithmID, strat, cadence); err != nil {
			log.Warn().Err(err).Msg("skipping deployment")
			continue
		}
		if j, ok := s.job(Key{UserID: d.UserID, AlgorithmID: d.AlgorithmID}); ok {
			j.mu.Lock()
			j.paused = d.IsPaused
			j.realized = d.TotalPnL
			j.mu.Unlock()
		}
		loaded++
	}
	s.log.Info().Int("loaded", loaded).Int("rows", len(rows)).Msg("deployed algorithms restored")
	return loaded, nil
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct{ log zerolog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
