package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/robfig/cron/v3"

	"github.com/dmitrymomot/mailqueue/pkg/db"
	"github.com/dmitrymomot/mailqueue/pkg/logger"
	"github.com/dmitrymomot/mailqueue/pkg/queue"
)

// txClaimer is implemented by stores that can claim inside a caller-owned
// transaction, letting the claim and the job insert commit atomically.
type txClaimer interface {
	ClaimTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, now time.Time) (bool, error)
	ClaimDueTx(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]uuid.UUID, error)
}

// Config holds dispatch pipeline configuration.
type Config struct {
	// Queue is the River queue name delivery jobs run on.
	Queue string `env:"DISPATCH_QUEUE" envDefault:"dispatch"`
	// MaxWorkers bounds concurrent entry deliveries in this process.
	MaxWorkers int `env:"DISPATCH_MAX_WORKERS" envDefault:"10"`
	// MaxAttempts bounds delivery attempts per entry, counting the first.
	MaxAttempts int `env:"DISPATCH_MAX_ATTEMPTS" envDefault:"4"`
	// SweepSchedule is a cron expression for claiming scheduled entries
	// whose send_after has passed.
	SweepSchedule string `env:"DISPATCH_SWEEP_SCHEDULE" envDefault:"* * * * *"`
	// SweepBatch caps entries claimed per sweep.
	SweepBatch int `env:"DISPATCH_SWEEP_BATCH" envDefault:"100"`
}

func (c *Config) applyDefaults() {
	if c.Queue == "" {
		c.Queue = "dispatch"
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "* * * * *"
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
}

// Manager owns the River client: it enqueues delivery jobs, runs the
// dispatch worker pool, and periodically sweeps scheduled entries into
// the queue.
type Manager struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	store  queue.Store
	cfg    Config
	log    *slog.Logger

	mu      sync.Mutex
	started bool
}

// NewManager creates the dispatch manager. The River client exists
// immediately so entries can be enqueued before Start.
func NewManager(pool *pgxpool.Pool, store queue.Store, worker *Worker, cfg Config, log *slog.Logger) (*Manager, error) {
	if pool == nil {
		return nil, ErrPoolRequired
	}
	cfg.applyDefaults()
	if log == nil {
		log = logger.NewNope()
	}

	m := &Manager{pool: pool, store: store, cfg: cfg, log: log}

	workers := river.NewWorkers()
	river.AddWorker(workers, worker)
	river.AddWorker(workers, &sweepWorker{manager: m})

	sweepSchedule, err := parseCronSchedule(cfg.SweepSchedule)
	if err != nil {
		return nil, fmt.Errorf("dispatch: invalid sweep schedule %q: %w", cfg.SweepSchedule, err)
	}
	periodic := []*river.PeriodicJob{
		river.NewPeriodicJob(
			sweepSchedule,
			func() (river.JobArgs, *river.InsertOpts) {
				return sweepArgs{}, &river.InsertOpts{Queue: cfg.Queue}
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			cfg.Queue: {MaxWorkers: cfg.MaxWorkers},
		},
		Workers:      workers,
		PeriodicJobs: periodic,
		Logger:       log,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: create client: %w", err)
	}
	m.client = client
	return m, nil
}

// Start begins processing delivery jobs.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	if err := m.client.Start(ctx); err != nil {
		return fmt.Errorf("dispatch: start client: %w", err)
	}
	m.started = true
	m.log.Info("dispatch manager started",
		slog.String("queue", m.cfg.Queue),
		slog.Int("max_workers", m.cfg.MaxWorkers),
	)
	return nil
}

// Stop drains in-flight deliveries and shuts the client down.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrNotStarted
	}
	if err := m.client.Stop(ctx); err != nil {
		return fmt.Errorf("dispatch: stop client: %w", err)
	}
	m.started = false
	m.log.Info("dispatch manager stopped")
	return nil
}

// Dispatch claims the entry and enqueues its delivery job, committing both
// in one transaction so a failed enqueue rolls the claim back. It returns
// ErrNotClaimed when the entry is not claimable: already sending, already
// terminal, cancelled, or scheduled for later.
func (m *Manager) Dispatch(ctx context.Context, id uuid.UUID) error {
	tc, ok := m.store.(txClaimer)
	if !ok {
		return m.dispatchCompensated(ctx, id)
	}
	return db.WithTx(ctx, m.pool, func(tx pgx.Tx) error {
		won, err := tc.ClaimTx(ctx, tx, id, time.Now())
		if err != nil {
			return fmt.Errorf("dispatch: claim entry: %w", err)
		}
		if !won {
			return fmt.Errorf("%w: %s", ErrNotClaimed, id)
		}
		return m.enqueueTx(ctx, tx, id)
	})
}

// dispatchCompensated is the path for stores without transactional claims:
// claim, enqueue, and undo the claim when the enqueue fails.
func (m *Manager) dispatchCompensated(ctx context.Context, id uuid.UUID) error {
	won, err := m.store.Claim(ctx, id, time.Now())
	if err != nil {
		return fmt.Errorf("dispatch: claim entry: %w", err)
	}
	if !won {
		return fmt.Errorf("%w: %s", ErrNotClaimed, id)
	}
	if err := m.enqueue(ctx, id); err != nil {
		m.release(ctx, id)
		return err
	}
	return nil
}

// release undoes a claim whose job never made it into the queue. It runs on
// a detached context so a cancelled request cannot strand the entry in
// Sending.
func (m *Manager) release(ctx context.Context, id uuid.UUID) {
	ctx = context.WithoutCancel(ctx)
	if err := m.store.Release(ctx, id); err != nil {
		m.log.ErrorContext(ctx, "failed to release claimed entry",
			slog.String("entry_id", id.String()),
			slog.Any("error", err))
	}
}

func (m *Manager) insertOpts() *river.InsertOpts {
	return &river.InsertOpts{
		Queue:       m.cfg.Queue,
		MaxAttempts: m.cfg.MaxAttempts,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

func (m *Manager) enqueue(ctx context.Context, id uuid.UUID) error {
	_, err := m.client.Insert(ctx, dispatchArgs{EntryID: id}, m.insertOpts())
	if err != nil {
		return fmt.Errorf("dispatch: enqueue entry %s: %w", id, err)
	}
	return nil
}

func (m *Manager) enqueueTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := m.client.InsertTx(ctx, tx, dispatchArgs{EntryID: id}, m.insertOpts())
	if err != nil {
		return fmt.Errorf("dispatch: enqueue entry %s: %w", id, err)
	}
	return nil
}

// sweepArgs is the periodic job that moves due scheduled entries into the
// delivery queue.
type sweepArgs struct{}

func (sweepArgs) Kind() string { return "mailqueue:sweep" }

type sweepWorker struct {
	river.WorkerDefaults[sweepArgs]
	manager *Manager
}

func (w *sweepWorker) Work(ctx context.Context, _ *river.Job[sweepArgs]) error {
	m := w.manager
	tc, ok := m.store.(txClaimer)
	if !ok {
		return m.sweepCompensated(ctx)
	}

	// Claim and enqueue in one transaction: a failed enqueue rolls every
	// claim back, so the next sweep sees the entries again.
	var count int
	err := db.WithTx(ctx, m.pool, func(tx pgx.Tx) error {
		ids, err := tc.ClaimDueTx(ctx, tx, time.Now(), m.cfg.SweepBatch)
		if err != nil {
			return fmt.Errorf("dispatch: sweep claim: %w", err)
		}
		for _, id := range ids {
			if err := m.enqueueTx(ctx, tx, id); err != nil {
				return err
			}
		}
		count = len(ids)
		return nil
	})
	if err != nil {
		return err
	}
	if count > 0 {
		m.log.InfoContext(ctx, "swept scheduled entries", slog.Int("count", count))
	}
	return nil
}

func (m *Manager) sweepCompensated(ctx context.Context) error {
	ids, err := m.store.ClaimDue(ctx, time.Now(), m.cfg.SweepBatch)
	if err != nil {
		return fmt.Errorf("dispatch: sweep claim: %w", err)
	}
	var errs []error
	for _, id := range ids {
		if err := m.enqueue(ctx, id); err != nil {
			m.release(ctx, id)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if len(ids) > 0 {
		m.log.InfoContext(ctx, "swept scheduled entries", slog.Int("count", len(ids)))
	}
	return nil
}

type cronScheduleAdapter struct {
	schedule cron.Schedule
}

func (a *cronScheduleAdapter) Next(current time.Time) time.Time {
	return a.schedule.Next(current)
}

func parseCronSchedule(expr string) (river.PeriodicSchedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	return &cronScheduleAdapter{schedule: schedule}, nil
}
