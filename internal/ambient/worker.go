package ambient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/attendra/attendra/internal/store"
	"github.com/attendra/attendra/pkg/models"
)

// WorkerOptions tunes the polling loop.
type WorkerOptions struct {
	BatchSize  int
	IdleSleep  time.Duration
	ErrorSleep time.Duration
}

// Worker is the long-lived queue consumer. Claiming is atomic at the
// store boundary, so any number of Worker processes can run against the
// same queue without double-claiming; the worker itself holds no locks.
type Worker struct {
	store     store.Store
	executors map[models.AbilityType]Executor
	opts      WorkerOptions
}

// NewWorker creates a worker with the given executors. Later executors
// with the same type win.
func NewWorker(s store.Store, executors []Executor, opts WorkerOptions) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = 5 * time.Second
	}
	if opts.ErrorSleep <= 0 {
		opts.ErrorSleep = 30 * time.Second
	}
	table := make(map[models.AbilityType]Executor, len(executors))
	for _, e := range executors {
		table[e.Type()] = e
	}
	return &Worker{store: s, executors: table, opts: opts}
}

// Start runs the polling loop until the context is cancelled.
func (w *Worker) Start(ctx context.Context) {
	log.Info().
		Int("batch_size", w.opts.BatchSize).
		Dur("idle_sleep", w.opts.IdleSleep).
		Dur("error_sleep", w.opts.ErrorSleep).
		Msg("Ambient worker started")

	for {
		claimed, err := w.step(ctx)

		sleep := sleepFor(claimed, err, w.opts)
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Dur("backoff", sleep).Msg("Ambient claim failed, backing off")
		}
		if sleep == 0 {
			// More work may be waiting; poll again immediately.
			if ctx.Err() != nil {
				log.Info().Msg("Ambient worker stopped")
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("Ambient worker stopped")
			return
		case <-time.After(sleep):
		}
	}
}

// sleepFor picks the pause after one poll cycle: none while the queue has
// depth, the idle interval on an empty poll, and the longer backoff when
// the queue backend errored so a down dependency is not hot-looped.
func sleepFor(claimed int, err error, opts WorkerOptions) time.Duration {
	switch {
	case err != nil:
		return opts.ErrorSleep
	case claimed == 0:
		return opts.IdleSleep
	default:
		return 0
	}
}

// step claims one batch and executes it sequentially. The returned error
// is only ever a claim error; execution failures are contained per run.
func (w *Worker) step(ctx context.Context) (int, error) {
	runs, err := w.store.ClaimPendingRuns(ctx, w.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	for i := range runs {
		w.executeRun(ctx, &runs[i])
	}
	return len(runs), nil
}

// executeRun drives one claimed run to a terminal status. Panics and
// errors from executors are recorded on the run and never escape the
// loop.
func (w *Worker) executeRun(ctx context.Context, run *models.AmbientAbilityRun) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("run", run.ID).
				Str("ability", run.AbilityName).
				Interface("panic", r).
				Msg("Ability executor panicked")
			w.failRun(ctx, run, fmt.Sprintf("executor panic: %v", r), time.Since(start))
		}
	}()

	exec, ok := w.executors[run.AbilityType]
	if !ok {
		w.failRun(ctx, run, fmt.Sprintf("no executor for ability type %q", run.AbilityType), time.Since(start))
		return
	}

	ability, err := w.store.GetAbility(ctx, run.AbilityID)
	if err != nil {
		w.failRun(ctx, run, fmt.Sprintf("load ability %s: %v", run.AbilityID, err), time.Since(start))
		return
	}

	result, err := exec.Execute(ctx, run, ability)
	elapsed := time.Since(start)
	if err != nil {
		log.Warn().
			Err(err).
			Str("run", run.ID).
			Str("ability", ability.Name).
			Dur("elapsed", elapsed).
			Msg("Ambient run failed")
		w.failRun(ctx, run, err.Error(), elapsed)
		return
	}

	if err := w.store.CompleteRun(ctx, run.ID, result, elapsed.Milliseconds()); err != nil {
		log.Error().Err(err).Str("run", run.ID).Msg("Failed to record run completion")
		return
	}
	log.Info().
		Str("run", run.ID).
		Str("ability", ability.Name).
		Dur("elapsed", elapsed).
		Msg("Ambient run completed")

	w.notify(ctx, run, ability)
}

func (w *Worker) failRun(ctx context.Context, run *models.AmbientAbilityRun, msg string, elapsed time.Duration) {
	if err := w.store.FailRun(ctx, run.ID, msg, elapsed.Milliseconds()); err != nil {
		log.Error().Err(err).Str("run", run.ID).Msg("Failed to record run failure")
	}
}

// notify appends the shown=false notification the interactive layer polls
// for. Notification failures do not affect the run's recorded status.
func (w *Worker) notify(ctx context.Context, run *models.AmbientAbilityRun, ability *models.Ability) {
	n := &models.Notification{
		ID:        uuid.NewString(),
		TenantID:  run.TenantID,
		UserID:    run.UserID,
		RunID:     run.ID,
		Message:   fmt.Sprintf("Ability %q finished", ability.Name),
		Shown:     false,
		CreatedAt: time.Now().UTC(),
	}
	if err := w.store.CreateNotification(ctx, n); err != nil {
		log.Error().Err(err).Str("run", run.ID).Msg("Failed to create notification")
	}
}
