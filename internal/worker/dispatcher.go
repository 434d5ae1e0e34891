package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"trackflow/internal/clock"
	"trackflow/internal/domain"
)

// ErrServerUnavailable is returned by SendAllPending when the drain stopped
// because the tracking API was unreachable or failing.
var ErrServerUnavailable = errors.New("tracking api unavailable")

// TriggerSource records why a pending check ran.
type TriggerSource string

const (
	TriggerEnqueue TriggerSource = "ENQUEUE"
	TriggerTimer   TriggerSource = "TIMER"
	TriggerFlush   TriggerSource = "FLUSH"
	TriggerStartup TriggerSource = "STARTUP"
)

// BatchRunner delivers one batch. See Runner.
type BatchRunner interface {
	RunQueueForTasks(ctx context.Context, tasks []domain.QueueTask) (bool, error)
}

// Timer is the single-shot countdown used to re-check the queue.
type Timer interface {
	Schedule(force bool, d time.Duration, fn func()) bool
	Cancel()
}

type Config struct {
	MinTasks int
	MaxBatch int
	MaxDelay time.Duration
}

// Dispatcher decides when queued tasks are worth a network call and drives
// the select, send, reconcile cycle. At most one cycle runs at a time.
type Dispatcher struct {
	sem     chan struct{}
	recheck atomic.Bool
	store   TaskStore
	runner  BatchRunner
	timer   Timer
	clock   clock.Clock
	cfg     Config
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewDispatcher(cfg Config, store TaskStore, runner BatchRunner, timer Timer, clk clock.Clock, logger zerolog.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sem:    make(chan struct{}, 1),
		store:  store,
		runner: runner,
		timer:  timer,
		clock:  clk,
		cfg:    cfg,
		logger: logger.With().Str("component", "queue_dispatcher").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// CheckForPending runs a pass over the oldest page of pending tasks and
// sends it if the batch policy allows. When another cycle holds the lock the
// call does not wait: it flags a recheck and the lock holder runs one more
// pass before releasing, so a burst of enqueues is examined together. It
// reports whether this call ran a cycle itself.
func (d *Dispatcher) CheckForPending(ctx context.Context, source TriggerSource) (ran bool) {
	for {
		if !d.tryAcquire() {
			d.recheck.Store(true)
			// the holder may have released between the two attempts
			if !d.tryAcquire() {
				coalescedCounter.WithLabelValues(string(source)).Inc()
				d.logger.Debug().Str("trigger", string(source)).Msg("dispatch cycle in progress, check coalesced")
				return ran
			}
		}
		ran = true
		d.checkCycle(ctx, source)
		if !d.recheck.Load() || ctx.Err() != nil {
			return ran
		}
	}
}

func (d *Dispatcher) checkCycle(ctx context.Context, source TriggerSource) {
	defer d.release()
	d.timer.Cancel()
	defer d.rearm()
	defer d.recoverCycle(source)

	for {
		d.recheck.Store(false)
		d.checkOnce(ctx, source)
		if !d.recheck.Load() || ctx.Err() != nil {
			return
		}
	}
}

func (d *Dispatcher) checkOnce(ctx context.Context, source TriggerSource) {
	d.logger.Debug().Str("trigger", string(source)).Msg("checking for pending tasks")
	tasks, err := d.store.SelectBatchCandidates(ctx, d.cfg.MaxBatch)
	if err != nil {
		d.logger.Error().Err(err).Msg("validation for pending tasks failed")
		return
	}
	if len(tasks) == 0 {
		return
	}

	dispatch := d.ShouldDispatch(tasks)
	d.logger.Debug().Int("task_count", len(tasks)).Bool("batching", dispatch).Msg("pending tasks checked")
	if !dispatch {
		deferredCounter.Inc()
		// reserved rows must become visible again even if ctx has ended
		if err := d.store.UpdateStatus(context.WithoutCancel(ctx), domain.StatusPending, taskIDs(tasks)); err != nil {
			d.logger.Error().Err(err).Msg("unable to return tasks to pending")
		}
		return
	}
	d.runBatch(ctx, source, tasks)
}

// SendAllPending sends every pending task regardless of the batch policy,
// one page at a time, until nothing is left or the server stops answering.
// Unlike CheckForPending it waits for an in-flight cycle to finish.
// Tasks that fail within the drain are not picked up again by the same drain.
// It returns ErrServerUnavailable when the server was unreachable or failing,
// and the runner's error when a batch could not be sent for another reason.
func (d *Dispatcher) SendAllPending(ctx context.Context) error {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	err := d.drain(ctx)
	if err == nil && d.recheck.Load() {
		d.CheckForPending(ctx, TriggerFlush)
	}
	return err
}

func (d *Dispatcher) drain(ctx context.Context) (err error) {
	defer d.release()
	d.timer.Cancel()
	defer d.rearm()
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error().Interface("panic", p).Msg("flush cycle panicked")
			err = errors.New("flush cycle panicked")
		}
	}()

	var attempted []string
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tasks, err := d.store.SelectBatchCandidates(ctx, d.cfg.MaxBatch, attempted...)
		if err != nil {
			d.logger.Error().Err(err).Msg("unable to select pending tasks")
			return err
		}
		if len(tasks) == 0 {
			return nil
		}
		attempted = append(attempted, taskIDs(tasks)...)
		ok, err := d.runBatch(ctx, TriggerFlush, tasks)
		if err != nil {
			return err
		}
		if !ok {
			return ErrServerUnavailable
		}
	}
}

// ShouldDispatch applies the batch policy to a page of tasks. Tasks that were
// already attempted neither count towards the minimum nor make the page urgent.
func (d *Dispatcher) ShouldDispatch(tasks []domain.QueueTask) bool {
	now := d.clock.Now()
	countable := 0
	for _, t := range tasks {
		if t.RetryCount > 0 {
			continue
		}
		countable++
		if t.Priority > domain.PriorityDefault || now.Sub(t.CreatedAt) >= d.cfg.MaxDelay {
			return true
		}
	}
	return countable >= d.cfg.MinTasks
}

// Stop cancels the timer and any timer-triggered cycle that has not started.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.timer.Cancel()
}

func (d *Dispatcher) runBatch(ctx context.Context, source TriggerSource, tasks []domain.QueueTask) (bool, error) {
	ok, err := d.runner.RunQueueForTasks(ctx, tasks)
	result := "sent"
	switch {
	case err != nil:
		result = "error"
		d.logger.Error().Err(err).Str("trigger", string(source)).Int("task_count", len(tasks)).Msg("batch run failed")
	case !ok:
		result = "unavailable"
	}
	batchCounter.WithLabelValues(string(source), result).Inc()
	return ok, err
}

func (d *Dispatcher) rearm() {
	if d.ctx.Err() != nil {
		return
	}
	d.timer.Schedule(true, d.cfg.MaxDelay, func() {
		if d.ctx.Err() != nil {
			return
		}
		d.CheckForPending(d.ctx, TriggerTimer)
	})
}

func (d *Dispatcher) recoverCycle(source TriggerSource) {
	if p := recover(); p != nil {
		d.logger.Error().Interface("panic", p).Str("trigger", string(source)).Msg("dispatch cycle panicked")
	}
}

func (d *Dispatcher) tryAcquire() bool {
	select {
	case d.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) release() { <-d.sem }
