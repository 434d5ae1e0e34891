// Package tracking is the public face of the event queue: every call turns a
// tracking intent into a stored activity and wakes the dispatcher.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"trackflow/internal/clock"
	"trackflow/internal/domain"
	"trackflow/internal/worker"
)

var ErrClosed = errors.New("tracking queue closed")

type TaskStore interface {
	InsertTask(ctx context.Context, t domain.Task) (string, error)
	PurgeTerminal(ctx context.Context) (int, error)
	RecoverStale(ctx context.Context) (int, error)
}

type Dispatcher interface {
	CheckForPending(ctx context.Context, source worker.TriggerSource) bool
	SendAllPending(ctx context.Context) error
}

// Listener receives the result of storing one activity. A nil error means
// the activity is durably queued, not that it was delivered.
type Listener func(err error)

type enqueueOptions struct {
	listener Listener
	priority int
}

type Option func(*enqueueOptions)

func WithListener(l Listener) Option {
	return func(o *enqueueOptions) { o.listener = l }
}

// WithPriority marks the activity as more (positive) or less (negative)
// urgent than the default. Urgent activities are sent without waiting for a
// full batch.
func WithPriority(p int) Option {
	return func(o *enqueueOptions) { o.priority = p }
}

type Settings struct {
	IdentityType domain.IdentityType
	// Platform is stamped on every registered or deleted device.
	Platform string
}

// Queue accepts tracking calls without blocking on storage or network I/O.
type Queue struct {
	store      TaskStore
	dispatcher Dispatcher
	clock      clock.Clock
	settings   Settings
	logger     zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewQueue(store TaskStore, dispatcher Dispatcher, settings Settings, clk clock.Clock, logger zerolog.Logger) *Queue {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if settings.IdentityType == "" {
		settings.IdentityType = domain.IdentityID
	}
	return &Queue{
		store:      store,
		dispatcher: dispatcher,
		clock:      clk,
		settings:   settings,
		logger:     logger.With().Str("component", "background_queue").Logger(),
	}
}

// Start returns tasks stranded by a previous process to PENDING and runs a
// first pending check.
func (q *Queue) Start(ctx context.Context) error {
	n, err := q.store.RecoverStale(ctx)
	if err != nil {
		return fmt.Errorf("recover stale tasks: %w", err)
	}
	if n > 0 {
		q.logger.Info().Int("task_count", n).Msg("recovered tasks from interrupted cycle")
	}
	return q.background(func(ctx context.Context) {
		q.dispatcher.CheckForPending(ctx, worker.TriggerStartup)
	})
}

func (q *Queue) QueueIdentifyProfile(profileIdentifier string, attrs map[string]string, opts ...Option) error {
	if profileIdentifier == "" {
		return errors.New("profile identifier is required")
	}
	return q.add(&profileIdentifier, domain.NewIdentify(q.now(), attrs), opts)
}

// QueueTrack records an event, page view or screen view.
func (q *Queue) QueueTrack(profileIdentifier *string, kind domain.Kind, name string, attrs map[string]string, opts ...Option) error {
	var a domain.Activity
	switch kind {
	case domain.KindEvent:
		a = domain.NewEvent(name, q.now(), attrs)
	case domain.KindPage:
		a = domain.NewPage(name, q.now(), attrs)
	case domain.KindScreen:
		a = domain.NewScreen(name, q.now(), attrs)
	default:
		return fmt.Errorf("%q is not a trackable kind", kind)
	}
	return q.add(profileIdentifier, a, opts)
}

// QueueRegisterDevice registers a push device. The platform is always the
// one the queue was configured with.
func (q *Queue) QueueRegisterDevice(profileIdentifier *string, device domain.Device, opts ...Option) error {
	device.Platform = q.settings.Platform
	return q.add(profileIdentifier, domain.NewAddDevice(q.now(), device), opts)
}

func (q *Queue) QueueDeletePushToken(profileIdentifier *string, deviceToken string, opts ...Option) error {
	device := domain.Device{Token: deviceToken, Platform: q.settings.Platform}
	return q.add(profileIdentifier, domain.NewDeleteDevice(device), opts)
}

// QueueTrackMetric reports a push metric. Metrics are never attributed to a
// profile.
func (q *Queue) QueueTrackMetric(deliveryID, deviceToken string, event domain.MetricEvent, opts ...Option) error {
	if deviceToken == "" {
		return errors.New("device token is required")
	}
	return q.add(nil, domain.NewPushMetric(event, deliveryID, deviceToken, q.now()), opts)
}

func (q *Queue) QueueTrackInAppMetric(deliveryID string, event domain.MetricEvent, opts ...Option) error {
	return q.add(nil, domain.NewInAppMetric(event, deliveryID, q.now()), opts)
}

// Flush sends everything pending, waiting for a running cycle first.
func (q *Queue) Flush(ctx context.Context) error {
	return q.dispatcher.SendAllPending(ctx)
}

// DeleteExpired removes tasks that were sent or rejected for good.
func (q *Queue) DeleteExpired(ctx context.Context) (int, error) {
	n, err := q.store.PurgeTerminal(ctx)
	if err != nil {
		return 0, err
	}
	q.logger.Debug().Int("task_count", n).Msg("expired tasks deleted")
	return n, nil
}

// Close rejects new calls, waits for queued inserts and sends what is left.
// The final flush is bounded by ctx.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for background jobs: %w", ctx.Err())
	}
	return q.Flush(ctx)
}

func (q *Queue) add(profileIdentifier *string, a domain.Activity, opts []Option) error {
	o := enqueueOptions{priority: domain.PriorityDefault}
	for _, opt := range opts {
		opt(&o)
	}
	if err := a.Validate(); err != nil {
		return err
	}
	task := domain.Task{
		ProfileIdentifier: profileIdentifier,
		IdentityType:      q.settings.IdentityType,
		Activity:          a,
		Priority:          o.priority,
	}
	return q.background(func(ctx context.Context) {
		_, err := q.store.InsertTask(ctx, task)
		if o.listener != nil {
			o.listener(err)
		}
		if err != nil {
			return
		}
		q.dispatcher.CheckForPending(ctx, worker.TriggerEnqueue)
	})
}

// background runs job on its own goroutine, tracked so Close can wait for it.
// Jobs outlive the caller's request, so they get a fresh context.
func (q *Queue) background(job func(ctx context.Context)) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				q.logger.Error().Interface("panic", p).Msg("background job panicked")
			}
		}()
		job(context.Background())
	}()
	return nil
}

func (q *Queue) now() int64 { return clock.EpochSeconds(q.clock.Now()) }
