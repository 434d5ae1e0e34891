package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"trackflow/internal/domain"
	"trackflow/internal/transport"
)

// TaskStore is the part of the task table the dispatch cycle needs.
type TaskStore interface {
	SelectBatchCandidates(ctx context.Context, limit int, exclude ...string) ([]domain.QueueTask, error)
	UpdateStatus(ctx context.Context, status domain.Status, ids []string) error
	ApplyResponses(ctx context.Context, responses []domain.TaskResponse) error
}

type BatchSender interface {
	SendBatch(ctx context.Context, batch []transport.TrackingRequest) (transport.BatchResponse, error)
}

// anonymousProfile is sent for tasks queued before any profile was identified.
const anonymousProfile = "N/A"

// Runner sends one batch of tasks and writes each task's outcome back.
type Runner struct {
	store  TaskStore
	sender BatchSender
	logger zerolog.Logger
}

func NewRunner(store TaskStore, sender BatchSender, logger zerolog.Logger) *Runner {
	return &Runner{
		store:  store,
		sender: sender,
		logger: logger.With().Str("component", "queue_runner").Logger(),
	}
}

// RunQueueForTasks delivers tasks in a single request. It reports true when
// the server answered and was not itself failing, i.e. when sending the next
// batch is worthwhile. Every task ends up with an outcome, whatever fails:
// status writes outlive ctx so a cancelled caller cannot strand rows in
// SENDING. A non-nil error means the batch itself could not be built, the
// runner panicked, or ctx ended during the request.
func (r *Runner) RunQueueForTasks(ctx context.Context, tasks []domain.QueueTask) (ok bool, err error) {
	if len(tasks) == 0 {
		return false, nil
	}
	start := time.Now()
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	bookkeeping := context.WithoutCancel(ctx)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Int("task_count", len(tasks)).Msg("queue runner panicked")
			r.apply(bookkeeping, failAll(tasks, nil))
			ok, err = false, fmt.Errorf("queue runner panic: %v", p)
		}
	}()

	ids := taskIDs(tasks)
	if err := r.store.UpdateStatus(bookkeeping, domain.StatusSending, ids); err != nil {
		r.logger.Error().Err(err).Msg("unable to mark tasks as sending")
	}

	batch, err := buildBatch(tasks)
	if err != nil {
		r.logger.Error().Err(err).Int("task_count", len(tasks)).Msg("unable to build batch request")
		r.apply(bookkeeping, failAll(tasks, nil))
		return false, err
	}

	resp, err := r.sender.SendBatch(ctx, batch)
	if err != nil {
		r.apply(bookkeeping, failAll(tasks, nil))
		if ctxErr := ctx.Err(); ctxErr != nil {
			r.logger.Debug().Err(err).Int("task_count", len(tasks)).Msg("batch request cancelled")
			return false, ctxErr
		}
		if !errors.Is(err, transport.ErrNoResponse) {
			r.logger.Error().Err(err).Msg("batch request failed")
		}
		return false, nil
	}

	if !resp.Successful() {
		code := resp.StatusCode
		r.apply(bookkeeping, failAll(tasks, &code))
		return !resp.ServerUnavailable(), nil
	}

	r.apply(bookkeeping, r.reconcile(tasks, resp))
	return true, nil
}

// reconcile defaults every task to SENT and overrides the items the server
// rejected. Fixable rejections are retried, the rest are parked as INVALID.
func (r *Runner) reconcile(tasks []domain.QueueTask, resp transport.BatchResponse) []domain.TaskResponse {
	code := resp.StatusCode
	out := make([]domain.TaskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = domain.TaskResponse{TaskID: t.ID, NewStatus: domain.StatusSent, StatusCode: &code}
	}
	for _, e := range resp.Errors {
		idx := e.Index()
		if idx < 0 || idx >= len(tasks) {
			r.logger.Error().Int("batch_index", idx).Str("reason", string(e.Reason)).Msg("tracking error outside of batch")
			continue
		}
		reason := e.Reason
		out[idx].NewStatus = reason.Status()
		out[idx].ErrorReason = &reason
		r.logger.Debug().
			Str("task_id", tasks[idx].ID).
			Str("reason", string(reason)).
			Str("field", e.Field).
			Str("message", e.Message).
			Msg("task rejected by tracking api")
	}
	return out
}

func (r *Runner) apply(ctx context.Context, responses []domain.TaskResponse) {
	for _, resp := range responses {
		taskOutcomeCounter.WithLabelValues(string(resp.NewStatus)).Inc()
	}
	if err := r.store.ApplyResponses(ctx, responses); err != nil {
		r.logger.Error().Err(err).Msg("unable to update response status")
	}
}

func buildBatch(tasks []domain.QueueTask) ([]transport.TrackingRequest, error) {
	batch := make([]transport.TrackingRequest, 0, len(tasks))
	for _, t := range tasks {
		a, err := domain.DecodeActivity(t.ActivityJSON)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", t.ID, err)
		}
		profile := anonymousProfile
		if t.ProfileIdentifier != nil {
			profile = *t.ProfileIdentifier
		}
		batch = append(batch, transport.NewTrackingRequest(a, t.IdentityType, profile))
	}
	return batch, nil
}

func failAll(tasks []domain.QueueTask, code *int) []domain.TaskResponse {
	out := make([]domain.TaskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = domain.TaskResponse{TaskID: t.ID, NewStatus: domain.StatusFailed, StatusCode: code}
	}
	return out
}

func taskIDs(tasks []domain.QueueTask) []string {
	ids := make([]string, len(tasks))
	for i := range tasks {
		ids[i] = tasks[i].ID
	}
	return ids
}
