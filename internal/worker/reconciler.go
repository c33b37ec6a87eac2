// Package worker retries the follow-up work a checkout leaves behind: backend
// confirmations that failed and the Sheets mirror of finished bookings.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"transferbook/internal/config"
	"transferbook/internal/domain"
	"transferbook/internal/events"
	"transferbook/internal/gateway"
	"transferbook/internal/metrics"
	"transferbook/internal/models"
)

const (
	redisQueueKey = "reconcile:queue"
	deadLetterKey = "reconcile:deadletter"
)

// Reconciler persists tasks in the TaskQueue and hands them to the run loop
// through an in-memory channel, a Redis list, or polling, in that order.
type Reconciler struct {
	queue   domain.TaskQueue
	api     domain.APICaller
	journal domain.Journal
	sheets  domain.SheetsWriter
	events  domain.EventPublisher
	redis   *redis.Client

	retry        RetryPolicy
	local        chan *models.ReconcileTask
	pollInterval time.Duration
	batchSize    int
	logger       *zerolog.Logger
}

type Option func(*Reconciler)

func WithRedis(c *redis.Client) Option { return func(r *Reconciler) { r.redis = c } }

func WithSheets(s domain.SheetsWriter) Option { return func(r *Reconciler) { r.sheets = s } }

func WithEvents(p domain.EventPublisher) Option { return func(r *Reconciler) { r.events = p } }

func NewReconciler(queue domain.TaskQueue, api domain.APICaller, journal domain.Journal, cfg config.WorkerConfig, logger *zerolog.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	r := &Reconciler{
		queue:        queue,
		api:          api,
		journal:      journal,
		retry:        PolicyFromConfig(cfg),
		local:        make(chan *models.ReconcileTask, models.WorkerQueueSize),
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		logger:       logger,
	}
	if r.pollInterval <= 0 {
		r.pollInterval = 2 * time.Second
	}
	if r.batchSize <= 0 {
		r.batchSize = 20
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnqueueConfirm schedules a confirm_payment retry for a booking.
func (r *Reconciler) EnqueueConfirm(ctx context.Context, bookingRef string, payload models.ConfirmPayload) error {
	if payload.PaymentRef == "" {
		return errors.New("payment ref is required")
	}
	return r.enqueue(ctx, models.TaskConfirmPayment, bookingRef, payload)
}

// EnqueueSheetsAppend schedules the Sheets row for a booking. Without a
// Sheets writer there is nothing to do.
func (r *Reconciler) EnqueueSheetsAppend(ctx context.Context, bookingRef string) error {
	if r.sheets == nil {
		return nil
	}
	return r.enqueue(ctx, models.TaskSheetsAppend, bookingRef, nil)
}

func (r *Reconciler) enqueue(ctx context.Context, taskType, bookingRef string, payload any) error {
	if bookingRef == "" {
		return errors.New("booking ref is required")
	}
	raw := ""
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		raw = string(b)
	}

	task := &models.ReconcileTask{
		TaskType:   taskType,
		BookingRef: bookingRef,
		Payload:    raw,
		Status:     models.TaskPending,
	}
	if err := r.queue.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("persist reconcile task: %w", err)
	}

	if r.redis != nil {
		err := r.pushRedis(ctx, redisQueueKey, task)
		if err == nil {
			return nil
		}
		r.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("Redis push failed, using memory queue")
	}

	select {
	case r.local <- task:
	default:
		r.logger.Warn().Int64("task_id", task.ID).Msg("Memory queue full, task left to polling")
	}
	return nil
}

// Start runs the loop until ctx is done.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info().Msg("Reconciler started")
	defer r.logger.Info().Msg("Reconciler stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		if r.RunOnce(ctx) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.pollInterval):
		}
	}
}

// RunOnce processes whatever is ready right now and returns how many tasks
// it handled.
func (r *Reconciler) RunOnce(ctx context.Context) int {
	if t, ok := r.tryLocal(); ok {
		r.process(ctx, t)
		return 1
	}
	if t, ok := r.tryRedis(ctx); ok {
		r.process(ctx, t)
		return 1
	}

	tasks, err := r.queue.GetPendingTasks(ctx, r.batchSize)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to fetch pending tasks")
		return 0
	}
	for _, t := range tasks {
		r.process(ctx, t)
	}
	return len(tasks)
}

func (r *Reconciler) tryLocal() (*models.ReconcileTask, bool) {
	select {
	case t := <-r.local:
		return t, true
	default:
		return nil, false
	}
}

func (r *Reconciler) tryRedis(ctx context.Context) (*models.ReconcileTask, bool) {
	if r.redis == nil {
		return nil, false
	}
	res, err := r.redis.BRPop(ctx, time.Second, redisQueueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			r.logger.Warn().Err(err).Msg("Redis BRPOP failed")
		}
		return nil, false
	}
	if len(res) != 2 {
		return nil, false
	}
	var task models.ReconcileTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		r.logger.Error().Err(err).Msg("Failed to decode redis task")
		return nil, false
	}
	return &task, true
}

func (r *Reconciler) process(ctx context.Context, task *models.ReconcileTask) {
	err := r.handle(ctx, task)
	switch {
	case err == nil:
		metrics.IncReconcileTask(task.TaskType, "ok")
		if uerr := r.queue.UpdateTaskStatus(ctx, task.ID, models.TaskCompleted, "", nil); uerr != nil {
			r.logger.Error().Err(uerr).Int64("task_id", task.ID).Msg("Failed to mark task completed")
		}
		r.logger.Info().Int64("task_id", task.ID).Str("type", task.TaskType).Str("booking_ref", task.BookingRef).Msg("Reconcile task done")
	case permanent(err):
		r.fail(ctx, task, err)
	default:
		r.retryOrFail(ctx, task, err)
	}
}

func (r *Reconciler) handle(ctx context.Context, task *models.ReconcileTask) error {
	switch task.TaskType {
	case models.TaskConfirmPayment:
		var p models.ConfirmPayload
		if err := json.Unmarshal([]byte(task.Payload), &p); err != nil {
			return &decodeError{err: err}
		}
		return r.confirm(ctx, task.BookingRef, p)
	case models.TaskSheetsAppend:
		if r.sheets == nil {
			return nil
		}
		rec, err := r.journal.GetBookingByRef(ctx, task.BookingRef)
		if err != nil {
			return err
		}
		return r.sheets.AppendBooking(ctx, rec)
	default:
		return &decodeError{err: fmt.Errorf("unknown task type %q", task.TaskType)}
	}
}

func (r *Reconciler) confirm(ctx context.Context, bookingRef string, p models.ConfirmPayload) error {
	params := map[string]any{"payment_ref": p.PaymentRef}
	if p.PayerID != "" {
		params["payer_id"] = p.PayerID
	}
	if err := r.api.Call(ctx, "confirm_payment", params, nil); err != nil {
		return err
	}

	if err := r.journal.UpdateStatus(ctx, bookingRef, models.StatusConfirmed); err != nil {
		r.logger.Warn().Err(err).Str("booking_ref", bookingRef).Msg("Failed to update journal after reconcile")
	}
	if r.events != nil {
		payload := events.CheckoutEventPayload{
			BookingRef: bookingRef,
			PaymentRef: p.PaymentRef,
			Stage:      string(models.StageDone),
			OccurredAt: time.Now(),
		}
		if rec, err := r.journal.GetBookingByRef(ctx, bookingRef); err == nil {
			payload.SessionID = rec.SessionID
			payload.BookingType = string(rec.BookingType)
			payload.BookingID = rec.BackendID
			payload.Gateway = rec.Gateway
			payload.Amount = rec.TotalPrice
			payload.Currency = rec.Currency
			payload.Customer = rec.CustomerName
		}
		if err := r.events.PublishJSON(events.EventPaymentConfirmed, payload); err != nil {
			r.logger.Warn().Err(err).Str("booking_ref", bookingRef).Msg("Failed to publish reconcile event")
		}
	}
	return nil
}

// decodeError marks a task that can never succeed.
type decodeError struct{ err error }

func (e *decodeError) Error() string { return e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// permanent: broken tasks and backend validation answers are not retried.
func permanent(err error) bool {
	var de *decodeError
	return errors.As(err, &de) || gateway.IsKind(err, gateway.KindValidation)
}

func (r *Reconciler) retryOrFail(ctx context.Context, task *models.ReconcileTask, cause error) {
	attempt := task.RetryCount + 1
	if r.retry.Exhausted(attempt) {
		r.fail(ctx, task, cause)
		return
	}

	next := time.Now().Add(r.retry.NextDelay(attempt))
	metrics.IncReconcileTask(task.TaskType, "retry")
	if err := r.queue.UpdateTaskStatus(ctx, task.ID, models.TaskRetry, cause.Error(), &next); err != nil {
		r.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to mark task for retry")
	}
	r.logger.Warn().Err(cause).
		Int64("task_id", task.ID).
		Int("attempt", attempt).
		Time("next_retry_at", next).
		Msg("Reconcile task will be retried")
}

func (r *Reconciler) fail(ctx context.Context, task *models.ReconcileTask, cause error) {
	metrics.IncReconcileTask(task.TaskType, "failed")
	if err := r.queue.UpdateTaskStatus(ctx, task.ID, models.TaskFailed, cause.Error(), nil); err != nil {
		r.logger.Error().Err(err).Int64("task_id", task.ID).Msg("Failed to mark task failed")
	}
	r.logger.Error().Err(cause).
		Int64("task_id", task.ID).
		Str("type", task.TaskType).
		Str("booking_ref", task.BookingRef).
		Msg("Reconcile task failed for good")

	if r.redis != nil {
		if err := r.pushRedis(ctx, deadLetterKey, task); err != nil {
			r.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("Dead letter push failed")
		}
	}
}

func (r *Reconciler) pushRedis(ctx context.Context, key string, task *models.ReconcileTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return r.redis.LPush(ctx, key, data).Err()
}

// DeadLetters returns up to n dead tasks from Redis, newest first.
func (r *Reconciler) DeadLetters(ctx context.Context, n int64) ([]*models.ReconcileTask, error) {
	if r.redis == nil {
		return r.queue.GetFailedTasks(ctx, int(n))
	}
	raw, err := r.redis.LRange(ctx, deadLetterKey, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*models.ReconcileTask, 0, len(raw))
	for _, s := range raw {
		var t models.ReconcileTask
		if err := json.Unmarshal([]byte(s), &t); err != nil {
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}
