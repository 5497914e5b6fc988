package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/calliopehq/calliope/convo"
	"github.com/calliopehq/calliope/engine"
	"github.com/calliopehq/calliope/errors"
	"github.com/calliopehq/calliope/notify"
	"github.com/calliopehq/calliope/store"
)

// Notification kinds. Empty means never notify.
const (
	NotifyAlways       = "always"
	NotifyOnCompletion = "on_completion"
	NotifyOnFailure    = "on_failure"
)

// Executor runs one execution request. Satisfied by engine.Engine.
type Executor interface {
	Execute(ctx context.Context, req engine.Request) (string, error)
}

// Notifier delivers a best-effort notification. Satisfied by
// notify.Dispatcher.
type Notifier interface {
	Send(ctx context.Context, body, recipient string, cfg notify.Config) bool
}

// NotificationConfig is the task-level notification spec carried in the
// queue entry.
type NotificationConfig struct {
	Recipient string `json:"recipient"`
	notify.Config
}

// WorkerPoolConfig contains configuration for the worker pool.
type WorkerPoolConfig struct {
	Workers            int           `json:"workers"`
	Group              string        `json:"group"`
	Block              time.Duration `json:"block"`
	RateLimitPerMinute int           `json:"rate_limit_per_minute"`
	HousekeepInterval  time.Duration `json:"housekeep_interval"`
}

// DefaultWorkerPoolConfig returns sensible defaults.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:           1,
		Group:             "calliope-workers",
		Block:             5 * time.Second,
		HousekeepInterval: time.Hour,
	}
}

// WorkerPool consumes queue entries as one consumer group and drives the
// execution engine. Each delivered entry is claimed through the task's
// atomic pending→running transition, so a redelivered entry whose task
// already ran is skipped and acknowledged without side effects.
type WorkerPool struct {
	log       *Log
	tasks     *store.TaskStore
	convo     *convo.Store
	executor  Executor
	notifier  Notifier
	limiter   *rate.Limiter
	cfg       WorkerPoolConfig
	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *zap.SugaredLogger
}

// NewWorkerPool creates a worker pool. convoStore and notifier may be nil;
// housekeeping and notifications are skipped respectively.
func NewWorkerPool(ctx context.Context, log *Log, tasks *store.TaskStore, convoStore *convo.Store, executor Executor, notifier Notifier, cfg WorkerPoolConfig, logger *zap.SugaredLogger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Group == "" {
		cfg.Group = "calliope-workers"
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	var limiter *rate.Limiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60.0), 1)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		log:       log,
		tasks:     tasks,
		convo:     convoStore,
		executor:  executor,
		notifier:  notifier,
		limiter:   limiter,
		cfg:       cfg,
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		logger:    logger.Named("worker"),
	}
}

// Start spawns the workers and the housekeeping loop.
func (wp *WorkerPool) Start() {
	// Recreate the context if a previous Stop cancelled it.
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
	default:
	}

	wp.logger.Infow("Starting worker pool",
		"workers", wp.cfg.Workers,
		"group", wp.cfg.Group)

	for i := 0; i < wp.cfg.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	if wp.convo != nil && wp.cfg.HousekeepInterval > 0 {
		wp.wg.Add(1)
		go wp.housekeep()
	}
}

// Stop gracefully stops the pool, waiting for in-flight entries to settle.
func (wp *WorkerPool) Stop() {
	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped, all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Warnw("Worker pool stop timed out, workers may still be settling", "timeout", timeout)
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	consumer := fmt.Sprintf("%s-%d", wp.cfg.Group, id)

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-wp.ctx.Done():
			return
		default:
		}

		if err := wp.processNext(consumer); err != nil {
			select {
			case <-wp.ctx.Done():
				return
			default:
			}
			if errors.Is(err, sql.ErrConnDone) {
				// Database closed during shutdown.
				return
			}

			errorCount++
			wp.logger.Errorw("Worker error processing entry",
				"worker_id", id,
				"error", err,
				"consecutive_errors", errorCount)

			if errorCount >= maxConsecutiveErrors {
				wp.logger.Warnw("Worker backing off after consecutive errors",
					"worker_id", id,
					"backoff", backoffDuration)
				select {
				case <-wp.ctx.Done():
					return
				case <-time.After(backoffDuration):
				}
				backoffDuration = min(backoffDuration*2, maxBackoff)
			}
			continue
		}

		if errorCount > 0 {
			wp.logger.Infow("Worker recovered from errors",
				"worker_id", id,
				"previous_error_count", errorCount)
		}
		errorCount = 0
		backoffDuration = time.Second
	}
}

func (wp *WorkerPool) processNext(consumer string) error {
	entry, err := wp.log.ReadGroup(wp.ctx, wp.cfg.Group, consumer, wp.cfg.Block)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	return wp.processEntry(entry)
}

func (wp *WorkerPool) processEntry(entry *Entry) error {
	var body EntryBody
	if err := json.Unmarshal(entry.Body, &body); err != nil {
		// A malformed entry can never succeed; ack it out of the log.
		wp.logger.Errorw("Dropping malformed queue entry",
			"entry_id", entry.ID,
			"error", err)
		return wp.log.Ack(wp.ctx, wp.cfg.Group, entry.ID)
	}

	claimed, err := wp.tasks.Claim(wp.ctx, body.TaskID)
	if err != nil {
		// Leave the delivery pending; redelivery retries the claim.
		return err
	}
	if !claimed {
		wp.logger.Infow("Skipping redelivered entry for already-claimed task",
			"task_id", body.TaskID,
			"entry_id", entry.ID,
			"delivery_count", entry.DeliveryCount)
		return wp.log.Ack(wp.ctx, wp.cfg.Group, entry.ID)
	}

	if wp.limiter != nil {
		if err := wp.limiter.Wait(wp.ctx); err != nil {
			// Shutdown mid-wait. The task stays running and needs operator
			// attention; the entry stays pending for visibility.
			return err
		}
	}

	result, execErr := wp.execute(body)
	failed := execErr != nil
	if failed {
		wp.logger.Warnw("Task execution failed",
			"task_id", body.TaskID,
			"error", execErr)
		if err := wp.tasks.Fail(wp.ctx, body.TaskID, execErr.Error()); err != nil {
			wp.logger.Errorw("Failed to record task failure", "task_id", body.TaskID, "error", err)
		}
	} else {
		if err := wp.tasks.Complete(wp.ctx, body.TaskID, result); err != nil {
			wp.logger.Errorw("Failed to record task completion", "task_id", body.TaskID, "error", err)
		}
	}

	wp.notifyOutcome(body, result, execErr, failed)

	return wp.log.Ack(wp.ctx, wp.cfg.Group, entry.ID)
}

func (wp *WorkerPool) execute(body EntryBody) (string, error) {
	var payload RequestPayload
	if len(body.RequestPayload) > 0 {
		if err := json.Unmarshal(body.RequestPayload, &payload); err != nil {
			return "", errors.Wrap(err, "malformed request payload")
		}
	}
	return wp.executor.Execute(wp.ctx, engine.Request{
		SceneID:       body.Scene,
		TeamID:        body.TeamScopeID,
		TenantID:      payload.TenantID,
		ConvoID:       payload.ConvoID,
		Bag:           payload.Bag,
		ModelConfigID: payload.ModelConfigID,
		ToolBindingID: payload.ToolBindingID,
		AllowedTools:  payload.AllowedTools,
	})
}

// notifyOutcome triggers the dispatcher when the task's notification kind
// matches the outcome. Delivery is best-effort; the task's recorded state is
// already settled.
func (wp *WorkerPool) notifyOutcome(body EntryBody, result string, execErr error, failed bool) {
	if wp.notifier == nil || !shouldNotify(body.NotificationKind, failed) {
		return
	}

	var cfg NotificationConfig
	if len(body.NotificationConfig) > 0 {
		if err := json.Unmarshal(body.NotificationConfig, &cfg); err != nil {
			wp.logger.Warnw("Malformed notification config, skipping delivery",
				"task_id", body.TaskID,
				"error", err)
			return
		}
	}

	content := result
	if failed {
		content = "Task failed: " + execErr.Error()
	}
	wp.notifier.Send(wp.ctx, content, cfg.Recipient, cfg.Config)
}

func shouldNotify(kind string, failed bool) bool {
	switch kind {
	case NotifyAlways:
		return true
	case NotifyOnCompletion:
		return !failed
	case NotifyOnFailure:
		return failed
	default:
		return false
	}
}

// housekeep purges expired conversations on an interval.
func (wp *WorkerPool) housekeep() {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.cfg.HousekeepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case <-ticker.C:
			purged, err := wp.convo.PurgeExpired(wp.ctx)
			if err != nil {
				wp.logger.Warnw("Conversation purge failed", "error", err)
				continue
			}
			if purged > 0 {
				wp.logger.Infow("Purged expired conversation messages", "count", purged)
			}
		}
	}
}
