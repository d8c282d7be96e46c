package association

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"relator/api/internal/lock"
	"relator/api/internal/store"
)

// Nodes is the node CRUD surface the executor writes through, so field copies
// are diffed like any other write.
type Nodes interface {
	Get(ctx context.Context, nodeType, id string) (store.Document, error)
	Update(ctx context.Context, nodeType, id string, data map[string]any, baseHash string) (store.Document, error)
	Query(ctx context.Context, nodeType string, filter store.Filter, opts store.QueryOptions) ([]store.Document, error)
}

// Deferrable invokers coalesce Invoke calls between Defer and Flush.
type Deferrable interface {
	Defer()
	Flush(ctx context.Context) error
}

type Options struct {
	BatchSize int
	// TaskDelay is the pause between two tasks of a batch.
	TaskDelay time.Duration
	// TaskBudget is the expected handler time used to size lease extensions.
	TaskBudget    time.Duration
	LockTTL       time.Duration
	TargetLockTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.TaskBudget <= 0 {
		o.TaskBudget = 250 * time.Millisecond
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.TargetLockTTL <= 0 {
		o.TargetLockTTL = 10 * time.Second
	}
	return o
}

// RunStats summarises one executor run.
type RunStats struct {
	Loaded    int
	Done      int
	Discarded int
	Deferred  int
	Failed    int
	// Locked is set when another worker held the drain lock.
	Locked bool
}

// Acked counts tasks removed from the queue.
func (s RunStats) Acked() int {
	return s.Done + s.Discarded
}

type handlerFunc func(ctx context.Context, task Task) error

// Executor drains the task queue under the EXECUTE_ASSOCIATIONS_TASKS lock.
type Executor struct {
	queue    Queue
	registry *Registry
	creator  *Creator
	nodes    Nodes
	defs     Definitions
	locker   lock.Locker
	invoker  Invoker
	limiter  *rate.Limiter
	opts     Options
	logger   *slog.Logger
	handlers map[TaskType]handlerFunc
}

func NewExecutor(queue Queue, registry *Registry, creator *Creator, nodeStore Nodes, defs Definitions, locker lock.Locker, invoker Invoker, opts Options, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	limit := rate.Inf
	if opts.TaskDelay > 0 {
		limit = rate.Every(opts.TaskDelay)
	}
	e := &Executor{
		queue:    queue,
		registry: registry,
		creator:  creator,
		nodes:    nodeStore,
		defs:     defs,
		locker:   locker,
		invoker:  invoker,
		limiter:  rate.NewLimiter(limit, 1),
		opts:     opts,
		logger:   logger.With("component", "association-executor"),
	}
	e.handlers = map[TaskType]handlerFunc{
		TaskAddAssociationDetails:                e.addAssociationDetails,
		TaskRemoveAssociationDetails:             e.removeAssociationDetails,
		TaskSyncAssociationDetails:               e.syncAssociationDetails,
		TaskUnsyncAssociationDetails:             e.unsyncAssociationDetails,
		TaskMappingModifiedForAssociationDetails: e.mappingModifiedForAssociationDetails,
		TaskAddAssociation:                       e.addAssociation,
		TaskRemoveAssociation:                    e.removeAssociation,
		TaskMappingModifiedForAssociation:        e.mappingModifiedForAssociation,
		TaskSourceNodeUpdated:                    e.sourceNodeUpdated,
		TaskNodeRelatorsUpdated:                  e.nodeRelatorsUpdated,
	}
	return e
}

// Run drains one batch. Lock contention is not an error: the run reports
// Locked and returns nil. When the batch removed or deferred any task a
// follow-up run is scheduled after the lock is released.
func (e *Executor) Run(ctx context.Context) (RunStats, error) {
	if d, ok := e.invoker.(Deferrable); ok {
		d.Defer()
		defer func() {
			if err := d.Flush(ctx); err != nil {
				e.logger.Warn("flush follow-up invocation failed", "error", err)
			}
		}()
	}

	var stats RunStats
	start := time.Now()
	err := e.locker.ProcessWithLock(ctx, ExecuteLockName, e.opts.LockTTL, func(ctx context.Context, lease lock.Lease) error {
		return e.drain(ctx, lease, &stats)
	})
	if errors.Is(err, lock.ErrLocked) {
		lockContention.Inc()
		e.logger.Debug("executor already running elsewhere")
		stats.Locked = true
		return stats, nil
	}
	runDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		e.logger.Error("executor run failed", "error", err)
		return stats, err
	}

	if stats.Acked()+stats.Deferred > 0 && e.invoker != nil {
		if err := e.invoker.Invoke(ctx); err != nil {
			e.logger.Warn("schedule follow-up run failed", "error", err)
		}
	}
	return stats, nil
}

// Drain runs the executor until a run acks nothing. It is the in-process
// equivalent of the self-invocation loop.
func (e *Executor) Drain(ctx context.Context, maxRuns int) (RunStats, error) {
	var total RunStats
	for i := 0; maxRuns <= 0 || i < maxRuns; i++ {
		stats, err := e.Run(ctx)
		total.Loaded += stats.Loaded
		total.Done += stats.Done
		total.Discarded += stats.Discarded
		total.Deferred += stats.Deferred
		total.Failed += stats.Failed
		total.Locked = stats.Locked
		if err != nil || stats.Locked || stats.Acked() == 0 {
			return total, err
		}
	}
	return total, nil
}

func (e *Executor) drain(ctx context.Context, lease lock.Lease, stats *RunStats) error {
	tasks, err := e.queue.DequeueBatch(ctx, e.opts.BatchSize)
	if err != nil {
		return err
	}
	stats.Loaded = len(tasks)
	lastBatchSize.Set(float64(len(tasks)))
	if len(tasks) == 0 {
		return nil
	}

	ttl := e.opts.LockTTL + time.Duration(len(tasks))*(e.opts.TaskDelay+e.opts.TaskBudget)
	if err := lease.Extend(ctx, ttl); err != nil {
		return fmt.Errorf("extend drain lease: %w", err)
	}

	for _, task := range tasks {
		if err := e.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("throttle: %w", err)
		}
		e.process(ctx, task, stats)
	}
	e.logger.Info("executor batch finished",
		"loaded", stats.Loaded,
		"done", stats.Done,
		"discarded", stats.Discarded,
		"deferred", stats.Deferred,
		"failed", stats.Failed,
	)
	return nil
}

// process runs one handler in isolation. The task is acked on success and on
// stale or missing-node outcomes; every other outcome leaves it queued.
func (e *Executor) process(ctx context.Context, task Task, stats *RunStats) {
	err := e.dispatch(ctx, task)

	result := resultDone
	switch {
	case err == nil:
	case errors.Is(err, ErrStale), errors.Is(err, ErrMissingNode):
		result = resultDiscarded
		e.logger.Debug("discarding task", "task_type", task.TaskType, "id", task.ID, "reason", err)
	case errors.Is(err, lock.ErrLocked):
		result = resultDeferred
	default:
		result = resultFailed
	}

	if result == resultDone || result == resultDiscarded {
		if ackErr := e.queue.Ack(ctx, task.ID); ackErr != nil {
			err = ackErr
			result = resultFailed
		}
	}

	switch result {
	case resultDone:
		stats.Done++
	case resultDiscarded:
		stats.Discarded++
	case resultDeferred:
		stats.Deferred++
	case resultFailed:
		stats.Failed++
		payload, _ := json.Marshal(task)
		e.logger.Error("association task failed", "task", string(payload), "error", err)
	}
	tasksTotal.WithLabelValues(string(task.TaskType), result).Inc()
}

func (e *Executor) dispatch(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	handler, ok := e.handlers[task.TaskType]
	if !ok {
		return fmt.Errorf("unknown task type %q", task.TaskType)
	}
	return handler(ctx, task)
}
