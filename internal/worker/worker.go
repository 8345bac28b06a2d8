package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/redis/go-redis/v9"
)

type JobType string

const (
	// JobTypeOrphanCleanup deletes a child document whose compensating
	// delete failed during a linked create.
	JobTypeOrphanCleanup JobType = "orphan_cleanup"
)

const (
	DefaultQueue = "hierarchy:jobs"
	RetryQueue   = "hierarchy:retry_queue"
	DeadQueue    = "hierarchy:dead_queue"
	// ScheduledSet is a sorted set of delayed jobs scored by ProcessAt in
	// unix milliseconds.
	ScheduledSet = "hierarchy:scheduled"

	promoteBatch = 100
)

// promoteDue moves scheduled jobs whose time has come onto the retry list.
var promoteDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, job in ipairs(due) do
	redis.call('ZREM', KEYS[1], job)
	redis.call('RPUSH', KEYS[2], job)
end
return #due
`)

type Job struct {
	ID        string                 `json:"id"`
	Type      JobType                `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Attempts  int                    `json:"attempts"`
	MaxTries  int                    `json:"max_tries"`
	CreatedAt time.Time              `json:"created_at"`
	ProcessAt time.Time              `json:"process_at"`
}

type JobHandler func(ctx context.Context, job *Job) error

type Worker struct {
	client    *redis.Client
	handlers  map[JobType]JobHandler
	queues    []string
	poll      time.Duration
	baseDelay time.Duration
	jobTO     time.Duration
	logger    *slog.Logger
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type WorkerConfig struct {
	RedisClient  *redis.Client
	Logger       *slog.Logger
	Concurrency  int
	PollInterval time.Duration
	// RetryBaseDelay is doubled for every failed attempt.
	RetryBaseDelay time.Duration
	JobTimeout     time.Duration
	Queues         []string
}

func NewWorker(config WorkerConfig) *Worker {
	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		client:    config.RedisClient,
		handlers:  make(map[JobType]JobHandler),
		queues:    config.Queues,
		poll:      config.PollInterval,
		baseDelay: config.RetryBaseDelay,
		jobTO:     config.JobTimeout,
		logger:    config.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	if len(w.queues) == 0 {
		w.queues = []string{DefaultQueue, RetryQueue}
	}
	if w.poll <= 0 {
		w.poll = 5 * time.Second
	}
	if w.baseDelay <= 0 {
		w.baseDelay = time.Second
	}
	if w.jobTO <= 0 {
		w.jobTO = 30 * time.Second
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("component", "worker")
	return w
}

func (w *Worker) RegisterHandler(jobType JobType, handler JobHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = handler
}

func (w *Worker) Start(concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	w.logger.Info("starting worker", "goroutines", concurrency, "queues", w.queues)

	for i := 0; i < concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop()
	}
}

func (w *Worker) Stop() {
	w.logger.Info("stopping worker")
	w.cancel()
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) workerLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			if err := w.processNextJob(); err != nil {
				if w.ctx.Err() != nil {
					return
				}
				w.logger.Error("error processing job", "error", err)
				time.Sleep(time.Second)
			}
		}
	}
}

// processNextJob promotes due scheduled jobs, then blocks for up to the poll
// interval on the queues. A scheduled job therefore runs at most one poll
// interval after its ProcessAt.
func (w *Worker) processNextJob() error {
	if err := promoteDue.Run(w.ctx, w.client, []string{ScheduledSet, RetryQueue},
		time.Now().UnixMilli(), promoteBatch).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to promote scheduled jobs: %w", err)
	}

	result, err := w.client.BLPop(w.ctx, w.poll, w.queues...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("failed to pop job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	jobData := result[1]

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}

	if time.Now().Before(job.ProcessAt) {
		return w.scheduleJob(&job)
	}

	return w.executeJob(&job)
}

func (w *Worker) executeJob(job *Job) error {
	w.mu.RLock()
	handler, exists := w.handlers[job.Type]
	w.mu.RUnlock()

	if !exists {
		return w.moveToDeadQueue(job, fmt.Errorf("no handler registered for job type: %s", job.Type))
	}

	log := w.logger.With("job_id", job.ID, "job_type", job.Type)
	log.Debug("processing job")

	ctx, cancel := context.WithTimeout(w.ctx, w.jobTO)
	defer cancel()

	err := handler(ctx, job)
	if err != nil {
		job.Attempts++
		if job.Attempts < job.MaxTries {
			log.Warn("job failed, retrying", "attempt", job.Attempts, "max_tries", job.MaxTries, "error", err)
			return w.retryJob(job)
		}

		log.Error("job failed permanently", "attempts", job.Attempts, "error", err)
		return w.moveToDeadQueue(job, err)
	}

	log.Info("job completed")
	return nil
}

func (w *Worker) retryJob(job *Job) error {
	delay := time.Duration(1<<job.Attempts) * w.baseDelay
	job.ProcessAt = time.Now().Add(delay)

	return w.scheduleJob(job)
}

func (w *Worker) scheduleJob(job *Job) error {
	jobData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return schedule(w.ctx, w.client, job.ProcessAt, jobData)
}

func schedule(ctx context.Context, client *redis.Client, processAt time.Time, jobData []byte) error {
	return client.ZAdd(ctx, ScheduledSet, redis.Z{
		Score:  float64(processAt.UnixMilli()),
		Member: jobData,
	}).Err()
}

func (w *Worker) moveToDeadQueue(job *Job, jobErr error) error {
	deadJob := map[string]interface{}{
		"original_job": job,
		"error":        jobErr.Error(),
		"failed_at":    time.Now(),
	}

	deadJobData, err := json.Marshal(deadJob)
	if err != nil {
		return fmt.Errorf("failed to marshal dead job: %w", err)
	}

	return w.client.RPush(w.ctx, DeadQueue, deadJobData).Err()
}

type JobQueue struct {
	client   *redis.Client
	queue    string
	maxTries int
}

func NewJobQueue(client *redis.Client, maxTries int) *JobQueue {
	if maxTries <= 0 {
		maxTries = 3
	}
	return &JobQueue{client: client, queue: DefaultQueue, maxTries: maxTries}
}

func (q *JobQueue) Enqueue(ctx context.Context, jobType JobType, payload map[string]interface{}) error {
	return q.EnqueueAt(ctx, jobType, payload, time.Now())
}

func (q *JobQueue) EnqueueAt(ctx context.Context, jobType JobType, payload map[string]interface{}, processAt time.Time) error {
	job := &Job{
		ID:        uuid.Must(uuid.NewV4()).String(),
		Type:      jobType,
		Payload:   payload,
		Attempts:  0,
		MaxTries:  q.maxTries,
		CreatedAt: time.Now(),
		ProcessAt: processAt,
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if processAt.After(time.Now()) {
		return schedule(ctx, q.client, processAt, jobData)
	}
	return q.client.RPush(ctx, q.queue, jobData).Err()
}

// ScheduledCount returns the number of delayed jobs not yet due.
func (q *JobQueue) ScheduledCount(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return q.client.ZCard(ctx, ScheduledSet).Result()
}

func (q *JobQueue) GetQueueSize(ctx context.Context, queue string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return q.client.LLen(ctx, queue).Result()
}
