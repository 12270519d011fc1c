package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mealtone-ai/mealtone/internal/observe"
)

const (
	defaultMaxAttempts  = 3
	defaultBlockTimeout = 5 * time.Second
	popBackoff          = time.Second
)

// Handler processes a single job. A non-nil error requeues the job until its
// attempt budget runs out.
type Handler func(ctx context.Context, job Job) error

// WorkerConfig configures a [Worker]. The zero value is usable.
type WorkerConfig struct {
	// Queue is the Redis list to pop from. Defaults to [DefaultQueue].
	Queue string

	// MaxAttempts caps how often a failing job is retried before it is
	// dropped. Defaults to 3.
	MaxAttempts int

	// BlockTimeout bounds each blocking pop so the worker notices shutdown.
	// Defaults to 5s.
	BlockTimeout time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Worker pops jobs off the queue and dispatches them to registered handlers.
// Jobs of an unregistered kind are dropped with a warning.
type Worker struct {
	rdb          Commander
	queue        string
	maxAttempts  int
	blockTimeout time.Duration
	handlers     map[Kind]Handler
	metrics      *observe.Metrics
	log          *slog.Logger
}

// NewWorker returns a worker popping from cfg.Queue via rdb. Register handlers
// before calling Run.
func NewWorker(rdb Commander, cfg WorkerConfig) *Worker {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = defaultBlockTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		rdb:          rdb,
		queue:        cfg.Queue,
		maxAttempts:  cfg.MaxAttempts,
		blockTimeout: cfg.BlockTimeout,
		handlers:     make(map[Kind]Handler),
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
	}
}

// Register installs h for jobs of the given kind. Not safe to call after Run
// has started.
func (w *Worker) Register(kind Kind, h Handler) {
	w.handlers[kind] = h
}

// Run pops and dispatches jobs until ctx is cancelled. It always returns nil
// on shutdown so it can sit in an errgroup without masking real failures.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("job worker started", "queue", w.queue)
	for {
		if ctx.Err() != nil {
			w.log.Info("job worker stopped")
			return nil
		}
		res, err := w.rdb.BRPop(ctx, w.blockTimeout, w.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				w.log.Info("job worker stopped")
				return nil
			}
			w.log.Error("queue pop failed", "queue", w.queue, "err", err)
			select {
			case <-time.After(popBackoff):
			case <-ctx.Done():
			}
			continue
		}
		// BRPop yields [key, value].
		if len(res) != 2 {
			continue
		}
		w.dispatch(ctx, []byte(res[1]))
	}
}

func (w *Worker) dispatch(ctx context.Context, raw []byte) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		w.log.Error("dropping undecodable job", "err", err)
		w.metrics.RecordJob(ctx, "unknown", "malformed")
		return
	}
	log := w.log.With("kind", job.Kind, "job_id", job.ID, "tenant_id", job.TenantID)

	h, ok := w.handlers[job.Kind]
	if !ok {
		log.Warn("no handler registered for job kind")
		w.metrics.RecordJob(ctx, string(job.Kind), "unhandled")
		return
	}

	if err := h(ctx, job); err != nil {
		job.Attempts++
		if job.Attempts >= w.maxAttempts {
			log.Error("job failed permanently", "attempts", job.Attempts, "err", err)
			w.metrics.RecordJob(ctx, string(job.Kind), "dropped")
			return
		}
		log.Warn("job failed, requeueing", "attempts", job.Attempts, "err", err)
		data, merr := json.Marshal(job)
		if merr != nil {
			log.Error("marshal job for retry", "err", merr)
			w.metrics.RecordJob(ctx, string(job.Kind), "dropped")
			return
		}
		if perr := w.rdb.LPush(ctx, w.queue, data).Err(); perr != nil {
			log.Error("requeue job", "err", perr)
			w.metrics.RecordJob(ctx, string(job.Kind), "dropped")
			return
		}
		w.metrics.RecordJob(ctx, string(job.Kind), "retried")
		return
	}
	w.metrics.RecordJob(ctx, string(job.Kind), "ok")
}
