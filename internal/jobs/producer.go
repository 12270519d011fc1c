package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/mealtone-ai/mealtone/internal/observe"
)

// ProducerConfig configures a [Producer]. The zero value is usable.
type ProducerConfig struct {
	// Queue is the Redis list to push onto. Defaults to [DefaultQueue].
	Queue string

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Producer pushes jobs onto the queue.
type Producer struct {
	rdb     Commander
	queue   string
	metrics *observe.Metrics
	log     *slog.Logger
}

// NewProducer returns a producer pushing onto cfg.Queue via rdb.
func NewProducer(rdb Commander, cfg ProducerConfig) *Producer {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Producer{
		rdb:     rdb,
		queue:   cfg.Queue,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
	}
}

// Enqueue pushes job onto the queue, assigning an ID and enqueue time if the
// caller left them empty.
func (p *Producer) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobs: marshal %s job: %w", job.Kind, err)
	}
	if err := p.rdb.LPush(ctx, p.queue, data).Err(); err != nil {
		return fmt.Errorf("jobs: enqueue %s job: %w", job.Kind, err)
	}
	p.metrics.JobsEnqueued.Add(ctx, 1, metric.WithAttributes(observe.Attr("kind", string(job.Kind))))
	p.log.Debug("job enqueued", "kind", job.Kind, "id", job.ID, "tenant_id", job.TenantID)
	return nil
}
