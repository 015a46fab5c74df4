package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veloura/auth-service/internal/bucketing"
	"github.com/veloura/auth-service/internal/client"
	"github.com/veloura/auth-service/internal/model"
	"github.com/veloura/auth-service/internal/util"
)

const (
	eventBufferSize = 1024
	flushBatchSize  = 100
	flushInterval   = 2 * time.Second
	sinkTimeout     = 10 * time.Second
)

// Recorder fans auth events out to Kafka (for downstream consumers) and
// ClickHouse (for analytics). Emit never blocks the request path: events
// queue on a buffered channel and a single worker drains it. Either sink
// may be nil when disabled in config.
type Recorder struct {
	events     chan *model.AuthEvent
	kafka      *client.KafkaProducer
	clickhouse *client.ClickHouseClient
	buckets    *bucketing.BucketingManager

	closeOnce sync.Once
	done      chan struct{}
}

func NewRecorder(kafka *client.KafkaProducer, clickhouse *client.ClickHouseClient, buckets *bucketing.BucketingManager) *Recorder {
	r := &Recorder{
		events:     make(chan *model.AuthEvent, eventBufferSize),
		kafka:      kafka,
		clickhouse: clickhouse,
		buckets:    buckets,
		done:       make(chan struct{}),
	}
	go r.run()
	return r
}

// Emit queues an event for delivery. When the buffer is full the event is
// dropped with a warning rather than stalling the caller.
func (r *Recorder) Emit(event *model.AuthEvent) {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.EventBucket = r.buckets.GetEventBucket(event.EventID)

	select {
	case r.events <- event:
	default:
		util.Warn("Audit buffer full, dropping event",
			zap.String("event_type", string(event.Type)),
			zap.String("user_id", event.UserID))
	}
}

// Close stops the worker after draining queued events.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.events)
		<-r.done
	})
}

func (r *Recorder) run() {
	defer close(r.done)

	batch := make([]*model.AuthEvent, 0, flushBatchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-r.events:
			if !ok {
				r.flush(batch)
				return
			}
			r.publish(event)
			batch = append(batch, event)
			if len(batch) >= flushBatchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *Recorder) publish(event *model.AuthEvent) {
	if r.kafka == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if err := r.kafka.PublishAuthEvent(ctx, event); err != nil {
		util.Warn("Failed to publish auth event to Kafka",
			zap.String("event_id", event.EventID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
	}
}

func (r *Recorder) flush(batch []*model.AuthEvent) {
	if r.clickhouse == nil || len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if err := r.clickhouse.InsertAuthEvents(ctx, batch); err != nil {
		util.Error("Failed to archive auth events",
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
		return
	}

	util.Debug("Auth events archived", zap.Int("batch_size", len(batch)))
}
