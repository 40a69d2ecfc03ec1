package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/mgiordano/turnoremind/libs/db"
	"github.com/mgiordano/turnoremind/libs/kafkax"
	otelx "github.com/mgiordano/turnoremind/libs/otel"
	"github.com/segmentio/kafka-go"
)

// KafkaDrain polls the outbox and publishes pending events to Kafka topics
// named after the event type.
type KafkaDrain struct {
	pool      *db.Pool
	outbox    *Outbox
	logger    *slog.Logger
	brokers   []string
	pollEvery time.Duration
	batchSize int
}

type DrainConfig struct {
	Brokers   string
	PollEvery time.Duration
	BatchSize int
}

func NewKafkaDrain(pool *db.Pool, outbox *Outbox, logger *slog.Logger, cfg DrainConfig) *KafkaDrain {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &KafkaDrain{
		pool:      pool,
		outbox:    outbox,
		logger:    logger,
		brokers:   brokers,
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

func (d *KafkaDrain) Run(ctx context.Context) {
	if len(d.brokers) == 0 {
		d.logger.Warn("event drain disabled (no kafka brokers configured)")
		return
	}

	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  d.brokers,
		Balancer: &kafka.Hash{},
	})
	defer writer.Close()

	ticker := time.NewTicker(d.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.publishBatch(ctx, writer); err != nil {
				d.logger.Error("event publish failed", "err", err)
			}
		}
	}
}

func (d *KafkaDrain) publishBatch(ctx context.Context, writer *kafka.Writer) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	records, err := d.outbox.FetchUnpublished(ctx, tx, d.batchSize)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return tx.Commit(ctx)
	}

	for _, r := range records {
		msgCtx := otelx.ContextWithTraceContext(ctx, r.Traceparent, r.Tracestate)
		msg := kafka.Message{
			Topic: r.EventType,
			Key:   []byte(r.AggregateID),
			Value: r.Payload,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(r.EventID)},
				{Key: "event_type", Value: []byte(r.EventType)},
			},
		}
		msg.Headers = kafkax.InjectTraceHeaders(msgCtx, msg.Headers)
		if err := writer.WriteMessages(ctx, msg); err != nil {
			return err
		}
	}

	var ids []int64
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	if err := d.outbox.MarkPublished(ctx, tx, ids); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
