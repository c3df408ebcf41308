package ingest

import (
	"context"
	"errors"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"tasknotify/internal/config"
	logx "tasknotify/pkg/logx"
)

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaReader builds a consumer-group reader for the mutation topic.
func NewKafkaReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  cfg.MaxWaitOrDefault(),
	})
}

// Consumer feeds Kafka messages to a Processor. Offsets are committed after
// each message is handled; undecodable messages are committed and dropped.
type Consumer struct {
	r      Reader
	p      *Processor
	log    logx.Logger
	tracer trace.Tracer
}

func NewConsumer(r Reader, p *Processor, log logx.Logger) *Consumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Consumer{
		r:      r,
		p:      p,
		log:    log.With(logx.String("comp", "ingest.kafka")),
		tracer: otel.Tracer("tasknotify/ingest"),
	}
}

// Run consumes until ctx ends or the reader fails. Meant for
// supervisor.GoRestart.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("kafka consumer started")
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			return err
		}
		c.handle(ctx, m)
		if err := c.r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (c *Consumer) handle(ctx context.Context, m kafka.Message) {
	msgCtx := ctx
	if len(m.Headers) > 0 {
		carrier := make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			carrier[h.Key] = string(h.Value)
		}
		msgCtx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
	}
	msgCtx, span := c.tracer.Start(msgCtx, "ingest.kafka.message", trace.WithAttributes(
		attribute.String("messaging.destination", m.Topic),
		attribute.Int("messaging.kafka.partition", m.Partition),
		attribute.Int64("messaging.kafka.offset", m.Offset),
	))
	defer span.End()

	if _, err := c.p.HandleRaw(msgCtx, SourceKafka, m.Value); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mutation rejected")
		c.log.Warn("kafka message dropped",
			logx.String("topic", m.Topic),
			logx.Int("partition", m.Partition),
			logx.Int64("offset", m.Offset),
			logx.Err(err),
		)
	}
}

func (c *Consumer) Close() error { return c.r.Close() }
