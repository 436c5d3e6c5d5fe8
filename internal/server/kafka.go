package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/prudhvinik1/ledgersync/internal/models"
)

var ErrKafkaQueueFull = errors.New("kafka queue full")

type KafkaOptions struct {
	QueueSize   int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// KafkaPublisher feeds committed events to a topic for downstream
// consumers. Publish only enqueues; one worker sends in commit order and
// retries with capped backoff. Events are keyed by family and entity id so
// each entity's history stays in one partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	queue    chan models.SyncEvent
	opts     KafkaOptions
	logger   *slog.Logger
	metrics  *Metrics
}

func NewKafkaPublisher(producer sarama.SyncProducer, topic string, opts KafkaOptions, logger *slog.Logger, metrics *Metrics) *KafkaPublisher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
		queue:    make(chan models.SyncEvent, opts.QueueSize),
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
	}
}

// Publish never blocks the commit path. When the queue is full the events
// are dropped; consumers can fill gaps from the event log by sequence.
func (p *KafkaPublisher) Publish(ctx context.Context, evs []models.SyncEvent) error {
	for i, ev := range evs {
		select {
		case p.queue <- ev:
		default:
			p.metrics.KafkaDropped.Add(float64(len(evs) - i))
			return ErrKafkaQueueFull
		}
	}
	return nil
}

func (p *KafkaPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-p.queue:
			p.sendWithRetry(ctx, ev)
		}
	}
}

func (p *KafkaPublisher) sendWithRetry(ctx context.Context, ev models.SyncEvent) {
	backoff := p.opts.BaseBackoff
	for attempt := 0; ; attempt++ {
		err := p.sendOnce(ev)
		if err == nil {
			return
		}
		if attempt >= p.opts.MaxRetry {
			p.metrics.KafkaDropped.Inc()
			p.logger.Error("kafka send failed, dropping event", "sequence", ev.Sequence, "kind", ev.Kind, "error", err)
			return
		}
		p.logger.Warn("kafka send failed, retrying", "sequence", ev.Sequence, "attempt", attempt+1, "retry_in", backoff, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, p.opts.MaxBackoff)
	}
}

func (p *KafkaPublisher) sendOnce(ev models.SyncEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := string(ev.Kind)
	if info, ok := ev.Info(); ok {
		key = string(info.Family)
		if id, err := ev.EntityID(); err == nil {
			key += ":" + id
		}
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(ev.Kind)},
		},
	}
	_, _, err = p.producer.SendMessage(msg)
	return err
}
