package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/vaibhav-blitzy/task-manager-collab/internal/realtime"
)

// KafkaDispatcher mirrors applied change events onto the audit topic through
// a local bounded queue, worker goroutines and capped-backoff retry:
// - Publish never blocks the fan-out path (it only enqueues)
// - a briefly unavailable broker is absorbed by the queue
// - the queue bound allows degradation (drop) instead of unbounded memory
//
// The stream is an audit/integration mirror, not the source of ordering:
// clients order on the per-resource Seq, so a dropped Kafka send loses only
// audit history.
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan realtime.ChangeEvent
	sem   *Semaphore
	log   *slog.Logger

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *Semaphore, log *slog.Logger, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 50 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = time.Second
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan realtime.ChangeEvent, opt.QueueSize),
		sem:         sem,
		log:         log,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

// Enqueue queues the event for background delivery. A full queue waits until
// ctx expires; audit delivery is best-effort, not every event must land.
func (d *KafkaDispatcher) Enqueue(ctx context.Context, ev realtime.ChangeEvent) error {
	select {
	case d.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	for ev := range d.queue {
		d.sendWithRetry(workerID, ev)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, ev realtime.ChangeEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// Workers may wait indefinitely; they are off the hot path.
			_ = d.sem.Acquire(context.Background())
		}

		err := d.sendOnce(ev)

		if d.sem != nil {
			d.sem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			d.log.Error("kafka send failed, dropping event",
				"resource", ev.Key(), "seq", ev.Seq, "worker", workerID, "err", err)
			return
		}

		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(ev realtime.ChangeEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		// Keyed by resource so one resource's events stay on one partition.
		Key:   sarama.StringEncoder(ev.Key()),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
