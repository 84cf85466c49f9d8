package collab

import (
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Dispatcher decouples op acceptance from Kafka: Submit only enqueues into a
// bounded local queue, worker goroutines produce with bounded retries, and a
// full queue degrades to dropping the event. The stream is advisory, so a
// slow or down broker must never block editing.
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger

	queue chan OpEvent

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type DispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewDispatcher(producer sarama.SyncProducer, topic string, log *zap.Logger, opt DispatcherOptions) *Dispatcher {
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
	d := &Dispatcher{
		producer:    producer,
		topic:       topic,
		log:         log,
		queue:       make(chan OpEvent, opt.QueueSize),
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
	return d
}

// Enqueue queues an event for asynchronous production without ever blocking
// the caller; a full queue drops the event. The stream is best-effort and
// must not stall edit acceptance.
func (d *Dispatcher) Enqueue(evt OpEvent) {
	select {
	case d.queue <- evt:
	default:
		d.log.Warn("op event queue full, dropping event",
			zap.String("sessionId", evt.SessionID),
			zap.Uint64("version", evt.Version))
	}
}

func (d *Dispatcher) workerLoop(workerID int) {
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt OpEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		err := d.sendOnce(evt)
		if err == nil {
			return
		}
		if attempt == d.maxRetry {
			d.log.Warn("op event send failed, dropping",
				zap.String("sessionId", evt.SessionID),
				zap.String("operationId", evt.OperationID),
				zap.Uint64("version", evt.Version),
				zap.Int("worker", workerID),
				zap.Error(err))
			return
		}
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(evt OpEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.SessionID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
