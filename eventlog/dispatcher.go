// Package eventlog publishes accepted document patches to Kafka.
//
// A Dispatcher keeps a bounded local queue drained by a fixed set of
// workers. Enqueue never waits: when Kafka is slow the queue absorbs the
// burst, and when the queue is full the event is dropped. Downstream
// consumers must tolerate gaps.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
)

var (
	ErrQueueFull = errors.New("event queue full")
	ErrClosed    = errors.New("event log closed")
)

// PatchEvent records one accepted patch.
type PatchEvent struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	SessionID string    `json:"sessionId"`
	Patches   string    `json:"patches"`
	Applied   []bool    `json:"applied"`
	Length    int       `json:"length"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultOptions() Options {
	return Options{
		QueueSize:   1024,
		Workers:     2,
		MaxRetry:    3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
}

type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	opts     Options

	mu     sync.RWMutex
	closed bool
	queue  chan PatchEvent
	wg     sync.WaitGroup

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewKafkaProducer connects a synchronous producer to brokers.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = "collab-docs"
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	// Retries are handled by the Dispatcher.
	cfg.Producer.Retry.Max = 0
	return sarama.NewSyncProducer(brokers, cfg)
}

// NewDispatcher starts the workers. The Dispatcher owns producer and closes
// it in Close.
func NewDispatcher(producer sarama.SyncProducer, topic string, opts Options) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.MaxRetry < 0 {
		opts.MaxRetry = 0
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultOptions().BaseBackoff
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}

	d := &Dispatcher{
		producer: producer,
		topic:    topic,
		opts:     opts,
		queue:    make(chan PatchEvent, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// Enqueue hands evt to the workers without blocking.
func (d *Dispatcher) Enqueue(ctx context.Context, evt PatchEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- evt:
		return nil
	default:
		d.dropped.Add(1)
		logrus.WithFields(logrus.Fields{
			"document_key": evt.Key,
			"event_id":     evt.ID,
		}).Warn("Event queue full, dropping patch event")
		return ErrQueueFull
	}
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

// retryPolicy allows MaxRetry retries spaced by exponential backoff between
// BaseBackoff and MaxBackoff.
func (d *Dispatcher) retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.BaseBackoff
	b.MaxInterval = d.opts.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(d.opts.MaxRetry))
}

func (d *Dispatcher) sendWithRetry(workerID int, evt PatchEvent) {
	log := logrus.WithFields(logrus.Fields{
		"document_key": evt.Key,
		"event_id":     evt.ID,
		"worker":       workerID,
	})

	attempt := 0
	notify := func(err error, wait time.Duration) {
		attempt++
		log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"wait":    wait,
		}).Debug("Kafka send failed, retrying")
	}
	if err := backoff.RetryNotify(func() error { return d.sendOnce(evt) }, d.retryPolicy(), notify); err != nil {
		d.dropped.Add(1)
		log.WithError(err).Warn("Kafka send failed, dropping patch event")
		return
	}
	d.sent.Add(1)
}

func (d *Dispatcher) sendOnce(evt PatchEvent) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return backoff.Permanent(err)
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.Key),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

// Sent and Dropped count events by final outcome.
func (d *Dispatcher) Sent() int64    { return d.sent.Load() }
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Close stops accepting events, drains the queue and closes the producer.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	return d.producer.Close()
}
