package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// eventTopicTuning holds the writer settings for the two batched event
// streams. Messages are keyed account:session, so the hash balancer keeps a
// session's events on one partition and consumers see them in order.
var eventTopicTuning = map[string]time.Duration{
	"watch_session_events": 50 * time.Millisecond,
	"daily_usage_events":   50 * time.Millisecond,
}

// KafkaProducer owns one writer per destination topic, built lazily on first
// write. Event topics batch briefly to amortise broker round-trips; any other
// topic (replay, recovery) flushes per message so a parked beacon does not
// sit in a buffer.
type KafkaProducer struct {
	brokers []string

	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafkaProducer constructs a producer for the given broker list.
func NewKafkaProducer(brokers []string) *KafkaProducer {
	return &KafkaProducer{
		brokers: brokers,
		writers: make(map[string]*kafka.Writer),
	}
}

// WriteMessages delivers msgs to topic synchronously with full-ISR acks.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	return p.writer(topic).WriteMessages(ctx, msgs...)
}

func (p *KafkaProducer) writer(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Async:        false,
	}
	if batchTimeout, ok := eventTopicTuning[topic]; ok {
		w.BatchTimeout = batchTimeout
	} else {
		w.BatchSize = 1
		w.BatchTimeout = time.Millisecond
	}

	p.writers[topic] = w
	return w
}

// Close flushes and releases every writer, reporting all close failures.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
		delete(p.writers, topic)
	}
	return errs
}
