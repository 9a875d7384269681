package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"marketron/internal/engine"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink streams engine events to a Kafka topic keyed by symbol, so
// every partition sees one symbol's events in sequence order.
type KafkaSink struct {
	writer    messageWriter
	logger    *zap.SugaredLogger
	batchSize int
	linger    time.Duration

	queue chan engine.Event
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

const (
	kafkaBatchSize = 100
	kafkaLinger    = 50 * time.Millisecond
)

func NewKafkaSink(brokers []string, topic string, logger *zap.SugaredLogger) *KafkaSink {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           kafkaLinger,
	}
	s := newKafkaSink(w, logger, publishQueueSize)
	s.start()
	return s
}

func newKafkaSink(w messageWriter, logger *zap.SugaredLogger, queue int) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &KafkaSink{
		writer:    w,
		logger:    logger,
		batchSize: kafkaBatchSize,
		linger:    kafkaLinger,
		queue:     make(chan engine.Event, queue),
		done:      make(chan struct{}),
	}
}

// Handle enqueues an event without blocking the engine.
func (s *KafkaSink) Handle(ev engine.Event) {
	select {
	case s.queue <- ev:
	default:
		s.dropped.Add(1)
		s.logger.Warnw("⚠️ Kafka queue full, dropping event", "type", ev.Type, "sequence", ev.Sequence)
	}
}

func (s *KafkaSink) start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		batch := make([]kafka.Message, 0, s.batchSize)
		ticker := time.NewTicker(s.linger)
		defer ticker.Stop()

		for {
			select {
			case ev := <-s.queue:
				if msg, ok := s.toMessage(ev); ok {
					batch = append(batch, msg)
				}
				if len(batch) >= s.batchSize {
					batch = s.flush(batch)
				}
			case <-ticker.C:
				batch = s.flush(batch)
			case <-s.done:
				for {
					select {
					case ev := <-s.queue:
						if msg, ok := s.toMessage(ev); ok {
							batch = append(batch, msg)
						}
					default:
						s.flush(batch)
						return
					}
				}
			}
		}
	}()
}

func (s *KafkaSink) toMessage(ev engine.Event) (kafka.Message, bool) {
	body, err := EncodeEvent(ev)
	if err != nil {
		s.failed.Add(1)
		s.logger.Errorw("⚠️ Failed to encode event", "event_id", ev.ID, "error", err)
		return kafka.Message{}, false
	}
	return kafka.Message{
		Key:   []byte(ev.Symbol),
		Value: body,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "event-id", Value: []byte(ev.ID)},
		},
	}, true
}

func (s *KafkaSink) flush(batch []kafka.Message) []kafka.Message {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.writer.WriteMessages(ctx, batch...); err != nil {
		s.failed.Add(int64(len(batch)))
		s.logger.Errorw("⚠️ Failed to write events to Kafka", "count", len(batch), "error", err)
	} else {
		s.written.Add(int64(len(batch)))
		s.logger.Debugw("📤 Events written to Kafka", "count", len(batch))
	}
	return batch[:0]
}

func (s *KafkaSink) Stats() PublisherStats {
	return PublisherStats{
		Published: s.written.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
		Queued:    len(s.queue),
	}
}

// Close flushes pending events and closes the writer.
func (s *KafkaSink) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	return s.writer.Close()
}
