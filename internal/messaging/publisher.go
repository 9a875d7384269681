package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"marketron/internal/engine"
	"marketron/internal/resilience"
)

// Publisher forwards engine events to a RabbitMQ topic exchange.
//
// MESSAGING STRATEGY:
// The matching engine hands every event to Handle, which only enqueues.
// A single worker publishes in order with publisher confirms, retrying
// transient failures. Consumers downstream:
//   - Audit journal: order_events / trades tables in PostgreSQL
//   - Any subscriber binding "trade.executed.#", "order.#", ...
//
// ROUTING KEYS: <event type>.<symbol>, e.g. trade.executed.AAPL
type Publisher struct {
	conn     *amqp.Connection
	channel  amqpChannel
	confirms <-chan amqp.Confirmation
	exchange string
	logger   *zap.SugaredLogger
	retry    *resilience.RetryPolicy

	// pubMu pairs each publish with its confirm; tag is the delivery tag
	// the broker assigns to the last successful publish on this channel.
	pubMu       sync.Mutex
	tag         uint64
	confirmWait time.Duration

	queue chan engine.Event
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	published atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

const (
	publishQueueSize = 4096
	confirmTimeout   = 5 * time.Second
)

var errNacked = errors.New("broker nacked message")

// NewPublisher dials RabbitMQ, declares the topic exchange and enables
// publisher confirms.
func NewPublisher(amqpURL, exchange string, logger *zap.SugaredLogger) (*Publisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	// Topic exchanges allow patterns like: trade.executed.*, order.#
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	p := newPublisher(ch, confirms, exchange, logger, publishQueueSize)
	p.conn = conn
	p.start()
	return p, nil
}

func newPublisher(ch amqpChannel, confirms <-chan amqp.Confirmation, exchange string, logger *zap.SugaredLogger, queue int) *Publisher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Publisher{
		channel:  ch,
		confirms: confirms,
		exchange: exchange,
		logger:   logger,
		retry:    resilience.NewRetryPolicy(nil),
		queue:    make(chan engine.Event, queue),
		done:     make(chan struct{}),

		confirmWait: confirmTimeout,
	}
}

// Handle enqueues an event. It never blocks: a full queue drops the event.
func (p *Publisher) Handle(ev engine.Event) {
	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
		p.logger.Warnw("⚠️ Publish queue full, dropping event", "type", ev.Type, "sequence", ev.Sequence)
	}
}

func (p *Publisher) start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case ev := <-p.queue:
				p.deliver(ev)
			case <-p.done:
				for {
					select {
					case ev := <-p.queue:
						p.deliver(ev)
					default:
						return
					}
				}
			}
		}
	}()
}

func (p *Publisher) deliver(ev engine.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := p.retry.Do(ctx, func(ctx context.Context) error {
		return p.Publish(ev)
	})
	if err != nil {
		p.failed.Add(1)
		p.logger.Errorw("⚠️ Failed to publish event", "type", ev.Type, "event_id", ev.ID, "error", err)
		return
	}
	p.published.Add(1)
	p.logger.Debugw("📤 Event published", "routing_key", ev.RoutingKey())
}

// Publish sends one event and waits for the broker confirm when confirms
// are enabled. Confirms left over from an earlier publish that timed out are
// skipped by delivery tag.
func (p *Publisher) Publish(ev engine.Event) error {
	body, err := EncodeEvent(ev)
	if err != nil {
		return resilience.Permanent(err)
	}

	p.pubMu.Lock()
	defer p.pubMu.Unlock()

	err = p.channel.Publish(
		p.exchange,
		ev.RoutingKey(),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.ID,
			Type:         string(ev.Type),
			Timestamp:    ev.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		return err
	}
	if p.confirms == nil {
		return nil
	}
	p.tag++

	timer := time.NewTimer(p.confirmWait)
	defer timer.Stop()
	for {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				return resilience.Permanent(amqp.ErrClosed)
			}
			if c.DeliveryTag < p.tag {
				p.logger.Debugw("Skipping stale publisher confirm", "delivery_tag", c.DeliveryTag, "awaiting", p.tag)
				continue
			}
			if !c.Ack {
				return errNacked
			}
			return nil
		case <-timer.C:
			return errors.New("timed out waiting for publisher confirm")
		}
	}
}

type PublisherStats struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Queued    int   `json:"queued"`
}

func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Queued:    len(p.queue),
	}
}

// Close drains queued events and shuts down RabbitMQ resources.
func (p *Publisher) Close() {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()

	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
