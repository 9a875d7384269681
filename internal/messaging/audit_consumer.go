package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"marketron/internal/engine"
	"marketron/internal/models"
	"marketron/internal/resilience"
	"marketron/internal/store"
)

// AuditQueue receives every order and trade event for the journal.
const AuditQueue = "marketron.audit"

// EventJournal durably records one event. It reports false when the event
// was already recorded.
type EventJournal interface {
	Record(ctx context.Context, rec *store.EventRecord, trade *models.Trade) (bool, error)
}

// AuditConsumer journals bus events into PostgreSQL.
//
// WORKFLOW:
//  1. Publisher sends order.* and trade.* events to the topic exchange
//  2. RabbitMQ routes them to the audit queue
//  3. Workers decode and journal each event; the event id makes it idempotent
//  4. Undecodable or repeatedly failing messages are dead-lettered
type AuditConsumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	journal EventJournal
	retry   *resilience.RetryPolicy
	logger  *zap.SugaredLogger
	workers int
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func NewAuditConsumer(amqpURL string, journal EventJournal, workers int, logger *zap.SugaredLogger) (*AuditConsumer, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	// Fair dispatch across workers
	if err := ch.Qos(10, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	c := newAuditConsumer(journal, workers, logger)
	c.conn = conn
	c.channel = ch
	return c, nil
}

func newAuditConsumer(journal EventJournal, workers int, logger *zap.SugaredLogger) *AuditConsumer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if workers < 1 {
		workers = 1
	}
	return &AuditConsumer{
		journal: journal,
		retry:   resilience.NewRetryPolicy(nil),
		logger:  logger,
		workers: workers,
		done:    make(chan struct{}),
	}
}

// Start declares the audit queue on the events exchange and launches the
// workers.
func (c *AuditConsumer) Start(exchange string) error {
	if err := c.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.channel.QueueDeclare(
		AuditQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange": exchange + ".dlx",
		},
	)
	if err != nil {
		return err
	}

	for _, key := range []string{"order.#", "trade.#"} {
		if err := c.channel.QueueBind(q.Name, key, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.channel.Consume(
		q.Name,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return err
	}

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.consume(msgs)
	}

	c.logger.Infow("📥 Audit consumer started", "queue", q.Name, "workers", c.workers)
	return nil
}

func (c *AuditConsumer) consume(msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("⚠️ Audit queue closed")
				return
			}
			c.processMessage(msg)
		}
	}
}

// processMessage journals a single delivery and settles it.
func (c *AuditConsumer) processMessage(msg amqp.Delivery) {
	ev, err := DecodeEvent(msg.Body)
	if err != nil {
		c.logger.Warnw("⚠️ Dropping undecodable event", "message_id", msg.MessageId, "error", err)
		_ = msg.Nack(false, false)
		return
	}

	if err := c.handle(context.Background(), ev); err != nil {
		c.logger.Errorw("⚠️ Failed to journal event", "event_id", ev.ID, "type", ev.Type, "error", err)
		_ = msg.Nack(false, false)
		return
	}
	_ = msg.Ack(false)
}

func (c *AuditConsumer) handle(ctx context.Context, ev engine.Event) error {
	rec, err := ToRecord(ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var written bool
	err = c.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		written, err = c.journal.Record(ctx, rec, ev.Trade)
		if errors.Is(err, context.Canceled) {
			return resilience.Permanent(err)
		}
		return err
	})
	if err != nil {
		return err
	}

	if written {
		c.logger.Debugw("💾 Event journaled", "event_id", ev.ID, "type", ev.Type, "symbol", ev.Symbol)
	} else {
		c.logger.Debugw("⏭️ Event already journaled", "event_id", ev.ID)
	}
	return nil
}

// Stop gracefully shuts down the consumer.
func (c *AuditConsumer) Stop() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	c.logger.Info("📥 Audit consumer stopped")
}
