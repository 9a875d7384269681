package messaging

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// DeadLetterQueue collects messages rejected by consumers.
const DeadLetterQueue = "marketron.dlq"

const recentDeadLetters = 100

// DLQHandler drains the dead letter queue so failed messages are logged
// and can be inspected through the admin API.
type DLQHandler struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *zap.SugaredLogger
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	mu     sync.Mutex
	recent []DeadLetter
	total  atomic.Int64
}

type DeadLetter struct {
	MessageID  string    `json:"messageId"`
	Type       string    `json:"type"`
	RoutingKey string    `json:"routingKey"`
	Reason     string    `json:"reason,omitempty"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// NewDLQHandler declares the dead letter exchange and its queue.
func NewDLQHandler(amqpURL, dlxExchange string, logger *zap.SugaredLogger) (*DLQHandler, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	// Fanout: dead-lettered messages keep their original routing key.
	if err := ch.ExchangeDeclare(dlxExchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	if err := ch.QueueBind(DeadLetterQueue, "", dlxExchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	h := newDLQHandler(logger)
	h.conn = conn
	h.channel = ch
	return h, nil
}

func newDLQHandler(logger *zap.SugaredLogger) *DLQHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DLQHandler{logger: logger, done: make(chan struct{})}
}

// Start begins consuming messages from the DLQ.
func (d *DLQHandler) Start() error {
	msgs, err := d.channel.Consume(DeadLetterQueue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	d.wg.Add(1)
	go d.processDLQMessages(msgs)

	d.logger.Info("✅ DLQ handler started")
	return nil
}

func (d *DLQHandler) processDLQMessages(msgs <-chan amqp.Delivery) {
	defer d.wg.Done()

	for {
		select {
		case <-d.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				d.logger.Warn("⚠️ DLQ channel closed")
				return
			}
			d.handleDLQMessage(msg)
		}
	}
}

func (d *DLQHandler) handleDLQMessage(msg amqp.Delivery) {
	letter := DeadLetter{
		MessageID:  msg.MessageId,
		Type:       msg.Type,
		RoutingKey: msg.RoutingKey,
		Reason:     deathReason(msg.Headers),
		Body:       string(msg.Body),
		ReceivedAt: time.Now().UTC(),
	}

	d.logger.Warnw("⚠️ Message dead-lettered",
		"message_id", letter.MessageID,
		"type", letter.Type,
		"routing_key", letter.RoutingKey,
		"reason", letter.Reason,
	)

	d.mu.Lock()
	d.recent = append(d.recent, letter)
	if len(d.recent) > recentDeadLetters {
		d.recent = d.recent[len(d.recent)-recentDeadLetters:]
	}
	d.mu.Unlock()
	d.total.Add(1)

	// Removed from the DLQ once recorded
	_ = msg.Ack(false)
}

// deathReason reads the reason RabbitMQ stores in the x-death header.
func deathReason(headers amqp.Table) string {
	deaths, ok := headers["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return ""
	}
	first, ok := deaths[0].(amqp.Table)
	if !ok {
		return ""
	}
	reason, _ := first["reason"].(string)
	return reason
}

// Recent returns the most recent dead letters, newest last.
func (d *DLQHandler) Recent() []DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetter, len(d.recent))
	copy(out, d.recent)
	return out
}

func (d *DLQHandler) Total() int64 { return d.total.Load() }

// Stop gracefully shuts down the DLQ handler.
func (d *DLQHandler) Stop() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()

	if d.channel != nil {
		d.channel.Close()
	}
	if d.conn != nil {
		d.conn.Close()
	}

	d.logger.Info("✅ DLQ handler stopped")
}
