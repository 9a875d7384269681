package oracle

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	amqp "github.com/streadway/amqp"
	"go.uber.org/zap"
)

// PriceTick is one reference price observation from the market data feed.
type PriceTick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

func DecodeTick(body []byte) (PriceTick, error) {
	var tick PriceTick
	if err := json.Unmarshal(body, &tick); err != nil {
		return PriceTick{}, fmt.Errorf("decode tick: %w", err)
	}
	tick.Symbol = strings.ToUpper(strings.TrimSpace(tick.Symbol))
	if tick.Symbol == "" {
		return PriceTick{}, fmt.Errorf("decode tick: symbol is required")
	}
	if !tick.Price.IsPositive() {
		return PriceTick{}, fmt.Errorf("decode tick: %w", ErrInvalidPrice)
	}
	return tick, nil
}

// MarketDataConsumer feeds reference prices from a RabbitMQ queue into a
// PriceTable. Malformed ticks are rejected to the dead letter exchange.
type MarketDataConsumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	table   *PriceTable
	logger  *zap.SugaredLogger
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewMarketDataConsumer(amqpURL string, table *PriceTable, logger *zap.SugaredLogger) (*MarketDataConsumer, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.Qos(50, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &MarketDataConsumer{
		conn:    conn,
		channel: ch,
		table:   table,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Start binds queue to exchange for routing keys "marketdata.#" and begins
// applying ticks.
func (c *MarketDataConsumer) Start(exchange, queue string) error {
	if err := c.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.channel.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-dead-letter-exchange": exchange + ".dlx"},
	)
	if err != nil {
		return err
	}
	if err := c.channel.QueueBind(q.Name, "marketdata.#", exchange, false, nil); err != nil {
		return err
	}

	msgs, err := c.channel.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	c.wg.Add(1)
	go c.consume(msgs)

	c.logger.Infow("📈 Market data consumer started", "queue", q.Name)
	return nil
}

func (c *MarketDataConsumer) consume(msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warnw("⚠️ Market data queue closed")
				return
			}
			if err := c.apply(msg.Body); err != nil {
				c.logger.Warnw("⚠️ Rejecting price tick", "error", err)
				msg.Nack(false, false)
				continue
			}
			msg.Ack(false)
		}
	}
}

func (c *MarketDataConsumer) apply(body []byte) error {
	tick, err := DecodeTick(body)
	if err != nil {
		return err
	}
	_, err = c.table.Update(tick.Symbol, tick.Price)
	return err
}

func (c *MarketDataConsumer) Stop() {
	close(c.done)
	c.wg.Wait()

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.logger.Infow("📈 Market data consumer stopped")
}
