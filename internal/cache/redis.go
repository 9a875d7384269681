package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"marketron/internal/config"
	"marketron/internal/engine"
	"marketron/internal/models"
	"marketron/internal/persistence"
)

// RedisCache provides Redis-backed storage for the service.
// STORAGE LAYOUT:
//   - <snapshot key>: sealed engine snapshot blob (no TTL)
//   - trades:recent:<symbol>: last 100 trades, newest first, 24h TTL
//
// It implements persistence.BlobStore and engine.Sink.
type RedisCache struct {
	client *redis.Client
	logger *zap.SugaredLogger

	trades chan models.Trade
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

const (
	recentTradesLimit = 100
	recentTradesTTL   = 24 * time.Hour
	tradeQueueSize    = 1024
	writeTimeout      = 2 * time.Second
)

// NewRedisCache initializes a Redis connection.
func NewRedisCache(cfg *config.Config, logger *zap.SugaredLogger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	c := newRedisCache(client, logger, tradeQueueSize)
	c.start()
	return c, nil
}

func newRedisCache(client *redis.Client, logger *zap.SugaredLogger, queue int) *RedisCache {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RedisCache{
		client: client,
		logger: logger,
		trades: make(chan models.Trade, queue),
		done:   make(chan struct{}),
	}
}

// Close drains queued trades and closes the Redis connection.
func (c *RedisCache) Close() error {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
	return c.client.Close()
}

func (c *RedisCache) Name() string { return "redis" }

func (c *RedisCache) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, persistence.ErrNotFound
	}
	return data, err
}

func (c *RedisCache) Save(ctx context.Context, key string, blob []byte) error {
	return c.client.Set(ctx, key, blob, 0).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// Handle queues executed trades for the recent-trades feed. It never blocks
// the matching engine: when the queue is full the trade is dropped.
func (c *RedisCache) Handle(ev engine.Event) {
	if ev.Type != engine.EventTradeExecuted || ev.Trade == nil {
		return
	}
	select {
	case c.trades <- *ev.Trade:
	default:
		c.logger.Warnw("⚠️ Recent trade queue full, dropping", "trade_id", ev.Trade.ID)
	}
}

func (c *RedisCache) start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case t := <-c.trades:
				c.writeTrade(t)
			case <-c.done:
				for {
					select {
					case t := <-c.trades:
						c.writeTrade(t)
					default:
						return
					}
				}
			}
		}
	}()
}

func (c *RedisCache) writeTrade(t models.Trade) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.AddRecentTrade(ctx, t); err != nil {
		c.logger.Warnw("⚠️ Failed to cache trade", "trade_id", t.ID, "error", err)
	}
}

// AddRecentTrade adds a trade to the recent trades feed.
func (c *RedisCache) AddRecentTrade(ctx context.Context, trade models.Trade) error {
	data, err := encodeTrade(trade)
	if err != nil {
		return err
	}

	key := recentTradesKey(trade.Symbol)
	pipe := c.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, recentTradesLimit-1)
	pipe.Expire(ctx, key, recentTradesTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// GetRecentTrades retrieves up to limit recent trades for a symbol, newest first.
func (c *RedisCache) GetRecentTrades(ctx context.Context, symbol string, limit int64) ([]models.Trade, error) {
	if limit <= 0 || limit > recentTradesLimit {
		limit = recentTradesLimit
	}
	values, err := c.client.LRange(ctx, recentTradesKey(symbol), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	return decodeTrades(values), nil
}

// ClearRecentTrades removes the feed of every given symbol.
func (c *RedisCache) ClearRecentTrades(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	keys := make([]string, len(symbols))
	for i, s := range symbols {
		keys[i] = recentTradesKey(s)
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func recentTradesKey(symbol string) string {
	return "trades:recent:" + symbol
}

// encodeTrade drops the order copies; the feed only needs the fill.
func encodeTrade(t models.Trade) ([]byte, error) {
	t.BuyOrder = nil
	t.SellOrder = nil
	return json.Marshal(t)
}

// decodeTrades skips entries that no longer parse.
func decodeTrades(values []string) []models.Trade {
	trades := make([]models.Trade, 0, len(values))
	for _, v := range values {
		var trade models.Trade
		if err := json.Unmarshal([]byte(v), &trade); err != nil {
			continue
		}
		trades = append(trades, trade)
	}
	return trades
}
