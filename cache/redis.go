package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"study-payment-svc/config"
	"study-payment-svc/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func InitRedis(cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established")
	return rdb, nil
}

func paymentKey(orderID string) string {
	return fmt.Sprintf("payment:%s", orderID)
}

// PaymentViews caches decided payment views. Redis errors degrade to cache misses.
type PaymentViews struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func NewPaymentViews(rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *PaymentViews {
	return &PaymentViews{rdb: rdb, ttl: ttl, logger: logger}
}

func (c *PaymentViews) GetView(ctx context.Context, orderID string) (*models.PaymentView, bool) {
	data, err := c.rdb.Get(ctx, paymentKey(orderID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Payment cache read failed", zap.String("order_id", orderID), zap.Error(err))
		}
		return nil, false
	}

	var view models.PaymentView
	if err := json.Unmarshal(data, &view); err != nil {
		c.logger.Warn("Dropping unreadable cached payment", zap.String("order_id", orderID), zap.Error(err))
		c.Invalidate(ctx, orderID)
		return nil, false
	}
	return &view, true
}

func (c *PaymentViews) SetView(ctx context.Context, view *models.PaymentView) {
	data, err := json.Marshal(view)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, paymentKey(view.OrderID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("Payment cache write failed", zap.String("order_id", view.OrderID), zap.Error(err))
	}
}

func (c *PaymentViews) Invalidate(ctx context.Context, orderID string) {
	if err := c.rdb.Del(ctx, paymentKey(orderID)).Err(); err != nil {
		c.logger.Warn("Payment cache invalidation failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

// unlockScript deletes the lock only while it still holds our token, so a holder whose
// TTL ran out cannot release a lock someone else acquired since.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RunLock is a Redis mutual-exclusion lock with a TTL.
type RunLock struct {
	rdb    redis.Cmdable
	logger *zap.Logger
}

func NewRunLock(rdb redis.Cmdable, logger *zap.Logger) *RunLock {
	return &RunLock{rdb: rdb, logger: logger}
}

// TryLock acquires key for ttl. ok is false when another holder has it.
func (l *RunLock) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	acquired, err := l.rdb.SetNX(ctx, "lock:"+key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !acquired {
		return nil, false, nil
	}

	unlock := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := unlockScript.Run(ctx, l.rdb, []string{"lock:" + key}, token).Err(); err != nil {
			l.logger.Warn("Failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}
	return unlock, true, nil
}
