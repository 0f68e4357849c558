package cache

import (
	"context"
	"testing"
	"time"

	"study-payment-svc/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

// unreachableClient points at a port nothing listens on.
func unreachableClient(t *testing.T) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestPaymentViews_UnavailableRedisIsAMiss(t *testing.T) {
	views := NewPaymentViews(unreachableClient(t), time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	views.SetView(ctx, &models.PaymentView{Payment: models.Payment{OrderID: "order-1", Status: models.PaymentStatusSuccess}})

	view, ok := views.GetView(ctx, "order-1")
	if ok || view != nil {
		t.Errorf("Expected a cache miss, got %+v", view)
	}
	views.Invalidate(ctx, "order-1")
}

func TestRunLock_UnavailableRedisReturnsError(t *testing.T) {
	lock := NewRunLock(unreachableClient(t), zaptest.NewLogger(t))

	unlock, ok, err := lock.TryLock(context.Background(), "settlement:run", time.Minute)
	if err == nil {
		t.Fatalf("Expected an error from unreachable Redis")
	}
	if ok || unlock != nil {
		t.Errorf("Expected the lock not to be held")
	}
}

func TestPaymentKey(t *testing.T) {
	if got := paymentKey("order-1"); got != "payment:order-1" {
		t.Errorf("Expected payment:order-1, got %s", got)
	}
}
