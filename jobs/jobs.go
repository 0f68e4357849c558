package jobs

import (
	"context"
	"time"

	"study-payment-svc/config"
	"study-payment-svc/payment"
	"study-payment-svc/settlement"

	"go.uber.org/zap"
)

type SettlementRunner interface {
	Run(ctx context.Context) (settlement.RunReport, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context) (payment.ReconcileReport, error)
}

type OutboxRelay interface {
	RelayOnce(ctx context.Context) (int, error)
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

type EventLedger interface {
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

type Deps struct {
	Settlement SettlementRunner
	Reconciler Reconciler
	Relay      OutboxRelay
	Ledger     EventLedger
}

// Register schedules the service's periodic work on s.
func Register(s *Scheduler, cfg *config.Config, deps Deps, logger *zap.Logger) error {
	if err := s.Add("settlement", cfg.Settlement.Schedule, func(ctx context.Context) error {
		_, err := deps.Settlement.Run(ctx)
		return err
	}); err != nil {
		return err
	}

	if err := s.Add("reconcile", cfg.Payment.ReconcileSchedule, func(ctx context.Context) error {
		_, err := deps.Reconciler.Reconcile(ctx)
		return err
	}); err != nil {
		return err
	}

	if err := s.Add("outbox-relay", cfg.Kafka.RelaySchedule, func(ctx context.Context) error {
		// drain the backlog, batch by batch
		for ctx.Err() == nil {
			n, err := deps.Relay.RelayOnce(ctx)
			if err != nil || n == 0 {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	return s.Add("ledger-maintenance", cfg.Ledger.RecoverySchedule, func(ctx context.Context) error {
		if _, err := deps.Ledger.RecoverStale(ctx, cfg.Ledger.ReservationTimeout); err != nil {
			return err
		}
		purged, err := deps.Ledger.Purge(ctx, cfg.Ledger.Retention)
		if err != nil {
			return err
		}
		published, err := deps.Relay.Purge(ctx, cfg.Ledger.Retention)
		if err != nil {
			return err
		}
		if purged > 0 || published > 0 {
			logger.Info("Compacted ledger and outbox",
				zap.Int64("processed_events", purged),
				zap.Int64("outbox_events", published),
			)
		}
		return nil
	})
}
