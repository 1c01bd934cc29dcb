package handlers

import (
	"context"
	"time"

	"github.com/glimmerworks/bursar/internal/ledger"
	"github.com/glimmerworks/bursar/pkg/config"
	"github.com/glimmerworks/bursar/pkg/events"
	"github.com/glimmerworks/bursar/pkg/logging"
)

// SubscriptionReconciler cross-checks every lapsed active subscription
// against the entitlement provider. The provider is the system of
// record: a newer expiry is a renewal, no entitlement is an expiration,
// anything else waits for the next run.
type SubscriptionReconciler struct {
	interval time.Duration
	stopCh   chan struct{}
}

// NewSubscriptionReconciler creates a reconciler with an env-tunable
// cadence (default daily).
func NewSubscriptionReconciler() *SubscriptionReconciler {
	return &SubscriptionReconciler{
		interval: config.GetEnvDuration("RECONCILE_INTERVAL", 24*time.Hour),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *SubscriptionReconciler) Start(ctx context.Context) {
	logger.WithFields(logging.Fields{
		"interval": r.interval.String(),
	}).Info("Starting subscription reconciler")

	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.ReconcileDue(ctx)
			}
		}
	}()
}

// Stop stops the reconciliation loop
func (r *SubscriptionReconciler) Stop() {
	logger.Info("Stopping subscription reconciler")
	close(r.stopCh)
}

type dueSubscription struct {
	ID          string
	AccountID   string
	ProductID   string
	ExpiresDate time.Time
}

// ReconcileDue processes every active subscription whose expiry has
// passed. Per-account provider failures are logged and skipped; the
// record stays due and the next run retries it.
func (r *SubscriptionReconciler) ReconcileDue(ctx context.Context) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, account_id, product_id, expires_date
		FROM bursar.subscriptions
		WHERE status = $1 AND expires_date <= NOW()`,
		ledger.SubscriptionActive)
	if err != nil {
		logger.WithError(err).Error("Failed to fetch due subscriptions")
		return
	}
	defer rows.Close()

	var due []dueSubscription
	for rows.Next() {
		var sub dueSubscription
		if err := rows.Scan(&sub.ID, &sub.AccountID, &sub.ProductID, &sub.ExpiresDate); err != nil {
			logger.WithError(err).Error("Error scanning due subscription")
			continue
		}
		due = append(due, sub)
	}
	if err := rows.Err(); err != nil {
		logger.WithError(err).Error("Error iterating due subscriptions")
	}

	if len(due) == 0 {
		return
	}

	var renewed, expired, skipped int
	for _, sub := range due {
		switch outcome := r.reconcileOne(ctx, sub); outcome {
		case "renewed":
			renewed++
		case "expired":
			expired++
		default:
			skipped++
		}
	}

	logger.WithFields(logging.Fields{
		"due":     len(due),
		"renewed": renewed,
		"expired": expired,
		"skipped": skipped,
	}).Info("Subscription reconciliation completed")
}

func (r *SubscriptionReconciler) reconcileOne(ctx context.Context, sub dueSubscription) string {
	ent, err := provider.QueryEntitlement(ctx, sub.AccountID)
	if err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"account_id":      sub.AccountID,
			"subscription_id": sub.ID,
		}).Warn("Entitlement query failed, leaving subscription for next run")
		metrics.recordReconciliation("provider_error")
		return "skipped"
	}

	if ent.Active && ent.ExpiresDate.After(sub.ExpiresDate) {
		return r.renew(ctx, sub, ent.ExpiresDate)
	}
	if !ent.Active {
		return r.expire(ctx, sub)
	}

	// Active but no newer expiry: provider lag, check again next run.
	logger.WithFields(logging.Fields{
		"account_id":      sub.AccountID,
		"subscription_id": sub.ID,
	}).Debug("Entitlement active without newer expiry, skipping")
	metrics.recordReconciliation("unchanged")
	return "skipped"
}

func (r *SubscriptionReconciler) renew(ctx context.Context, sub dueSubscription, newExpiry time.Time) string {
	policy := ledger.PolicyFor(ledger.PlanPro)
	balance, err := creditLedger.Grant(ctx, sub.AccountID, policy.MonthlyCredits, true)
	if err != nil {
		logger.WithError(err).WithField("account_id", sub.AccountID).Error("Renewal grant failed")
		metrics.recordReconciliation("error")
		return "skipped"
	}

	_, err = db.ExecContext(ctx, `
		UPDATE bursar.subscriptions
		SET expires_date = $2, last_credit_grant = NOW(), updated_at = NOW()
		WHERE id = $1`,
		sub.ID, newExpiry)
	if err != nil {
		logger.WithError(err).WithField("subscription_id", sub.ID).Error("Failed to advance subscription expiry")
		metrics.recordReconciliation("error")
		return "skipped"
	}

	metrics.recordReconciliation("renewed")
	producer.Publish(events.EventSubscriptionRenewed, sub.AccountID, events.LedgerEvent{
		Amount:    policy.MonthlyCredits,
		Balance:   balance,
		Plan:      string(ledger.PlanPro),
		Reference: sub.ID,
	})
	logger.WithFields(logging.Fields{
		"account_id":      sub.AccountID,
		"subscription_id": sub.ID,
		"new_expiry":      newExpiry,
		"balance":         balance,
	}).Info("Renewed subscription")
	return "renewed"
}

func (r *SubscriptionReconciler) expire(ctx context.Context, sub dueSubscription) string {
	// Downgrade first: if the status flip below fails, the record stays
	// due and the next run repeats both steps idempotently. The reverse
	// order could strand a pro account behind an expired row. The
	// downgrade caps future grants only; the account keeps whatever
	// balance it accumulated.
	if err := creditLedger.SetPlan(ctx, sub.AccountID, ledger.PlanFree); err != nil {
		logger.WithError(err).WithField("account_id", sub.AccountID).Error("Failed to downgrade expired account")
		metrics.recordReconciliation("error")
		return "skipped"
	}

	_, err := db.ExecContext(ctx, `
		UPDATE bursar.subscriptions SET status = $2, updated_at = NOW() WHERE id = $1`,
		sub.ID, ledger.SubscriptionExpired)
	if err != nil {
		logger.WithError(err).WithField("subscription_id", sub.ID).Error("Failed to expire subscription")
		metrics.recordReconciliation("error")
		return "skipped"
	}

	metrics.recordReconciliation("expired")
	producer.Publish(events.EventSubscriptionExpired, sub.AccountID, events.LedgerEvent{
		Plan:      string(ledger.PlanFree),
		Reference: sub.ID,
	})
	logger.WithFields(logging.Fields{
		"account_id":      sub.AccountID,
		"subscription_id": sub.ID,
	}).Info("Expired subscription")
	return "expired"
}
