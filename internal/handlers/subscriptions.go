package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/glimmerworks/bursar/internal/ledger"
	"github.com/glimmerworks/bursar/pkg/events"
	"github.com/glimmerworks/bursar/pkg/logging"
	"github.com/glimmerworks/bursar/pkg/middleware"
)

// upsertActiveSubscription aligns the account's active subscription row
// with the provider's entitlement, creating it when this is the first
// time the entitlement is seen. Returns whether the row was created.
// last_credit_grant is deliberately untouched on update so a restore
// that follows an already-processed renewal cannot look grant-worthy.
func upsertActiveSubscription(ctx context.Context, accountID, productID string, expiresDate time.Time) (bool, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE bursar.subscriptions
		SET product_id = $2, expires_date = $3, updated_at = NOW()
		WHERE account_id = $1 AND status = $4`,
		accountID, productID, expiresDate, ledger.SubscriptionActive)
	if err != nil {
		return false, fmt.Errorf("failed to update subscription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check subscription update: %w", err)
	}
	if rows == 1 {
		return false, nil
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO bursar.subscriptions
			(id, account_id, product_id, plan, purchase_date, expires_date, original_transaction_id, status)
		VALUES ($1, $2, $3, $4, NOW(), $5, $6, $7)`,
		uuid.New().String(), accountID, productID, string(ledger.PlanPro), expiresDate,
		"restored-"+uuid.New().String(), ledger.SubscriptionActive)
	if err != nil {
		return false, fmt.Errorf("failed to create subscription: %w", err)
	}
	return true, nil
}

func markSubscriptionGranted(ctx context.Context, accountID string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE bursar.subscriptions SET last_credit_grant = NOW(), updated_at = NOW()
		WHERE account_id = $1 AND status = $2`,
		accountID, ledger.SubscriptionActive)
	if err != nil {
		return fmt.Errorf("failed to mark subscription granted: %w", err)
	}
	return nil
}

func expireActiveSubscriptions(ctx context.Context, accountID string) (int64, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE bursar.subscriptions SET status = $3, updated_at = NOW()
		WHERE account_id = $1 AND status = $2`,
		accountID, ledger.SubscriptionActive, ledger.SubscriptionExpired)
	if err != nil {
		return 0, fmt.Errorf("failed to expire subscriptions: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count expired subscriptions: %w", err)
	}
	return rows, nil
}

// RestoreAccount handles POST /account/restore. It aligns the local
// plan, cap, and subscription row with the provider's current state.
// A restore over an existing subscription never grants credits; only a
// first-seen entitlement receives the pro monthly grant.
func RestoreAccount(c middleware.Context) {
	accountID, ok := requestAccountID(c, c.Query("account_id"))
	if !ok {
		return
	}
	ctx := c.Request.Context()

	ent, err := provider.QueryEntitlement(ctx, accountID)
	if err != nil {
		logger.WithError(err).WithField("account_id", accountID).Error("Entitlement query failed during restore")
		c.JSON(http.StatusBadGateway, middleware.H{"error": "provider_unavailable"})
		return
	}

	if !ent.Active {
		if expired, err := expireActiveSubscriptions(ctx, accountID); err != nil {
			respondLedgerError(c, err)
			return
		} else if expired > 0 {
			logger.WithField("account_id", accountID).Info("Restore found no entitlement, expired local subscription")
		}
		if err := creditLedger.SetPlan(ctx, accountID, ledger.PlanFree); err != nil {
			respondLedgerError(c, err)
			return
		}
	} else {
		created, err := upsertActiveSubscription(ctx, accountID, ent.ProductID, ent.ExpiresDate)
		if err != nil {
			respondLedgerError(c, err)
			return
		}
		if err := creditLedger.SetPlan(ctx, accountID, ledger.PlanPro); err != nil {
			respondLedgerError(c, err)
			return
		}

		if created {
			// First purchase validation for this entitlement: the one
			// place outside the reconciler where pro credits arrive.
			policy := ledger.PolicyFor(ledger.PlanPro)
			balance, err := creditLedger.Grant(ctx, accountID, policy.MonthlyCredits, true)
			if err != nil {
				respondLedgerError(c, err)
				return
			}
			if err := markSubscriptionGranted(ctx, accountID); err != nil {
				logger.WithError(err).WithField("account_id", accountID).Error("Failed to record subscription grant time")
			}
			producer.Publish(events.EventCreditsGranted, accountID, events.LedgerEvent{
				Amount:    policy.MonthlyCredits,
				Balance:   balance,
				Plan:      string(ledger.PlanPro),
				Reference: ent.ProductID,
			})
			logger.WithFields(logging.Fields{
				"account_id": accountID,
				"product_id": ent.ProductID,
				"balance":    balance,
			}).Info("Activated subscription with initial grant")
		} else {
			logger.WithField("account_id", accountID).Info("Restored existing subscription without grant")
		}
	}

	account, err := creditLedger.Get(ctx, accountID)
	if err != nil {
		respondLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, AccountResponse{Account: account})
}
