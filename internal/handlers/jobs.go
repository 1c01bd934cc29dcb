package handlers

import (
	"context"
	"time"

	"github.com/glimmerworks/bursar/internal/ledger"
	"github.com/glimmerworks/bursar/pkg/config"
	"github.com/glimmerworks/bursar/pkg/events"
	"github.com/glimmerworks/bursar/pkg/logging"
)

// JobManager runs the recurring ledger jobs: monthly free-tier grants
// and the stale in-flight slot sweep.
type JobManager struct {
	grantInterval time.Duration
	sweepInterval time.Duration
	stopCh        chan struct{}
}

// NewJobManager creates a job manager with env-tunable cadences
func NewJobManager() *JobManager {
	return &JobManager{
		grantInterval: config.GetEnvDuration("MONTHLY_GRANT_INTERVAL", 24*time.Hour),
		sweepInterval: config.GetEnvDuration("SLOT_SWEEP_INTERVAL", 5*time.Minute),
		stopCh:        make(chan struct{}),
	}
}

// Start begins all background jobs
func (jm *JobManager) Start(ctx context.Context) {
	logger.Info("Starting ledger job manager")
	go jm.runMonthlyGrants(ctx)
	go jm.runSlotSweep(ctx)
}

// Stop stops all background jobs
func (jm *JobManager) Stop() {
	logger.Info("Stopping ledger job manager")
	close(jm.stopCh)
}

func (jm *JobManager) runMonthlyGrants(ctx context.Context) {
	ticker := time.NewTicker(jm.grantInterval)
	defer ticker.Stop()

	logger.Info("Starting monthly grant job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.grantMonthlyCredits(ctx)
		}
	}
}

// grantMonthlyCredits tops up free-tier accounts whose last grant is at
// least 30 days old. Pro accounts are not eligible here: their grants
// come exclusively from subscription renewal, so the two paths can
// never both fire for one account in one cycle.
func (jm *JobManager) grantMonthlyCredits(ctx context.Context) {
	rows, err := db.QueryContext(ctx, `
		SELECT id FROM bursar.accounts
		WHERE plan = $1
		  AND (last_monthly_grant IS NULL OR last_monthly_grant <= NOW() - INTERVAL '30 days')`,
		string(ledger.PlanFree))
	if err != nil {
		logger.WithError(err).Error("Failed to fetch accounts due for monthly grant")
		return
	}
	defer rows.Close()

	var due []string
	for rows.Next() {
		var accountID string
		if err := rows.Scan(&accountID); err != nil {
			logger.WithError(err).Error("Error scanning account for monthly grant")
			continue
		}
		due = append(due, accountID)
	}
	if err := rows.Err(); err != nil {
		logger.WithError(err).Error("Error iterating accounts due for monthly grant")
	}

	policy := ledger.PolicyFor(ledger.PlanFree)
	var granted int
	for _, accountID := range due {
		balance, err := creditLedger.Grant(ctx, accountID, policy.MonthlyCredits, true)
		if err != nil {
			logger.WithError(err).WithField("account_id", accountID).Error("Monthly grant failed")
			metrics.recordMonthlyGrant("error")
			continue
		}

		granted++
		metrics.recordMonthlyGrant("success")
		producer.Publish(events.EventCreditsGranted, accountID, events.LedgerEvent{
			Amount:  policy.MonthlyCredits,
			Balance: balance,
			Plan:    string(ledger.PlanFree),
		})
	}

	if granted > 0 {
		logger.WithFields(logging.Fields{
			"accounts_granted": granted,
		}).Info("Monthly grant job completed")
	}
}

func (jm *JobManager) runSlotSweep(ctx context.Context) {
	ticker := time.NewTicker(jm.sweepInterval)
	defer ticker.Stop()

	logger.Info("Starting stale slot sweep job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			swept, err := creditLedger.SweepStaleSlots(ctx)
			if err != nil {
				logger.WithError(err).Error("Stale slot sweep failed")
				continue
			}
			if swept > 0 {
				logger.WithFields(logging.Fields{
					"accounts_swept": swept,
				}).Info("Released stale in-flight slots")
			}
		}
	}
}
