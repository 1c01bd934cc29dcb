package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/glimmerworks/bursar/pkg/logging"
)

// Config holds the rate-governor policy. Cooldown and MaxInFlight gate
// credit consumption; SlotStaleness bounds how long an abandoned
// in-flight slot can leak before it is treated as released.
type Config struct {
	Cooldown      time.Duration
	MaxInFlight   int
	SlotStaleness time.Duration
}

// DefaultConfig returns the default rate-governor policy.
func DefaultConfig() Config {
	return Config{
		Cooldown:      15 * time.Second,
		MaxInFlight:   3,
		SlotStaleness: 10 * time.Minute,
	}
}

// Ledger owns all writes to accounts and the replay guard. Every
// mutation runs as a single row-locked transaction so concurrent calls
// from multiple devices or jobs compose safely.
type Ledger struct {
	db     *sql.DB
	logger logging.Logger
	cfg    Config
}

// New creates a Ledger backed by db.
func New(db *sql.DB, logger logging.Logger, cfg Config) *Ledger {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultConfig().MaxInFlight
	}
	if cfg.SlotStaleness <= 0 {
		cfg.SlotStaleness = DefaultConfig().SlotStaleness
	}
	return &Ledger{db: db, logger: logger, cfg: cfg}
}

// Policy returns the ledger's rate-governor configuration.
func (l *Ledger) Policy() Config {
	return l.cfg
}

const accountColumns = `id, plan, credits, max_credits, last_monthly_grant,
		used_onboarding_free_generation, last_request_at, in_flight_count,
		in_flight_updated_at, created_at, updated_at`

func scanAccount(row *sql.Row) (*Account, error) {
	var account Account
	var plan string
	var lastGrant, lastRequest, inFlightUpdated sql.NullTime

	err := row.Scan(&account.ID, &plan, &account.Credits, &account.MaxCredits,
		&lastGrant, &account.UsedOnboardingFreeGeneration, &lastRequest,
		&account.InFlightCount, &inFlightUpdated, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	account.Plan = Plan(plan)
	if lastGrant.Valid {
		account.LastMonthlyGrant = &lastGrant.Time
	}
	if lastRequest.Valid {
		account.LastRequestAt = &lastRequest.Time
	}
	if inFlightUpdated.Valid {
		account.InFlightUpdatedAt = &inFlightUpdated.Time
	}
	return &account, nil
}

// Get returns the current account snapshot.
func (l *Ledger) Get(ctx context.Context, accountID string) (*Account, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM bursar.accounts WHERE id = $1`, accountID)
	return scanAccount(row)
}

// Initialize creates the account with the free plan's starting balance
// if it does not exist, then returns the current snapshot. Safe to call
// on every session start.
func (l *Ledger) Initialize(ctx context.Context, accountID string) (*Account, error) {
	policy := PolicyFor(PlanFree)

	result, err := l.db.ExecContext(ctx, `
		INSERT INTO bursar.accounts (id, plan, credits, max_credits, last_monthly_grant)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO NOTHING`,
		accountID, string(PlanFree), policy.MonthlyCredits, policy.MaxCredits)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize account: %w", err)
	}

	if rows, err := result.RowsAffected(); err == nil && rows == 1 {
		l.logger.WithFields(logging.Fields{
			"account_id": accountID,
			"credits":    policy.MonthlyCredits,
		}).Info("Created new account")
	}

	return l.Get(ctx, accountID)
}

// Consume atomically spends amount credits and reserves an in-flight
// generation slot. The rate-governor checks and the balance decrement
// run in one row-locked transaction, so a request that fails the
// cooldown never also takes a credit. On any typed failure the account
// is unchanged.
func (l *Ledger) Consume(ctx context.Context, accountID string, amount int) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("consume amount must be positive, got %d", amount)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var credits, inFlight int
	var lastRequest, inFlightUpdated sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT credits, last_request_at, in_flight_count, in_flight_updated_at
		FROM bursar.accounts WHERE id = $1 FOR UPDATE`,
		accountID).Scan(&credits, &lastRequest, &inFlight, &inFlightUpdated)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to lock account: %w", err)
	}

	now := time.Now()

	// A caller that crashed mid-generation never releases its slot;
	// treat slots past the staleness window as released.
	if inFlightUpdated.Valid && now.Sub(inFlightUpdated.Time) > l.cfg.SlotStaleness {
		inFlight = 0
	}

	if lastRequest.Valid {
		elapsed := now.Sub(lastRequest.Time)
		if elapsed < l.cfg.Cooldown {
			return 0, &CooldownActiveError{RetryAfter: l.cfg.Cooldown - elapsed}
		}
	}

	if inFlight >= l.cfg.MaxInFlight {
		return 0, ErrConcurrencyLimit
	}

	if credits < amount {
		return 0, &InsufficientCreditsError{Current: credits, Required: amount}
	}

	newBalance := credits - amount
	_, err = tx.ExecContext(ctx, `
		UPDATE bursar.accounts
		SET credits = $2, last_request_at = NOW(), in_flight_count = $3,
		    in_flight_updated_at = NOW(), updated_at = NOW()
		WHERE id = $1`,
		accountID, newBalance, inFlight+1)
	if err != nil {
		return 0, fmt.Errorf("failed to consume credits: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit consume: %w", err)
	}

	return newBalance, nil
}

// Grant atomically adds amount credits. With capToMax the result is
// clamped to max_credits, except when the pre-grant balance already
// exceeds the cap (purchase surplus): then the balance is left alone so
// bought credits survive the monthly cycle. last_monthly_grant is
// always advanced, even when the balance does not move.
func (l *Ledger) Grant(ctx context.Context, accountID string, amount int, capToMax bool) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("grant amount must not be negative, got %d", amount)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var credits, maxCredits int
	err = tx.QueryRowContext(ctx, `
		SELECT credits, max_credits FROM bursar.accounts WHERE id = $1 FOR UPDATE`,
		accountID).Scan(&credits, &maxCredits)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to lock account: %w", err)
	}

	newBalance := credits + amount
	if capToMax {
		if credits > maxCredits {
			newBalance = credits
		} else if newBalance > maxCredits {
			newBalance = maxCredits
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE bursar.accounts
		SET credits = $2, last_monthly_grant = NOW(), updated_at = NOW()
		WHERE id = $1`,
		accountID, newBalance)
	if err != nil {
		return 0, fmt.Errorf("failed to grant credits: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit grant: %w", err)
	}

	return newBalance, nil
}

// SetPlan updates the plan and its max_credits cap. Credits are never
// touched here; a downgraded account keeps whatever balance it holds.
func (l *Ledger) SetPlan(ctx context.Context, accountID string, plan Plan) error {
	if !ValidPlan(plan) {
		return fmt.Errorf("unknown plan %q", plan)
	}
	policy := PolicyFor(plan)

	result, err := l.db.ExecContext(ctx, `
		UPDATE bursar.accounts SET plan = $2, max_credits = $3, updated_at = NOW()
		WHERE id = $1`,
		accountID, string(plan), policy.MaxCredits)
	if err != nil {
		return fmt.Errorf("failed to set plan: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check plan update: %w", err)
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// ReleaseSlot returns an in-flight generation slot, flooring at zero so
// duplicate releases cannot underflow the counter.
func (l *Ledger) ReleaseSlot(ctx context.Context, accountID string) error {
	result, err := l.db.ExecContext(ctx, `
		UPDATE bursar.accounts
		SET in_flight_count = GREATEST(in_flight_count - 1, 0),
		    in_flight_updated_at = NOW(), updated_at = NOW()
		WHERE id = $1`,
		accountID)
	if err != nil {
		return fmt.Errorf("failed to release slot: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check slot release: %w", err)
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// TryFreeGeneration claims the one-time onboarding free generation.
// The flag check and set are a single conditional update, so two
// concurrent claims yield exactly one success.
func (l *Ledger) TryFreeGeneration(ctx context.Context, accountID string) error {
	result, err := l.db.ExecContext(ctx, `
		UPDATE bursar.accounts
		SET used_onboarding_free_generation = TRUE, updated_at = NOW()
		WHERE id = $1 AND used_onboarding_free_generation = FALSE`,
		accountID)
	if err != nil {
		return fmt.Errorf("failed to claim free generation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check free generation claim: %w", err)
	}
	if rows == 1 {
		return nil
	}

	var exists bool
	err = l.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM bursar.accounts WHERE id = $1)`, accountID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check account: %w", err)
	}
	if !exists {
		return ErrAccountNotFound
	}
	return ErrOnboardingUsed
}

// ApplyTopUp credits a validated consumable purchase exactly once. The
// replay-guard insert and the uncapped balance grant share one
// transaction: a replayed transaction_id leaves the balance unchanged
// and reports replayed=true with the current balance, matching the
// original success payload.
func (l *Ledger) ApplyTopUp(ctx context.Context, accountID, productID, transactionID string, creditsAmount int) (balance int, replayed bool, err error) {
	if creditsAmount <= 0 {
		return 0, false, fmt.Errorf("top-up amount must be positive, got %d", creditsAmount)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO bursar.processed_transactions (transaction_id, product_id, account_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (transaction_id) DO NOTHING`,
		transactionID, productID, accountID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to record transaction: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("failed to check replay guard: %w", err)
	}

	if rows == 0 {
		// Replay: return the current balance without mutating it.
		var credits int
		err = tx.QueryRowContext(ctx,
			`SELECT credits FROM bursar.accounts WHERE id = $1`, accountID).Scan(&credits)
		if err != nil {
			if err == sql.ErrNoRows {
				return 0, false, ErrAccountNotFound
			}
			return 0, false, fmt.Errorf("failed to read balance: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, false, fmt.Errorf("failed to commit replay check: %w", err)
		}

		l.logger.WithFields(logging.Fields{
			"account_id":     accountID,
			"transaction_id": transactionID,
		}).Info("Ignoring replayed top-up transaction")
		return credits, true, nil
	}

	var credits int
	err = tx.QueryRowContext(ctx,
		`SELECT credits FROM bursar.accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&credits)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, ErrAccountNotFound
		}
		return 0, false, fmt.Errorf("failed to lock account: %w", err)
	}

	// Top-ups are never clamped to max_credits.
	newBalance := credits + creditsAmount
	_, err = tx.ExecContext(ctx, `
		UPDATE bursar.accounts SET credits = $2, updated_at = NOW() WHERE id = $1`,
		accountID, newBalance)
	if err != nil {
		return 0, false, fmt.Errorf("failed to credit top-up: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit top-up: %w", err)
	}

	return newBalance, false, nil
}

// SweepStaleSlots resets in-flight counters whose last update is older
// than the staleness window. Accounts with no traffic recover their
// slots here instead of waiting for the next consume.
func (l *Ledger) SweepStaleSlots(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-l.cfg.SlotStaleness)
	result, err := l.db.ExecContext(ctx, `
		UPDATE bursar.accounts
		SET in_flight_count = 0, in_flight_updated_at = NOW(), updated_at = NOW()
		WHERE in_flight_count > 0 AND in_flight_updated_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale slots: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept slots: %w", err)
	}
	return rows, nil
}
