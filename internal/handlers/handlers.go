package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/glimmerworks/bursar/internal/ledger"
	"github.com/glimmerworks/bursar/pkg/events"
	"github.com/glimmerworks/bursar/pkg/logging"
	"github.com/glimmerworks/bursar/pkg/middleware"
)

// respondLedgerError maps the ledger's typed failures to their HTTP
// payloads. Anything unrecognized is a 500.
func respondLedgerError(c middleware.Context, err error) {
	var insufficientErr *ledger.InsufficientCreditsError
	var cooldownErr *ledger.CooldownActiveError

	switch {
	case errors.As(err, &insufficientErr):
		c.JSON(http.StatusPaymentRequired, middleware.H{
			"error":    "insufficient_credits",
			"current":  insufficientErr.Current,
			"required": insufficientErr.Required,
		})
	case errors.As(err, &cooldownErr):
		c.JSON(http.StatusTooManyRequests, middleware.H{
			"error":               "cooldown_active",
			"retry_after_seconds": cooldownErr.RetryAfterSeconds(),
		})
	case errors.Is(err, ledger.ErrConcurrencyLimit):
		c.JSON(http.StatusTooManyRequests, middleware.H{
			"error": "concurrency_limit_exceeded",
		})
	case errors.Is(err, ledger.ErrOnboardingUsed):
		c.JSON(http.StatusConflict, middleware.H{
			"error": "onboarding_used",
		})
	case errors.Is(err, ledger.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, middleware.H{
			"error": "account_not_found",
		})
	default:
		logger.WithError(err).WithField("request_id", middleware.GetRequestID(c)).Error("Ledger operation failed")
		c.JSON(http.StatusInternalServerError, middleware.H{
			"error": "internal_error",
		})
	}
}

// requestAccountID resolves the account the request acts on: the JWT
// identity, or an explicit account_id for service-token calls.
func requestAccountID(c middleware.Context, explicit string) (string, bool) {
	if accountID := middleware.GetAccountID(c); accountID != "" {
		return accountID, true
	}
	if middleware.IsServiceCall(c) && explicit != "" {
		return explicit, true
	}
	c.JSON(http.StatusBadRequest, middleware.H{"error": "missing_account_id"})
	return "", false
}

// InitializeAccount handles POST /account/initialize
func InitializeAccount(c middleware.Context) {
	accountID, ok := requestAccountID(c, c.Query("account_id"))
	if !ok {
		return
	}

	account, err := creditLedger.Initialize(c.Request.Context(), accountID)
	if err != nil {
		metrics.recordLedgerOp("initialize", "error")
		respondLedgerError(c, err)
		return
	}

	metrics.recordLedgerOp("initialize", "success")
	c.JSON(http.StatusOK, AccountResponse{Account: account})
}

// GetAccount handles GET /account
func GetAccount(c middleware.Context) {
	accountID, ok := requestAccountID(c, c.Query("account_id"))
	if !ok {
		return
	}

	account, err := creditLedger.Get(c.Request.Context(), accountID)
	if err != nil {
		respondLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, AccountResponse{Account: account})
}

// ConsumeCredits handles POST /credits/consume
func ConsumeCredits(c middleware.Context) {
	accountID, ok := requestAccountID(c, "")
	if !ok {
		return
	}

	// An empty body means a single credit.
	var req ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, middleware.H{"error": "invalid_request"})
		return
	}
	if req.Amount == 0 {
		req.Amount = 1
	}
	if req.Amount < 0 {
		c.JSON(http.StatusBadRequest, middleware.H{"error": "invalid_amount"})
		return
	}

	balance, err := creditLedger.Consume(c.Request.Context(), accountID, req.Amount)
	if err != nil {
		metrics.recordLedgerOp("consume", "rejected")
		respondLedgerError(c, err)
		return
	}

	metrics.recordLedgerOp("consume", "success")
	producer.Publish(events.EventCreditConsumed, accountID, events.LedgerEvent{
		Amount:  req.Amount,
		Balance: balance,
	})

	logger.WithFields(logging.Fields{
		"account_id": accountID,
		"amount":     req.Amount,
		"balance":    balance,
	}).Info("Consumed credits")

	c.JSON(http.StatusOK, ConsumeResponse{Credits: balance})
}

// ReleaseSlot handles POST /credits/release. Called when the downstream
// generation call terminates, success or failure.
func ReleaseSlot(c middleware.Context) {
	accountID, ok := requestAccountID(c, c.Query("account_id"))
	if !ok {
		return
	}

	if err := creditLedger.ReleaseSlot(c.Request.Context(), accountID); err != nil {
		respondLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, middleware.H{"released": true})
}

// SetPlan handles POST /account/plan (service token only, wired at the
// router).
func SetPlan(c middleware.Context) {
	var req SetPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, middleware.H{"error": "invalid_request"})
		return
	}

	accountID, ok := requestAccountID(c, req.AccountID)
	if !ok {
		return
	}

	plan := ledger.Plan(req.Plan)
	if !ledger.ValidPlan(plan) {
		c.JSON(http.StatusBadRequest, middleware.H{"error": "unknown_plan"})
		return
	}

	if err := creditLedger.SetPlan(c.Request.Context(), accountID, plan); err != nil {
		metrics.recordLedgerOp("set_plan", "error")
		respondLedgerError(c, err)
		return
	}

	account, err := creditLedger.Get(c.Request.Context(), accountID)
	if err != nil {
		respondLedgerError(c, err)
		return
	}

	metrics.recordLedgerOp("set_plan", "success")
	producer.Publish(events.EventPlanChanged, accountID, events.LedgerEvent{
		Balance: account.Credits,
		Plan:    string(account.Plan),
	})
	c.JSON(http.StatusOK, AccountResponse{Account: account})
}

// TryFreeGeneration handles POST /onboarding/free-generation. Succeeds
// exactly once per account and consumes no credits.
func TryFreeGeneration(c middleware.Context) {
	accountID, ok := requestAccountID(c, "")
	if !ok {
		return
	}

	if err := creditLedger.TryFreeGeneration(c.Request.Context(), accountID); err != nil {
		metrics.recordLedgerOp("free_generation", "rejected")
		respondLedgerError(c, err)
		return
	}

	metrics.recordLedgerOp("free_generation", "success")
	logger.WithField("account_id", accountID).Info("Onboarding free generation claimed")
	c.JSON(http.StatusOK, middleware.H{"granted": true})
}
