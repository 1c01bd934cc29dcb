package ledger

import "time"

// Plan identifies an account's subscription tier.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// PlanPolicy holds the per-plan grant parameters. All plan-specific
// credit amounts live here rather than scattered through the code.
type PlanPolicy struct {
	MonthlyCredits int
	MaxCredits     int
}

var planPolicies = map[Plan]PlanPolicy{
	PlanFree: {MonthlyCredits: 2, MaxCredits: 2},
	PlanPro:  {MonthlyCredits: 100, MaxCredits: 100},
}

// PolicyFor returns the grant policy for a plan. Unknown plans fall
// back to the free policy.
func PolicyFor(plan Plan) PlanPolicy {
	if policy, ok := planPolicies[plan]; ok {
		return policy
	}
	return planPolicies[PlanFree]
}

// ValidPlan reports whether plan is a recognized tier.
func ValidPlan(plan Plan) bool {
	_, ok := planPolicies[plan]
	return ok
}

// Account is the per-user ledger row. Credits, MaxCredits, Plan and the
// grant bookkeeping fields are only ever written by ledger transactions.
type Account struct {
	ID                           string     `json:"id"`
	Plan                         Plan       `json:"plan"`
	Credits                      int        `json:"credits"`
	MaxCredits                   int        `json:"max_credits"`
	LastMonthlyGrant             *time.Time `json:"last_monthly_grant,omitempty"`
	UsedOnboardingFreeGeneration bool       `json:"used_onboarding_free_generation"`
	LastRequestAt                *time.Time `json:"last_request_at,omitempty"`
	InFlightCount                int        `json:"in_flight_count"`
	InFlightUpdatedAt            *time.Time `json:"-"`
	CreatedAt                    time.Time  `json:"created_at"`
	UpdatedAt                    time.Time  `json:"updated_at"`
}

// SubscriptionRecord mirrors one provider subscription. At most one row
// per account is active at a time.
type SubscriptionRecord struct {
	ID                    string     `json:"id"`
	AccountID             string     `json:"account_id"`
	ProductID             string     `json:"product_id"`
	Plan                  Plan       `json:"plan"`
	PurchaseDate          time.Time  `json:"purchase_date"`
	ExpiresDate           time.Time  `json:"expires_date"`
	OriginalTransactionID string     `json:"original_transaction_id"`
	LastCreditGrant       *time.Time `json:"last_credit_grant,omitempty"`
	Status                string     `json:"status"`
}

// Subscription statuses
const (
	SubscriptionActive    = "active"
	SubscriptionExpired   = "expired"
	SubscriptionCancelled = "cancelled"
)

// ProcessedTransaction is a replay-guard row for a consumable top-up.
type ProcessedTransaction struct {
	TransactionID string    `json:"transaction_id"`
	ProductID     string    `json:"product_id"`
	AccountID     string    `json:"account_id"`
	ProcessedAt   time.Time `json:"processed_at"`
}
