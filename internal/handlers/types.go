package handlers

import "github.com/glimmerworks/bursar/internal/ledger"

// ConsumeRequest is the body of POST /credits/consume. Amount defaults
// to 1 when omitted.
type ConsumeRequest struct {
	Amount int `json:"amount"`
}

// ConsumeResponse reports the balance after a successful consume.
type ConsumeResponse struct {
	Credits int `json:"credits"`
}

// TopUpRequest is the body of POST /credits/topup.
type TopUpRequest struct {
	ProductID     string `json:"product_id" binding:"required"`
	TransactionID string `json:"transaction_id" binding:"required"`
}

// TopUpResponse reports the balance after a top-up. Replayed is true
// when the transaction was already applied; the balance is then the
// current one, unchanged by this call.
type TopUpResponse struct {
	Credits  int  `json:"credits"`
	Replayed bool `json:"replayed"`
}

// SetPlanRequest is the body of POST /account/plan. AccountID is
// required on service-token calls, which carry no account identity.
type SetPlanRequest struct {
	AccountID string `json:"account_id"`
	Plan      string `json:"plan" binding:"required"`
}

// AccountResponse is the account snapshot returned by the account
// endpoints.
type AccountResponse struct {
	Account *ledger.Account `json:"account"`
}
