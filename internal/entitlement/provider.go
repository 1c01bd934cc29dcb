// Package entitlement abstracts the external system of record for
// subscription validity and purchase validation. The ledger treats
// every provider response as untrusted input: validation always runs
// before any balance mutation and never inside a DB transaction.
package entitlement

import (
	"context"
	"errors"
	"time"
)

// ErrValidationFailed indicates the provider rejected a purchase: the
// transaction does not exist, is not paid, or belongs to another
// account. Terminal for that purchase attempt.
var ErrValidationFailed = errors.New("purchase validation failed")

// Entitlement is the provider's current view of an account's
// subscription.
type Entitlement struct {
	Active      bool
	ProductID   string
	ExpiresDate time.Time
}

// PurchaseValidation is the provider's verdict on a one-time purchase.
type PurchaseValidation struct {
	Valid      bool
	ProductID  string
	AmountPaid int64
}

// Provider is the entitlement-provider contract the ledger depends on.
type Provider interface {
	// QueryEntitlement returns the account's current entitlement. A
	// missing subscription is not an error: Active is false.
	QueryEntitlement(ctx context.Context, accountID string) (*Entitlement, error)

	// ValidatePurchase confirms a one-time purchase occurred and
	// belongs to accountID.
	ValidatePurchase(ctx context.Context, accountID, transactionID string) (*PurchaseValidation, error)
}
