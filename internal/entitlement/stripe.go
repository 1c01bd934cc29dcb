package entitlement

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/glimmerworks/bursar/pkg/logging"
)

const stripeCallTimeout = 10 * time.Second

// StripeProvider implements Provider against Stripe. Customers are
// located by account_id metadata; entitlement comes from the customer's
// active subscription, purchase validation from the payment intent.
type StripeProvider struct {
	logger logging.Logger
}

// NewStripeProvider creates a Stripe-backed provider
func NewStripeProvider(secretKey string, logger logging.Logger) *StripeProvider {
	// Set the global API key for the stripe-go library
	stripe.Key = secretKey
	return &StripeProvider{logger: logger}
}

func (p *StripeProvider) findCustomer(ctx context.Context, accountID string) (*stripe.Customer, error) {
	params := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Context: ctx,
			Query:   fmt.Sprintf("metadata['account_id']:'%s'", accountID),
		},
	}
	iter := customer.Search(params)
	for iter.Next() {
		return iter.Customer(), nil
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to search Stripe customer: %w", err)
	}
	return nil, nil
}

// QueryEntitlement returns the account's current subscription state.
// An account with no Stripe customer or no active subscription gets an
// inactive entitlement, not an error.
func (p *StripeProvider) QueryEntitlement(ctx context.Context, accountID string) (*Entitlement, error) {
	ctx, cancel := context.WithTimeout(ctx, stripeCallTimeout)
	defer cancel()

	cust, err := p.findCustomer(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if cust == nil {
		return &Entitlement{Active: false}, nil
	}

	listParams := &stripe.SubscriptionListParams{
		ListParams: stripe.ListParams{Context: ctx},
		Customer:   stripe.String(cust.ID),
		Status:     stripe.String(string(stripe.SubscriptionStatusActive)),
	}
	iter := subscription.List(listParams)
	for iter.Next() {
		sub := iter.Subscription()
		ent := &Entitlement{Active: true}
		if sub.Metadata != nil {
			ent.ProductID = sub.Metadata["product_id"]
		}
		// CurrentPeriodEnd lives on the subscription item in v82
		if sub.Items != nil && len(sub.Items.Data) > 0 {
			item := sub.Items.Data[0]
			ent.ExpiresDate = time.Unix(item.CurrentPeriodEnd, 0)
			if ent.ProductID == "" && item.Price != nil {
				ent.ProductID = item.Price.ID
			}
		}
		return ent, nil
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list Stripe subscriptions: %w", err)
	}

	return &Entitlement{Active: false}, nil
}

// ValidatePurchase confirms a payment intent succeeded and carries the
// account's metadata. A mismatched or unpaid intent yields Valid=false
// rather than an error so callers can distinguish provider outages from
// rejected purchases.
func (p *StripeProvider) ValidatePurchase(ctx context.Context, accountID, transactionID string) (*PurchaseValidation, error) {
	ctx, cancel := context.WithTimeout(ctx, stripeCallTimeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	}
	intent, err := paymentintent.Get(transactionID, params)
	if err != nil {
		if stripeErr, ok := err.(*stripe.Error); ok && stripeErr.Code == stripe.ErrorCodeResourceMissing {
			p.logger.WithFields(logging.Fields{
				"account_id":     accountID,
				"transaction_id": transactionID,
			}).Warn("Payment intent not found")
			return &PurchaseValidation{Valid: false}, nil
		}
		return nil, fmt.Errorf("failed to get payment intent: %w", err)
	}

	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return &PurchaseValidation{Valid: false}, nil
	}
	if intent.Metadata["account_id"] != accountID {
		p.logger.WithFields(logging.Fields{
			"account_id":     accountID,
			"transaction_id": transactionID,
		}).Warn("Payment intent belongs to a different account")
		return &PurchaseValidation{Valid: false}, nil
	}

	return &PurchaseValidation{
		Valid:      true,
		ProductID:  intent.Metadata["product_id"],
		AmountPaid: intent.Amount,
	}, nil
}
