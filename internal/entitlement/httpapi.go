package entitlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/glimmerworks/bursar/pkg/logging"
)

// HTTPProvider implements Provider against a JSON entitlement API,
// for deployments where subscription state lives behind an internal
// service instead of Stripe.
//
//	GET  {base}/v1/entitlements/{accountID}
//	POST {base}/v1/purchases/validate {account_id, transaction_id}
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  logging.Logger
}

// NewHTTPProvider creates a provider for a JSON entitlement API
func NewHTTPProvider(baseURL, apiKey string, logger logging.Logger) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

type entitlementResponse struct {
	Active      bool      `json:"active"`
	ProductID   string    `json:"product_id"`
	ExpiresDate time.Time `json:"expires_date"`
}

type validateRequest struct {
	AccountID     string `json:"account_id"`
	TransactionID string `json:"transaction_id"`
}

type validateResponse struct {
	Valid      bool   `json:"valid"`
	ProductID  string `json:"product_id"`
	AmountPaid int64  `json:"amount_paid"`
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody *bytes.Buffer = bytes.NewBuffer(nil)
	if body != nil {
		if err := json.NewEncoder(reqBody).Encode(body); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("entitlement API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("entitlement API returned %d for %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode entitlement API response: %w", err)
	}
	return nil
}

func (p *HTTPProvider) QueryEntitlement(ctx context.Context, accountID string) (*Entitlement, error) {
	var resp entitlementResponse
	path := "/v1/entitlements/" + url.PathEscape(accountID)
	if err := p.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &Entitlement{
		Active:      resp.Active,
		ProductID:   resp.ProductID,
		ExpiresDate: resp.ExpiresDate,
	}, nil
}

func (p *HTTPProvider) ValidatePurchase(ctx context.Context, accountID, transactionID string) (*PurchaseValidation, error) {
	var resp validateResponse
	req := validateRequest{AccountID: accountID, TransactionID: transactionID}
	if err := p.do(ctx, http.MethodPost, "/v1/purchases/validate", req, &resp); err != nil {
		return nil, err
	}
	return &PurchaseValidation{
		Valid:      resp.Valid,
		ProductID:  resp.ProductID,
		AmountPaid: resp.AmountPaid,
	}, nil
}
