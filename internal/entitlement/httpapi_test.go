package entitlement

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestHTTPProviderQueryEntitlement(t *testing.T) {
	expires := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/entitlements/acct-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"active":       true,
			"product_id":   "pro_monthly",
			"expires_date": expires,
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "secret", testLogger())
	ent, err := p.QueryEntitlement(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if !ent.Active || ent.ProductID != "pro_monthly" {
		t.Errorf("unexpected entitlement: %+v", ent)
	}
	if !ent.ExpiresDate.Equal(expires) {
		t.Errorf("expected expiry %v, got %v", expires, ent.ExpiresDate)
	}
}

func TestHTTPProviderValidatePurchase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/purchases/validate" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req validateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.AccountID != "acct-1" || req.TransactionID != "txn-9" {
			t.Errorf("unexpected payload: %+v", req)
		}
		json.NewEncoder(w).Encode(validateResponse{Valid: true, ProductID: "credits_50", AmountPaid: 499})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "", testLogger())
	v, err := p.ValidatePurchase(context.Background(), "acct-1", "txn-9")
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !v.Valid || v.ProductID != "credits_50" || v.AmountPaid != 499 {
		t.Errorf("unexpected validation: %+v", v)
	}
}

func TestHTTPProviderPropagatesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "", testLogger())
	if _, err := p.QueryEntitlement(context.Background(), "acct-1"); err == nil {
		t.Fatal("expected error on 502")
	}
}
