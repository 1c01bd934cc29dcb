package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/glimmerworks/bursar/pkg/config"
	"github.com/glimmerworks/bursar/pkg/events"
	"github.com/glimmerworks/bursar/pkg/logging"
	"github.com/glimmerworks/bursar/pkg/middleware"
)

// ProductCatalog maps a top-up product_id to the credits it grants.
type ProductCatalog map[string]int

// LoadProductCatalog builds the catalog from TOPUP_PRODUCTS, a
// comma-separated list of product:credits pairs.
func LoadProductCatalog(log logging.Logger) ProductCatalog {
	raw := config.GetEnv("TOPUP_PRODUCTS", "credits_10:10,credits_50:50,credits_150:150")

	cat := make(ProductCatalog)
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 {
			continue
		}
		amount, err := strconv.Atoi(parts[1])
		if err != nil || amount <= 0 {
			log.WithField("product", pair).Warn("Skipping malformed top-up product")
			continue
		}
		cat[parts[0]] = amount
	}
	return cat
}

// ApplyTopUp handles POST /credits/topup. Provider validation runs
// first with its own timeout, never inside the DB transaction; the
// replay guard and the uncapped grant then commit together. A replayed
// transaction_id returns the original success shape with the current
// balance.
func ApplyTopUp(c middleware.Context) {
	accountID, ok := requestAccountID(c, "")
	if !ok {
		return
	}

	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, middleware.H{"error": "invalid_request"})
		return
	}

	creditsAmount, known := catalog[req.ProductID]
	if !known {
		c.JSON(http.StatusBadRequest, middleware.H{"error": "unknown_product"})
		return
	}

	validation, err := provider.ValidatePurchase(c.Request.Context(), accountID, req.TransactionID)
	if err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"account_id":     accountID,
			"transaction_id": req.TransactionID,
		}).Error("Purchase validation unavailable")
		metrics.recordTopUp("provider_error")
		c.JSON(http.StatusBadGateway, middleware.H{"error": "provider_unavailable"})
		return
	}
	if !validation.Valid {
		metrics.recordTopUp("rejected")
		c.JSON(http.StatusPaymentRequired, middleware.H{"error": "purchase_validation_failed"})
		return
	}
	if validation.ProductID != "" && validation.ProductID != req.ProductID {
		logger.WithFields(logging.Fields{
			"account_id": accountID,
			"claimed":    req.ProductID,
			"paid":       validation.ProductID,
		}).Warn("Top-up product mismatch")
		metrics.recordTopUp("rejected")
		c.JSON(http.StatusPaymentRequired, middleware.H{"error": "purchase_validation_failed"})
		return
	}

	balance, replayed, err := creditLedger.ApplyTopUp(c.Request.Context(), accountID, req.ProductID, req.TransactionID, creditsAmount)
	if err != nil {
		metrics.recordTopUp("error")
		respondLedgerError(c, err)
		return
	}

	if replayed {
		metrics.recordTopUp("replayed")
	} else {
		metrics.recordTopUp("success")
		producer.Publish(events.EventTopUpCredited, accountID, events.LedgerEvent{
			Amount:    creditsAmount,
			Balance:   balance,
			Reference: req.TransactionID,
		})
		logger.WithFields(logging.Fields{
			"account_id":     accountID,
			"product_id":     req.ProductID,
			"credits":        creditsAmount,
			"balance":        balance,
			"transaction_id": req.TransactionID,
		}).Info("Applied top-up purchase")
	}

	c.JSON(http.StatusOK, TopUpResponse{Credits: balance, Replayed: replayed})
}
