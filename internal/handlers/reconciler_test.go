package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/glimmerworks/bursar/internal/entitlement"
	"github.com/glimmerworks/bursar/internal/ledger"
)

func dueRows(subs ...dueSubscription) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "account_id", "product_id", "expires_date"})
	for _, s := range subs {
		rows.AddRow(s.ID, s.AccountID, s.ProductID, s.ExpiresDate)
	}
	return rows
}

func TestReconcileRenewal(t *testing.T) {
	oldExpiry := time.Now().Add(-24 * time.Hour)
	newExpiry := time.Now().Add(30 * 24 * time.Hour)
	_, mock := setupTest(t, &fakeProvider{
		ent: &entitlement.Entitlement{Active: true, ProductID: "pro_monthly", ExpiresDate: newExpiry},
	})

	mock.ExpectQuery("SELECT id, account_id, product_id, expires_date").
		WithArgs(ledger.SubscriptionActive).
		WillReturnRows(dueRows(dueSubscription{
			ID: "sub-1", AccountID: "acct-1", ProductID: "pro_monthly", ExpiresDate: oldExpiry,
		}))

	// Renewal grant is capped: 75 + 100 clamps to the pro max.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT credits, max_credits").
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"credits", "max_credits"}).AddRow(75, 100))
	mock.ExpectExec("UPDATE bursar.accounts").
		WithArgs("acct-1", 100).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectExec("UPDATE bursar.subscriptions").
		WithArgs("sub-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	NewSubscriptionReconciler().ReconcileDue(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestReconcileExpirationKeepsCredits(t *testing.T) {
	oldExpiry := time.Now().Add(-24 * time.Hour)
	_, mock := setupTest(t, &fakeProvider{
		ent: &entitlement.Entitlement{Active: false},
	})

	mock.ExpectQuery("SELECT id, account_id, product_id, expires_date").
		WithArgs(ledger.SubscriptionActive).
		WillReturnRows(dueRows(dueSubscription{
			ID: "sub-1", AccountID: "acct-1", ProductID: "pro_monthly", ExpiresDate: oldExpiry,
		}))

	// Downgrade touches plan and max_credits only.
	mock.ExpectExec("UPDATE bursar.accounts SET plan").
		WithArgs("acct-1", "free", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE bursar.subscriptions").
		WithArgs("sub-1", ledger.SubscriptionExpired).
		WillReturnResult(sqlmock.NewResult(0, 1))

	NewSubscriptionReconciler().ReconcileDue(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestReconcileProviderErrorSkipsAccount(t *testing.T) {
	oldExpiry := time.Now().Add(-24 * time.Hour)
	_, mock := setupTest(t, &fakeProvider{
		entErr: errors.New("provider timeout"),
	})

	mock.ExpectQuery("SELECT id, account_id, product_id, expires_date").
		WithArgs(ledger.SubscriptionActive).
		WillReturnRows(dueRows(
			dueSubscription{ID: "sub-1", AccountID: "acct-1", ProductID: "pro_monthly", ExpiresDate: oldExpiry},
			dueSubscription{ID: "sub-2", AccountID: "acct-2", ProductID: "pro_monthly", ExpiresDate: oldExpiry},
		))

	// Both accounts fail their provider query; nothing else runs and
	// both records stay due for the next cycle.
	NewSubscriptionReconciler().ReconcileDue(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("provider errors must not mutate state: %v", err)
	}
}

func TestReconcileActiveWithoutNewerExpiryWaits(t *testing.T) {
	oldExpiry := time.Now().Add(-time.Hour)
	_, mock := setupTest(t, &fakeProvider{
		ent: &entitlement.Entitlement{Active: true, ProductID: "pro_monthly", ExpiresDate: oldExpiry},
	})

	mock.ExpectQuery("SELECT id, account_id, product_id, expires_date").
		WithArgs(ledger.SubscriptionActive).
		WillReturnRows(dueRows(dueSubscription{
			ID: "sub-1", AccountID: "acct-1", ProductID: "pro_monthly", ExpiresDate: oldExpiry,
		}))

	NewSubscriptionReconciler().ReconcileDue(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("stale entitlement must not renew or expire: %v", err)
	}
}
