package handlers

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestGrantMonthlyCredits(t *testing.T) {
	_, mock := setupTest(t, &fakeProvider{})

	// Only free accounts past the 30-day mark are selected; pro
	// accounts never appear here because their grants come from the
	// reconciler alone.
	mock.ExpectQuery("SELECT id FROM bursar.accounts").
		WithArgs("free").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("acct-1").AddRow("acct-2"))

	// acct-1: partial refill, clamps to the cap.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT credits, max_credits").
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"credits", "max_credits"}).AddRow(1, 2))
	mock.ExpectExec("UPDATE bursar.accounts").
		WithArgs("acct-1", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// acct-2: purchase surplus above the cap stays untouched, only
	// last_monthly_grant advances.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT credits, max_credits").
		WithArgs("acct-2").
		WillReturnRows(sqlmock.NewRows([]string{"credits", "max_credits"}).AddRow(5, 2))
	mock.ExpectExec("UPDATE bursar.accounts").
		WithArgs("acct-2", 5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	NewJobManager().grantMonthlyCredits(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGrantMonthlyCreditsContinuesAfterFailure(t *testing.T) {
	_, mock := setupTest(t, &fakeProvider{})

	mock.ExpectQuery("SELECT id FROM bursar.accounts").
		WithArgs("free").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("acct-1").AddRow("acct-2"))

	// acct-1 fails at the lock; acct-2 must still be processed.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT credits, max_credits").
		WithArgs("acct-1").
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT credits, max_credits").
		WithArgs("acct-2").
		WillReturnRows(sqlmock.NewRows([]string{"credits", "max_credits"}).AddRow(0, 2))
	mock.ExpectExec("UPDATE bursar.accounts").
		WithArgs("acct-2", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	NewJobManager().grantMonthlyCredits(context.Background())

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
