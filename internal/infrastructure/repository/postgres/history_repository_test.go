package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/vetlab/catalog-search/internal/core/ports"
)

func TestHistoryRepositoryAddSearchHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	repo := NewHistoryRepository(db)
	mock.ExpectExec("INSERT INTO search_history").
		WithArgs("ev-1", "u-1", "оак", "AN5", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.AddSearchHistory(context.Background(), ports.SearchEvent{
		EventID:     "ev-1",
		UserID:      "u-1",
		Query:       "оак",
		MatchedCode: "AN5",
		Success:     true,
		UnixTime:    1724800000,
	})
	if err != nil {
		t.Fatalf("AddSearchHistory() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestHistoryRepositoryAddSearchHistoryRedelivery(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	repo := NewHistoryRepository(db)
	// ON CONFLICT swallows the duplicate: zero rows affected, no error
	mock.ExpectExec("INSERT INTO search_history").
		WithArgs("ev-1", "u-1", "оак", "", false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.AddSearchHistory(context.Background(), ports.SearchEvent{
		EventID: "ev-1",
		UserID:  "u-1",
		Query:   "оак",
	})
	if err != nil {
		t.Fatalf("redelivered event must not error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestHistoryRepositoryUpdateUserFrequentTest(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	repo := NewHistoryRepository(db)
	mock.ExpectExec("INSERT INTO user_frequent_tests").
		WithArgs("u-1", "AN5").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpdateUserFrequentTest(context.Background(), "u-1", "AN5"); err != nil {
		t.Fatalf("UpdateUserFrequentTest() error = %v", err)
	}

	// empty code is a no-op without touching the database
	if err := repo.UpdateUserFrequentTest(context.Background(), "u-1", ""); err != nil {
		t.Fatalf("empty code: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestHistoryRepositoryGetSearchSuggestions(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	repo := NewHistoryRepository(db)
	rows := sqlmock.NewRows([]string{"query"}).
		AddRow("глюкоза").
		AddRow("глюкоза у кошки")

	mock.ExpectQuery("FROM search_history").
		WithArgs("u-1", "глю", 5).
		WillReturnRows(rows)

	got, err := repo.GetSearchSuggestions(context.Background(), "u-1", "глю", 0)
	if err != nil {
		t.Fatalf("GetSearchSuggestions() error = %v", err)
	}
	if len(got) != 2 || got[0] != "глюкоза" {
		t.Fatalf("suggestions = %v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
