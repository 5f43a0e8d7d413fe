package main

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSeedRunsFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.sql"), []byte("INSERT INTO contacts VALUES (1)"), 0o644)
	os.WriteFile(filepath.Join(dir, "b.sql"), []byte("INSERT INTO campaigns VALUES (1)"), 0o644)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO contacts")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO campaigns")).WillReturnResult(sqlmock.NewResult(1, 1))

	if err := seed(context.Background(), db, dir, []string{"a.sql", "b.sql"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSeedMissingFile(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := seed(context.Background(), db, t.TempDir(), []string{"missing.sql"}); err == nil {
		t.Fatal("expected an error for a missing seed file")
	}
}
