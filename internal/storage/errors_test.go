package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &SQLStore{db: db, sessionLocks: make(map[string]*sessionLock)}, mock
}

func TestBackendErrorKind(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("disk went away")
	mock.ExpectQuery("SELECT COUNT").WillReturnError(boom)

	_, err := s.SessionMessageCount(context.Background(), "s1")
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if se.Kind != KindBackend {
		t.Errorf("Kind = %s, want backend", se.Kind)
	}
	if !errors.Is(err, boom) {
		t.Error("underlying cause lost")
	}
	if se.Retryable() {
		t.Error("backend errors are not retryable")
	}
}

func TestConflictRetryable(t *testing.T) {
	err := conflictErr("create task", errors.New("UNIQUE constraint failed"))
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatal("expected StorageError")
	}
	if !se.Retryable() {
		t.Error("conflicts must be retryable by the caller")
	}
}

func TestUpdateSalienceNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE message_analysis").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateSalience(context.Background(), 42, 3.5)
	if !IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
