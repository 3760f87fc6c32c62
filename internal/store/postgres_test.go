package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("create sqlmock: %v", err)
	}
	return NewPostgres(db, "dualwrite"), mock, func() {
		_ = db.Close()
	}
}

func TestPutCreateInsertsRow(t *testing.T) {
	s, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectExec(`INSERT INTO "dualwrite"\.entities \(entity_type, entity_key, payload, created_at_ms, updated_at_ms\)`).
		WithArgs("cart", "u123", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.Put(context.Background(), "cart", "u123", KindCreate, map[string]interface{}{"items": []interface{}{}})
	if err != nil {
		t.Fatalf("expected create to succeed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPutCreateDuplicateKey(t *testing.T) {
	s, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectExec(`INSERT INTO "dualwrite"\.entities`).
		WithArgs("cart", "u123", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "23505"})

	err := s.Put(context.Background(), "cart", "u123", KindCreate, map[string]interface{}{"items": []interface{}{}})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestPutUpdateUpserts(t *testing.T) {
	s, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectExec(`ON CONFLICT \(entity_type, entity_key\)\s+DO UPDATE SET payload = EXCLUDED\.payload`).
		WithArgs("product", "sku-9", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Put(context.Background(), "product", "sku-9", KindUpdate, map[string]interface{}{"price": "19.99"})
	if err != nil {
		t.Fatalf("expected update to succeed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteMissingKeyIsIdempotent(t *testing.T) {
	s, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectExec(`DELETE FROM "dualwrite"\.entities WHERE entity_type = \$1 AND entity_key = \$2`).
		WithArgs("cart", "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.Delete(context.Background(), "cart", "ghost"); err != nil {
		t.Fatalf("expected idempotent delete, got %v", err)
	}
}

func TestGetReturnsPayload(t *testing.T) {
	s, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectQuery(`SELECT payload FROM "dualwrite"\.entities WHERE entity_type = \$1 AND entity_key = \$2`).
		WithArgs("cart", "u123").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow([]byte(`{"items":[],"total":"10.00"}`)))

	payload, err := s.Get(context.Background(), "cart", "u123")
	if err != nil {
		t.Fatalf("expected get to succeed, got %v", err)
	}
	if payload["total"] != "10.00" {
		t.Fatalf("expected total 10.00, got %v", payload["total"])
	}
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	s, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectQuery(`SELECT payload FROM "dualwrite"\.entities`).
		WithArgs("cart", "ghost").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	_, err := s.Get(context.Background(), "cart", "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListPagesInKeyOrder(t *testing.T) {
	s, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectQuery(`SELECT entity_key, payload FROM "dualwrite"\.entities\s+WHERE entity_type = \$1 AND entity_key > \$2\s+ORDER BY entity_key`).
		WithArgs("cart", "u100", 2).
		WillReturnRows(sqlmock.NewRows([]string{"entity_key", "payload"}).
			AddRow("u101", []byte(`{"items":[]}`)).
			AddRow("u102", []byte(`{"items":[]}`)))

	entities, err := s.List(context.Background(), "cart", "u100", 2)
	if err != nil {
		t.Fatalf("expected list to succeed, got %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(entities))
	}
	if entities[0].EntityKey != "u101" || entities[1].EntityKey != "u102" {
		t.Fatalf("expected key order u101,u102, got %s,%s", entities[0].EntityKey, entities[1].EntityKey)
	}
}

func TestEnsureSchemaCreatesTables(t *testing.T) {
	s, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS "dualwrite"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "dualwrite"\.entities`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("expected schema bootstrap to succeed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(&pq.Error{Code: "23505"}) {
		t.Fatal("expected pq unique violation to be detected")
	}
	if isUniqueViolation(&pq.Error{Code: "23503"}) {
		t.Fatal("expected foreign key violation to not match")
	}
	if !isUniqueViolation(errors.New(`pq: duplicate key value violates unique constraint "entities_pkey"`)) {
		t.Fatal("expected message match fallback")
	}
	if isUniqueViolation(nil) {
		t.Fatal("expected nil to not match")
	}
}
