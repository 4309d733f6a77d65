package postgres

import (
	"context"
	"database/sql"

	"github.com/sqlc-dev/pqtype"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds the statements used by the backend.
type Queries struct {
	db DBTX
}

// New binds the queries to a connection or transaction.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// DocumentRow is one room_documents row. A NULL body means no document.
type DocumentRow struct {
	Body     pqtype.NullRawMessage
	Revision int64
}

const reserveDocument = `
INSERT INTO room_documents (doc_key, body, revision)
VALUES ($1, NULL, 0)
ON CONFLICT (doc_key) DO NOTHING
`

// ReserveDocument makes sure a row exists so it can be locked.
func (q *Queries) ReserveDocument(ctx context.Context, key string) error {
	_, err := q.db.ExecContext(ctx, reserveDocument, key)
	return err
}

const lockDocument = `
SELECT body, revision FROM room_documents
WHERE doc_key = $1
FOR UPDATE
`

// LockDocument reads a row and holds its lock until the transaction ends.
func (q *Queries) LockDocument(ctx context.Context, key string) (DocumentRow, error) {
	var row DocumentRow
	err := q.db.QueryRowContext(ctx, lockDocument, key).Scan(&row.Body, &row.Revision)
	return row, err
}

const getDocument = `
SELECT body, revision FROM room_documents
WHERE doc_key = $1
`

// GetDocument reads a row without locking it.
func (q *Queries) GetDocument(ctx context.Context, key string) (DocumentRow, error) {
	var row DocumentRow
	err := q.db.QueryRowContext(ctx, getDocument, key).Scan(&row.Body, &row.Revision)
	return row, err
}

const saveDocument = `
UPDATE room_documents
SET body = $2, revision = revision + 1, updated_at = now()
WHERE doc_key = $1
`

// SaveDocument stores a new body and bumps the revision.
func (q *Queries) SaveDocument(ctx context.Context, key string, body pqtype.NullRawMessage) error {
	_, err := q.db.ExecContext(ctx, saveDocument, key, body)
	return err
}

const deleteDocument = `
DELETE FROM room_documents WHERE doc_key = $1
`

// DeleteDocument removes the row.
func (q *Queries) DeleteDocument(ctx context.Context, key string) error {
	_, err := q.db.ExecContext(ctx, deleteDocument, key)
	return err
}

const notifyDocument = `SELECT pg_notify($1, $2)`

// NotifyDocument queues a change notification, delivered on commit.
func (q *Queries) NotifyDocument(ctx context.Context, channel, key string) error {
	_, err := q.db.ExecContext(ctx, notifyDocument, channel, key)
	return err
}

// Schema creates the room_documents table.
const Schema = `
CREATE TABLE IF NOT EXISTS room_documents (
    doc_key    TEXT PRIMARY KEY,
    body       JSONB,
    revision   BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
