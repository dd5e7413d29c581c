package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"docstore/api/internal/query"
)

// PostgresStore keeps documents as jsonb rows keyed by (collection, id).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Document, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	data, err := decode(raw)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, Data: data}, nil
}

func (s *PostgresStore) List(ctx context.Context, collection string) ([]Document, error) {
	return s.Query(ctx, collection, nil)
}

// Query pushes the clauses into the WHERE clause of the collection scan.
func (s *PostgresStore) Query(ctx context.Context, collection string, clauses []query.Clause) ([]Document, error) {
	cond, args, err := CompileClauses(clauses, 2)
	if err != nil {
		return nil, err
	}
	stmt := `SELECT id, data FROM documents WHERE collection = $1 AND ` + cond + ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, stmt, append([]any{collection}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		data, err := decode(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, Document{ID: id, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return docs, nil
}

func (s *PostgresStore) Set(ctx context.Context, collection, id string, data map[string]any) error {
	b := s.Batch()
	b.Set(collection, id, data)
	return b.Commit(ctx)
}

func (s *PostgresStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	b := s.Batch()
	b.Update(collection, id, patch)
	return b.Commit(ctx)
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	b := s.Batch()
	b.Delete(collection, id)
	return b.Commit(ctx)
}

func (s *PostgresStore) Batch() Batch {
	return &pgBatch{db: s.db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type pgBatch struct {
	ops
	db *sql.DB
}

// Commit runs the queued writes in one transaction.
func (b *pgBatch) Commit(ctx context.Context) error {
	if len(b.list) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, op := range b.list {
		if err := applyOp(ctx, tx, op); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func applyOp(ctx context.Context, tx execer, op Op) error {
	switch op.Kind {
	case OpSet:
		raw, err := encode(op.Data)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (collection, id, data)
			VALUES ($1, $2, $3::jsonb)
			ON CONFLICT (collection, id)
			DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
		`, op.Collection, op.ID, string(raw))
		if err != nil {
			return fmt.Errorf("set %s/%s: %w", op.Collection, op.ID, describe(err))
		}
	case OpUpdate:
		raw, err := encode(op.Data)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE documents
			SET data = data || $3::jsonb, updated_at = NOW()
			WHERE collection = $1 AND id = $2
		`, op.Collection, op.ID, string(raw))
		if err != nil {
			return fmt.Errorf("update %s/%s: %w", op.Collection, op.ID, describe(err))
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("update %s/%s: %w", op.Collection, op.ID, ErrNotFound)
		}
	case OpDelete:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM documents WHERE collection = $1 AND id = $2`,
			op.Collection, op.ID,
		); err != nil {
			return fmt.Errorf("delete %s/%s: %w", op.Collection, op.ID, describe(err))
		}
	}
	return nil
}

// describe adds the SQLSTATE of Postgres errors while keeping them
// inspectable with errors.As.
func describe(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("sqlstate %s: %w", pgErr.Code, err)
	}
	return err
}
