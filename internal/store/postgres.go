package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveSnapshot upserts content and revision. An empty title keeps the
// stored one.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, doc Document) error {
	content := doc.Content
	if len(content) == 0 {
		content = []byte("[]")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, content, body_text, revision)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET content = EXCLUDED.content,
			body_text = EXCLUDED.body_text,
			revision = EXCLUDED.revision,
			title = CASE WHEN $6 = '' THEN documents.title ELSE EXCLUDED.title END,
			updated_at = NOW()
	`, doc.ID, titleOrDefault(doc.Title), string(content), doc.Text, doc.Revision, doc.Title)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	var content string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, content::text, body_text, revision, updated_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&doc.ID, &doc.Title, &content, &doc.Text, &doc.Revision, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("load snapshot: %w", err)
	}
	doc.Content = []byte(content)
	return doc, nil
}

func (s *PostgresStore) Rename(ctx context.Context, documentID, title string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, updated_at = NOW()
	`, documentID, titleOrDefault(strings.TrimSpace(title)))
	if err != nil {
		return fmt.Errorf("rename document: %w", err)
	}
	return nil
}

// DeleteDocument removes the document and its visits. Unknown ids succeed.
func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchRecent(ctx context.Context, clientID, documentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin touch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (id) VALUES ($1) ON CONFLICT (id) DO NOTHING
	`, documentID); err != nil {
		return fmt.Errorf("ensure document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document_visits (client_id, document_id)
		VALUES ($1, $2)
		ON CONFLICT (client_id, document_id) DO UPDATE SET visited_at = NOW()
	`, clientID, documentID); err != nil {
		return fmt.Errorf("record visit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit touch tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, clientID string, limit int) ([]Summary, error) {
	if limit <= 0 || limit > MaxRecent {
		limit = MaxRecent
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.title, d.updated_at
		FROM document_visits v
		JOIN documents d ON d.id = v.document_id
		WHERE v.client_id = $1
		ORDER BY v.visited_at DESC
		LIMIT $2
	`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	return scanSummaries(rows)
}

// SearchText is the database fallback when no search engine is available.
func (s *PostgresStore) SearchText(ctx context.Context, query string, limit int) ([]Summary, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Summary{}, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, updated_at
		FROM documents
		WHERE to_tsvector('simple', title || ' ' || body_text) @@ plainto_tsquery('simple', $1)
			OR title ILIKE '%' || $1 || '%'
		ORDER BY updated_at DESC
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	return scanSummaries(rows)
}

func scanSummaries(rows *sql.Rows) ([]Summary, error) {
	defer rows.Close()
	items := make([]Summary, 0)
	for rows.Next() {
		var item Summary
		if err := rows.Scan(&item.ID, &item.Title, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}
