package store

import (
	"context"
	"database/sql"
	"errors"

	"steward/internal/sterrors"
)

const documentColumns = `path, session_id, kind, generated_at, word_count, sections, refs, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	var d Document
	var sections, refs string
	err := row.Scan(&d.Path, &d.SessionID, &d.Kind, &d.GeneratedAt, &d.WordCount,
		&sections, &refs, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Sections = unmarshalJSON[[]string](sections)
	d.References = unmarshalJSON[[]string](refs)
	return &d, nil
}

// UpsertDocument records metadata for a generated or updated document.
func (s *Store) UpsertDocument(ctx context.Context, d *Document) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			session_id = excluded.session_id,
			kind = excluded.kind,
			word_count = excluded.word_count,
			sections = excluded.sections,
			refs = excluded.refs,
			updated_at = excluded.updated_at`,
		d.Path, d.SessionID, d.Kind, d.GeneratedAt, d.WordCount,
		marshalJSON(d.Sections), marshalJSON(d.References), d.UpdatedAt)
	return storageErr(err)
}

// GetDocument loads document metadata by path.
func (s *Store) GetDocument(ctx context.Context, path string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE path = ?`, path)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sterrors.DocumentNotFound(path)
	}
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	return doc, nil
}

// ListDocuments returns document metadata for a session.
func (s *Store) ListDocuments(ctx context.Context, sessionID string) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents
		WHERE session_id = ? ORDER BY updated_at DESC`, sessionID)
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, sterrors.Storage(err)
		}
		docs = append(docs, doc)
	}
	return docs, storageErr(rows.Err())
}
