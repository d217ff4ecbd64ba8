package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"steward/internal/sterrors"
)

const symbolColumns = `id, project, concept, chosen_name, context_type, confidence,
	usage_count, created_by_agent, session_id, created_at`

func scanSymbol(row interface{ Scan(...any) error }) (*Symbol, error) {
	var sym Symbol
	var sessionID sql.NullString
	err := row.Scan(&sym.ID, &sym.Project, &sym.Concept, &sym.ChosenName, &sym.ContextType,
		&sym.Confidence, &sym.UsageCount, &sym.CreatedByAgent, &sessionID, &sym.CreatedAt)
	if err != nil {
		return nil, err
	}
	if sessionID.Valid {
		sym.SessionID = sessionID.String
	}
	return &sym, nil
}

// InsertSymbol registers a new canonical name. A collision on
// (concept, context_type, project) surfaces as Conflict.
func (s *Store) InsertSymbol(ctx context.Context, sym *Symbol) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO symbols (`+symbolColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sym.ID, sym.Project, sym.Concept, sym.ChosenName, sym.ContextType, sym.Confidence,
		sym.UsageCount, sym.CreatedByAgent, nullable(sym.SessionID), sym.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return sterrors.Conflict("symbol already registered for concept %q (%s) in project %q",
				sym.Concept, sym.ContextType, sym.Project)
		}
		return sterrors.Storage(err)
	}
	return nil
}

// LookupSymbol returns the canonical symbol for (project, concept, context
// type) and increments its usage count.
func (s *Store) LookupSymbol(ctx context.Context, project, concept string, contextType ContextType) (*Symbol, error) {
	sym, err := s.FindSymbol(ctx, project, concept, contextType)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE symbols SET usage_count = usage_count + 1 WHERE id = ?`, sym.ID)
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	sym.UsageCount++
	return sym, nil
}

// FindSymbol reads a symbol without touching its usage count.
func (s *Store) FindSymbol(ctx context.Context, project, concept string, contextType ContextType) (*Symbol, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+symbolColumns+` FROM symbols
		WHERE project = ? AND concept = ? AND context_type = ?`, project, concept, contextType)
	sym, err := scanSymbol(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sterrors.SymbolNotFound(concept)
	}
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	return sym, nil
}

// ListSymbols returns every symbol registered for a project.
func (s *Store) ListSymbols(ctx context.Context, project string) ([]*Symbol, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+symbolColumns+` FROM symbols
		WHERE project = ? ORDER BY concept, context_type`, project)
	if err != nil {
		return nil, sterrors.Storage(err)
	}
	defer rows.Close()

	var symbols []*Symbol
	for rows.Next() {
		sym, err := scanSymbol(rows)
		if err != nil {
			return nil, sterrors.Storage(err)
		}
		symbols = append(symbols, sym)
	}
	return symbols, storageErr(rows.Err())
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
