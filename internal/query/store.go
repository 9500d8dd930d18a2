// Package query is the deterministic query engine over the prewarm cache.
// The index is a SQLite database built in posting-key order; search results
// are ordered by that same key, so identical inputs produce byte-identical
// output. Every hit leads with the compliance preface and carries lookup
// pointers into the published registry rather than source text; verbatim
// quotes are opt-in and bounded.
package query

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SchemaVersion tags the index layout.
const SchemaVersion = 1

type store struct {
	db   *sql.DB
	path string
}

func openStore(path string) (*store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	return &store{db: db, path: path}, nil
}

func (s *store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *store) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS postings (
			posting_id INTEGER PRIMARY KEY,
			part TEXT NOT NULL,
			page INTEGER NOT NULL,
			unit_type TEXT NOT NULL,
			anchor_id TEXT NOT NULL,
			unit_id TEXT NOT NULL,
			slice_id TEXT NOT NULL,
			clause TEXT NOT NULL,
			normalized_text TEXT NOT NULL,
			UNIQUE(anchor_id, unit_id, slice_id)
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			token TEXT NOT NULL,
			posting_id INTEGER NOT NULL REFERENCES postings(posting_id),
			UNIQUE(token, posting_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_token ON tokens(token)`,
		`CREATE TABLE IF NOT EXISTS phrases (
			phrase TEXT NOT NULL,
			posting_id INTEGER NOT NULL REFERENCES postings(posting_id),
			UNIQUE(phrase, posting_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_phrases_phrase ON phrases(phrase)`,
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *store) insertPostings(ctx context.Context, postings []Posting) (tokenCount, phraseCount int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin index transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	postingStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO postings (posting_id, part, page, unit_type, anchor_id, unit_id, slice_id, clause, normalized_text)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, 0, err
	}
	defer postingStmt.Close()
	tokenStmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO tokens (token, posting_id) VALUES (?, ?)`)
	if err != nil {
		return 0, 0, err
	}
	defer tokenStmt.Close()
	phraseStmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO phrases (phrase, posting_id) VALUES (?, ?)`)
	if err != nil {
		return 0, 0, err
	}
	defer phraseStmt.Close()

	for i, posting := range postings {
		id := i + 1
		if _, err = postingStmt.ExecContext(ctx, id, posting.Part, posting.Page,
			posting.UnitType, posting.AnchorID, posting.UnitID, posting.SliceID,
			posting.Clause, posting.NormalizedText); err != nil {
			return 0, 0, fmt.Errorf("insert posting %d: %w", id, err)
		}
		for _, token := range uniqueSorted(posting.Tokens) {
			if _, err = tokenStmt.ExecContext(ctx, token, id); err != nil {
				return 0, 0, fmt.Errorf("insert token %q: %w", token, err)
			}
			tokenCount++
		}
		for _, phrase := range postingPhrases(posting.Tokens) {
			if _, err = phraseStmt.ExecContext(ctx, phrase, id); err != nil {
				return 0, 0, fmt.Errorf("insert phrase %q: %w", phrase, err)
			}
			phraseCount++
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit index transaction: %w", err)
	}
	return tokenCount, phraseCount, nil
}
