// SPDX-FileCopyrightText: Copyright 2025 Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package skills

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "embed"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/gantry-mcp/gantry/pkg/tools"
)

// DefaultMaxResults caps a search when the caller does not set a limit.
const DefaultMaxResults = 8

//go:embed schema.sql
var schemaSQL string

// ToolFinder resolves tool ids for load-time availability checks. The
// serving scope's tool finder satisfies it.
type ToolFinder interface {
	FindQualified(name string) (*tools.Tool, bool)
}

// Index is the built-in Registry: a SQLite database with an FTS5 index
// over skill metadata, ranked with bm25. All Index instances created
// with NewIndex share one in-memory database (one corpus per process).
type Index struct {
	db    *sql.DB
	tools ToolFinder
}

var _ Registry = (*Index)(nil)

// NewIndex opens the shared in-memory skills index. finder may be nil;
// load results then report every referenced tool as missing.
func NewIndex(finder ToolFinder) (*Index, error) {
	return newIndex("file:skillsdb?mode=memory&cache=shared", finder)
}

// OpenIndex opens an index backed by the SQLite database at path,
// creating it when absent. ":memory:" (or an empty path) opens the shared
// in-memory corpus instead.
func OpenIndex(path string, finder ToolFinder) (*Index, error) {
	if path == "" || path == ":memory:" {
		return NewIndex(finder)
	}
	return newIndex("file:"+path, finder)
}

// newIndex opens an index on the database named by dsn. Tests use it to
// get isolated databases.
func newIndex(dsn string, finder ToolFinder) (*Index, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open skills index: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize skills schema: %w", err)
	}
	return &Index{db: db, tools: finder}, nil
}

// Close releases the database handle.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Add upserts skills into the index.
func (ix *Index) Add(ctx context.Context, recs ...*Skill) (retErr error) {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin skills upsert: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	// ON CONFLICT DO UPDATE (rather than INSERT OR REPLACE) so the FTS
	// sync runs through the update trigger: REPLACE's implicit delete
	// skips delete triggers unless recursive_triggers is on.
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO skills (id, name, description, instructions, tags, tools)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     name = excluded.name,
		     description = excluded.description,
		     instructions = excluded.instructions,
		     tags = excluded.tags,
		     tools = excluded.tools`)
	if err != nil {
		return fmt.Errorf("prepare skills upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range recs {
		if rec.ID == "" {
			return fmt.Errorf("skill has no id")
		}
		name := rec.Name
		if name == "" {
			name = rec.ID
		}
		tags, err := jsonList(rec.Tags)
		if err != nil {
			return fmt.Errorf("skill %s: %w", rec.ID, err)
		}
		toolIDs, err := jsonList(rec.Tools)
		if err != nil {
			return fmt.Errorf("skill %s: %w", rec.ID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			rec.ID, name, rec.Description, rec.Instructions, tags, toolIDs); err != nil {
			return fmt.Errorf("upsert skill %s: %w", rec.ID, err)
		}
	}

	return tx.Commit()
}

// Remove deletes a skill from the index. Removing an absent id is a
// no-op.
func (ix *Index) Remove(ctx context.Context, id string) error {
	if _, err := ix.db.ExecContext(ctx, `DELETE FROM skills WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove skill %s: %w", id, err)
	}
	return nil
}

// Search runs an FTS5 MATCH over skill metadata and returns matches in
// bm25 order, best first. An empty or whitespace query matches nothing.
func (ix *Index) Search(ctx context.Context, query string, opts SearchOptions) ([]RankedSkill, error) {
	ftsExpr := sanitizeQuery(query)
	if ftsExpr == "" {
		return nil, nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultMaxResults
	}

	rows, err := ix.db.QueryContext(ctx,
		`SELECT s.id, s.name, s.description, s.tags, s.tools, rank
		 FROM skills_fts fts
		 JOIN skills s ON s.rowid = fts.rowid
		 WHERE skills_fts MATCH ?
		 ORDER BY rank
		 LIMIT ?`,
		ftsExpr, limit)
	if err != nil {
		return nil, fmt.Errorf("skills search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []RankedSkill
	for rows.Next() {
		var (
			skill      Skill
			tags, tool string
			rank       float64
		)
		if err := rows.Scan(&skill.ID, &skill.Name, &skill.Description, &tags, &tool, &rank); err != nil {
			return nil, fmt.Errorf("scan skills search row: %w", err)
		}
		if err := parseList(tags, &skill.Tags); err != nil {
			return nil, err
		}
		if err := parseList(tool, &skill.Tools); err != nil {
			return nil, err
		}
		// bm25 rank is negative with better matches more negative;
		// flip it so callers see higher-is-better.
		matches = append(matches, RankedSkill{Skill: &skill, Score: -rank})
	}
	return matches, rows.Err()
}

// Load fetches the full skill record and computes the availability of
// every tool it references.
func (ix *Index) Load(ctx context.Context, id string) (*LoadResult, error) {
	var (
		skill      Skill
		tags, tool string
	)
	err := ix.db.QueryRowContext(ctx,
		`SELECT id, name, description, instructions, tags, tools FROM skills WHERE id = ?`, id).
		Scan(&skill.ID, &skill.Name, &skill.Description, &skill.Instructions, &tags, &tool)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load skill %s: %w", id, err)
	}
	if err := parseList(tags, &skill.Tags); err != nil {
		return nil, err
	}
	if err := parseList(tool, &skill.Tools); err != nil {
		return nil, err
	}

	result := &LoadResult{Skill: &skill, AvailableTools: []string{}}
	var missing []string
	for _, name := range skill.Tools {
		if ix.tools != nil {
			if _, ok := ix.tools.FindQualified(name); ok {
				result.AvailableTools = append(result.AvailableTools, name)
				continue
			}
		}
		missing = append(missing, name)
	}
	result.MissingTools = missing
	result.IsComplete = len(missing) == 0
	if !result.IsComplete {
		result.Warning = fmt.Sprintf("skill %s references unregistered tools: %s",
			skill.ID, strings.Join(missing, ", "))
	}
	return result, nil
}

// List returns skill summaries ordered by id, optionally filtered by
// tag.
func (ix *Index) List(ctx context.Context, opts ListOptions) ([]*Skill, error) {
	query := `SELECT id, name, description, tags, tools FROM skills`
	var args []any
	if opts.Tag != "" {
		query += ` WHERE EXISTS (SELECT 1 FROM json_each(skills.tags) WHERE value = ?)`
		args = append(args, opts.Tag)
	}
	query += ` ORDER BY id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("skills list failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Skill
	for rows.Next() {
		var (
			skill      Skill
			tags, tool string
		)
		if err := rows.Scan(&skill.ID, &skill.Name, &skill.Description, &tags, &tool); err != nil {
			return nil, fmt.Errorf("scan skills list row: %w", err)
		}
		if err := parseList(tags, &skill.Tags); err != nil {
			return nil, err
		}
		if err := parseList(tool, &skill.Tools); err != nil {
			return nil, err
		}
		out = append(out, &skill)
	}
	return out, rows.Err()
}

// sanitizeQuery turns a user query into an FTS5 MATCH expression. Every
// term is double-quoted (standard FTS5 escaping) so user input cannot
// inject FTS5 operators; the expression itself is always bound as a ?
// parameter, never interpolated into SQL. Multi-word queries join terms
// with OR.
func sanitizeQuery(query string) string {
	words := strings.Fields(strings.TrimSpace(query))
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, len(words))
	for i, word := range words {
		quoted[i] = `"` + strings.ReplaceAll(word, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

func jsonList(values []string) (string, error) {
	if len(values) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(data), nil
}

func parseList(data string, dst *[]string) error {
	if data == "" || data == "[]" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		return fmt.Errorf("decode list: %w", err)
	}
	return nil
}
