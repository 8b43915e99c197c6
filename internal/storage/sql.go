package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Row is one result row keyed by column name.
type Row map[string]any

// Result describes a statement that does not return rows.
type Result struct {
	RowsAffected int64
	LastInsertID int64
}

// TypeConverter transforms values at the SQL boundary for every column (on
// read) or named argument (on write) whose name ends in Suffix.
type TypeConverter struct {
	Suffix  string
	FromSQL func(v any) (any, error)
	ToSQL   func(v any) (any, error)
}

type converters []TypeConverter

func (c converters) lookup(name string) (TypeConverter, bool) {
	for _, conv := range c {
		if conv.Suffix != "" && strings.HasSuffix(name, conv.Suffix) {
			return conv, true
		}
	}
	return TypeConverter{}, false
}

func (c converters) fromSQL(column string, v any) (any, error) {
	conv, ok := c.lookup(column)
	if !ok || conv.FromSQL == nil || v == nil {
		return v, nil
	}
	out, err := conv.FromSQL(v)
	if err != nil {
		return nil, fmt.Errorf("storage: convert column %q: %w", column, err)
	}
	return out, nil
}

func (c converters) toSQL(name string, v any) (any, error) {
	conv, ok := c.lookup(name)
	if !ok || conv.ToSQL == nil || v == nil {
		return v, nil
	}
	out, err := conv.ToSQL(v)
	if err != nil {
		return nil, fmt.Errorf("storage: convert arg %q: %w", name, err)
	}
	return out, nil
}

// Exec runs a single statement and returns any rows it produces.
func (s *Storage) Exec(ctx context.Context, query string, args ...any) ([]Row, error) {
	return s.Prepare(query).Bind(args...).All(ctx)
}

// ExecScript runs one or more semicolon separated statements, typically
// schema setup, discarding results.
func (s *Storage) ExecScript(ctx context.Context, script string) error {
	if _, err := s.db.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("storage: exec script: %w", err)
	}
	return nil
}

// Statement is a prepared query plus its bound arguments. Bind and
// BindNamed return copies, so one prepared Statement can be reused.
type Statement struct {
	s     *Storage
	query string
	args  []any
	named map[string]any
}

func (s *Storage) Prepare(query string) *Statement {
	return &Statement{s: s, query: query}
}

// Bind replaces the positional arguments.
func (st *Statement) Bind(args ...any) *Statement {
	cp := *st
	cp.args = append([]any(nil), args...)
	cp.named = nil
	return &cp
}

// BindNamed binds :name style parameters. Type converters apply by name.
func (st *Statement) BindNamed(args map[string]any) *Statement {
	cp := *st
	cp.args = nil
	cp.named = make(map[string]any, len(args))
	for k, v := range args {
		cp.named[k] = v
	}
	return &cp
}

func (st *Statement) bound() ([]any, error) {
	if st.named == nil {
		return st.args, nil
	}
	out := make([]any, 0, len(st.named))
	for name, v := range st.named {
		conv, err := st.s.conv.toSQL(name, v)
		if err != nil {
			return nil, err
		}
		out = append(out, sql.Named(name, conv))
	}
	return out, nil
}

func (s *Storage) stmt(ctx context.Context, query string) (*sql.Stmt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if stmt, ok := s.stmts[query]; ok {
		return stmt, nil
	}
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: prepare: %w", err)
	}
	s.stmts[query] = stmt
	return stmt, nil
}

// Run executes the statement for its side effects.
func (st *Statement) Run(ctx context.Context) (Result, error) {
	stmt, err := st.s.stmt(ctx, st.query)
	if err != nil {
		return Result{}, err
	}
	args, err := st.bound()
	if err != nil {
		return Result{}, err
	}
	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return Result{}, fmt.Errorf("storage: run: %w", err)
	}
	var out Result
	out.RowsAffected, _ = res.RowsAffected()
	out.LastInsertID, _ = res.LastInsertId()
	return out, nil
}

// All executes the statement and collects every row.
func (st *Statement) All(ctx context.Context) ([]Row, error) {
	stmt, err := st.s.stmt(ctx, st.query)
	if err != nil {
		return nil, err
	}
	args, err := st.bound()
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("storage: columns: %w", err)
	}
	out := make([]Row, 0)
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("storage: scan: %w", err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			v, err := st.s.conv.fromSQL(col, vals[i])
			if err != nil {
				return nil, err
			}
			row[col] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: query: %w", err)
	}
	return out, nil
}

// First returns the first row or ErrNoRows.
func (st *Statement) First(ctx context.Context) (Row, error) {
	rows, err := st.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	return rows[0], nil
}
