package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// KV is the key-value surface shared by Storage and an open transaction.
type KV interface {
	Get(ctx context.Context, key string) (any, error)
	GetInto(ctx context.Context, key string, out any) error
	Put(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, opts ListOptions) ([]Entry, error)
}

// Entry is one listed key-value pair.
type Entry struct {
	Key   string
	Value any
}

// ListOptions filters and orders List. Start is inclusive, End exclusive.
type ListOptions struct {
	Prefix  string
	Start   string
	End     string
	Reverse bool
	Limit   int
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type kvStore struct {
	q     querier
	codec Codec
}

var (
	_ KV = (*Storage)(nil)
	_ KV = kvStore{}
)

func checkKey(key string) error {
	if len(key) > MaxKeySize {
		return fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(key))
	}
	return nil
}

func (k kvStore) raw(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := k.q.QueryRowContext(ctx, `SELECT value FROM _kv WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get %q: %w", key, err)
	}
	return data, nil
}

func (k kvStore) Get(ctx context.Context, key string) (any, error) {
	data, err := k.raw(ctx, key)
	if err != nil {
		return nil, err
	}
	var v any
	if err := k.codec.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("storage: decode %q: %w", key, err)
	}
	return v, nil
}

func (k kvStore) GetInto(ctx context.Context, key string, out any) error {
	data, err := k.raw(ctx, key)
	if err != nil {
		return err
	}
	if err := k.codec.Unmarshal(data, out); err != nil {
		return fmt.Errorf("storage: decode %q: %w", key, err)
	}
	return nil
}

func (k kvStore) Put(ctx context.Context, key string, value any) error {
	if err := checkKey(key); err != nil {
		return err
	}
	data, err := k.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: encode %q: %w", key, err)
	}
	_, err = k.q.ExecContext(ctx,
		`INSERT INTO _kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, data)
	if err != nil {
		return fmt.Errorf("storage: put %q: %w", key, err)
	}
	return nil
}

func (k kvStore) Delete(ctx context.Context, key string) (bool, error) {
	res, err := k.q.ExecContext(ctx, `DELETE FROM _kv WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("storage: delete %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: delete %q: %w", key, err)
	}
	return n > 0, nil
}

func (k kvStore) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if opts.Prefix != "" {
		where = append(where, `substr(CAST(key AS BLOB), 1, ?) = CAST(? AS BLOB)`)
		args = append(args, len(opts.Prefix), opts.Prefix)
	}
	if opts.Start != "" {
		where = append(where, `key >= ?`)
		args = append(args, opts.Start)
	}
	if opts.End != "" {
		where = append(where, `key < ?`)
		args = append(args, opts.End)
	}

	var b strings.Builder
	b.WriteString(`SELECT key, value FROM _kv`)
	if len(where) > 0 {
		b.WriteString(` WHERE `)
		b.WriteString(strings.Join(where, ` AND `))
	}
	b.WriteString(` ORDER BY key`)
	if opts.Reverse {
		b.WriteString(` DESC`)
	}
	limit := -1
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	b.WriteString(` LIMIT ?`)
	args = append(args, limit)

	rows, err := k.q.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var (
			key  string
			data []byte
		)
		if err := rows.Scan(&key, &data); err != nil {
			return nil, fmt.Errorf("storage: list: %w", err)
		}
		var v any
		if err := k.codec.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("storage: decode %q: %w", key, err)
		}
		out = append(out, Entry{Key: key, Value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	return out, nil
}

func (s *Storage) Get(ctx context.Context, key string) (any, error) {
	return s.kv.Get(ctx, key)
}

func (s *Storage) GetInto(ctx context.Context, key string, out any) error {
	return s.kv.GetInto(ctx, key, out)
}

func (s *Storage) Put(ctx context.Context, key string, value any) error {
	return s.kv.Put(ctx, key, value)
}

func (s *Storage) Delete(ctx context.Context, key string) (bool, error) {
	return s.kv.Delete(ctx, key)
}

func (s *Storage) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	return s.kv.List(ctx, opts)
}

// GetMany returns the values present for keys; missing keys are omitted.
func (s *Storage) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		v, err := s.kv.Get(ctx, key)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

// PutMany writes all entries in one transaction.
func (s *Storage) PutMany(ctx context.Context, entries map[string]any) error {
	return s.Transaction(ctx, func(tx KV) error {
		for key, value := range entries {
			if err := tx.Put(ctx, key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteMany removes keys in one transaction and reports how many existed.
func (s *Storage) DeleteMany(ctx context.Context, keys []string) (int, error) {
	deleted := 0
	err := s.Transaction(ctx, func(tx KV) error {
		for _, key := range keys {
			ok, err := tx.Delete(ctx, key)
			if err != nil {
				return err
			}
			if ok {
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// DeleteAll clears every key and the pending alarm. Tables created through
// the SQL interface are left alone.
func (s *Storage) DeleteAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: delete all: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM _kv`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("storage: delete all: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM _alarm`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("storage: delete all: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: delete all: %w", err)
	}
	s.notifyAlarm(timeZero, false)
	return nil
}

// Transaction runs fn against a transactional KV view. Writes made through
// tx commit together when fn returns nil and roll back otherwise. fn must
// not use the Storage itself while the transaction is open.
func (s *Storage) Transaction(ctx context.Context, fn func(tx KV) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()
	if err := fn(kvStore{q: sqlTx, codec: s.codec}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("storage: rollback: %w", rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}
