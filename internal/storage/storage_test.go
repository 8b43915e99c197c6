package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/durable/internal/testutil/testlog"
)

func openTemp(t *testing.T, dir, id string, opts ...func(*Options)) *Storage {
	t.Helper()
	o := Options{Dir: dir}
	for _, fn := range opts {
		fn(&o)
	}
	s, err := Open(context.Background(), id, o)
	if err != nil {
		t.Fatalf("open %s: %v", id, err)
	}
	return s
}

func TestKVPutGetStructuredValues(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	s := openTemp(t, t.TempDir(), "kv-structured")
	defer s.Close()

	when := time.Date(2024, 3, 9, 10, 11, 12, 123456789, time.UTC)
	value := map[string]any{
		"name":  "counter",
		"count": 3,
		"ratio": 1.5,
		"tags":  []any{"a", "b"},
		"when":  when,
		"inner": map[string]any{"ok": true},
	}
	if err := s.Put(ctx, "doc", value); err != nil {
		t.Fatalf("put: %v", err)
	}

	raw, err := s.Get(ctx, "doc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got, ok := raw.(map[string]any)
	if !ok {
		t.Fatalf("unexpected type %T", raw)
	}
	if got["name"] != "counter" || got["count"] != int64(3) || got["ratio"] != 1.5 {
		t.Fatalf("unexpected scalars: %+v", got)
	}
	tags, ok := got["tags"].([]any)
	if !ok || len(tags) != 2 || tags[1] != "b" {
		t.Fatalf("unexpected tags: %#v", got["tags"])
	}
	gotWhen, ok := got["when"].(time.Time)
	if !ok || !gotWhen.Equal(when) {
		t.Fatalf("time not preserved: %#v", got["when"])
	}
	inner, ok := got["inner"].(map[string]any)
	if !ok || inner["ok"] != true {
		t.Fatalf("nested map not preserved: %#v", got["inner"])
	}
}

func TestKVGetIntoStruct(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	s := openTemp(t, "", "kv-struct")
	defer s.Close()

	type session struct {
		User    string    `json:"user"`
		Visits  int       `json:"visits"`
		Expires time.Time `json:"expires"`
	}
	in := session{User: "ada", Visits: 7, Expires: time.Unix(1700000000, 5).UTC()}
	if err := s.Put(ctx, "session", in); err != nil {
		t.Fatalf("put: %v", err)
	}
	var out session
	if err := s.GetInto(ctx, "session", &out); err != nil {
		t.Fatalf("get into: %v", err)
	}
	if out.User != in.User || out.Visits != in.Visits || !out.Expires.Equal(in.Expires) {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, in)
	}
}

func TestKVMissingAndDelete(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	s := openTemp(t, "", "kv-delete")
	defer s.Close()

	if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	if err := s.Put(ctx, "a", "1"); err != nil {
		t.Fatalf("put: %v", err)
	}
	existed, err := s.Delete(ctx, "a")
	if err != nil || !existed {
		t.Fatalf("delete existing: %v %v", existed, err)
	}
	existed, err = s.Delete(ctx, "a")
	if err != nil || existed {
		t.Fatalf("delete missing should report false: %v %v", existed, err)
	}
}

func TestKVList(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	s := openTemp(t, "", "kv-list")
	defer s.Close()

	for _, k := range []string{"user:3", "user:1", "post:1", "user:2", "zeta"} {
		if err := s.Put(ctx, k, k); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	keys := func(entries []Entry) []string {
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.Key)
		}
		return out
	}

	all, err := s.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if fmt.Sprint(keys(all)) != "[post:1 user:1 user:2 user:3 zeta]" {
		t.Fatalf("unexpected order: %v", keys(all))
	}

	prefixed, err := s.List(ctx, ListOptions{Prefix: "user:", Reverse: true, Limit: 2})
	if err != nil {
		t.Fatalf("list prefix: %v", err)
	}
	if fmt.Sprint(keys(prefixed)) != "[user:3 user:2]" {
		t.Fatalf("unexpected prefix list: %v", keys(prefixed))
	}

	ranged, err := s.List(ctx, ListOptions{Start: "user:2", End: "zeta"})
	if err != nil {
		t.Fatalf("list range: %v", err)
	}
	if fmt.Sprint(keys(ranged)) != "[user:2 user:3]" {
		t.Fatalf("unexpected range list: %v", keys(ranged))
	}
	if ranged[0].Value != "user:2" {
		t.Fatalf("unexpected value: %#v", ranged[0].Value)
	}
}

func TestKVManyAndStats(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	s := openTemp(t, "", "kv-many")
	defer s.Close()

	if err := s.PutMany(ctx, map[string]any{"a": 1, "b": 2, "c": 3}); err != nil {
		t.Fatalf("put many: %v", err)
	}
	got, err := s.GetMany(ctx, []string{"a", "c", "missing"})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if len(got) != 2 || got["a"] != int64(1) || got["c"] != int64(3) {
		t.Fatalf("unexpected get many: %#v", got)
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Keys != 3 || st.Bytes == 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	n, err := s.DeleteMany(ctx, []string{"a", "b", "missing"})
	if err != nil || n != 2 {
		t.Fatalf("delete many: n=%d err=%v", n, err)
	}
	if err := s.DeleteAll(ctx); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	st, _ = s.Stats(ctx)
	if st.Keys != 0 {
		t.Fatalf("expected empty store: %+v", st)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	s := openTemp(t, "", "kv-tx")
	defer s.Close()

	boom := errors.New("boom")
	err := s.Transaction(ctx, func(tx KV) error {
		if err := tx.Put(ctx, "a", 1); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("rolled back write visible: %v", err)
	}

	err = s.Transaction(ctx, func(tx KV) error {
		if err := tx.Put(ctx, "a", 1); err != nil {
			return err
		}
		v, err := tx.Get(ctx, "a")
		if err != nil {
			return err
		}
		return tx.Put(ctx, "b", v.(int64)+1)
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if v, _ := s.Get(ctx, "b"); v != int64(2) {
		t.Fatalf("unexpected committed value: %#v", v)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	dir := t.TempDir()

	first := openTemp(t, dir, "restart-me")
	if err := first.Put(ctx, "greeting", "hello"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := first.Exec(ctx, `CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := first.Prepare(`INSERT INTO notes (body) VALUES (?)`).Bind("persisted").Run(ctx); err != nil {
		t.Fatalf("insert: %v", err)
	}
	alarmAt := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := first.SetAlarm(ctx, alarmAt); err != nil {
		t.Fatalf("set alarm: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "restart-me"+FileExt)); err != nil {
		t.Fatalf("expected database file: %v", err)
	}

	second := openTemp(t, dir, "restart-me")
	defer second.Close()
	v, err := second.Get(ctx, "greeting")
	if err != nil || v != "hello" {
		t.Fatalf("value lost across reopen: %#v %v", v, err)
	}
	row, err := second.Prepare(`SELECT body FROM notes`).First(ctx)
	if err != nil || row["body"] != "persisted" {
		t.Fatalf("sql row lost across reopen: %#v %v", row, err)
	}
	at, ok, err := second.GetAlarm(ctx)
	if err != nil || !ok || !at.Equal(alarmAt) {
		t.Fatalf("alarm lost across reopen: %v %v %v", at, ok, err)
	}

	other := openTemp(t, dir, "someone-else")
	defer other.Close()
	if _, err := other.Get(ctx, "greeting"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("identities must not share state: %v", err)
	}
}

func TestAlarmSetGetDeleteNotifies(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	s := openTemp(t, "", "alarm")
	defer s.Close()

	var (
		mu      sync.Mutex
		changes []bool
	)
	s.OnAlarmChange(func(at time.Time, armed bool) {
		mu.Lock()
		changes = append(changes, armed)
		mu.Unlock()
	})

	if _, ok, err := s.GetAlarm(ctx); err != nil || ok {
		t.Fatalf("expected no alarm: %v %v", ok, err)
	}
	first := time.UnixMilli(1_700_000_000_000)
	second := first.Add(time.Minute)
	if err := s.SetAlarm(ctx, first); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetAlarm(ctx, second); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	at, ok, err := s.GetAlarm(ctx)
	if err != nil || !ok || !at.Equal(second) {
		t.Fatalf("expected overwritten alarm: %v %v %v", at, ok, err)
	}
	if err := s.DeleteAlarm(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.GetAlarm(ctx); ok {
		t.Fatalf("alarm should be gone")
	}

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(changes) != "[true true false]" {
		t.Fatalf("unexpected hook calls: %v", changes)
	}
}

func TestSQLTypeConverters(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	timeConv := TypeConverter{
		Suffix: "_at",
		FromSQL: func(v any) (any, error) {
			ms, ok := v.(int64)
			if !ok {
				return nil, fmt.Errorf("want int64, got %T", v)
			}
			return time.UnixMilli(ms).UTC(), nil
		},
		ToSQL: func(v any) (any, error) {
			ts, ok := v.(time.Time)
			if !ok {
				return nil, fmt.Errorf("want time.Time, got %T", v)
			}
			return ts.UnixMilli(), nil
		},
	}
	s := openTemp(t, "", "sql-conv", func(o *Options) { o.Converters = []TypeConverter{timeConv} })
	defer s.Close()

	if err := s.ExecScript(ctx, `
		CREATE TABLE events (id INTEGER PRIMARY KEY, name TEXT, created_at INTEGER);
		CREATE INDEX events_name ON events(name);`); err != nil {
		t.Fatalf("schema: %v", err)
	}

	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	insert := s.Prepare(`INSERT INTO events (name, created_at) VALUES (:name, :created_at)`)
	res, err := insert.BindNamed(map[string]any{"name": "boot", "created_at": created}).Run(ctx)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if res.RowsAffected != 1 || res.LastInsertID != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := insert.BindNamed(map[string]any{"name": "tick", "created_at": created.Add(time.Second)}).Run(ctx); err != nil {
		t.Fatalf("reuse prepared: %v", err)
	}

	rows, err := s.Exec(ctx, `SELECT name, created_at FROM events ORDER BY id`)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	got, ok := rows[0]["created_at"].(time.Time)
	if !ok || !got.Equal(created) {
		t.Fatalf("converter not applied on read: %#v", rows[0]["created_at"])
	}
	if rows[1]["name"] != "tick" {
		t.Fatalf("unexpected second row: %#v", rows[1])
	}

	if _, err := s.Prepare(`SELECT * FROM events WHERE name = ?`).Bind("none").First(ctx); !errors.Is(err, ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestOpenRejectsBadIdentity(t *testing.T) {
	testlog.Start(t)
	for _, id := range []string{"", "../escape", "a/b", ".hidden", string(make([]byte, 200))} {
		if _, err := Open(context.Background(), id, Options{Dir: t.TempDir()}); !errors.Is(err, ErrInvalidIdentity) {
			t.Fatalf("identity %q: expected ErrInvalidIdentity, got %v", id, err)
		}
	}
}

func TestKeyTooLarge(t *testing.T) {
	testlog.Start(t)
	s := openTemp(t, "", "kv-big-key")
	defer s.Close()
	key := string(make([]byte, MaxKeySize+1))
	if err := s.Put(context.Background(), key, 1); !errors.Is(err, ErrKeyTooLarge) {
		t.Fatalf("expected ErrKeyTooLarge, got %v", err)
	}
}
