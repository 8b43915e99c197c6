package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danmuck/durable/internal/logging"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// FileExt is appended to the identity to name its database file.
const FileExt = ".sqlite"

const (
	maxIdentityLen = 128
	// MaxKeySize matches the platform limit on KV key length.
	MaxKeySize = 2048
)

var (
	ErrKeyNotFound     = errors.New("storage: key not found")
	ErrNoRows          = errors.New("storage: no rows")
	ErrInvalidIdentity = errors.New("storage: invalid identity")
	ErrKeyTooLarge     = errors.New("storage: key too large")
	ErrClosed          = errors.New("storage: closed")
)

// Options configures how a Storage is opened.
type Options struct {
	// Dir is the storage root. Empty opens a private in-memory database
	// that does not survive Close.
	Dir        string
	Converters []TypeConverter
	Codec      Codec
	Logger     *zerolog.Logger
}

// Stats contains statistics about the KV table.
type Stats struct {
	Keys  int // Number of keys
	Bytes int // Total size of encoded values in bytes
}

// Storage is one identity's durable store.
type Storage struct {
	id     string
	path   string
	db     *sql.DB
	codec  Codec
	conv   converters
	logger zerolog.Logger

	kv kvStore

	mu        sync.Mutex
	stmts     map[string]*sql.Stmt
	alarmHook func(at time.Time, armed bool)
	closed    bool
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS _kv (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	) WITHOUT ROWID`,
	`CREATE TABLE IF NOT EXISTS _alarm (
		id           INTEGER PRIMARY KEY CHECK (id = 0),
		scheduled_ms INTEGER NOT NULL
	)`,
}

// Open opens (creating when needed) the store for identity under opts.Dir.
func Open(ctx context.Context, identity string, opts Options) (*Storage, error) {
	if !ValidIdentity(identity) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
	}

	dsn := ":memory:"
	path := ""
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create dir %s: %w", opts.Dir, err)
		}
		path = filepath.Join(opts.Dir, identity+FileExt)
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", identity, err)
	}
	// One connection keeps writes serialized and keeps an in-memory
	// database alive for the life of the handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: migrate %s: %w", identity, err)
		}
	}

	codec := opts.Codec
	if codec == nil {
		codec = MsgpackCodec{}
	}
	logger := logging.Component("storage")
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "storage").Logger()
	}
	logger = logger.With().Str("id", identity).Logger()

	s := &Storage{
		id:     identity,
		path:   path,
		db:     db,
		codec:  codec,
		conv:   converters(opts.Converters),
		logger: logger,
		stmts:  make(map[string]*sql.Stmt),
	}
	s.kv = kvStore{q: db, codec: codec}
	logger.Debug().Str("path", path).Msg("storage.open")
	return s, nil
}

// ValidIdentity reports whether id can name a storage file: 1-128 bytes of
// [A-Za-z0-9._-], starting with a letter or digit.
func ValidIdentity(id string) bool {
	if id == "" || len(id) > maxIdentityLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		isAlpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isAlpha || isDigit || isSep) {
			return false
		}
		if i == 0 && isSep {
			return false
		}
	}
	return true
}

func (s *Storage) ID() string {
	return s.id
}

// Path is the database file, empty for in-memory stores.
func (s *Storage) Path() string {
	return s.path
}

// OnAlarmChange registers fn to be told about every committed alarm change.
// Only one hook is kept; the owning instance uses it to re-arm its timer.
func (s *Storage) OnAlarmChange(fn func(at time.Time, armed bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarmHook = fn
}

func (s *Storage) notifyAlarm(at time.Time, armed bool) {
	s.mu.Lock()
	hook := s.alarmHook
	s.mu.Unlock()
	if hook != nil {
		hook(at, armed)
	}
}

// Stats returns KV table statistics.
func (s *Storage) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(length(value)), 0) FROM _kv`)
	if err := row.Scan(&st.Keys, &st.Bytes); err != nil {
		return Stats{}, fmt.Errorf("storage: stats: %w", err)
	}
	return st, nil
}

// Close releases prepared statements and the database handle.
func (s *Storage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stmts := s.stmts
	s.stmts = nil
	s.mu.Unlock()

	for _, stmt := range stmts {
		_ = stmt.Close()
	}
	s.logger.Debug().Msg("storage.close")
	return s.db.Close()
}
