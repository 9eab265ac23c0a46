package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/roach88/meshlog/internal/keeper"
	"github.com/roach88/meshlog/internal/querysql"
	"github.com/roach88/meshlog/internal/record"
	"github.com/roach88/meshlog/internal/retention"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Backfilled origin_center/subject_center and the pair index
const currentSchemaVersion = 1

// Driver names accepted by WithDriver.
const (
	// DriverCgo is github.com/mattn/go-sqlite3.
	DriverCgo = "sqlite3"
	// DriverPure is modernc.org/sqlite, which needs no C toolchain.
	DriverPure = "sqlite"
)

const settingCenterID = "center_id"
const settingSelfCenter = "self_center"

// Store is the durable RecordKeeper on SQLite.
// Uses WAL mode for concurrent read access.
//
// ID allocation and every write that allocates or purges hold writeMu, so
// sequence allocation and watermark updates never interleave.
type Store struct {
	db        *sql.DB
	reg       *record.Registry
	persister keeper.RecordPersister
	stamper   *keeper.Stamper
	compiler  *querysql.SQLCompiler
	logger    *slog.Logger
	maxTries  int

	writeMu   sync.Mutex
	centerID  atomic.Int64
	selfRowID atomic.Int64

	prepMu   sync.Mutex
	prepared map[*preparedSearch]struct{}
}

var _ keeper.RecordKeeper = (*Store)(nil)

type options struct {
	driver    string
	reg       *record.Registry
	persister keeper.RecordPersister
	now       func() int64
	logger    *slog.Logger
	maxTries  int
}

// Option configures Open.
type Option func(*options)

// WithDriver selects the database/sql driver, DriverCgo by default.
func WithDriver(name string) Option {
	return func(o *options) { o.driver = name }
}

// WithRegistry sets the subject types changes are decoded with.
func WithRegistry(reg *record.Registry) Option {
	return func(o *options) { o.reg = reg }
}

// WithPersister sets the application's object resolver.
func WithPersister(p keeper.RecordPersister) Option {
	return func(o *options) { o.persister = p }
}

// WithClock replaces the wall clock (Unix milliseconds).
func WithClock(now func() int64) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger. slog.Default() is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMaxSyncTries sets the export retry budget per (change, peer).
func WithMaxSyncTries(n int) Option {
	return func(o *options) { o.maxTries = n }
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{driver: DriverCgo, maxTries: retention.DefaultMaxSyncTries}
	for _, opt := range opts {
		opt(&o)
	}
	if o.reg == nil {
		o.reg = record.NewRegistry()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	db, err := sql.Open(o.driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:        db,
		reg:       o.reg,
		persister: o.persister,
		compiler:  querysql.NewSQLCompiler(),
		logger:    o.logger.With("component", "store"),
		maxTries:  o.maxTries,
		prepared:  make(map[*preparedSearch]struct{}),
	}
	s.centerID.Store(record.UnknownCenterID)
	if err := s.load(o.now); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// load restores the installation identity and resumes the stamper after
// the newest stored change.
func (s *Store) load(now func() int64) error {
	ctx := context.Background()
	if v, ok, err := s.setting(ctx, s.db, settingCenterID); err != nil {
		return err
	} else if ok {
		id, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("corrupt %s setting %q: %w", settingCenterID, v, err)
		}
		s.centerID.Store(int64(id))
	}
	if v, ok, err := s.setting(ctx, s.db, settingSelfCenter); err != nil {
		return err
	} else if ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt %s setting %q: %w", settingSelfCenter, v, err)
		}
		s.selfRowID.Store(id)
	}

	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(time) FROM changes").Scan(&last); err != nil {
		return fmt.Errorf("resume change time: %w", err)
	}
	s.stamper = keeper.NewStamperAt(now, last.Int64)
	return nil
}

// Close closes the database connection and every prepared search.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	s.prepMu.Lock()
	for p := range s.prepared {
		p.stmt.Close()
	}
	clear(s.prepared)
	s.prepMu.Unlock()
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Registry returns the subject types changes are decoded with.
func (s *Store) Registry() *record.Registry {
	return s.reg
}

// CenterID returns the global ID of this installation, -1 before Bootstrap.
func (s *Store) CenterID() int {
	return int(s.centerID.Load())
}

// Stamper exposes the change-time source, shared with the synchronizer so
// imported times are observed.
func (s *Store) Stamper() *keeper.Stamper {
	return s.stamper
}

func (s *Store) partition() (record.Partition, error) {
	id := s.CenterID()
	if id == record.UnknownCenterID {
		return record.Partition{}, record.NewError(record.ErrCodeNotInitialized, "store has no center ID; run Bootstrap first")
	}
	return record.PartitionFor(id), nil
}

// Bootstrap records the center ID of a new installation and creates its
// "Here" center without audit. Calling it again with the same ID is a
// no-op; another ID fails with CENTER_ID_IMMUTABLE.
func (s *Store) Bootstrap(ctx context.Context, centerID int) error {
	if centerID < 0 || int64(centerID) >= (1<<63-1)/record.IDRange {
		return fmt.Errorf("bootstrap: center ID %d out of range", centerID)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if cur := s.CenterID(); cur != record.UnknownCenterID {
		if cur == centerID {
			return nil
		}
		return record.NewError(record.ErrCodeCenterIDImmutable,
			fmt.Sprintf("installation is center %d, cannot bootstrap as %d", cur, centerID))
	}

	var rowID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := putSetting(ctx, tx, settingCenterID, strconv.Itoa(centerID)); err != nil {
			return err
		}
		here := record.NewCenter(record.HereName)
		here.CenterID = centerID
		var err error
		rowID, err = s.insertCenter(ctx, tx, record.PartitionFor(centerID), here)
		if err != nil {
			return err
		}
		return putSetting(ctx, tx, settingSelfCenter, strconv.FormatInt(rowID, 10))
	})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	s.centerID.Store(int64(centerID))
	s.selfRowID.Store(rowID)
	s.logger.Info("bootstrapped installation", "center_id", centerID, "self_row", rowID)
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction, committing when it returns nil.
//
// CRITICAL: with a single pooled connection, fn must use tx only; a query
// on s.db from inside fn waits on itself forever.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) setting(ctx context.Context, q querier, key string) (string, bool, error) {
	var v string
	err := q.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read setting %s: %w", key, err)
	}
	return v, true, nil
}

func putSetting(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 recomputes the derived pair columns, which early databases
// left at zero for imported changes.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(fmt.Sprintf(`
		UPDATE changes
		SET origin_center = id / %[1]d, subject_center = major_subject / %[1]d
		WHERE origin_center != id / %[1]d OR subject_center != major_subject / %[1]d
	`, record.IDRange))
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
