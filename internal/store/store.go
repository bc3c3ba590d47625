// Package store implements the archive state store described in spec.md
// §4.1: a durable, transactional key-value store over (archive, objname) ->
// file-state, a monotonic per-object serial allocator, a config
// section, and the cache-file-name table. Built on modernc.org/sqlite in
// WAL mode, following the shape of the teacher's internal/sync.SQLiteStore
// (state.go): prepared statements grouped by domain, one *sql.DB, a
// goose-driven embedded migration set.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, registers as "sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const walJournalSizeLimit = 67108864 // 64 MiB

// BusyPolicy configures the exponential backoff applied on SQLITE_BUSY,
// per spec.md §4.1's transaction contract.
type BusyPolicy struct {
	Base time.Duration
	Cap  time.Duration
	Mult float64
}

// Store is the archive state store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	busy   BusyPolicy

	stmts statements
}

type statements struct {
	getState     *sql.Stmt
	putState     *sql.Stmt
	getSerial    *sql.Stmt
	putSerial    *sql.Stmt
	listDeciding *sql.Stmt
	listArchive  *sql.Stmt
	getCacheName *sql.Stmt
	insCacheName *sql.Stmt
	delCacheName *sql.Stmt
	getConfig    *sql.Stmt
	putConfig    *sql.Stmt
	addFailed    *sql.Stmt
	hasFailed    *sql.Stmt
	pruneFailed  *sql.Stmt
	maxFailed    *sql.Stmt
}

// Open creates or opens the state database at dbPath, sets pragmas,
// applies migrations, and prepares all repeated statements. Use ":memory:"
// for tests.
func Open(dbPath string, busy BusyPolicy, logger *slog.Logger) (*Store, error) {
	logger.Info("opening archive state database", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	// A single connection keeps BEGIN IMMEDIATE semantics simple: the state
	// store never needs concurrent writers at the driver level since
	// spec.md §4.1 requires exclusive-writer transactions anyway, and
	// modernc.org/sqlite serializes all access through database/sql's pool
	// otherwise. With one open connection, readers and writers alike wait
	// their turn for it.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger, busy: busy}

	if err := s.prepareStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: prepare statements: %w", err)
	}

	logger.Info("archive state database ready", slog.String("path", dbPath))

	return s, nil
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
		"PRAGMA busy_timeout = 0", // the store's own retry loop owns backoff
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("store: set pragma %q: %w", p, err)
		}
	}

	return nil
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration sub-filesystem: %w", err)
	}

	goose.SetBaseFS(subFS)
	defer goose.SetBaseFS(nil)

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("store: migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration", slog.String("source", r.Source.Path))
	}

	return nil
}

const (
	sqlGetState = `SELECT serial, info_json FROM archive_state WHERE archive = ? AND objname = ?`
	sqlPutState = `INSERT INTO archive_state (archive, objname, serial, info_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(archive, objname) DO UPDATE SET serial = excluded.serial, info_json = excluded.info_json`
	sqlGetSerial = `SELECT next_serial FROM serials WHERE objname = ?`
	sqlPutSerial = `INSERT INTO serials (objname, next_serial) VALUES (?, ?)
		ON CONFLICT(objname) DO UPDATE SET next_serial = excluded.next_serial`
	sqlListDeciding = `SELECT DISTINCT a.objname FROM archive_state a
		JOIN archive_state s ON s.objname = a.objname AND s.archive = ?
		WHERE a.archive IN (?, ?) AND a.serial > s.serial`
	sqlListArchive = `SELECT objname, serial, info_json FROM archive_state WHERE archive = ?`
	sqlGetCacheName = `SELECT client, objname FROM cachenames WHERE cachename = ?`
	sqlInsCacheName = `INSERT INTO cachenames (cachename, client, objname) VALUES (?, ?, ?)`
	sqlDelCacheName = `DELETE FROM cachenames WHERE cachename = ?`
	sqlGetConfig    = `SELECT value FROM config WHERE key = ?`
	sqlPutConfig    = `INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	sqlAddFailed   = `INSERT OR IGNORE INTO failed_serials (objname, serial) VALUES (?, ?)`
	sqlHasFailed   = `SELECT 1 FROM failed_serials WHERE objname = ? AND serial = ?`
	sqlPruneFailed = `DELETE FROM failed_serials WHERE objname = ? AND serial < ?`
	sqlMaxFailed   = `SELECT COALESCE(MAX(serial), -1) FROM failed_serials WHERE objname = ?`
)

func (s *Store) prepareStatements(ctx context.Context) error {
	type def struct {
		dest **sql.Stmt
		sql  string
	}

	defs := []def{
		{&s.stmts.getState, sqlGetState},
		{&s.stmts.putState, sqlPutState},
		{&s.stmts.getSerial, sqlGetSerial},
		{&s.stmts.putSerial, sqlPutSerial},
		{&s.stmts.listDeciding, sqlListDeciding},
		{&s.stmts.listArchive, sqlListArchive},
		{&s.stmts.getCacheName, sqlGetCacheName},
		{&s.stmts.insCacheName, sqlInsCacheName},
		{&s.stmts.delCacheName, sqlDelCacheName},
		{&s.stmts.getConfig, sqlGetConfig},
		{&s.stmts.putConfig, sqlPutConfig},
		{&s.stmts.addFailed, sqlAddFailed},
		{&s.stmts.hasFailed, sqlHasFailed},
		{&s.stmts.pruneFailed, sqlPruneFailed},
		{&s.stmts.maxFailed, sqlMaxFailed},
	}

	for _, d := range defs {
		stmt, err := s.db.PrepareContext(ctx, d.sql)
		if err != nil {
			return fmt.Errorf("store: prepare %q: %w", d.sql, err)
		}

		*d.dest = stmt
	}

	return nil
}

// Close closes all prepared statements and the database connection.
func (s *Store) Close() error {
	stmts := []*sql.Stmt{
		s.stmts.getState, s.stmts.putState, s.stmts.getSerial, s.stmts.putSerial,
		s.stmts.listDeciding, s.stmts.listArchive, s.stmts.getCacheName,
		s.stmts.insCacheName, s.stmts.delCacheName, s.stmts.getConfig,
		s.stmts.putConfig, s.stmts.addFailed, s.stmts.hasFailed,
		s.stmts.pruneFailed, s.stmts.maxFailed,
	}

	for _, stmt := range stmts {
		if stmt != nil {
			_ = stmt.Close()
		}
	}

	return s.db.Close()
}

// Checkpoint forces a WAL checkpoint.
func (s *Store) Checkpoint() error {
	_, err := s.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("store: wal checkpoint: %w", err)
	}

	return nil
}
