// Package storage implements the durable state of a certification authority:
// signing requests, issued certificates, CA key material, revocations and the
// cached CRL, backed by an embedded SQLite database.
//
// All certificate, request and CRL payloads handled by this package are
// PEM-encoded. Tables are namespaced by a caller-supplied prefix so several
// independent CA instances can share one database file.
//
// Expired rows are garbage-collected lazily, inline with regular operations;
// there is no background sweeper.
package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Store provides access to one certification authority's persisted state.
// It is safe for concurrent use; every unit of work runs on an exclusively
// checked-out connection.
type Store struct {
	db     *sqlx.DB
	prefix string
	cfg    config

	// now is replaced in tests to control expiry behavior.
	now func() time.Time
}

// Open opens the database at path, creating the file with the configured
// permission bits and the namespaced schema if they do not exist yet.
func Open(path, tablePrefix string, opts ...Option) (*Store, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	// Create the file ourselves before the driver does, so its mode can be
	// controlled.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, cfg.fileMode)
	if err != nil {
		return nil, fmt.Errorf("creating database file: %w", err)
	}
	f.Close()

	// IMMEDIATE transactions take the write lock up front so lock waits
	// respect the busy timeout instead of failing with SQLITE_BUSY on
	// upgrade mid-transaction.
	dsn := "file:" + path + "?_txlock=immediate&_journal_mode=WAL&_busy_timeout=5000"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{
		db:     db,
		prefix: tablePrefix,
		cfg:    cfg,
		now:    time.Now,
	}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ensureSchema creates the prefixed tables if they do not exist. It is safe
// to call on every open.
//
// revoked.serial is TEXT: certificate serials exceed the 63 bits SQLite can
// hold as an integer, so they are stored as decimal strings.
func (s *Store) ensureSchema() error {
	keyIDConstraint := ""
	if s.cfg.uniqueKeyID {
		keyIDConstraint = "UNIQUE"
	}
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]sca (
			expiration_date INTEGER,
			key TEXT,
			crt TEXT
		);
		CREATE TABLE IF NOT EXISTS %[1]scrt (
			id INTEGER PRIMARY KEY,
			key_id TEXT %[2]s,
			expiration_date INTEGER,
			csr TEXT,
			crt TEXT
		);
		CREATE TABLE IF NOT EXISTS %[1]srevoked (
			serial TEXT PRIMARY KEY,
			revocation_date INTEGER,
			expiration_date INTEGER
		);
		CREATE TABLE IF NOT EXISTS %[1]scrl (
			expiration_date INTEGER,
			crl TEXT
		);
		CREATE TABLE IF NOT EXISTS %[1]scounter (
			name TEXT PRIMARY KEY,
			value INTEGER
		);
		CREATE TABLE IF NOT EXISTS %[1]sconfig_once (
			name TEXT PRIMARY KEY,
			value TEXT
		);`, s.prefix, keyIDConstraint)
	_, err := s.db.Exec(schema)
	return err
}

// session is one exclusively checked-out connection. Sessions are not safe
// for concurrent use; concurrent callers each check out their own.
type session struct {
	conn *sqlx.Conn
	inTx bool
}

func (s *Store) acquire() (*session, error) {
	conn, err := s.db.Connx(context.Background())
	if err != nil {
		return nil, fmt.Errorf("checking out connection: %w", err)
	}
	return &session{conn: conn}, nil
}

func (sess *session) release() {
	sess.conn.Close()
}

// transact runs fn in one transaction: commit on nil, rollback on error.
//
// Opening a unit of work while one is already in progress on the same session
// is a programming error, not a retryable condition: an inner commit would
// silently finalize the outer, still-in-progress operation. It panics.
func (sess *session) transact(fn func(tx *sqlx.Tx) error) error {
	if sess.inTx {
		panic("storage: nested unit of work on the same session")
	}
	sess.inTx = true
	defer func() { sess.inTx = false }()

	tx, err := sess.conn.BeginTxx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	// Rollback after a successful Commit is a no-op. The deferred call is what
	// keeps the connection releasable when fn panics out of the transaction.
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// update runs fn as one unit of work on a fresh session.
func (s *Store) update(fn func(tx *sqlx.Tx) error) error {
	sess, err := s.acquire()
	if err != nil {
		return err
	}
	defer sess.release()
	return sess.transact(fn)
}

// expire deletes rows of the given prefixed table whose expiration date has
// passed. Sweeps never fail a caller-visible lookup: a row simply stops being
// visible once expired.
func (s *Store) expire(tx *sqlx.Tx, table string) error {
	_, err := tx.Exec(
		fmt.Sprintf(`DELETE FROM %s%s WHERE expiration_date < ?`, s.prefix, table),
		s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("expiring %s rows: %w", table, err)
	}
	return nil
}
