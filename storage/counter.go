package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// incrementCounter bumps the named counter by delta inside the caller's
// transaction and returns the resulting value. An absent counter starts from
// initial.
func (s *Store) incrementCounter(tx *sqlx.Tx, name string, delta, initial int64) (int64, error) {
	value := initial
	err := tx.Get(&value,
		fmt.Sprintf(`SELECT value FROM %scounter WHERE name = ?`, s.prefix), name)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("reading counter %s: %w", name, err)
	}
	value += delta
	_, err = tx.Exec(
		fmt.Sprintf(`INSERT OR REPLACE INTO %scounter (name, value) VALUES (?, ?)`, s.prefix),
		name, value)
	if err != nil {
		return 0, fmt.Errorf("writing counter %s: %w", name, err)
	}
	return value, nil
}

// IncrementCounter durably bumps the named counter by delta and returns the
// resulting value. An absent counter starts from initial.
func (s *Store) IncrementCounter(name string, delta, initial int64) (int64, error) {
	var value int64
	err := s.update(func(tx *sqlx.Tx) error {
		var err error
		value, err = s.incrementCounter(tx, name, delta, initial)
		return err
	})
	return value, err
}

// ConfigOnce returns the stored value for name, or def if none was stored.
func (s *Store) ConfigOnce(name, def string) (string, error) {
	value := def
	err := s.update(func(tx *sqlx.Tx) error {
		err := tx.Get(&value,
			fmt.Sprintf(`SELECT value FROM %sconfig_once WHERE name = ?`, s.prefix), name)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("reading config value %s: %w", name, err)
	}
	return value, nil
}

// SetConfigOnce stores value under name, keeping whatever was stored first.
// Writing to an already-set name is a silent no-op, which makes repeated
// initialization idempotent.
func (s *Store) SetConfigOnce(name, value string) error {
	err := s.update(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(
			fmt.Sprintf(`INSERT INTO %sconfig_once (name, value) VALUES (?, ?)`, s.prefix),
			name, value)
		return err
	})
	if isConstraintErr(err, sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("storing config value %s: %w", name, err)
	}
	return nil
}
