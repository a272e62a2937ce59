package storage

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Backup serializes the entire database file to w as a stream of SQL
// statements, each terminated by a NUL byte. The dump covers every table in
// the file, not only the ones under this store's prefix, and is taken from a
// single transactional snapshot. The output is consumed by Restore.
func (s *Store) Backup(w io.Writer) error {
	return s.update(func(tx *sqlx.Tx) error {
		if err := writeStatement(w, "BEGIN TRANSACTION;"); err != nil {
			return err
		}
		rows, err := tx.Query(`
			SELECT type, name, sql FROM sqlite_master
			WHERE sql IS NOT NULL AND name NOT LIKE 'sqlite_%'
			ORDER BY CASE type WHEN 'table' THEN 0 ELSE 1 END, rowid`)
		if err != nil {
			return fmt.Errorf("reading database schema: %w", err)
		}
		defer rows.Close()
		var tables []string
		for rows.Next() {
			var typ, name, ddl string
			if err := rows.Scan(&typ, &name, &ddl); err != nil {
				return err
			}
			if typ == "table" {
				tables = append(tables, name)
			}
			if err := writeStatement(w, ddl+";"); err != nil {
				return err
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, table := range tables {
			if err := s.dumpTable(tx, w, table); err != nil {
				return err
			}
		}
		return writeStatement(w, "COMMIT;")
	})
}

func (s *Store) dumpTable(tx *sqlx.Tx, w io.Writer, table string) error {
	rows, err := tx.Queryx(fmt.Sprintf(`SELECT * FROM %q`, table))
	if err != nil {
		return fmt.Errorf("dumping table %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		values, err := rows.SliceScan()
		if err != nil {
			return err
		}
		literals := make([]string, len(values))
		for i, v := range values {
			literals[i] = sqlLiteral(v)
		}
		stmt := fmt.Sprintf("INSERT INTO %q VALUES(%s);", table, strings.Join(literals, ","))
		if err := writeStatement(w, stmt); err != nil {
			return err
		}
	}
	return rows.Err()
}

func writeStatement(w io.Writer, stmt string) error {
	if _, err := w.Write(append([]byte(stmt), 0)); err != nil {
		return fmt.Errorf("writing backup stream: %w", err)
	}
	return nil
}

// sqlLiteral renders a scanned value as a SQL literal for a dump statement.
func sqlLiteral(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		if v {
			return "1"
		}
		return "0"
	case []byte:
		return "X'" + hex.EncodeToString(v) + "'"
	default:
		return "'" + strings.ReplaceAll(fmt.Sprint(v), "'", "''") + "'"
	}
}

// Restore rebuilds a database at path from a Backup stream. The target file
// must not exist. Statements are executed one by one in autocommit mode as
// they arrive: the stream's own BEGIN/COMMIT statements delimit the copy, so
// a whole-store restore is never buffered in one enclosing transaction.
// A stream ending without a trailing NUL-terminated statement fails with
// ErrCorruptBackup, and the partial target should be discarded.
func Restore(path string, r io.Reader) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("restore target %s: %w", path, fs.ErrExist)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checking restore target: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return fmt.Errorf("opening restore target: %w", err)
	}
	defer db.Close()

	// All statements must run on one connection: the stream's BEGIN would
	// otherwise be stranded on a different pooled connection than its COMMIT.
	ctx := context.Background()
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("checking out connection: %w", err)
	}
	defer conn.Close()

	br := bufio.NewReader(r)
	for {
		stmt, err := br.ReadString(0)
		if errors.Is(err, io.EOF) {
			if len(stmt) > 0 {
				return fmt.Errorf("restoring %s: %w", path, ErrCorruptBackup)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading backup stream: %w", err)
		}
		stmt = stmt[:len(stmt)-1]
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing backup statement: %w", err)
		}
	}
}
