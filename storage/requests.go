package storage

import (
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// PendingRequest is a signing request awaiting issuance.
type PendingRequest struct {
	ID  int64  `db:"id"`
	CSR []byte `db:"csr"`
}

// idInsertRetries bounds regeneration attempts on the (practically
// unreachable) collision of a fresh random 63-bit id with a stored one.
const idInsertRetries = 8

// randomID returns a random 63-bit request id.
func randomID() int64 {
	var b [8]byte
	rand.Read(b[:])
	return int64(binary.BigEndian.Uint64(b[:]) >> 1)
}

// isConstraintErr reports whether err is a SQLite constraint violation with
// one of the given extended codes.
func isConstraintErr(err error, codes ...sqlite3.ErrNoExtended) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	for _, code := range codes {
		if serr.ExtendedCode == code {
			return true
		}
	}
	return false
}

// AppendRequest stores a signing request and returns its id together with
// the running count of received requests.
//
// Submitting byte-identical CSR content again returns the existing row's id
// (whether still pending or already issued) and a zero count. A new request
// fails with ErrCapacityExceeded once maxPendingRequests rows are pending,
// unless overrideLimits is set; overridden submissions are not counted
// against the flood limit, so their returned count is also zero. Under
// unique key id enforcement, a second request for an already-issued key id
// fails with ErrConflict.
func (s *Store) AppendRequest(csr []byte, keyID string, overrideLimits bool) (int64, int64, error) {
	var id, received int64
	err := s.update(func(tx *sqlx.Tx) error {
		var existing int64
		err := tx.Get(&existing,
			fmt.Sprintf(`SELECT id FROM %scrt WHERE csr = ?`, s.prefix), string(csr))
		switch {
		case err == nil:
			id = existing
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("looking up request by content: %w", err)
		}

		if !overrideLimits {
			var pending int
			err := tx.Get(&pending,
				fmt.Sprintf(`SELECT COUNT(*) FROM %scrt WHERE crt IS NULL`, s.prefix))
			if err != nil {
				return fmt.Errorf("counting pending requests: %w", err)
			}
			if pending >= s.cfg.maxPendingRequests {
				return ErrCapacityExceeded
			}
			received, err = s.incrementCounter(tx, "received_csr", 1, 0)
			if err != nil {
				return err
			}
		}

		// Empty key ids are stored as NULL so the optional UNIQUE(key_id)
		// constraint never applies to keyless requests.
		var key any
		if keyID != "" {
			key = keyID
		}
		for attempt := 0; ; attempt++ {
			id = randomID()
			_, err := tx.Exec(
				fmt.Sprintf(`INSERT INTO %scrt (id, key_id, csr) VALUES (?, ?, ?)`, s.prefix),
				id, key, string(csr))
			if err == nil {
				break
			}
			if isConstraintErr(err, sqlite3.ErrConstraintUnique) {
				return fmt.Errorf("key id %s: %w", keyID, ErrConflict)
			}
			if isConstraintErr(err, sqlite3.ErrConstraintPrimaryKey) && attempt < idInsertRetries {
				continue
			}
			return fmt.Errorf("inserting request: %w", err)
		}
		return s.expire(tx, "crt")
	})
	if err != nil {
		return 0, 0, err
	}
	return id, received, nil
}

// DeletePendingRequest forgets a pending signing request. It fails with
// ErrNotFound if the request is unknown or a certificate was already issued
// for it (issued rows are garbage-collected on their own).
func (s *Store) DeletePendingRequest(id int64) error {
	return s.update(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(
			fmt.Sprintf(`DELETE FROM %scrt WHERE id = ? AND crt IS NULL`, s.prefix), id)
		if err != nil {
			return fmt.Errorf("deleting request: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("request %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// SigningRequest returns the PEM-encoded signing request with the given id,
// regardless of whether a certificate was issued for it yet.
func (s *Store) SigningRequest(id int64) ([]byte, error) {
	var csr []byte
	err := s.update(func(tx *sqlx.Tx) error {
		err := tx.Get(&csr,
			fmt.Sprintf(`SELECT csr FROM %scrt WHERE id = ?`, s.prefix), id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("request %d: %w", id, ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return csr, nil
}

// PendingRequests returns all signing requests no certificate was issued
// for yet.
func (s *Store) PendingRequests() ([]PendingRequest, error) {
	var pending []PendingRequest
	err := s.update(func(tx *sqlx.Tx) error {
		return tx.Select(&pending,
			fmt.Sprintf(`SELECT id, csr FROM %scrt WHERE crt IS NULL`, s.prefix))
	})
	if err != nil {
		return nil, fmt.Errorf("listing pending requests: %w", err)
	}
	return pending, nil
}

// StoreCertificate records the certificate issued for a pending request and
// starts its retention window. A request transitions from pending to issued
// exactly once: if the request is unknown or already has a certificate, it
// fails with ErrNotFound.
func (s *Store) StoreCertificate(id int64, crt []byte) error {
	return s.update(func(tx *sqlx.Tx) error {
		expiration := s.now().Add(s.cfg.certificateRetention).Unix()
		res, err := tx.Exec(
			fmt.Sprintf(`UPDATE %scrt SET crt = ?, expiration_date = ? WHERE id = ? AND crt IS NULL`, s.prefix),
			string(crt), expiration, id)
		if err != nil {
			return fmt.Errorf("storing certificate: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("request %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// Certificate returns the certificate issued for the given request id, or
// ErrNotFound if the request is unknown or still pending.
//
// Reading ratchets the row's expiration down to now plus the read retention
// window if that is sooner. The expiration never moves back out: an issued
// certificate is long-lived while awaiting first pickup, then only stays
// retrievable for a short grace window so a crashed requester gets one
// retry.
func (s *Store) Certificate(id int64) ([]byte, error) {
	var crt []byte
	err := s.update(func(tx *sqlx.Tx) error {
		var row struct {
			Crt            []byte `db:"crt"`
			ExpirationDate int64  `db:"expiration_date"`
		}
		err := tx.Get(&row,
			fmt.Sprintf(`SELECT crt, expiration_date FROM %scrt WHERE id = ? AND crt IS NOT NULL`, s.prefix),
			id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("certificate %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("reading certificate: %w", err)
		}
		ratcheted := s.now().Add(s.cfg.certificateReadRetention).Unix()
		if row.ExpirationDate > ratcheted {
			_, err := tx.Exec(
				fmt.Sprintf(`UPDATE %scrt SET expiration_date = ? WHERE id = ?`, s.prefix),
				ratcheted, id)
			if err != nil {
				return fmt.Errorf("ratcheting expiration: %w", err)
			}
		}
		crt = row.Crt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return crt, nil
}

// CertificateByKeyID returns the issued certificate for the given key id, or
// ErrNotFound if no issued row matches.
func (s *Store) CertificateByKeyID(keyID string) ([]byte, error) {
	var crt []byte
	err := s.update(func(tx *sqlx.Tx) error {
		err := tx.Get(&crt,
			fmt.Sprintf(`SELECT crt FROM %scrt WHERE key_id = ? AND crt IS NOT NULL`, s.prefix),
			keyID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("key id %s: %w", keyID, ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return crt, nil
}

// EachCertificate calls fn for every issued certificate in physical row
// order, streaming rows rather than materializing them. A non-nil error from
// fn stops the iteration and is returned. Re-invoking starts a fresh pass.
func (s *Store) EachCertificate(fn func(crt []byte) error) error {
	return s.update(func(tx *sqlx.Tx) error {
		rows, err := tx.Query(
			fmt.Sprintf(`SELECT crt FROM %scrt WHERE crt IS NOT NULL`, s.prefix))
		if err != nil {
			return fmt.Errorf("iterating certificates: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var crt []byte
			if err := rows.Scan(&crt); err != nil {
				return err
			}
			if err := fn(crt); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}
