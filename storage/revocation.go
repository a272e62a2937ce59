package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// RevokedCertificate is one entry of the revocation ledger.
type RevokedCertificate struct {
	Serial         *big.Int
	RevocationDate int64
}

// Revoke adds a certificate serial to the revocation ledger and drops the
// cached CRL, which has to be regenerated before it can be served again.
// Revoking an already-revoked serial fails with ErrConflict; the whole unit
// of work is rolled back, so the cached CRL survives a conflicting call.
//
// Serials are stored as decimal text: they routinely exceed the 63-bit
// integer range.
func (s *Store) Revoke(serial *big.Int, expiration int64) error {
	return s.update(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %scrl`, s.prefix)); err != nil {
			return fmt.Errorf("dropping cached CRL: %w", err)
		}
		_, err := tx.Exec(
			fmt.Sprintf(`INSERT INTO %srevoked (serial, revocation_date, expiration_date) VALUES (?, ?, ?)`, s.prefix),
			serial.String(), s.now().Unix(), expiration)
		if isConstraintErr(err, sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique) {
			return fmt.Errorf("serial %s: %w", serial, ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("inserting revocation: %w", err)
		}
		return nil
	})
}

// CertificateRevocationList returns the cached PEM-encoded CRL, or
// ErrNotFound if none is cached or the cached one has expired.
func (s *Store) CertificateRevocationList() ([]byte, error) {
	var crl []byte
	err := s.update(func(tx *sqlx.Tx) error {
		err := tx.Get(&crl, fmt.Sprintf(
			`SELECT crl FROM %scrl WHERE expiration_date > ? ORDER BY expiration_date DESC LIMIT 1`,
			s.prefix), s.now().Unix())
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("cached CRL: %w", ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return crl, nil
}

// NextCRLNumber returns the next CRL sequence number.
func (s *Store) NextCRLNumber() (int64, error) {
	var number int64
	err := s.update(func(tx *sqlx.Tx) error {
		var err error
		number, err = s.incrementCounter(tx, "crl_number", 1, 0)
		return err
	})
	return number, err
}

// StoreCertificateRevocationList replaces the cached CRL.
func (s *Store) StoreCertificateRevocationList(crl []byte, expiration int64) error {
	return s.update(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %scrl`, s.prefix)); err != nil {
			return fmt.Errorf("dropping cached CRL: %w", err)
		}
		_, err := tx.Exec(
			fmt.Sprintf(`INSERT INTO %scrl (expiration_date, crl) VALUES (?, ?)`, s.prefix),
			expiration, string(crl))
		if err != nil {
			return fmt.Errorf("storing CRL: %w", err)
		}
		return nil
	})
}

// RevokedCertificates returns all live revocation entries. Entries whose
// certificate has expired on its own are purged before reading: they no
// longer need to appear on a CRL.
func (s *Store) RevokedCertificates() ([]RevokedCertificate, error) {
	var revoked []RevokedCertificate
	err := s.update(func(tx *sqlx.Tx) error {
		if err := s.expire(tx, "revoked"); err != nil {
			return err
		}
		rows, err := tx.Query(
			fmt.Sprintf(`SELECT serial, revocation_date FROM %srevoked`, s.prefix))
		if err != nil {
			return fmt.Errorf("listing revocations: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				serial string
				date   int64
			)
			if err := rows.Scan(&serial, &date); err != nil {
				return err
			}
			n, ok := new(big.Int).SetString(serial, 10)
			if !ok {
				return fmt.Errorf("parsing stored serial %q", serial)
			}
			revoked = append(revoked, RevokedCertificate{Serial: n, RevocationDate: date})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return revoked, nil
}
