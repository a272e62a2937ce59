package storage

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// KeyPair is a CA private key and its certificate, PEM-encoded.
type KeyPair struct {
	Key         []byte `db:"key"`
	Certificate []byte `db:"crt"`
}

// CAKeyPairs returns the stored certificate authority key pairs, oldest
// first. Expired pairs are purged before reading.
func (s *Store) CAKeyPairs() ([]KeyPair, error) {
	var pairs []KeyPair
	err := s.update(func(tx *sqlx.Tx) error {
		if err := s.expire(tx, "ca"); err != nil {
			return err
		}
		return tx.Select(&pairs,
			fmt.Sprintf(`SELECT key, crt FROM %sca ORDER BY expiration_date ASC`, s.prefix))
	})
	if err != nil {
		return nil, fmt.Errorf("listing CA key pairs: %w", err)
	}
	return pairs, nil
}

// AppendCAKeyPair stores a certificate authority key pair. expiration is the
// unix timestamp of the CA certificate's valid-until date; the pair stops
// being returned by CAKeyPairs once it has passed.
func (s *Store) AppendCAKeyPair(expiration int64, kp KeyPair) error {
	return s.update(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(
			fmt.Sprintf(`INSERT INTO %sca (expiration_date, key, crt) VALUES (?, ?, ?)`, s.prefix),
			expiration, string(kp.Key), string(kp.Certificate))
		if err != nil {
			return fmt.Errorf("appending CA key pair: %w", err)
		}
		return nil
	})
}
