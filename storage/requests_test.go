package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func csrPEM(n int) []byte {
	return fmt.Appendf(nil,
		"-----BEGIN CERTIFICATE REQUEST-----\nrequest %d\n-----END CERTIFICATE REQUEST-----\n", n)
}

func certPEM(n int) []byte {
	return fmt.Appendf(nil,
		"-----BEGIN CERTIFICATE-----\ncertificate %d\n-----END CERTIFICATE-----\n", n)
}

func (s *Store) storedExpiration(t *testing.T, id int64) int64 {
	t.Helper()
	var exp int64
	err := s.db.Get(&exp, `SELECT expiration_date FROM test_crt WHERE id = ?`, id)
	require.NoError(t, err)
	return exp
}

func TestAppendRequestDeduplicates(t *testing.T) {
	s := newTestStore(t)

	id1, received1, err := s.AppendRequest(csrPEM(1), "key-1", false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), received1)

	id2, received2, err := s.AppendRequest(csrPEM(1), "key-1", false)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Zero(t, received2, "deduplicated submission must not be counted")

	pending, err := s.PendingRequests()
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Equal(t, csrPEM(1), pending[0].CSR)
}

func TestAppendRequestDeduplicatesIssuedRows(t *testing.T) {
	s := newTestStore(t)

	id, _, err := s.AppendRequest(csrPEM(1), "", false)
	require.NoError(t, err)
	require.NoError(t, s.StoreCertificate(id, certPEM(1)))

	again, received, err := s.AppendRequest(csrPEM(1), "", false)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Zero(t, received)
}

func TestAppendRequestFloodLimit(t *testing.T) {
	s := newTestStore(t, WithMaxPendingRequests(2))

	_, _, err := s.AppendRequest(csrPEM(1), "", false)
	require.NoError(t, err)
	_, _, err = s.AppendRequest(csrPEM(2), "", false)
	require.NoError(t, err)

	_, _, err = s.AppendRequest(csrPEM(3), "", false)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	// The same submission passes with the limit overridden, and is not
	// counted against the flood counter.
	_, received, err := s.AppendRequest(csrPEM(3), "", true)
	require.NoError(t, err)
	assert.Zero(t, received)

	// Resubmitting known content still succeeds at the limit.
	_, _, err = s.AppendRequest(csrPEM(1), "", false)
	require.NoError(t, err)
}

func TestDeletePendingRequest(t *testing.T) {
	s := newTestStore(t)

	id, _, err := s.AppendRequest(csrPEM(1), "", false)
	require.NoError(t, err)
	require.NoError(t, s.DeletePendingRequest(id))

	err = s.DeletePendingRequest(id)
	require.ErrorIs(t, err, ErrNotFound)

	pending, err := s.PendingRequests()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDeletePendingRequestIgnoresIssued(t *testing.T) {
	s := newTestStore(t)

	id, _, err := s.AppendRequest(csrPEM(1), "", false)
	require.NoError(t, err)
	require.NoError(t, s.StoreCertificate(id, certPEM(1)))

	err = s.DeletePendingRequest(id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSigningRequest(t *testing.T) {
	s := newTestStore(t)

	id, _, err := s.AppendRequest(csrPEM(1), "", false)
	require.NoError(t, err)

	csr, err := s.SigningRequest(id)
	require.NoError(t, err)
	assert.Equal(t, csrPEM(1), csr)

	_, err = s.SigningRequest(id + 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreCertificateExactlyOnce(t *testing.T) {
	s := newTestStore(t)

	id, _, err := s.AppendRequest(csrPEM(1), "", false)
	require.NoError(t, err)

	require.NoError(t, s.StoreCertificate(id, certPEM(1)))
	crt, err := s.Certificate(id)
	require.NoError(t, err)
	assert.Equal(t, certPEM(1), crt)

	// A second issuance for the same request is not a transition that exists.
	err = s.StoreCertificate(id, certPEM(2))
	require.ErrorIs(t, err, ErrNotFound)

	err = s.StoreCertificate(id+1, certPEM(2))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCertificatePendingIsNotFound(t *testing.T) {
	s := newTestStore(t)

	id, _, err := s.AppendRequest(csrPEM(1), "", false)
	require.NoError(t, err)

	_, err = s.Certificate(id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCertificateReadRatchetsExpiration(t *testing.T) {
	s := newTestStore(t,
		WithCertificateRetention(24*time.Hour),
		WithCertificateReadRetention(time.Hour),
	)
	advance := freeze(s)

	id, _, err := s.AppendRequest(csrPEM(1), "", false)
	require.NoError(t, err)
	require.NoError(t, s.StoreCertificate(id, certPEM(1)))

	issued := s.storedExpiration(t, id)
	assert.Equal(t, s.now().Add(24*time.Hour).Unix(), issued, "unread certificate keeps the long retention")

	_, err = s.Certificate(id)
	require.NoError(t, err)
	firstRead := s.storedExpiration(t, id)
	assert.Equal(t, s.now().Add(time.Hour).Unix(), firstRead, "first read shortens the retention")

	// A later read must never push the expiration back out.
	advance(5 * time.Minute)
	_, err = s.Certificate(id)
	require.NoError(t, err)
	assert.Equal(t, firstRead, s.storedExpiration(t, id))
}

func TestAppendRequestSweepsExpiredCertificates(t *testing.T) {
	s := newTestStore(t, WithCertificateRetention(time.Hour))
	advance := freeze(s)

	id, _, err := s.AppendRequest(csrPEM(1), "", false)
	require.NoError(t, err)
	require.NoError(t, s.StoreCertificate(id, certPEM(1)))

	advance(2 * time.Hour)
	_, _, err = s.AppendRequest(csrPEM(2), "", false)
	require.NoError(t, err)

	_, err = s.Certificate(id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCertificateByKeyID(t *testing.T) {
	s := newTestStore(t)

	id, _, err := s.AppendRequest(csrPEM(1), "key-1", false)
	require.NoError(t, err)

	// Still pending: nothing issued for the key yet.
	_, err = s.CertificateByKeyID("key-1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.StoreCertificate(id, certPEM(1)))
	crt, err := s.CertificateByKeyID("key-1")
	require.NoError(t, err)
	assert.Equal(t, certPEM(1), crt)
}

func TestUniqueKeyIDConflict(t *testing.T) {
	s := newTestStore(t, WithUniqueKeyID())

	_, _, err := s.AppendRequest(csrPEM(1), "key-1", false)
	require.NoError(t, err)

	_, _, err = s.AppendRequest(csrPEM(2), "key-1", false)
	require.ErrorIs(t, err, ErrConflict)

	// Keyless requests are never subject to the uniqueness constraint.
	_, _, err = s.AppendRequest(csrPEM(3), "", false)
	require.NoError(t, err)
	_, _, err = s.AppendRequest(csrPEM(4), "", false)
	require.NoError(t, err)
}

func TestEachCertificate(t *testing.T) {
	s := newTestStore(t)

	var issued [][]byte
	for i := 1; i <= 3; i++ {
		id, _, err := s.AppendRequest(csrPEM(i), "", false)
		require.NoError(t, err)
		if i == 2 {
			continue // left pending, must be skipped
		}
		require.NoError(t, s.StoreCertificate(id, certPEM(i)))
		issued = append(issued, certPEM(i))
	}

	collect := func() [][]byte {
		var got [][]byte
		err := s.EachCertificate(func(crt []byte) error {
			got = append(got, crt)
			return nil
		})
		require.NoError(t, err)
		return got
	}
	assert.Equal(t, issued, collect())
	// Re-invoking produces a fresh pass.
	assert.Equal(t, issued, collect())
}
