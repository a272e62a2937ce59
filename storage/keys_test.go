package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCAKeyPairsOldestFirst(t *testing.T) {
	s := newTestStore(t)
	freeze(s)

	newer := KeyPair{Key: []byte("key new"), Certificate: []byte("crt new")}
	older := KeyPair{Key: []byte("key old"), Certificate: []byte("crt old")}

	// Insertion order must not matter, expiration order does.
	require.NoError(t, s.AppendCAKeyPair(s.now().Add(48*time.Hour).Unix(), newer))
	require.NoError(t, s.AppendCAKeyPair(s.now().Add(24*time.Hour).Unix(), older))

	pairs, err := s.CAKeyPairs()
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, older, pairs[0])
	assert.Equal(t, newer, pairs[1])
}

func TestCAKeyPairsPurgesExpired(t *testing.T) {
	s := newTestStore(t)
	advance := freeze(s)

	expiring := KeyPair{Key: []byte("key 1"), Certificate: []byte("crt 1")}
	lasting := KeyPair{Key: []byte("key 2"), Certificate: []byte("crt 2")}
	require.NoError(t, s.AppendCAKeyPair(s.now().Add(time.Hour).Unix(), expiring))
	require.NoError(t, s.AppendCAKeyPair(s.now().Add(100*time.Hour).Unix(), lasting))

	advance(2 * time.Hour)
	pairs, err := s.CAKeyPairs()
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, lasting, pairs[0])
}
