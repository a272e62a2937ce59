package storage

import (
	"io/fs"
	"time"
)

type config struct {
	maxPendingRequests       int
	certificateRetention     time.Duration
	certificateReadRetention time.Duration
	uniqueKeyID              bool
	fileMode                 fs.FileMode
}

func defaultConfig() config {
	return config{
		maxPendingRequests:       50,
		certificateRetention:     24 * time.Hour,
		certificateReadRetention: 72 * time.Minute,
		fileMode:                 0o600,
	}
}

// Option configures a Store at Open time.
type Option func(*config)

// WithMaxPendingRequests bounds the number of pending signing requests kept
// at once, as flood protection. Default: 50.
func WithMaxPendingRequests(n int) Option {
	return func(c *config) {
		c.maxPendingRequests = n
	}
}

// WithCertificateRetention sets how long an issued certificate is kept before
// it has been read. Default: 24h.
func WithCertificateRetention(d time.Duration) Option {
	return func(c *config) {
		c.certificateRetention = d
	}
}

// WithCertificateReadRetention sets the grace window an issued certificate
// stays retrievable after its first successful read, tolerating retries by a
// requester that crashed mid-download. Default: 72m.
func WithCertificateReadRetention(d time.Duration) Option {
	return func(c *config) {
		c.certificateReadRetention = d
	}
}

// WithUniqueKeyID enforces at most one issued certificate per key id. Only
// meaningful if the retention windows are at least the certificate life span.
// Default: off.
func WithUniqueKeyID() Option {
	return func(c *config) {
		c.uniqueKeyID = true
	}
}

// WithFileMode sets the permission bits of the database file upon creation.
// Default: 0600.
func WithFileMode(mode fs.FileMode) Option {
	return func(c *config) {
		c.fileMode = mode
	}
}
