// Package nonce keeps single-use random identifiers with an expiry. Token ids
// (jti) live here so a token can be revoked before it expires.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"race-sync/internal/config"
	"race-sync/internal/storage"
	"race-sync/internal/utils"

	"github.com/jonboulle/clockwork"
)

// Number of random bytes. 16 → 128‑bit
const NONCE_SIZE = 16

type NonceStoreType string

// Supported nonce stores.
const (
	Memory NonceStoreType = "memory"
	SQL    NonceStoreType = "sql"
)

type NonceMissingError struct {
	Nonce string
}

// Error implements the error interface.
func (e *NonceMissingError) Error() string {
	return fmt.Sprintf("nonce not found: %s", e.Nonce)
}

type NonceExpiredError struct {
	Nonce  string
	Expiry time.Time
}

// Error implements the error interface.
func (e *NonceExpiredError) Error() string {
	return fmt.Sprintf("nonce expired: %s (expiry: %s)", e.Nonce, e.Expiry)
}

type Store interface {
	// stores a nonce with a TTL.
	Put(ctx context.Context, nonce string, ttl time.Duration) error
	// verifies and deletes the nonce.
	// Returns true if the nonce existed (valid request), false otherwise.
	Consume(ctx context.Context, nonce string) (bool, error)

	Exists(ctx context.Context, nonce string) bool

	ExpireNonces(ctx context.Context) error
}

// Generate returns a random URL safe nonce.
func Generate() (string, error) {
	b := make([]byte, NONCE_SIZE)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewStore builds the Store selected by cfg.NonceStore.
func NewStore(cfg *config.Config, provider storage.Provider, clock clockwork.Clock) (Store, error) {
	switch NonceStoreType(cfg.NonceStore) {
	case Memory:
		return NewMemoryStore(clock), nil
	case SQL:
		if provider == nil {
			return nil, fmt.Errorf("sql nonce store: %w", utils.ErrStorageProviderNotFound)
		}
		return NewSQLNonceStore(provider, clock), nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.NonceStore)
	}
}

// Janitor runs tasks every interval until ctx is cancelled. Failures are
// logged and the loop carries on.
func Janitor(ctx context.Context, clock clockwork.Clock, interval time.Duration, tasks ...func(context.Context) error) {
	logger := slog.With("component", "janitor")
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			for _, task := range tasks {
				if err := task(ctx); err != nil {
					logger.Error("Janitor task failed", "error", err)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
