package nonce

import (
	"context"
	"log/slog"
	"time"

	"race-sync/internal/storage"

	"github.com/jonboulle/clockwork"
)

// ---------------------------------------------------------------------------
// SQL implementation
// ---------------------------------------------------------------------------

// SQLNonceStore keeps nonces in the storage provider so they survive restarts
// and are shared between server instances.
type SQLNonceStore struct {
	logger  *slog.Logger
	storage storage.Provider
	clock   clockwork.Clock
}

func NewSQLNonceStore(provider storage.Provider, clock clockwork.Clock) *SQLNonceStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SQLNonceStore{
		logger:  slog.With("component", "SQLNonceStore"),
		storage: provider,
		clock:   clock,
	}
}

func (s *SQLNonceStore) Put(ctx context.Context, nonce string, ttl time.Duration) error {
	expiry := s.clock.Now().Add(ttl)
	return s.storage.CreateNonce(ctx, nonce, expiry)
}

func (s *SQLNonceStore) Consume(ctx context.Context, nonce string) (bool, error) {
	exists, err := s.storage.ConsumeNonce(ctx, nonce)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, &NonceMissingError{Nonce: nonce}
	}
	return true, nil
}

func (s *SQLNonceStore) Exists(ctx context.Context, nonce string) bool {
	exists, err := s.storage.ExistsNonce(ctx, nonce)
	if err != nil {
		s.logger.Error("Failed to check nonce existence", "error", err)
		return false
	}
	return exists
}

func (s *SQLNonceStore) ExpireNonces(ctx context.Context) error {
	return s.storage.ExpireNonces(ctx, s.clock.Now())
}
