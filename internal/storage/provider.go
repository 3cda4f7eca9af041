package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"race-sync/internal/config"
	"race-sync/internal/models"
	"race-sync/internal/utils"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrCapacity is returned when a race already holds the maximum number of records.
	ErrCapacity = errors.New("race capacity reached")
)

// WriteOptions carries the clock and limits for a race-scoped write.
type WriteOptions struct {
	Now       time.Time
	ExpiresAt time.Time
	Limit     int
}

// AppendResult describes the outcome of AppendEntry.
type AppendResult struct {
	// Inserted is false when (id, deviceId) was already stored.
	Inserted    bool
	Entry       models.Entry
	EntryCount  int
	LastUpdated time.Time
}

type Provider interface {
	Close() error
	GetSchemaVersion(ctx context.Context) (int, error)

	// Race documents. Expired races behave as if absent.
	GetRace(ctx context.Context, raceID string, now time.Time) (*Race, error)
	ListRaces(ctx context.Context, now time.Time) ([]Race, error)
	DeleteRace(ctx context.Context, raceID string) error
	ListEntries(ctx context.Context, raceID string, now time.Time) ([]models.Entry, error)
	// AppendEntry atomically checks capacity and inserts the entry unless
	// (id, deviceId) is already present.
	AppendEntry(ctx context.Context, raceID string, entry models.Entry, opts WriteOptions) (AppendResult, error)
	DeleteEntry(ctx context.Context, raceID string, entryID int64, deviceID string, now time.Time) (bool, error)

	// Derived aggregates, stored apart from the entries.
	RaiseHighestBib(ctx context.Context, raceID string, bib int, opts WriteOptions) (int, error)
	GetHighestBib(ctx context.Context, raceID string, now time.Time) (int, error)
	TouchDevice(ctx context.Context, hb DeviceHeartbeat, expiresAt time.Time) error
	ListDevices(ctx context.Context, raceID string, now time.Time) ([]DeviceHeartbeat, error)
	// RemoveStaleDevices deletes heartbeats last seen before cutoff.
	RemoveStaleDevices(ctx context.Context, raceID string, cutoff time.Time) (int64, error)

	// Faults
	ListFaults(ctx context.Context, raceID string, now time.Time) ([]models.FaultEntry, error)
	// UpsertFault stores the fault if its version is newer than the stored one.
	UpsertFault(ctx context.Context, raceID string, fault models.FaultEntry, opts WriteOptions) (bool, error)

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key string, value string) error
	DeleteSetting(ctx context.Context, key string) error

	// Nonce-related methods
	CreateNonce(ctx context.Context, nonce string, expiresAt time.Time) error
	ExistsNonce(ctx context.Context, nonce string) (bool, error)
	ConsumeNonce(ctx context.Context, nonce string) (bool, error)
	ExpireNonces(ctx context.Context, now time.Time) error

	// PurgeExpired deletes expired races and their derived keys.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

func NewProvider(cfg *config.Storage) (Provider, error) {
	switch {
	case cfg.SQLite != nil:
		provider, err := NewSQLiteProvider(cfg)
		if err != nil {
			return nil, err
		}
		if err := provider.runMigrations(context.Background(), "sqlite3"); err != nil {
			slog.Error("Failed to run migrations", "error", err)
			provider.Close()
			return nil, err
		}
		return provider, nil

	default:
		slog.Error("Unsupported storage configuration", "config", cfg)
	}

	return nil, utils.ErrInvalidStorageProvider
}
