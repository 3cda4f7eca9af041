// Package coordinator is the authoritative merge point for race data. Every
// write to a race is serialized per race and persisted through a
// storage.Provider; reads are lock free.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"race-sync/internal/config"
	"race-sync/internal/models"
	"race-sync/internal/storage"

	"github.com/jonboulle/clockwork"
)

var (
	ErrRaceFull   = errors.New("race has reached the maximum number of entries")
	ErrFaultsFull = errors.New("race has reached the maximum number of faults")
)

// Device identifies the caller of a race-scoped request. A non-empty ID makes
// the request a heartbeat.
type Device struct {
	ID   string
	Name string
}

func (d Device) sanitized() Device {
	return Device{
		ID:   models.SanitizeText(d.ID, models.MaxDeviceIDLength),
		Name: models.SanitizeText(d.Name, models.MaxDeviceNameLength),
	}
}

type Service struct {
	store  storage.Provider
	cfg    config.SyncConfig
	clock  clockwork.Clock
	locks  *raceLocks
	logger *slog.Logger
}

func NewService(store storage.Provider, cfg config.SyncConfig, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		store:  store,
		cfg:    cfg,
		clock:  clock,
		locks:  newRaceLocks(),
		logger: slog.With("component", "coordinator"),
	}
}

func (s *Service) writeOptions(now time.Time, limit int) storage.WriteOptions {
	return storage.WriteOptions{
		Now:       now,
		ExpiresAt: now.Add(s.cfg.RaceTTL),
		Limit:     limit,
	}
}

// RaceExistence is the cheap answer to "has anyone written to this race".
type RaceExistence struct {
	Exists     bool `json:"exists"`
	EntryCount int  `json:"entryCount"`
}

// CheckRaceExists reports whether a race has live data without touching
// presence.
func (s *Service) CheckRaceExists(ctx context.Context, rawRaceID string) (*RaceExistence, error) {
	raceID, err := models.NormalizeRaceID(rawRaceID)
	if err != nil {
		return nil, err
	}

	race, err := s.store.GetRace(ctx, raceID, s.clock.Now())
	if errors.Is(err, storage.ErrNotFound) {
		return &RaceExistence{}, nil
	} else if err != nil {
		return nil, err
	}
	return &RaceExistence{Exists: true, EntryCount: race.EntryCount}, nil
}

func (s *Service) ListRaces(ctx context.Context) ([]storage.Race, error) {
	return s.store.ListRaces(ctx, s.clock.Now())
}

// DeleteRace removes a race with its faults and derived aggregates.
func (s *Service) DeleteRace(ctx context.Context, rawRaceID string) error {
	raceID, err := models.NormalizeRaceID(rawRaceID)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(raceID)
	defer unlock()

	if err := s.store.DeleteRace(ctx, raceID); err != nil {
		return err
	}
	s.logger.Info("Race deleted", "race", raceID)
	return nil
}

// Prune deletes every expired race and token.
func (s *Service) Prune(ctx context.Context) (int64, error) {
	return s.store.PurgeExpired(ctx, s.clock.Now())
}

func (s *Service) lastUpdated(ctx context.Context, raceID string, now time.Time) (int64, error) {
	race, err := s.store.GetRace(ctx, raceID, now)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return race.LastUpdated.UnixMilli(), nil
}

func requireDevice(dev Device) error {
	if dev.ID == "" {
		return &models.ValidationError{Field: "deviceId", Reason: "deviceId is required"}
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}
