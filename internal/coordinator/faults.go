package coordinator

import (
	"context"
	"errors"
	"time"

	"race-sync/internal/models"
	"race-sync/internal/storage"
)

type FaultsState struct {
	Faults      []models.FaultEntry `json:"faults"`
	LastUpdated int64               `json:"lastUpdated"`
	DeviceCount int                 `json:"deviceCount"`
}

type FaultResult struct {
	FaultsState
	// Applied is false when the stored version was already as new.
	Applied bool `json:"applied"`
}

func (s *Service) GetFaults(ctx context.Context, rawRaceID string, dev Device) (*FaultsState, error) {
	raceID, err := models.NormalizeRaceID(rawRaceID)
	if err != nil {
		return nil, err
	}
	dev = dev.sanitized()
	now := s.clock.Now()

	if err := s.heartbeat(ctx, raceID, dev, now); err != nil {
		return nil, storageErr("heartbeat", err)
	}
	return s.faultsState(ctx, raceID, now)
}

func (s *Service) faultsState(ctx context.Context, raceID string, now time.Time) (*FaultsState, error) {
	faults, err := s.store.ListFaults(ctx, raceID, now)
	if err != nil {
		return nil, storageErr("list faults", err)
	}
	state := &FaultsState{Faults: faults}
	if state.LastUpdated, err = s.lastUpdated(ctx, raceID, now); err != nil {
		return nil, storageErr("load race", err)
	}
	if state.DeviceCount, err = s.deviceCount(ctx, raceID, now); err != nil {
		return nil, storageErr("presence", err)
	}
	return state, nil
}

// SubmitFault stores a fault if its version is newer than the stored copy.
// Soft deletion arrives as a new version with markedForDeletion set.
func (s *Service) SubmitFault(ctx context.Context, rawRaceID string, fault models.FaultEntry, dev Device) (*FaultResult, error) {
	raceID, err := models.NormalizeRaceID(rawRaceID)
	if err != nil {
		return nil, err
	}
	if err := models.ValidateFault(&fault); err != nil {
		return nil, err
	}

	dev = dev.sanitized()
	if dev.ID == "" {
		dev.ID = models.SanitizeText(fault.DeviceID, models.MaxDeviceIDLength)
	}
	if dev.Name == "" {
		dev.Name = models.SanitizeText(fault.DeviceName, models.MaxDeviceNameLength)
	}
	if err := requireDevice(dev); err != nil {
		return nil, err
	}
	fault.DeviceID = dev.ID
	fault.DeviceName = dev.Name
	fault.SyncedAt = nil

	now := s.clock.Now()
	if len(fault.VersionHistory) == 0 && fault.CurrentVersion == 1 {
		fault = models.NewFaultEntry(fault, now)
	}

	unlock := s.locks.lock(raceID)
	defer unlock()

	applied, err := s.store.UpsertFault(ctx, raceID, fault, s.writeOptions(now, s.cfg.MaxFaultsPerRace))
	if errors.Is(err, storage.ErrCapacity) {
		return nil, ErrFaultsFull
	} else if err != nil {
		return nil, storageErr("upsert fault", err)
	}

	if err := s.heartbeat(ctx, raceID, dev, now); err != nil {
		return nil, storageErr("heartbeat", err)
	}
	state, err := s.faultsState(ctx, raceID, now)
	if err != nil {
		return nil, err
	}
	return &FaultResult{FaultsState: *state, Applied: applied}, nil
}
