package coordinator

import (
	"context"
	"errors"

	"race-sync/internal/models"
	"race-sync/internal/storage"
)

// DuplicateRef points at an earlier entry from another device that looks
// like the same observation.
type DuplicateRef struct {
	ID         int64        `json:"id"`
	Bib        string       `json:"bib"`
	Point      models.Point `json:"point"`
	Run        int          `json:"run"`
	DeviceID   string       `json:"deviceId"`
	DeviceName string       `json:"deviceName"`
	Timestamp  string       `json:"timestamp"`
}

func refOf(e models.Entry) *DuplicateRef {
	return &DuplicateRef{
		ID:         e.ID,
		Bib:        e.Bib,
		Point:      e.Point,
		Run:        e.Run,
		DeviceID:   e.DeviceID,
		DeviceName: e.DeviceName,
		Timestamp:  e.Timestamp,
	}
}

// RaceState is the canonical view of a race returned to devices.
// LastUpdated is unix milliseconds, zero when the race has no data.
type RaceState struct {
	Entries     []models.Entry `json:"entries"`
	LastUpdated int64          `json:"lastUpdated"`
	DeviceCount int            `json:"deviceCount"`
	HighestBib  int            `json:"highestBib"`
}

type SubmitResult struct {
	RaceState
	PhotoSkipped         bool          `json:"photoSkipped"`
	Duplicate            bool          `json:"duplicate"`
	CrossDeviceDuplicate *DuplicateRef `json:"crossDeviceDuplicate,omitempty"`
}

// GetEntries returns the canonical entry list. A device id in dev counts as
// a heartbeat.
func (s *Service) GetEntries(ctx context.Context, rawRaceID string, dev Device) (*RaceState, error) {
	raceID, err := models.NormalizeRaceID(rawRaceID)
	if err != nil {
		return nil, err
	}
	dev = dev.sanitized()
	now := s.clock.Now()

	if err := s.heartbeat(ctx, raceID, dev, now); err != nil {
		return nil, storageErr("heartbeat", err)
	}

	entries, err := s.store.ListEntries(ctx, raceID, now)
	if err != nil {
		return nil, storageErr("list entries", err)
	}
	state := &RaceState{Entries: entries}
	if state.LastUpdated, err = s.lastUpdated(ctx, raceID, now); err != nil {
		return nil, storageErr("load race", err)
	}
	if state.DeviceCount, err = s.deviceCount(ctx, raceID, now); err != nil {
		return nil, storageErr("presence", err)
	}
	if state.HighestBib, err = s.store.GetHighestBib(ctx, raceID, now); err != nil {
		return nil, storageErr("highest bib", err)
	}
	return state, nil
}

// SubmitEntry runs the admission pipeline for one entry. Replays of a stored
// (id, deviceId) are accepted without a second copy. A matching observation
// from another device is reported, never rejected.
func (s *Service) SubmitEntry(ctx context.Context, rawRaceID string, entry models.Entry, dev Device) (*SubmitResult, error) {
	raceID, err := models.NormalizeRaceID(rawRaceID)
	if err != nil {
		return nil, err
	}
	if err := models.ValidateEntry(&entry); err != nil {
		return nil, err
	}

	dev = dev.sanitized()
	if dev.ID == "" {
		dev.ID = models.SanitizeText(entry.DeviceID, models.MaxDeviceIDLength)
	}
	if dev.Name == "" {
		dev.Name = models.SanitizeText(entry.DeviceName, models.MaxDeviceNameLength)
	}
	if err := requireDevice(dev); err != nil {
		return nil, err
	}
	entry.DeviceID = dev.ID
	entry.DeviceName = dev.Name
	entry.SyncedAt = nil

	result := &SubmitResult{}
	if s.cfg.MaxPhotoBytes > 0 && len(entry.Photo) > s.cfg.MaxPhotoBytes {
		entry.Photo = ""
		result.PhotoSkipped = true
	}

	unlock := s.locks.lock(raceID)
	defer unlock()

	now := s.clock.Now()
	existing, err := s.store.ListEntries(ctx, raceID, now)
	if err != nil {
		return nil, storageErr("load race", err)
	}
	for _, e := range existing {
		if e.Key() == entry.Key() {
			result.Duplicate = true
			continue
		}
		if result.CrossDeviceDuplicate == nil && e.DeviceID != entry.DeviceID && e.SameObservation(entry) {
			result.CrossDeviceDuplicate = refOf(e)
		}
	}
	// A replay of a stored entry is accepted even when the race is full.
	if !result.Duplicate && len(existing) >= s.cfg.MaxEntriesPerRace {
		return nil, ErrRaceFull
	}

	appended, err := s.store.AppendEntry(ctx, raceID, entry, s.writeOptions(now, s.cfg.MaxEntriesPerRace))
	if errors.Is(err, storage.ErrCapacity) {
		return nil, ErrRaceFull
	} else if err != nil {
		return nil, storageErr("append entry", err)
	}

	result.Entries = existing
	if appended.Inserted {
		result.Entries = append(result.Entries, appended.Entry)
	}
	result.LastUpdated = appended.LastUpdated.UnixMilli()

	if result.CrossDeviceDuplicate != nil {
		s.logger.Info("Cross-device duplicate",
			"race", raceID,
			"bib", entry.Bib,
			"point", entry.Point,
			"run", entry.Run,
			"device", entry.DeviceID,
			"other_device", result.CrossDeviceDuplicate.DeviceID,
		)
	}

	if bib, ok := entry.BibNumber(); ok {
		result.HighestBib, err = s.store.RaiseHighestBib(ctx, raceID, bib, s.writeOptions(now, 0))
	} else {
		result.HighestBib, err = s.store.GetHighestBib(ctx, raceID, now)
	}
	if err != nil {
		return nil, storageErr("highest bib", err)
	}

	if err := s.heartbeat(ctx, raceID, dev, now); err != nil {
		return nil, storageErr("heartbeat", err)
	}
	if result.DeviceCount, err = s.deviceCount(ctx, raceID, now); err != nil {
		return nil, storageErr("presence", err)
	}
	return result, nil
}

// DeleteEntry removes one (id, deviceId) entry. Deleting a missing entry is
// not an error.
func (s *Service) DeleteEntry(ctx context.Context, rawRaceID string, entryID int64, deviceID string) (bool, error) {
	raceID, err := models.NormalizeRaceID(rawRaceID)
	if err != nil {
		return false, err
	}
	if entryID <= 0 {
		return false, &models.ValidationError{Field: "entryId", Reason: "entryId must be a positive number"}
	}
	deviceID = models.SanitizeText(deviceID, models.MaxDeviceIDLength)
	if err := requireDevice(Device{ID: deviceID}); err != nil {
		return false, err
	}

	unlock := s.locks.lock(raceID)
	defer unlock()

	deleted, err := s.store.DeleteEntry(ctx, raceID, entryID, deviceID, s.clock.Now())
	if err != nil {
		return false, storageErr("delete entry", err)
	}
	if deleted {
		s.logger.Info("Entry deleted", "race", raceID, "entry", entryID, "device", deviceID)
	}
	return deleted, nil
}
