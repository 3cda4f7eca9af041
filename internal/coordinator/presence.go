package coordinator

import (
	"context"
	"time"

	"race-sync/internal/storage"
)

// activeDevices splits heartbeats into the ones seen within timeout of now
// and a count of stale ones.
func activeDevices(devices []storage.DeviceHeartbeat, now time.Time, timeout time.Duration) (active []storage.DeviceHeartbeat, stale int) {
	cutoff := now.Add(-timeout)
	for _, d := range devices {
		if d.LastSeen.Before(cutoff) {
			stale++
			continue
		}
		active = append(active, d)
	}
	return active, stale
}

func (s *Service) heartbeat(ctx context.Context, raceID string, dev Device, now time.Time) error {
	if dev.ID == "" {
		return nil
	}
	hb := storage.DeviceHeartbeat{
		RaceID:     raceID,
		DeviceID:   dev.ID,
		DeviceName: dev.Name,
		LastSeen:   now,
	}
	return s.store.TouchDevice(ctx, hb, now.Add(s.cfg.RaceTTL))
}

// deviceCount counts live devices and evicts stale ones on the way.
func (s *Service) deviceCount(ctx context.Context, raceID string, now time.Time) (int, error) {
	devices, err := s.store.ListDevices(ctx, raceID, now)
	if err != nil {
		return 0, err
	}

	active, stale := activeDevices(devices, now, s.cfg.PresenceTimeout)
	if stale > 0 {
		removed, err := s.store.RemoveStaleDevices(ctx, raceID, now.Add(-s.cfg.PresenceTimeout))
		if err != nil {
			return 0, err
		}
		s.logger.Debug("Evicted stale devices", "race", raceID, "count", removed)
	}
	return len(active), nil
}
