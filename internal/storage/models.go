package storage

import "time"

// Race is the summary of a stored race document.
type Race struct {
	ID          string
	EntryCount  int
	FaultCount  int
	LastUpdated time.Time
	ExpiresAt   time.Time
}

// DeviceHeartbeat is the last time a device was heard from for a race.
type DeviceHeartbeat struct {
	RaceID     string
	DeviceID   string
	DeviceName string
	LastSeen   time.Time
}

type raceRow struct {
	ID          string `db:"race_id"`
	EntryCount  int    `db:"entry_count"`
	FaultCount  int    `db:"fault_count"`
	LastUpdated int64  `db:"last_updated"`
	ExpiresAt   int64  `db:"expires_at"`
}

func (r raceRow) race() Race {
	return Race{
		ID:          r.ID,
		EntryCount:  r.EntryCount,
		FaultCount:  r.FaultCount,
		LastUpdated: fromMillis(r.LastUpdated),
		ExpiresAt:   fromMillis(r.ExpiresAt),
	}
}

type payloadRow struct {
	Payload  string `db:"payload"`
	SyncedAt int64  `db:"synced_at"`
}

type deviceRow struct {
	RaceID     string `db:"race_id"`
	DeviceID   string `db:"device_id"`
	DeviceName string `db:"device_name"`
	LastSeen   int64  `db:"last_seen"`
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
