package localstore

import (
	"encoding/json"
	"fmt"
	"time"

	"race-sync/internal/models"
)

// tombstone marks a locally removed entry so polls do not bring it back.
// Confirmed is set once the coordinator has dropped its copy.
type tombstone struct {
	Confirmed   bool      `json:"confirmed"`
	ConfirmedAt time.Time `json:"confirmedAt,omitzero"`
}

type tombstoneRecord struct {
	Key models.EntryKey `json:"key"`
	tombstone
}

type snapshot struct {
	Entries []models.Entry      `json:"entries"`
	Faults  []models.FaultEntry `json:"faults"`
	Undo    []UndoAction        `json:"undo"`
	Deleted []tombstoneRecord   `json:"deleted"`
}

// Snapshot serializes the store so a device survives restarts.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := snapshot{
		Entries: s.entries,
		Faults:  s.faults,
		Undo:    s.undo,
	}
	for key, t := range s.deleted {
		snap.Deleted = append(snap.Deleted, tombstoneRecord{Key: key, tombstone: t})
	}
	return json.MarshalIndent(snap, "", "  ")
}

// Restore replaces the store content with a snapshot.
func (s *Store) Restore(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = snap.Entries
	s.faults = snap.Faults
	s.undo = snap.Undo
	s.deleted = make(map[models.EntryKey]tombstone, len(snap.Deleted))
	for _, t := range snap.Deleted {
		s.deleted[t.Key] = t.tombstone
	}
	return nil
}
