package localstore

import (
	"time"

	"race-sync/internal/models"
)

func (s *Store) entryIndex(key models.EntryKey) int {
	for i := range s.entries {
		if s.entries[i].Key() == key {
			return i
		}
	}
	return -1
}

// Entries returns a copy of the local entry list.
func (s *Store) Entries() []models.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Entry{}, s.entries...)
}

func (s *Store) Entry(key models.EntryKey) (models.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.entryIndex(key); i >= 0 {
		return s.entries[i], true
	}
	return models.Entry{}, false
}

func (s *Store) AddEntry(e models.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	delete(s.deleted, e.Key())
	s.pushUndo(UndoAction{Type: ActionAddEntry, Entry: &e, Index: len(s.entries) - 1})
}

// UpdateEntry replaces the stored entry with the same key. Identity and sync
// state are kept from the stored copy. The edit is local only: the
// coordinator keeps the first version it received for an (id, deviceId).
func (s *Store) UpdateEntry(e models.Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.entryIndex(e.Key())
	if i < 0 {
		return false
	}
	prev := s.entries[i]
	e.SyncedAt = prev.SyncedAt
	s.entries[i] = e
	s.pushUndo(UndoAction{Type: ActionUpdateEntry, Entry: &prev, Index: i})
	return true
}

func (s *Store) DeleteEntry(key models.EntryKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.entryIndex(key)
	if i < 0 {
		return false
	}
	prev := s.entries[i]
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	s.deleted[key] = tombstone{}
	s.pushUndo(UndoAction{Type: ActionDeleteEntry, Entry: &prev, Index: i})
	return true
}

// UnsyncedEntries lists entries the coordinator has not acknowledged yet.
func (s *Store) UnsyncedEntries() []models.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Entry
	for _, e := range s.entries {
		if e.SyncedAt == nil {
			out = append(out, e)
		}
	}
	return out
}

// MarkSynced stamps the entry with the coordinator's ingestion time.
func (s *Store) MarkSynced(key models.EntryKey, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.entryIndex(key); i >= 0 {
		s.entries[i].SyncedAt = &at
	}
}

// MergeCloudEntries unions the coordinator's list into the local one by
// (id, deviceId). Local records are never overwritten, only stamped as
// synced. Entries deleted locally are not brought back.
func (s *Store) MergeCloudEntries(cloud []models.Entry) (added int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range cloud {
		key := e.Key()
		if _, gone := s.deleted[key]; gone {
			continue
		}
		if i := s.entryIndex(key); i >= 0 {
			if s.entries[i].SyncedAt == nil && e.SyncedAt != nil {
				s.entries[i].SyncedAt = e.SyncedAt
			}
			continue
		}
		s.entries = append(s.entries, e)
		added++
	}
	return added
}

// PendingRemoteDeletes lists locally deleted entries whose removal has not
// been confirmed by the coordinator.
func (s *Store) PendingRemoteDeletes() []models.EntryKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EntryKey
	for key, t := range s.deleted {
		if !t.Confirmed {
			out = append(out, key)
		}
	}
	return out
}

func (s *Store) ConfirmRemoteDelete(key models.EntryKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deleted[key]; ok {
		s.deleted[key] = tombstone{Confirmed: true, ConfirmedAt: s.clock.Now()}
	}
}

// ReopenRemoteDelete marks a tombstoned entry as pending removal again and
// reports whether the key was tombstoned at all. Used when a push for the
// entry reached the coordinator after its removal was confirmed.
func (s *Store) ReopenRemoteDelete(key models.EntryKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deleted[key]; !ok {
		return false
	}
	s.deleted[key] = tombstone{}
	return true
}

// PruneTombstones forgets confirmed removals older than retention and
// returns how many were dropped. Pending removals are always kept.
func (s *Store) PruneTombstones(retention time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock.Now().Add(-retention)
	n := 0
	for key, t := range s.deleted {
		if t.Confirmed && t.ConfirmedAt.Before(cutoff) {
			delete(s.deleted, key)
			n++
		}
	}
	return n
}
