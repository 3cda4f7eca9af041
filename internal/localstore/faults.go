package localstore

import (
	"time"

	"race-sync/internal/models"
)

func (s *Store) faultIndex(key models.EntryKey) int {
	for i := range s.faults {
		if s.faults[i].Key() == key {
			return i
		}
	}
	return -1
}

func (s *Store) Faults() []models.FaultEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.FaultEntry{}, s.faults...)
}

func (s *Store) Fault(key models.EntryKey) (models.FaultEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.faultIndex(key); i >= 0 {
		return s.faults[i], true
	}
	return models.FaultEntry{}, false
}

// AddFaultEntry records a new fault at version 1.
func (s *Store) AddFaultEntry(f models.FaultEntry) models.FaultEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	f = models.NewFaultEntry(f, s.clock.Now())
	s.faults = append(s.faults, f)
	s.pushUndo(UndoAction{Type: ActionAddFault, Fault: &f, Index: len(s.faults) - 1})
	return f
}

// UpdateFaultEntryWithHistory applies patch as a new version. It returns
// false if the fault does not exist.
func (s *Store) UpdateFaultEntryWithHistory(key models.EntryKey, patch models.FaultPatch, changeDescription string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.faultIndex(key)
	if i < 0 {
		return false
	}
	prev := s.faults[i]
	s.faults[i] = prev.WithEdit(patch, changeDescription, s.clock.Now())
	s.pushUndo(UndoAction{Type: ActionUpdateFault, Fault: &prev, Index: i, Description: changeDescription})
	return true
}

func (s *Store) MarkFaultForDeletion(key models.EntryKey) bool {
	yes := true
	return s.UpdateFaultEntryWithHistory(key, models.FaultPatch{MarkedForDeletion: &yes}, "marked for deletion")
}

func (s *Store) RestoreFault(key models.EntryKey) bool {
	no := false
	return s.UpdateFaultEntryWithHistory(key, models.FaultPatch{MarkedForDeletion: &no}, "restored")
}

func (s *Store) UnsyncedFaults() []models.FaultEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FaultEntry
	for _, f := range s.faults {
		if f.SyncedAt == nil {
			out = append(out, f)
		}
	}
	return out
}

// MarkFaultSynced stamps the fault only if it is still at the pushed
// version; a newer local edit stays unsynced.
func (s *Store) MarkFaultSynced(key models.EntryKey, version int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.faultIndex(key); i >= 0 && s.faults[i].CurrentVersion == version {
		s.faults[i].SyncedAt = &at
	}
}

// MergeCloudFaults takes the coordinator's copy of a fault when it carries a
// higher version than the local one.
func (s *Store) MergeCloudFaults(cloud []models.FaultEntry) (changed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range cloud {
		i := s.faultIndex(f.Key())
		switch {
		case i < 0:
			s.faults = append(s.faults, f)
			changed++
		case f.CurrentVersion > s.faults[i].CurrentVersion:
			s.faults[i] = f
			changed++
		case f.CurrentVersion == s.faults[i].CurrentVersion && s.faults[i].SyncedAt == nil:
			s.faults[i].SyncedAt = f.SyncedAt
		}
	}
	return changed
}
