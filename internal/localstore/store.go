// Package localstore is the device side working copy of a race. Every
// mutation applies immediately and can be undone; synchronization state is
// tracked per record but the store never talks to the network itself.
package localstore

import (
	"errors"
	"sync"
	"time"

	"race-sync/internal/models"

	"github.com/jonboulle/clockwork"
)

// MaxUndoActions bounds the undo stack; the oldest action is dropped first.
const MaxUndoActions = 50

var (
	ErrRecording     = errors.New("a recording is already in progress")
	ErrNothingToUndo = errors.New("nothing to undo")
)

type ActionType string

const (
	ActionAddEntry    ActionType = "ADD_ENTRY"
	ActionUpdateEntry ActionType = "UPDATE_ENTRY"
	ActionDeleteEntry ActionType = "DELETE_ENTRY"
	ActionAddFault    ActionType = "ADD_FAULT"
	ActionUpdateFault ActionType = "UPDATE_FAULT"
)

// UndoAction records enough to revert one local mutation. Entry and Fault
// hold the record as it was before the mutation, or the added record for
// the Add actions.
type UndoAction struct {
	Type        ActionType         `json:"type"`
	Entry       *models.Entry      `json:"entry,omitempty"`
	Fault       *models.FaultEntry `json:"fault,omitempty"`
	Index       int                `json:"index"`
	Description string             `json:"description,omitempty"`
	At          time.Time          `json:"at"`
}

type Store struct {
	mu        sync.Mutex
	entries   []models.Entry
	faults    []models.FaultEntry
	undo      []UndoAction
	deleted   map[models.EntryKey]tombstone
	recording bool
	clock     clockwork.Clock
}

func New(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		deleted: make(map[models.EntryKey]tombstone),
		clock:   clock,
	}
}

// BeginRecording guards one user action. A second call before finish is
// rejected with ErrRecording.
func (s *Store) BeginRecording() (finish func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recording {
		return nil, ErrRecording
	}
	s.recording = true

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.recording = false
			s.mu.Unlock()
		})
	}, nil
}

func (s *Store) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// pushUndo must be called with mu held.
func (s *Store) pushUndo(action UndoAction) {
	action.At = s.clock.Now()
	s.undo = append(s.undo, action)
	if over := len(s.undo) - MaxUndoActions; over > 0 {
		s.undo = append([]UndoAction(nil), s.undo[over:]...)
	}
}

func (s *Store) UndoDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.undo)
}

// Undo reverts the most recent local mutation and returns it. Entry
// mutations are reverted exactly. Fault edits are reverted by appending a
// version that restores the previous values, so the audit trail only grows.
func (s *Store) Undo() (*UndoAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.undo) == 0 {
		return nil, ErrNothingToUndo
	}
	action := s.undo[len(s.undo)-1]
	s.undo = s.undo[:len(s.undo)-1]

	switch action.Type {
	case ActionAddEntry:
		if i := s.entryIndex(action.Entry.Key()); i >= 0 {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
		}
		s.deleted[action.Entry.Key()] = tombstone{}

	case ActionDeleteEntry:
		// The remote copy may already be gone, so the entry is pushed again.
		restored := *action.Entry
		restored.SyncedAt = nil
		i := min(max(action.Index, 0), len(s.entries))
		s.entries = append(s.entries[:i], append([]models.Entry{restored}, s.entries[i:]...)...)
		delete(s.deleted, restored.Key())

	case ActionUpdateEntry:
		if i := s.entryIndex(action.Entry.Key()); i >= 0 {
			s.entries[i] = *action.Entry
		}

	case ActionAddFault:
		i := s.faultIndex(action.Fault.Key())
		if i < 0 {
			break
		}
		if s.faults[i].SyncedAt == nil && s.faults[i].CurrentVersion == action.Fault.CurrentVersion {
			s.faults = append(s.faults[:i], s.faults[i+1:]...)
			break
		}
		// Already shared with other devices: retract by soft deletion.
		yes := true
		s.faults[i] = s.faults[i].WithEdit(models.FaultPatch{MarkedForDeletion: &yes}, "undo: created", s.clock.Now())

	case ActionUpdateFault:
		if i := s.faultIndex(action.Fault.Key()); i >= 0 {
			s.faults[i] = s.faults[i].WithEdit(restorePatch(*action.Fault), "undo: "+action.Description, s.clock.Now())
		}
	}
	return &action, nil
}

// restorePatch sets every editable field back to the values in prev.
func restorePatch(prev models.FaultEntry) models.FaultPatch {
	return models.FaultPatch{
		Bib:               &prev.Bib,
		Run:               &prev.Run,
		GateNumber:        &prev.GateNumber,
		FaultType:         &prev.FaultType,
		Notes:             &prev.Notes,
		NotesSource:       &prev.NotesSource,
		MarkedForDeletion: &prev.MarkedForDeletion,
	}
}
