package models

import (
	"strings"
	"time"
)

// FaultType is the kind of gate violation recorded by a judge.
type FaultType string

const (
	FaultMissedGate FaultType = "MG"
	FaultStraddle   FaultType = "STR"
	FaultBrokenGate FaultType = "BR"
)

func (t FaultType) Valid() bool {
	switch t {
	case FaultMissedGate, FaultStraddle, FaultBrokenGate:
		return true
	}
	return false
}

type NotesSource string

const (
	NotesManual NotesSource = "manual"
	NotesVoice  NotesSource = "voice"
)

// FaultState is derived from the version log, never stored on its own.
type FaultState int

const (
	FaultActive FaultState = iota
	FaultMarkedForDeletion
)

func (s FaultState) String() string {
	if s == FaultMarkedForDeletion {
		return "marked_for_deletion"
	}
	return "active"
}

// FaultPatch lists the fields an edit changes. Nil fields are untouched.
type FaultPatch struct {
	Bib               *string      `json:"bib,omitempty"`
	Run               *int         `json:"run,omitempty"`
	GateNumber        *int         `json:"gateNumber,omitempty"`
	FaultType         *FaultType   `json:"faultType,omitempty"`
	Notes             *string      `json:"notes,omitempty"`
	NotesSource       *NotesSource `json:"notesSource,omitempty"`
	MarkedForDeletion *bool        `json:"markedForDeletion,omitempty"`
}

// FaultVersion is one immutable record of the audit trail.
type FaultVersion struct {
	Version           int        `json:"version"`
	Patch             FaultPatch `json:"patch"`
	ChangeDescription string     `json:"changeDescription"`
	Timestamp         string     `json:"timestamp"`
}

// FaultEntry is a rule violation at a gate. VersionHistory is append-only;
// use WithEdit to produce an edited copy.
type FaultEntry struct {
	ID                int64          `json:"id"`
	Bib               string         `json:"bib"`
	Run               int            `json:"run"`
	GateNumber        int            `json:"gateNumber"`
	FaultType         FaultType      `json:"faultType"`
	Timestamp         string         `json:"timestamp"`
	DeviceID          string         `json:"deviceId"`
	DeviceName        string         `json:"deviceName"`
	GateRange         [2]int         `json:"gateRange"`
	Notes             string         `json:"notes,omitempty"`
	NotesSource       NotesSource    `json:"notesSource,omitempty"`
	NotesTimestamp    string         `json:"notesTimestamp,omitempty"`
	CurrentVersion    int            `json:"currentVersion"`
	VersionHistory    []FaultVersion `json:"versionHistory"`
	MarkedForDeletion bool           `json:"markedForDeletion"`
	SyncedAt          *time.Time     `json:"syncedAt,omitempty"`
}

func (f FaultEntry) Key() EntryKey {
	return EntryKey{ID: f.ID, DeviceID: f.DeviceID}
}

func (f FaultEntry) State() FaultState {
	if f.MarkedForDeletion {
		return FaultMarkedForDeletion
	}
	return FaultActive
}

// NewFaultEntry stamps a freshly recorded fault with version 1.
func NewFaultEntry(f FaultEntry, now time.Time) FaultEntry {
	f.CurrentVersion = 1
	f.VersionHistory = []FaultVersion{{
		Version:           1,
		ChangeDescription: "created",
		Timestamp:         now.UTC().Format(time.RFC3339Nano),
	}}
	if f.Run == 0 {
		f.Run = 1
	}
	return f
}

// WithEdit returns a copy of f with patch applied and a new version appended.
// The receiver and its history are left untouched.
func (f FaultEntry) WithEdit(patch FaultPatch, changeDescription string, now time.Time) FaultEntry {
	next := f
	next.VersionHistory = make([]FaultVersion, len(f.VersionHistory), len(f.VersionHistory)+1)
	copy(next.VersionHistory, f.VersionHistory)

	stamp := now.UTC().Format(time.RFC3339Nano)
	next.apply(patch, stamp)
	next.CurrentVersion = f.CurrentVersion + 1
	next.VersionHistory = append(next.VersionHistory, FaultVersion{
		Version:           next.CurrentVersion,
		Patch:             patch,
		ChangeDescription: changeDescription,
		Timestamp:         stamp,
	})
	next.SyncedAt = nil
	return next
}

func (f *FaultEntry) apply(p FaultPatch, stamp string) {
	if p.Bib != nil {
		f.Bib = *p.Bib
	}
	if p.Run != nil {
		f.Run = *p.Run
	}
	if p.GateNumber != nil {
		f.GateNumber = *p.GateNumber
	}
	if p.FaultType != nil {
		f.FaultType = *p.FaultType
	}
	if p.Notes != nil {
		f.Notes = *p.Notes
		f.NotesTimestamp = stamp
		if p.NotesSource == nil {
			f.NotesSource = NotesManual
		}
	}
	if p.NotesSource != nil {
		f.NotesSource = *p.NotesSource
	}
	if p.MarkedForDeletion != nil {
		f.MarkedForDeletion = *p.MarkedForDeletion
	}
}

// ValidateFault checks a fault received from a device.
func ValidateFault(f *FaultEntry) error {
	if f == nil {
		return invalid("fault", "fault is required")
	}
	if f.ID <= 0 {
		return invalid("id", "fault id must be a positive number")
	}
	f.Bib = strings.TrimSpace(f.Bib)
	if len(f.Bib) > MaxBibLength {
		return invalid("bib", "bib must be at most %d characters", MaxBibLength)
	}
	if f.Run == 0 {
		f.Run = 1
	}
	if f.Run != 1 && f.Run != 2 {
		return invalid("run", "run must be 1 or 2")
	}
	if f.GateNumber < 1 {
		return invalid("gateNumber", "gateNumber must be at least 1")
	}
	if !f.FaultType.Valid() {
		return invalid("faultType", "invalid fault type %q", f.FaultType)
	}
	if _, err := ParseTimestamp(f.Timestamp); err != nil {
		return invalid("timestamp", "timestamp %q is not a valid ISO-8601 instant", f.Timestamp)
	}
	if f.CurrentVersion < 1 {
		f.CurrentVersion = 1
	}
	if f.NotesSource != "" && f.NotesSource != NotesManual && f.NotesSource != NotesVoice {
		return invalid("notesSource", "invalid notes source %q", f.NotesSource)
	}
	f.Notes = SanitizeText(f.Notes, MaxNotesLength)
	return nil
}
