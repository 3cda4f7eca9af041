package models

import (
	"strconv"
	"strings"
	"time"
)

// Point is a timing point on the course.
type Point string

const (
	PointStart         Point = "S"
	PointIntermediate1 Point = "I1"
	PointIntermediate2 Point = "I2"
	PointIntermediate3 Point = "I3"
	PointFinish        Point = "F"
)

func (p Point) Valid() bool {
	switch p {
	case PointStart, PointIntermediate1, PointIntermediate2, PointIntermediate3, PointFinish:
		return true
	}
	return false
}

// Status of a racer for a given observation.
type Status string

const (
	StatusOK  Status = "ok"
	StatusDNS Status = "dns"
	StatusDNF Status = "dnf"
	StatusDSQ Status = "dsq"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOK, StatusDNS, StatusDNF, StatusDSQ:
		return true
	}
	return false
}

// Entry is a single timing observation. (ID, DeviceID) identifies it; ID
// alone is only unique on the originating device.
type Entry struct {
	ID         int64      `json:"id"`
	Bib        string     `json:"bib"`
	Point      Point      `json:"point"`
	Run        int        `json:"run"`
	Timestamp  string     `json:"timestamp"`
	Status     Status     `json:"status"`
	DeviceID   string     `json:"deviceId"`
	DeviceName string     `json:"deviceName"`
	Photo      string     `json:"photo,omitempty"`
	SyncedAt   *time.Time `json:"syncedAt,omitempty"`
}

// EntryKey is the exact-duplicate identity of an entry.
type EntryKey struct {
	ID       int64
	DeviceID string
}

func (e Entry) Key() EntryKey {
	return EntryKey{ID: e.ID, DeviceID: e.DeviceID}
}

// BibNumber parses the bib as an integer. Leading zeros are accepted.
func (e Entry) BibNumber() (int, bool) {
	return parseBib(e.Bib)
}

// Time returns the parsed observation instant.
func (e Entry) Time() (time.Time, error) {
	return ParseTimestamp(e.Timestamp)
}

// SameObservation reports whether two entries look like the same real-world
// event: same bib crossing the same point in the same run.
func (e Entry) SameObservation(other Entry) bool {
	return e.Bib != "" && e.Bib == other.Bib && e.Point == other.Point && e.Run == other.Run
}

// ValidateEntry checks the shape of an entry received from a device. It fills
// in defaults (run 1, status ok) and returns a ValidationError describing the
// first problem found.
func ValidateEntry(e *Entry) error {
	if e == nil {
		return invalid("entry", "entry is required")
	}
	if e.ID <= 0 {
		return invalid("id", "entry id must be a positive number")
	}

	e.Bib = strings.TrimSpace(e.Bib)
	if len(e.Bib) > MaxBibLength {
		return invalid("bib", "bib must be at most %d characters", MaxBibLength)
	}

	if !e.Point.Valid() {
		return invalid("point", "invalid timing point %q", e.Point)
	}

	if e.Run == 0 {
		e.Run = 1
	}
	if e.Run != 1 && e.Run != 2 {
		return invalid("run", "run must be 1 or 2")
	}

	if e.Timestamp == "" {
		return invalid("timestamp", "timestamp is required")
	}
	if _, err := ParseTimestamp(e.Timestamp); err != nil {
		return invalid("timestamp", "timestamp %q is not a valid ISO-8601 instant", e.Timestamp)
	}

	if e.Status == "" {
		e.Status = StatusOK
	}
	if !e.Status.Valid() {
		return invalid("status", "invalid status %q", e.Status)
	}
	return nil
}

// ParseTimestamp accepts RFC 3339 instants with or without fractional seconds.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseBib(bib string) (int, bool) {
	bib = strings.TrimSpace(bib)
	if bib == "" {
		return 0, false
	}
	n, err := strconv.Atoi(bib)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
