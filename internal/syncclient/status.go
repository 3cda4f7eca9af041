package syncclient

import (
	"errors"
	"time"

	"race-sync/internal/coordinator"
	"race-sync/internal/models"
)

type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateOffline State = "offline"
	StateError   State = "error"
)

// SyncStatus backs the unobtrusive sync indicator.
type SyncStatus struct {
	State       State     `json:"state"`
	LastSuccess time.Time `json:"lastSuccess"`
	LastError   string    `json:"lastError,omitempty"`
	DeviceCount int       `json:"deviceCount"`
	HighestBib  int       `json:"highestBib"`
	Pending     int       `json:"pending"`
}

// Advisory tells the operator that another device reported what looks like
// the same observation. Nothing is resolved automatically.
type Advisory struct {
	Entry     models.Entry             `json:"entry"`
	Duplicate coordinator.DuplicateRef `json:"duplicate"`
	RaisedAt  time.Time                `json:"raisedAt"`
}

func (c *Client) Status() SyncStatus {
	c.mu.Lock()
	status := c.status
	c.mu.Unlock()
	status.Pending = len(c.store.UnsyncedEntries()) + len(c.store.UnsyncedFaults())
	return status
}

func (c *Client) Advisories() []Advisory {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Advisory{}, c.advisories...)
}

func (c *Client) raiseAdvisory(e models.Entry, ref coordinator.DuplicateRef) {
	adv := Advisory{Entry: e, Duplicate: ref, RaisedAt: c.clock.Now()}

	c.mu.Lock()
	c.advisories = append(c.advisories, adv)
	c.mu.Unlock()

	c.logger.Warn("Possible duplicate from another device",
		"bib", e.Bib,
		"point", e.Point,
		"run", e.Run,
		"other_device", ref.DeviceName,
	)
	if c.opts.OnAdvisory != nil {
		c.opts.OnAdvisory(adv)
	}
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.State = state
}

func (c *Client) recordResult(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case err == nil:
		c.status.State = StateIdle
		c.status.LastSuccess = c.clock.Now()
		c.status.LastError = ""
	case errors.Is(err, ErrOffline):
		c.status.State = StateOffline
		c.status.LastError = err.Error()
	default:
		c.status.State = StateError
		c.status.LastError = err.Error()
	}
}

func (c *Client) recordAggregates(deviceCount, highestBib int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.DeviceCount = deviceCount
	c.status.HighestBib = highestBib
}
