package syncclient

import (
	"context"
	"errors"
	"net/http"
	"time"

	"race-sync/internal/coordinator"
	"race-sync/internal/localstore"
	"race-sync/internal/models"
)

type pushEntryRequest struct {
	RaceID     string       `json:"raceId"`
	Entry      models.Entry `json:"entry"`
	DeviceID   string       `json:"deviceId"`
	DeviceName string       `json:"deviceName"`
}

type pushFaultRequest struct {
	RaceID     string            `json:"raceId"`
	Fault      models.FaultEntry `json:"fault"`
	DeviceID   string            `json:"deviceId"`
	DeviceName string            `json:"deviceName"`
}

type deleteEntryRequest struct {
	RaceID   string `json:"raceId"`
	EntryID  int64  `json:"entryId"`
	DeviceID string `json:"deviceId"`
}

// CheckRace asks whether the race exists without transferring entries.
func (c *Client) CheckRace(ctx context.Context) (*coordinator.RaceExistence, error) {
	var out coordinator.RaceExistence
	if err := c.do(ctx, http.MethodGet, "/api/sync", withParam(c.raceQuery(false), "checkOnly", "true"), nil, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// Record stores a new entry locally and pushes it in the background.
// Missing id, device fields, run, status and timestamp are filled in.
func (c *Client) Record(e models.Entry) (models.Entry, error) {
	finish, err := c.store.BeginRecording()
	if err != nil {
		return models.Entry{}, err
	}
	defer finish()

	if e.ID == 0 {
		e.ID = c.nextEntryID()
	}
	if e.Timestamp == "" {
		e.Timestamp = c.clock.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	e.DeviceID = c.opts.DeviceID
	e.DeviceName = c.opts.DeviceName
	e.SyncedAt = nil
	if err := models.ValidateEntry(&e); err != nil {
		return models.Entry{}, err
	}

	c.store.AddEntry(e)
	c.goBackground(func(ctx context.Context) error { return c.Push(ctx, e) })
	return e, nil
}

// RecordFault stores a new fault locally and pushes it in the background.
func (c *Client) RecordFault(f models.FaultEntry) (models.FaultEntry, error) {
	if f.ID == 0 {
		f.ID = c.nextEntryID()
	}
	if f.Timestamp == "" {
		f.Timestamp = c.clock.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	f.DeviceID = c.opts.DeviceID
	f.DeviceName = c.opts.DeviceName
	if err := models.ValidateFault(&f); err != nil {
		return models.FaultEntry{}, err
	}

	f = c.store.AddFaultEntry(f)
	c.goBackground(func(ctx context.Context) error { return c.PushFault(ctx, f) })
	return f, nil
}

// Push sends one entry. The coordinator's answer is merged locally and a
// cross-device duplicate raises an advisory.
func (c *Client) Push(ctx context.Context, e models.Entry) error {
	req := pushEntryRequest{RaceID: c.opts.RaceID, Entry: e, DeviceID: c.opts.DeviceID, DeviceName: c.opts.DeviceName}
	var res coordinator.SubmitResult
	if err := c.do(ctx, http.MethodPost, "/api/sync", nil, req, &res, false); err != nil {
		return err
	}

	// The entry was undone while this push was in flight. Any earlier
	// remote delete ran before it landed, so remove it again.
	if c.store.ReopenRemoteDelete(e.Key()) {
		if _, err := c.DeleteRemote(ctx, e.Key()); err != nil {
			c.logger.Info("Remote delete after late push failed, will retry", "entry", e.ID, "error", err)
		} else {
			c.store.ConfirmRemoteDelete(e.Key())
		}
	}

	for _, stored := range res.Entries {
		if stored.Key() == e.Key() && stored.SyncedAt != nil {
			c.store.MarkSynced(e.Key(), *stored.SyncedAt)
		}
	}
	c.store.MergeCloudEntries(res.Entries)
	c.recordAggregates(res.DeviceCount, res.HighestBib)

	if res.PhotoSkipped {
		c.logger.Warn("Photo too large, stored without it", "entry", e.ID)
	}
	if res.CrossDeviceDuplicate != nil {
		c.raiseAdvisory(e, *res.CrossDeviceDuplicate)
	}
	return nil
}

func (c *Client) PushFault(ctx context.Context, f models.FaultEntry) error {
	req := pushFaultRequest{RaceID: c.opts.RaceID, Fault: f, DeviceID: c.opts.DeviceID, DeviceName: c.opts.DeviceName}
	var res coordinator.FaultResult
	if err := c.do(ctx, http.MethodPost, "/api/faults", nil, req, &res, false); err != nil {
		return err
	}

	for _, stored := range res.Faults {
		if stored.Key() == f.Key() && stored.SyncedAt != nil && stored.CurrentVersion >= f.CurrentVersion {
			c.store.MarkFaultSynced(f.Key(), f.CurrentVersion, *stored.SyncedAt)
		}
	}
	c.store.MergeCloudFaults(res.Faults)
	return nil
}

// Poll pulls the canonical entries and faults. It doubles as the device
// heartbeat.
func (c *Client) Poll(ctx context.Context) error {
	var state coordinator.RaceState
	if err := c.do(ctx, http.MethodGet, "/api/sync", c.raceQuery(true), nil, &state, false); err != nil {
		return err
	}
	c.store.MergeCloudEntries(state.Entries)
	c.recordAggregates(state.DeviceCount, state.HighestBib)

	var faults coordinator.FaultsState
	if err := c.do(ctx, http.MethodGet, "/api/faults", c.raceQuery(true), nil, &faults, false); err != nil {
		return err
	}
	c.store.MergeCloudFaults(faults.Faults)
	return nil
}

// DeleteRemote removes an entry from the coordinator.
func (c *Client) DeleteRemote(ctx context.Context, key models.EntryKey) (bool, error) {
	req := deleteEntryRequest{RaceID: c.opts.RaceID, EntryID: key.ID, DeviceID: key.DeviceID}
	var res struct {
		Deleted bool `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/sync", nil, req, &res, true); err != nil {
		return false, err
	}
	return res.Deleted, nil
}

func (c *Client) flushDeletes(ctx context.Context) error {
	for _, key := range c.store.PendingRemoteDeletes() {
		if _, err := c.DeleteRemote(ctx, key); err != nil {
			return err
		}
		c.store.ConfirmRemoteDelete(key)
	}
	return nil
}

// SyncOnce pushes every unsynced record and pending deletion, then polls.
// The first transport failure ends the round.
func (c *Client) SyncOnce(ctx context.Context) error {
	c.setState(StateSyncing)
	err := c.syncOnce(ctx)
	c.recordResult(err)
	return err
}

func (c *Client) syncOnce(ctx context.Context) error {
	var errs []error
	for _, e := range c.store.UnsyncedEntries() {
		if err := c.Push(ctx, e); err != nil {
			if errors.Is(err, ErrOffline) {
				return err
			}
			errs = append(errs, err)
		}
	}
	for _, f := range c.store.UnsyncedFaults() {
		if err := c.PushFault(ctx, f); err != nil {
			if errors.Is(err, ErrOffline) {
				return err
			}
			errs = append(errs, err)
		}
	}
	if err := c.flushDeletes(ctx); err != nil {
		if errors.Is(err, ErrOffline) {
			return err
		}
		c.logger.Warn("Remote delete failed", "error", err)
	}
	if n := c.store.PruneTombstones(c.opts.TombstoneRetention); n > 0 {
		c.logger.Debug("Pruned tombstones", "count", n)
	}
	if err := c.Poll(ctx); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// Run syncs immediately and then on every poll interval until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := c.SyncOnce(ctx); err != nil {
			c.logger.Debug("Sync failed", "error", err)
		}
		select {
		case <-ctx.Done():
			c.Wait()
			return nil
		case <-ticker.Chan():
		}
	}
}

// Undo reverts the last local action. Removing an entry from the
// coordinator is a best-effort follow-up that never fails the undo.
func (c *Client) Undo(ctx context.Context) (*localstore.UndoAction, error) {
	action, err := c.store.Undo()
	if err != nil {
		return nil, err
	}
	if action.Type == localstore.ActionAddEntry {
		if err := c.flushDeletes(ctx); err != nil {
			c.logger.Info("Remote delete after undo failed, will retry", "error", err)
		}
	}
	return action, nil
}

func withParam(q map[string][]string, key, value string) map[string][]string {
	q[key] = []string{value}
	return q
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Login exchanges the administrator PIN for a management token and uses it
// for later management calls.
func (c *Client) Login(ctx context.Context, pin string) (string, time.Time, error) {
	var res loginResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/token", nil, map[string]string{"pin": pin}, &res, false); err != nil {
		return "", time.Time{}, err
	}
	c.mu.Lock()
	c.opts.Token = res.Token
	c.mu.Unlock()
	return res.Token, res.ExpiresAt, nil
}
