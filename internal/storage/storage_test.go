package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"race-sync/internal/config"
	"race-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T) Provider {
	t.Helper()
	cfg := &config.Storage{SQLite: &config.SQLLiteStorage{Path: filepath.Join(t.TempDir(), "test.db")}}
	p, err := NewProvider(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func opts(now time.Time, limit int) WriteOptions {
	return WriteOptions{Now: now, ExpiresAt: now.Add(24 * time.Hour), Limit: limit}
}

func entry(id int64, device, bib string) models.Entry {
	return models.Entry{
		ID:         id,
		Bib:        bib,
		Point:      models.PointStart,
		Run:        1,
		Timestamp:  "2024-02-10T09:15:00Z",
		Status:     models.StatusOK,
		DeviceID:   device,
		DeviceName: "Timer " + device,
	}
}

func TestMigrationsApplied(t *testing.T) {
	p := newTestProvider(t)
	version, err := p.GetSchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, version)
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	cfg := &config.Storage{SQLite: &config.SQLLiteStorage{Path: path}}

	first, err := NewProvider(cfg)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewProvider(cfg)
	require.NoError(t, err)
	defer second.Close()
}

func TestAppendEntry_InsertAndDuplicate(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	now := time.Date(2024, 2, 10, 9, 0, 0, 0, time.UTC)

	res, err := p.AppendEntry(ctx, "race1", entry(1, "dev-a", "7"), opts(now, 10))
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.Equal(t, 1, res.EntryCount)
	require.NotNil(t, res.Entry.SyncedAt)
	assert.True(t, res.Entry.SyncedAt.Equal(now))

	later := now.Add(time.Minute)
	dup := entry(1, "dev-a", "8")
	res, err = p.AppendEntry(ctx, "race1", dup, opts(later, 10))
	require.NoError(t, err)
	assert.False(t, res.Inserted)
	assert.Equal(t, 1, res.EntryCount)
	assert.Equal(t, "7", res.Entry.Bib, "stored entry is kept")
	assert.True(t, res.Entry.SyncedAt.Equal(now), "syncedAt is set once")
	assert.True(t, res.LastUpdated.Equal(now), "duplicate does not bump lastUpdated")

	// Same id from another device is a different entry.
	res, err = p.AppendEntry(ctx, "race1", entry(1, "dev-b", "7"), opts(later, 10))
	require.NoError(t, err)
	assert.True(t, res.Inserted)
	assert.Equal(t, 2, res.EntryCount)

	entries, err := p.ListEntries(ctx, "race1", later)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "dev-a", entries[0].DeviceID)
	assert.Equal(t, "dev-b", entries[1].DeviceID)
}

func TestAppendEntry_Capacity(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	now := time.Now()

	for i := int64(1); i <= 2; i++ {
		_, err := p.AppendEntry(ctx, "full", entry(i, "dev", "1"), opts(now, 2))
		require.NoError(t, err)
	}
	_, err := p.AppendEntry(ctx, "full", entry(3, "dev", "1"), opts(now, 2))
	assert.ErrorIs(t, err, ErrCapacity)

	res, err := p.AppendEntry(ctx, "full", entry(2, "dev", "1"), opts(now, 2))
	require.NoError(t, err)
	assert.False(t, res.Inserted)

	race, err := p.GetRace(ctx, "full", now)
	require.NoError(t, err)
	assert.Equal(t, 2, race.EntryCount)
}

func TestAppendEntry_ConcurrentWritersLoseNothing(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	now := time.Now()

	var wg sync.WaitGroup
	for i := int64(1); i <= 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := p.AppendEntry(ctx, "busy", entry(id, "dev", "1"), opts(now, 100))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries, err := p.ListEntries(ctx, "busy", now)
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestExpiredRaceIsAbsentAndReset(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	now := time.Now()
	short := WriteOptions{Now: now, ExpiresAt: now.Add(time.Minute), Limit: 10}

	_, err := p.AppendEntry(ctx, "old", entry(1, "dev", "1"), short)
	require.NoError(t, err)

	after := now.Add(2 * time.Minute)
	_, err = p.GetRace(ctx, "old", after)
	assert.ErrorIs(t, err, ErrNotFound)

	entries, err := p.ListEntries(ctx, "old", after)
	require.NoError(t, err)
	assert.Empty(t, entries)

	res, err := p.AppendEntry(ctx, "old", entry(2, "dev", "1"), opts(after, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, res.EntryCount)
}

func TestDeleteEntry(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	now := time.Now()

	_, err := p.AppendEntry(ctx, "race", entry(1, "dev", "1"), opts(now, 10))
	require.NoError(t, err)

	deleted, err := p.DeleteEntry(ctx, "race", 1, "other", now)
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = p.DeleteEntry(ctx, "race", 1, "dev", now)
	require.NoError(t, err)
	assert.True(t, deleted)

	entries, err := p.ListEntries(ctx, "race", now)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHighestBibMonotonic(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	now := time.Now()

	highest, err := p.GetHighestBib(ctx, "race", now)
	require.NoError(t, err)
	assert.Equal(t, 0, highest)

	highest, err = p.RaiseHighestBib(ctx, "race", 42, opts(now, 0))
	require.NoError(t, err)
	assert.Equal(t, 42, highest)

	highest, err = p.RaiseHighestBib(ctx, "race", 7, opts(now, 0))
	require.NoError(t, err)
	assert.Equal(t, 42, highest)

	// An expired aggregate starts over.
	later := now.Add(48 * time.Hour)
	highest, err = p.RaiseHighestBib(ctx, "race", 3, opts(later, 0))
	require.NoError(t, err)
	assert.Equal(t, 3, highest)
}

func TestDevices(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	now := time.Now()
	exp := now.Add(time.Hour)

	require.NoError(t, p.TouchDevice(ctx, DeviceHeartbeat{RaceID: "race", DeviceID: "a", DeviceName: "Start", LastSeen: now.Add(-time.Minute)}, exp))
	require.NoError(t, p.TouchDevice(ctx, DeviceHeartbeat{RaceID: "race", DeviceID: "b", DeviceName: "Finish", LastSeen: now}, exp))
	// Empty name keeps the stored one.
	require.NoError(t, p.TouchDevice(ctx, DeviceHeartbeat{RaceID: "race", DeviceID: "b", LastSeen: now}, exp))

	devices, err := p.ListDevices(ctx, "race", now)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "Finish", devices[1].DeviceName)

	removed, err := p.RemoveStaleDevices(ctx, "race", now.Add(-30*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	devices, err = p.ListDevices(ctx, "race", now)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "b", devices[0].DeviceID)
}

func TestUpsertFault_VersionWins(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	now := time.Now()

	f := models.NewFaultEntry(models.FaultEntry{
		ID: 1, Bib: "5", GateNumber: 3, FaultType: models.FaultMissedGate,
		Timestamp: "2024-02-10T09:15:00Z", DeviceID: "judge",
	}, now)

	applied, err := p.UpsertFault(ctx, "race", f, opts(now, 10))
	require.NoError(t, err)
	assert.True(t, applied)

	gate := 4
	edited := f.WithEdit(models.FaultPatch{GateNumber: &gate}, "gate", now)
	applied, err = p.UpsertFault(ctx, "race", edited, opts(now, 10))
	require.NoError(t, err)
	assert.True(t, applied)

	// Stale version is ignored.
	applied, err = p.UpsertFault(ctx, "race", f, opts(now, 10))
	require.NoError(t, err)
	assert.False(t, applied)

	faults, err := p.ListFaults(ctx, "race", now)
	require.NoError(t, err)
	require.Len(t, faults, 1)
	assert.Equal(t, 4, faults[0].GateNumber)
	assert.Equal(t, 2, faults[0].CurrentVersion)
	assert.Len(t, faults[0].VersionHistory, 2)
}

func TestSettingsAndNonces(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	_, err := p.GetSetting(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, p.SetSetting(ctx, "k", "v1"))
	require.NoError(t, p.SetSetting(ctx, "k", "v2"))
	v, err := p.GetSetting(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
	require.NoError(t, p.DeleteSetting(ctx, "k"))
	_, err = p.GetSetting(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, p.CreateNonce(ctx, "n1", time.Now().Add(time.Hour)))
	ok, err := p.ExistsNonce(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.ConsumeNonce(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.ConsumeNonce(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	now := time.Now()
	short := WriteOptions{Now: now, ExpiresAt: now.Add(time.Minute), Limit: 10}

	_, err := p.AppendEntry(ctx, "gone", entry(1, "dev", "1"), short)
	require.NoError(t, err)
	_, err = p.AppendEntry(ctx, "kept", entry(1, "dev", "1"), opts(now, 10))
	require.NoError(t, err)

	purged, err := p.PurgeExpired(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, purged)

	races, err := p.ListRaces(ctx, now)
	require.NoError(t, err)
	require.Len(t, races, 1)
	assert.Equal(t, "kept", races[0].ID)
}
