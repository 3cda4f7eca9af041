package syncclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	app "race-sync/internal"
	"race-sync/internal/auth"
	"race-sync/internal/config"
	"race-sync/internal/coordinator"
	"race-sync/internal/jwt"
	"race-sync/internal/localstore"
	"race-sync/internal/models"
	"race-sync/internal/nonce"
	"race-sync/internal/routes"
	"race-sync/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRace = "Slalom-1"

type testEnv struct {
	server *httptest.Server
	svc    *coordinator.Service
	pins   *auth.Pins
	clock  *clockwork.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Secret:         "test-secret",
		TokenTTL:       3600,
		AllowedOrigins: "*",
		Sync: config.SyncConfig{
			MaxEntriesPerRace: 100,
			MaxFaultsPerRace:  100,
			RaceTTL:           24 * time.Hour,
			PresenceTimeout:   30 * time.Second,
			MaxPhotoBytes:     1024,
		},
		Storage: config.Storage{SQLite: &config.SQLLiteStorage{Path: filepath.Join(t.TempDir(), "sync.db")}},
	}

	provider, err := storage.NewProvider(&cfg.Storage)
	require.NoError(t, err)
	t.Cleanup(func() { provider.Close() })

	serverClock := clockwork.NewRealClock()
	svc := coordinator.NewService(provider, cfg.Sync, serverClock)
	pins := auth.NewPins(provider)
	services := &routes.Services{
		Coordinator: svc,
		Issuer:      jwt.NewIssuer(cfg.Secret, time.Hour, 5*time.Second, nonce.NewMemoryStore(serverClock), serverClock),
		Pins:        pins,
		Config:      cfg,
	}

	server := httptest.NewServer(app.HTTPServer(cfg, services))
	t.Cleanup(server.Close)

	return &testEnv{
		server: server,
		svc:    svc,
		pins:   pins,
		clock:  clockwork.NewFakeClockAt(time.Date(2024, 2, 10, 9, 0, 0, 0, time.UTC)),
	}
}

func (env *testEnv) client(t *testing.T, deviceID string, mutate ...func(*Options)) *Client {
	t.Helper()
	opts := Options{
		ServerURL:  env.server.URL,
		RaceID:     testRace,
		DeviceID:   deviceID,
		DeviceName: "Timer " + deviceID,
		Clock:      env.clock,
	}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := New(localstore.New(env.clock), opts)
	require.NoError(t, err)
	return c
}

func (env *testEnv) remoteEntries(t *testing.T) []models.Entry {
	t.Helper()
	state, err := env.svc.GetEntries(context.Background(), testRace, coordinator.Device{})
	require.NoError(t, err)
	return state.Entries
}

type switchableTransport struct {
	offline atomic.Bool
}

func (s *switchableTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if s.offline.Load() {
		return nil, errors.New("network is down")
	}
	return http.DefaultTransport.RoundTrip(r)
}

func TestNewRequiresIdentity(t *testing.T) {
	_, err := New(localstore.New(clockwork.NewFakeClock()), Options{RaceID: "r", DeviceID: "d"})
	assert.Error(t, err)
	_, err = New(localstore.New(clockwork.NewFakeClock()), Options{ServerURL: "http://x", DeviceID: "d"})
	assert.Error(t, err)
	_, err = New(localstore.New(clockwork.NewFakeClock()), Options{ServerURL: "http://x", RaceID: "r"})
	assert.Error(t, err)
}

func TestRecordPushesInBackground(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "dev-a")

	first, err := c.Record(models.Entry{Bib: "12", Point: models.PointStart})
	require.NoError(t, err)
	second, err := c.Record(models.Entry{Bib: "13", Point: models.PointStart})
	require.NoError(t, err)
	c.Wait()

	assert.Greater(t, second.ID, first.ID, "ids stay increasing when the clock does not move")
	assert.Equal(t, "dev-a", first.DeviceID)
	assert.Equal(t, 1, first.Run)

	assert.Len(t, env.remoteEntries(t), 2)
	for _, e := range c.Store().Entries() {
		assert.NotNil(t, e.SyncedAt, "entry %d should be marked synced", e.ID)
	}
	assert.Equal(t, 0, c.Status().Pending)

	require.NoError(t, c.Poll(context.Background()))
	assert.Equal(t, 13, c.Status().HighestBib)
}

func TestRecordRejectsInvalidEntry(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "dev-a")

	_, err := c.Record(models.Entry{Bib: "12", Point: "X"})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Empty(t, c.Store().Entries())
}

func TestCrossDeviceDuplicateRaisesAdvisory(t *testing.T) {
	env := newTestEnv(t)
	var raised atomic.Int32
	a := env.client(t, "dev-a")
	b := env.client(t, "dev-b", func(o *Options) {
		o.OnAdvisory = func(Advisory) { raised.Add(1) }
	})

	_, err := a.Record(models.Entry{Bib: "42", Point: models.PointFinish})
	require.NoError(t, err)
	a.Wait()

	_, err = b.Record(models.Entry{Bib: "42", Point: models.PointFinish})
	require.NoError(t, err)
	b.Wait()

	advisories := b.Advisories()
	require.Len(t, advisories, 1)
	assert.Equal(t, "dev-a", advisories[0].Duplicate.DeviceID)
	assert.Equal(t, "42", advisories[0].Entry.Bib)
	assert.Equal(t, int32(1), raised.Load())
	assert.Empty(t, a.Advisories())

	// Both observations are kept.
	assert.Len(t, env.remoteEntries(t), 2)
}

func TestPollMergesOtherDevices(t *testing.T) {
	env := newTestEnv(t)
	a := env.client(t, "dev-a")
	b := env.client(t, "dev-b")

	_, err := a.Record(models.Entry{Bib: "7", Point: models.PointStart})
	require.NoError(t, err)
	a.Wait()

	require.NoError(t, b.Poll(context.Background()))
	entries := b.Store().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "dev-a", entries[0].DeviceID)
	assert.Equal(t, 2, b.Status().DeviceCount)
	assert.Equal(t, 7, b.Status().HighestBib)
}

func TestOfflineRecordingSyncsLater(t *testing.T) {
	env := newTestEnv(t)
	transport := &switchableTransport{}
	transport.offline.Store(true)
	c := env.client(t, "dev-a", func(o *Options) {
		o.HTTPClient = &http.Client{Transport: transport}
	})

	_, err := c.Record(models.Entry{Bib: "3", Point: models.PointIntermediate1})
	require.NoError(t, err, "recording never depends on the network")
	c.Wait()

	err = c.SyncOnce(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
	status := c.Status()
	assert.Equal(t, StateOffline, status.State)
	assert.Equal(t, 1, status.Pending)
	assert.True(t, status.LastSuccess.IsZero())

	transport.offline.Store(false)
	require.NoError(t, c.SyncOnce(context.Background()))
	status = c.Status()
	assert.Equal(t, StateIdle, status.State)
	assert.Equal(t, 0, status.Pending)
	assert.Equal(t, env.clock.Now(), status.LastSuccess)
	assert.Empty(t, status.LastError)
	assert.Len(t, env.remoteEntries(t), 1)
}

func TestUndoRemovesEntryRemotely(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "dev-a")

	_, err := c.Record(models.Entry{Bib: "5", Point: models.PointStart})
	require.NoError(t, err)
	c.Wait()
	require.Len(t, env.remoteEntries(t), 1)

	action, err := c.Undo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, localstore.ActionAddEntry, action.Type)

	assert.Empty(t, c.Store().Entries())
	assert.Empty(t, c.Store().PendingRemoteDeletes())
	assert.Empty(t, env.remoteEntries(t))

	// A later poll must not bring it back.
	require.NoError(t, c.Poll(context.Background()))
	assert.Empty(t, c.Store().Entries())

	_, err = c.Undo(context.Background())
	assert.ErrorIs(t, err, localstore.ErrNothingToUndo)
}

func TestUndoKeepsDeleteWhenOffline(t *testing.T) {
	env := newTestEnv(t)
	transport := &switchableTransport{}
	c := env.client(t, "dev-a", func(o *Options) {
		o.HTTPClient = &http.Client{Transport: transport}
	})

	_, err := c.Record(models.Entry{Bib: "5", Point: models.PointStart})
	require.NoError(t, err)
	c.Wait()

	transport.offline.Store(true)
	_, err = c.Undo(context.Background())
	require.NoError(t, err, "undo succeeds locally")
	assert.Len(t, c.Store().PendingRemoteDeletes(), 1)

	transport.offline.Store(false)
	require.NoError(t, c.SyncOnce(context.Background()))
	assert.Empty(t, c.Store().PendingRemoteDeletes())
	assert.Empty(t, env.remoteEntries(t))
}

// gatedTransport holds entry pushes until the gate is closed.
type gatedTransport struct {
	gate chan struct{}
}

func (g *gatedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Method == http.MethodPost && r.URL.Path == "/api/sync" {
		<-g.gate
	}
	return http.DefaultTransport.RoundTrip(r)
}

func TestUndoBeforePushLandsRemovesEntryRemotely(t *testing.T) {
	env := newTestEnv(t)
	transport := &gatedTransport{gate: make(chan struct{})}
	c := env.client(t, "dev-a", func(o *Options) {
		o.HTTPClient = &http.Client{Transport: transport}
	})

	_, err := c.Record(models.Entry{Bib: "5", Point: models.PointStart})
	require.NoError(t, err)

	// The remote delete runs while the push is still held back.
	_, err = c.Undo(context.Background())
	require.NoError(t, err)
	assert.Empty(t, c.Store().PendingRemoteDeletes())

	close(transport.gate)
	c.Wait()
	require.NoError(t, c.SyncOnce(context.Background()))

	assert.Empty(t, c.Store().Entries())
	assert.Empty(t, c.Store().PendingRemoteDeletes())
	assert.Empty(t, env.remoteEntries(t))
}

func TestUndoDeleteRestoresEntryRemotely(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "dev-a")

	e, err := c.Record(models.Entry{Bib: "5", Point: models.PointStart})
	require.NoError(t, err)
	c.Wait()
	require.NoError(t, c.SyncOnce(context.Background()))
	require.Len(t, env.remoteEntries(t), 1)

	require.True(t, c.Store().DeleteEntry(e.Key()))
	require.NoError(t, c.SyncOnce(context.Background()))
	require.Empty(t, env.remoteEntries(t))

	action, err := c.Undo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, localstore.ActionDeleteEntry, action.Type)
	assert.Equal(t, 1, c.Status().Pending)

	require.NoError(t, c.SyncOnce(context.Background()))
	assert.Len(t, c.Store().Entries(), 1)
	assert.Empty(t, c.Store().UnsyncedEntries())
	remote := env.remoteEntries(t)
	require.Len(t, remote, 1)
	assert.Equal(t, e.Key(), remote[0].Key())
}

func TestFaultSyncFollowsVersions(t *testing.T) {
	env := newTestEnv(t)
	a := env.client(t, "judge-a")
	b := env.client(t, "judge-b")

	f, err := a.RecordFault(models.FaultEntry{Bib: "21", GateNumber: 4, FaultType: models.FaultMissedGate})
	require.NoError(t, err)
	a.Wait()

	require.NoError(t, b.Poll(context.Background()))
	faults := b.Store().Faults()
	require.Len(t, faults, 1)
	assert.Equal(t, 1, faults[0].CurrentVersion)

	gate := 5
	require.True(t, a.Store().UpdateFaultEntryWithHistory(f.Key(), models.FaultPatch{GateNumber: &gate}, "gate corrected"))
	require.NoError(t, a.SyncOnce(context.Background()))
	assert.Empty(t, a.Store().UnsyncedFaults())

	require.NoError(t, b.Poll(context.Background()))
	faults = b.Store().Faults()
	require.Len(t, faults, 1)
	assert.Equal(t, 2, faults[0].CurrentVersion)
	assert.Equal(t, 5, faults[0].GateNumber)
	assert.Len(t, faults[0].VersionHistory, 2)
}

func TestCheckRace(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "dev-a")

	exists, err := c.CheckRace(context.Background())
	require.NoError(t, err)
	assert.False(t, exists.Exists)

	_, err = c.Record(models.Entry{Bib: "1", Point: models.PointStart})
	require.NoError(t, err)
	c.Wait()

	exists, err = c.CheckRace(context.Background())
	require.NoError(t, err)
	assert.True(t, exists.Exists)
	assert.Equal(t, 1, exists.EntryCount)
}

func TestPushReturnsAPIError(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "dev-a")

	err := c.Push(context.Background(), models.Entry{
		ID:        1,
		Bib:       "1",
		Point:     "Z",
		Timestamp: "2024-02-10T09:00:00Z",
		DeviceID:  "dev-a",
	})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.True(t, apiErr.HasCode("INVALID_POINT"), "codes: %v", apiErr.Codes)
}

func TestRunSyncsUntilCancelled(t *testing.T) {
	env := newTestEnv(t)
	transport := &switchableTransport{}
	transport.offline.Store(true)
	c := env.client(t, "dev-a", func(o *Options) {
		o.HTTPClient = &http.Client{Transport: transport}
		o.PollInterval = time.Second
	})

	_, err := c.Record(models.Entry{Bib: "9", Point: models.PointFinish})
	require.NoError(t, err)
	c.Wait()
	transport.offline.Store(false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(env.remoteEntries(t)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRemoteDeleteNeedsLoginWhenPinIsSet(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, "dev-a")
	ctx := context.Background()

	_, err := c.Record(models.Entry{Bib: "8", Point: models.PointStart})
	require.NoError(t, err)
	c.Wait()
	require.NoError(t, env.pins.Set(ctx, "4321"))

	_, err = c.Undo(ctx)
	require.NoError(t, err)
	assert.Len(t, c.Store().PendingRemoteDeletes(), 1, "delete is kept until authorized")
	assert.Len(t, env.remoteEntries(t), 1)

	_, _, err = c.Login(ctx, "0000")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	token, expiresAt, err := c.Login(ctx, "4321")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	require.NoError(t, c.SyncOnce(ctx))
	assert.Empty(t, c.Store().PendingRemoteDeletes())
	assert.Empty(t, env.remoteEntries(t))
}
