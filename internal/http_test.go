package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"race-sync/internal/auth"
	"race-sync/internal/config"
	"race-sync/internal/coordinator"
	"race-sync/internal/jwt"
	"race-sync/internal/nonce"
	"race-sync/internal/routes"
	"race-sync/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	engine *gin.Engine
	clock  *clockwork.FakeClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Secret:         "test-secret",
		TokenTTL:       3600,
		AllowedOrigins: "*",
		Sync: config.SyncConfig{
			MaxEntriesPerRace: 3,
			MaxFaultsPerRace:  10,
			RaceTTL:           24 * time.Hour,
			PresenceTimeout:   30 * time.Second,
			MaxPhotoBytes:     1024,
		},
		Storage: config.Storage{SQLite: &config.SQLLiteStorage{Path: filepath.Join(t.TempDir(), "http.db")}},
	}

	provider, err := storage.NewProvider(&cfg.Storage)
	require.NoError(t, err)
	t.Cleanup(func() { provider.Close() })

	clock := clockwork.NewFakeClockAt(time.Now())
	services := &routes.Services{
		Coordinator: coordinator.NewService(provider, cfg.Sync, clock),
		Issuer:      jwt.NewIssuer(cfg.Secret, time.Hour, 5*time.Second, nonce.NewMemoryStore(clock), clock),
		Pins:        auth.NewPins(provider),
		Config:      cfg,
	}
	return &testServer{engine: HTTPServer(cfg, services), clock: clock}
}

func (s *testServer) do(t *testing.T, method, path string, body any, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func entryBody(raceID string, id int, bib, point, device string) map[string]any {
	return map[string]any{
		"raceId":     raceID,
		"deviceId":   device,
		"deviceName": "Timer " + device,
		"entry": map[string]any{
			"id":        id,
			"bib":       bib,
			"point":     point,
			"timestamp": "2024-02-10T09:15:00.000Z",
		},
	}
}

func TestSyncRoundTrip(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodPost, "/api/sync", entryBody("RACE2024", 1, "001", "S", "dev1"), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["success"])
	assert.Equal(t, false, body["photoSkipped"])
	assert.EqualValues(t, 1, body["highestBib"])
	assert.EqualValues(t, 1, body["deviceCount"])
	assert.NotContains(t, body, "crossDeviceDuplicate")

	w, body = s.do(t, http.MethodPost, "/api/sync", entryBody("race2024", 2, "001", "S", "dev2"), "")
	require.Equal(t, http.StatusOK, w.Code)
	dup, ok := body["crossDeviceDuplicate"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "dev1", dup["deviceId"])

	w, body = s.do(t, http.MethodGet, "/api/sync?raceId=Race2024&deviceId=dev3&deviceName=Finish", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["entries"], 2)
	assert.EqualValues(t, 3, body["deviceCount"])
	assert.NotZero(t, body["lastUpdated"])
	assert.Equal(t, "no-store, no-cache, must-revalidate, proxy-revalidate", w.Header().Get("Cache-Control"))

	w, body = s.do(t, http.MethodGet, "/api/sync?raceId=race2024&checkOnly=true", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["exists"])
	assert.EqualValues(t, 2, body["entryCount"])
	assert.NotContains(t, body, "entries")
}

func TestSyncValidationError(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodPost, "/api/sync", entryBody("race", 1, "1", "X", "dev1"), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, `invalid timing point "X"`, body["error"])
	assert.Equal(t, []any{"INVALID_POINT"}, body["code"])

	w, body = s.do(t, http.MethodGet, "/api/sync?raceId=bad%20race", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, []any{"INVALID_RACE_ID"}, body["code"])

	w, _ = s.do(t, http.MethodPost, "/api/sync", map[string]any{"raceId": "race"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSyncCapacityError(t *testing.T) {
	s := newTestServer(t)

	for i := 1; i <= 3; i++ {
		w, _ := s.do(t, http.MethodPost, "/api/sync", entryBody("full", i, "1", "F", "dev1"), "")
		require.Equal(t, http.StatusOK, w.Code)
	}
	w, body := s.do(t, http.MethodPost, "/api/sync", entryBody("full", 4, "1", "F", "dev1"), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, []any{"RACE_CAPACITY_REACHED"}, body["code"])
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodPatch, "/api/sync", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, []any{"METHOD_NOT_ALLOWED"}, body["code"])
}

func TestFaultRoutes(t *testing.T) {
	s := newTestServer(t)

	fault := map[string]any{
		"raceId":   "race",
		"deviceId": "judge1",
		"fault": map[string]any{
			"id":         1,
			"bib":        "7",
			"gateNumber": 3,
			"faultType":  "MG",
			"timestamp":  "2024-02-10T09:20:00Z",
			"gateRange":  []int{1, 10},
		},
	}
	w, body := s.do(t, http.MethodPost, "/api/faults", fault, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["applied"])

	w, body = s.do(t, http.MethodPost, "/api/faults", fault, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["applied"])

	w, body = s.do(t, http.MethodGet, "/api/faults?raceId=RACE", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["faults"], 1)
}

func TestManagementOpenWithoutPin(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodPost, "/api/sync", entryBody("race", 1, "1", "S", "dev1"), "")
	require.Equal(t, http.StatusOK, w.Code)

	w, body := s.do(t, http.MethodDelete, "/api/sync", map[string]any{"raceId": "race", "entryId": 1, "deviceId": "dev1"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, body["deleted"])

	w, body = s.do(t, http.MethodDelete, "/api/sync?raceId=race&entryId=1&deviceId=dev1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["deleted"])

	w, body = s.do(t, http.MethodGet, "/api/admin/races", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["races"], 1)
}

func TestManagementWithPin(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodPut, "/api/admin/pin", map[string]any{"pin": "2468"}, "")
	require.Equal(t, http.StatusOK, w.Code)

	w, body := s.do(t, http.MethodGet, "/api/admin/races", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, []any{"AUTH_REQUIRED"}, body["code"])

	// Raw PIN is still accepted as a bearer credential.
	w, _ = s.do(t, http.MethodGet, "/api/admin/races", nil, "2468")
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = s.do(t, http.MethodGet, "/api/admin/races", nil, "0000")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, []any{"AUTH_INVALID_TOKEN"}, body["code"])

	w, _ = s.do(t, http.MethodPost, "/api/auth/token", map[string]any{"pin": "1111"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, body = s.do(t, http.MethodPost, "/api/auth/token", map[string]any{"pin": "2468"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)

	w, _ = s.do(t, http.MethodGet, "/api/admin/races/race/duplicates", nil, token)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/auth/logout", nil, token)
	require.Equal(t, http.StatusOK, w.Code)

	w, body = s.do(t, http.MethodGet, "/api/admin/races", nil, token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, []any{"AUTH_INVALID_TOKEN"}, body["code"])
}

func TestManagementExpiredToken(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodPut, "/api/admin/pin", map[string]any{"pin": "2468"}, "")
	require.Equal(t, http.StatusOK, w.Code)

	w, body := s.do(t, http.MethodPost, "/api/auth/token", map[string]any{"pin": "2468"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	token := body["token"].(string)

	s.clock.Advance(2 * time.Hour)
	w, body = s.do(t, http.MethodGet, "/api/admin/races", nil, token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, []any{"AUTH_TOKEN_EXPIRED"}, body["code"])
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/sync", nil)
	req.Header.Set("Origin", "https://timer.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	assert.Less(t, w.Code, 300)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodGet, "/api/health?ping=hello", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", body["message"])

	w, body = s.do(t, http.MethodGet, "/api/config", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, body["maxEntriesPerRace"])
}

func TestIPAccessControl(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(routes.ErrorHandler(), IPAccessControl([]string{"10.0.0.0/8"}))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:1234"
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRaceJoinLinkAndQR(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodGet, "/api/admin/races/GS-1/join", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "http://example.com/join?raceId=gs-1", body["url"])

	req := httptest.NewRequest(http.MethodGet, "/api/admin/races/GS-1/qr", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	w, body = s.do(t, http.MethodGet, "/api/admin/races/bad%20id/join", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["code"], "INVALID_RACE_ID")
}
