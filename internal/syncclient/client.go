// Package syncclient bridges a device's local store and the coordinator.
// Local recording never waits on the network: pushes run in the background
// and failures are retried by the next sync.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"race-sync/internal/localstore"

	"github.com/jonboulle/clockwork"
)

var ErrOffline = errors.New("coordinator unreachable")

// APIError is a structured error response from the coordinator.
type APIError struct {
	StatusCode int
	Message    string   `json:"error"`
	Codes      []string `json:"code"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) HasCode(code string) bool {
	for _, c := range e.Codes {
		if c == code {
			return true
		}
	}
	return false
}

type Options struct {
	ServerURL          string
	RaceID             string
	DeviceID           string
	DeviceName         string
	Token              string // Bearer credential for management calls
	PollInterval       time.Duration
	RequestTimeout     time.Duration
	TombstoneRetention time.Duration // How long confirmed remote deletions are remembered
	HTTPClient         *http.Client
	Clock              clockwork.Clock
	// OnAdvisory is called for every cross-device duplicate reported.
	OnAdvisory func(Advisory)
}

type Client struct {
	opts    Options
	baseURL string
	store   *localstore.Store
	http    *http.Client
	clock   clockwork.Clock
	logger  *slog.Logger

	mu         sync.Mutex
	status     SyncStatus
	advisories []Advisory
	lastID     int64

	// background pushes
	wg sync.WaitGroup
}

func New(store *localstore.Store, opts Options) (*Client, error) {
	if opts.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	if opts.RaceID == "" {
		return nil, errors.New("race id is required")
	}
	if opts.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.TombstoneRetention <= 0 {
		opts.TombstoneRetention = 24 * time.Hour
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.RequestTimeout}
	}

	return &Client{
		opts:    opts,
		baseURL: strings.TrimRight(opts.ServerURL, "/"),
		store:   store,
		http:    httpClient,
		clock:   opts.Clock,
		logger:  slog.With("component", "syncclient", "race", opts.RaceID, "device", opts.DeviceID),
		status:  SyncStatus{State: StateIdle},
	}, nil
}

func (c *Client) Store() *localstore.Store {
	return c.store
}

// Wait blocks until every background push has finished.
func (c *Client) Wait() {
	c.wg.Wait()
}

func (c *Client) goBackground(fn func(ctx context.Context) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.logger.Debug("Background push failed, will retry on next sync", "error", err)
		}
	}()
}

// do sends a JSON request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, withAuth bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); withAuth && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) raceQuery(heartbeat bool) url.Values {
	q := url.Values{"raceId": {c.opts.RaceID}}
	if heartbeat {
		q.Set("deviceId", c.opts.DeviceID)
		if c.opts.DeviceName != "" {
			q.Set("deviceName", c.opts.DeviceName)
		}
	}
	return q
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.Token
}

// nextEntryID returns a millisecond timestamp, bumped when needed so ids
// stay strictly increasing on this device.
func (c *Client) nextEntryID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.clock.Now().UnixMilli()
	if id <= c.lastID {
		id = c.lastID + 1
	}
	c.lastID = id
	return id
}
