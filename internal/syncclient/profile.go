package syncclient

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"race-sync/internal/localstore"
	"race-sync/internal/utils"

	"gopkg.in/yaml.v3"
)

// Profile is the device identity and race membership kept between runs.
type Profile struct {
	DeviceID     string `yaml:"device_id"`
	DeviceName   string `yaml:"device_name"`
	ServerURL    string `yaml:"server_url"`
	RaceID       string `yaml:"race_id"`
	Token        string `yaml:"token,omitempty"`
	SnapshotPath string `yaml:"snapshot_path"`
}

// LoadProfile reads a profile. A missing file yields a fresh profile with a
// new device id.
func LoadProfile(path string) (*Profile, error) {
	p := &Profile{}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("parse profile %s: %w", path, err)
		}
	}

	if p.DeviceID == "" {
		id, err := utils.NewDeviceID()
		if err != nil {
			return nil, err
		}
		p.DeviceID = id
	}
	if p.SnapshotPath == "" {
		p.SnapshotPath = filepath.Join(filepath.Dir(path), "local-store.json")
	}
	return p, nil
}

func (p *Profile) Save(path string) error {
	raw, err := yaml.Marshal(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

// Options returns client options for the profile's race.
func (p *Profile) Options() Options {
	return Options{
		ServerURL:  p.ServerURL,
		RaceID:     p.RaceID,
		DeviceID:   p.DeviceID,
		DeviceName: p.DeviceName,
		Token:      p.Token,
	}
}

// LoadStore restores the local store from the profile's snapshot, or
// returns an empty one.
func (p *Profile) LoadStore(store *localstore.Store) error {
	raw, err := os.ReadFile(p.SnapshotPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return store.Restore(raw)
}

func (p *Profile) SaveStore(store *localstore.Store) error {
	raw, err := store.Snapshot()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.SnapshotPath), 0o700); err != nil {
		return err
	}
	tmp := p.SnapshotPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p.SnapshotPath)
}
