// Package auth hashes and verifies the management PIN.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"race-sync/internal/storage"

	"golang.org/x/crypto/argon2"
)

// SettingPinHash is the settings key holding the encoded PIN hash.
const SettingPinHash = "admin_pin_hash"

const (
	MinPinLength = 4
	MaxPinLength = 64
)

var (
	ErrPinNotSet  = errors.New("no PIN configured")
	ErrInvalidPin = errors.New("invalid PIN")
	ErrPinFormat  = fmt.Errorf("PIN must be %d to %d characters", MinPinLength, MaxPinLength)
)

// argon2id parameters
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashPin returns "argon2id$<salt>$<key>" with base64 encoded parts.
func HashPin(pin string) (string, error) {
	if l := len(pin); l < MinPinLength || l > MaxPinLength {
		return "", ErrPinFormat
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(pin), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return "argon2id$" +
		base64.RawStdEncoding.EncodeToString(salt) + "$" +
		base64.RawStdEncoding.EncodeToString(key), nil
}

// VerifyPin compares pin against an encoded hash in constant time.
func VerifyPin(pin, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 || parts[0] != "argon2id" {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(pin), salt, argonTime, argonMemory, argonThreads, uint32(len(want)))
	return hmac.Equal(got, want)
}

// Pins reads and writes the PIN hash through the settings table.
type Pins struct {
	store storage.Provider
}

func NewPins(store storage.Provider) *Pins {
	return &Pins{store: store}
}

// Configured reports whether a PIN has been set.
func (p *Pins) Configured(ctx context.Context) (bool, error) {
	_, err := p.store.GetSetting(ctx, SettingPinHash)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// Check returns nil when pin matches, ErrPinNotSet when no PIN exists and
// ErrInvalidPin otherwise.
func (p *Pins) Check(ctx context.Context, pin string) error {
	hash, err := p.store.GetSetting(ctx, SettingPinHash)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrPinNotSet
	} else if err != nil {
		return err
	}
	if !VerifyPin(pin, hash) {
		return ErrInvalidPin
	}
	return nil
}

// Set stores a new PIN. An empty pin clears it.
func (p *Pins) Set(ctx context.Context, pin string) error {
	if pin == "" {
		return p.store.DeleteSetting(ctx, SettingPinHash)
	}
	hash, err := HashPin(pin)
	if err != nil {
		return err
	}
	return p.store.SetSetting(ctx, SettingPinHash, hash)
}
