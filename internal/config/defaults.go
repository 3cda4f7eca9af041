package config

import "time"

var defaults = map[string]any{
	"secret":            "",
	"token_ttl":         3600,
	"token_expiry_skew": 5,
	"log_level":         "info",
	"listen":            ":8080",

	"nonce_store": "memory",

	"allowed_networks": "",
	"allowed_origins":  "*",
	"support_url":      DEFAULT_SUPPORT_URL,
	"base_url":         "",

	"sync.max_entries_per_race": 10000,
	"sync.max_faults_per_race":  5000,
	"sync.race_ttl":             24 * time.Hour,
	"sync.presence_timeout":     30 * time.Second,
	"sync.max_photo_bytes":      500 * 1024,

	"client.server_url":      "http://localhost:8080",
	"client.poll_interval":   5 * time.Second,
	"client.request_timeout": 10 * time.Second,
	"client.profile":         "./device.yaml",

	"storage.local.path": "./data/race-sync.db",
}

func Defaults() map[string]any {
	values := make(map[string]any)
	for k, v := range defaults {
		values[k] = v
	}
	return values
}
