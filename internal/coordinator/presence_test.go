package coordinator

import (
	"testing"
	"time"

	"race-sync/internal/models"
	"race-sync/internal/storage"

	"github.com/stretchr/testify/assert"
)

func TestActiveDevices(t *testing.T) {
	now := time.Date(2024, 2, 10, 9, 0, 0, 0, time.UTC)
	devices := []storage.DeviceHeartbeat{
		{DeviceID: "fresh", LastSeen: now.Add(-5 * time.Second)},
		{DeviceID: "edge", LastSeen: now.Add(-30 * time.Second)},
		{DeviceID: "stale", LastSeen: now.Add(-31 * time.Second)},
	}

	active, stale := activeDevices(devices, now, 30*time.Second)
	assert.Equal(t, 1, stale)
	assert.Len(t, active, 2)
	assert.Equal(t, "fresh", active[0].DeviceID)
	assert.Equal(t, "edge", active[1].DeviceID)
}

func TestGroupDuplicates(t *testing.T) {
	entries := []models.Entry{
		{ID: 1, Bib: "1", Point: models.PointStart, Run: 1, DeviceID: "a"},
		{ID: 2, Bib: "1", Point: models.PointStart, Run: 1, DeviceID: "a"},
		{ID: 3, Bib: "2", Point: models.PointStart, Run: 1, DeviceID: "a"},
		{ID: 4, Bib: "2", Point: models.PointStart, Run: 1, DeviceID: "b"},
		{ID: 5, Bib: "", Point: models.PointStart, Run: 1, DeviceID: "b"},
		{ID: 6, Bib: "", Point: models.PointStart, Run: 1, DeviceID: "c"},
	}

	groups := groupDuplicates(entries)
	assert.Len(t, groups, 1)
	assert.Equal(t, "2", groups[0].Bib)
	assert.Len(t, groups[0].Entries, 2)
}
