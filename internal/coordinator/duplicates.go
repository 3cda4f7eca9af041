package coordinator

import (
	"context"

	"race-sync/internal/models"
)

// DuplicateGroup is a set of entries from at least two devices that share
// bib, point and run.
type DuplicateGroup struct {
	Bib     string         `json:"bib"`
	Point   models.Point   `json:"point"`
	Run     int            `json:"run"`
	Entries []models.Entry `json:"entries"`
}

type observationKey struct {
	bib   string
	point models.Point
	run   int
}

// FindDuplicates scans a whole race for cross-device duplicates. It catches
// pairs that were written without seeing each other, e.g. by two coordinator
// instances sharing one database.
func (s *Service) FindDuplicates(ctx context.Context, rawRaceID string) ([]DuplicateGroup, error) {
	raceID, err := models.NormalizeRaceID(rawRaceID)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListEntries(ctx, raceID, s.clock.Now())
	if err != nil {
		return nil, storageErr("list entries", err)
	}
	return groupDuplicates(entries), nil
}

func groupDuplicates(entries []models.Entry) []DuplicateGroup {
	var order []observationKey
	groups := make(map[observationKey][]models.Entry)
	for _, e := range entries {
		if e.Bib == "" {
			continue
		}
		key := observationKey{bib: e.Bib, point: e.Point, run: e.Run}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	result := []DuplicateGroup{}
	for _, key := range order {
		members := groups[key]
		if !multipleDevices(members) {
			continue
		}
		result = append(result, DuplicateGroup{
			Bib:     key.bib,
			Point:   key.point,
			Run:     key.run,
			Entries: members,
		})
	}
	return result
}

func multipleDevices(entries []models.Entry) bool {
	for _, e := range entries[1:] {
		if e.DeviceID != entries[0].DeviceID {
			return true
		}
	}
	return false
}
