package transit

import (
	"zagmap.dev/transit/model"
	"zagmap.dev/transit/storage"
)

// Stops closer than this (and sharing a name) collapse into one group.
const DefaultClusterThresholdMeters = 40.0

// BuildStopGroups clusters same-named stops within walking distance
// into groups. One greedy left-to-right pass over the input: each stop
// joins the first existing group whose name matches exactly and whose
// running centroid lies within the threshold, else it seeds a new
// group. The centroid is the running mean of member coordinates, so
// the outcome depends on input order; callers must pass stops in
// schedule source order to get stable group IDs across reloads.
//
// Stops without usable coordinates are skipped entirely.
func BuildStopGroups(stops []model.Stop, thresholdMeters float64) []model.StopGroup {
	groups := []model.StopGroup{}

	for _, s := range stops {
		if !s.HasCoordinates() {
			continue
		}

		chosen := -1
		for i := range groups {
			if groups[i].Name != s.Name {
				continue
			}
			dist := storage.HaversineMeters(groups[i].Lat, groups[i].Lon, s.Lat, s.Lon)
			if dist <= thresholdMeters {
				chosen = i
				break
			}
		}

		if chosen == -1 {
			groups = append(groups, model.StopGroup{
				ID:      s.ID,
				Name:    s.Name,
				Lat:     s.Lat,
				Lon:     s.Lon,
				StopIDs: []string{s.ID},
			})
			continue
		}

		g := &groups[chosen]
		g.StopIDs = append(g.StopIDs, s.ID)
		n := float64(len(g.StopIDs))
		g.Lat = (g.Lat*(n-1) + s.Lat) / n
		g.Lon = (g.Lon*(n-1) + s.Lon) / n
	}

	return groups
}
