package replication

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Source is a replication feed: a base URL below which state files and
// change files live in the AAA/BBB/CCC sequence layout.
type Source struct {
	Name     string
	BaseURL  string
	Interval time.Duration // expected time between sequences
}

// StateURL returns the URL of the feed's latest state file.
func (s *Source) StateURL() string {
	return s.BaseURL + "/state.txt"
}

// SequenceStateURL returns the URL of the state file of seq.
func (s *Source) SequenceStateURL(seq int64) string {
	return fmt.Sprintf("%s/%s.state.txt", s.BaseURL, SequencePath(seq))
}

// SequenceDataURL returns the URL of the change file of seq.
func (s *Source) SequenceDataURL(seq int64) string {
	return fmt.Sprintf("%s/%s.osc.gz", s.BaseURL, SequencePath(seq))
}

const planetBase = "https://planet.openstreetmap.org/replication/"

var planetSources = map[string]*Source{
	"minute": {Name: "planet-minute", BaseURL: planetBase + "minute", Interval: time.Minute},
	"hour":   {Name: "planet-hour", BaseURL: planetBase + "hour", Interval: time.Hour},
	"day":    {Name: "planet-day", BaseURL: planetBase + "day", Interval: 24 * time.Hour},
}

// Geofabrik extract paths by short region name
var geofabrikRegions = map[string]string{
	"europe":         "europe",
	"germany":        "europe/germany",
	"france":         "europe/france",
	"italy":          "europe/italy",
	"spain":          "europe/spain",
	"great-britain":  "europe/great-britain",
	"united-kingdom": "europe/great-britain",
	"netherlands":    "europe/netherlands",
	"belgium":        "europe/belgium",
	"switzerland":    "europe/switzerland",
	"austria":        "europe/austria",
	"poland":         "europe/poland",
	"monaco":         "europe/monaco",
	"north-america":  "north-america",
	"us":             "north-america/us",
	"canada":         "north-america/canada",
	"mexico":         "north-america/mexico",
	"south-america":  "south-america",
	"brazil":         "south-america/brazil",
	"asia":           "asia",
	"japan":          "asia/japan",
	"india":          "asia/india",
	"africa":         "africa",
	"oceania":        "australia-oceania",
	"australia":      "australia-oceania/australia",
	"new-zealand":    "australia-oceania/new-zealand",
}

func geofabrikSource(region string) *Source {
	path, ok := geofabrikRegions[region]
	if !ok {
		path = region
	}
	return &Source{
		Name:     "geofabrik/" + region,
		BaseURL:  fmt.Sprintf("https://download.geofabrik.de/%s-updates", path),
		Interval: 24 * time.Hour,
	}
}

// ParseSource resolves a source name. Accepted forms:
//
//	planet-minute, planet-hour, planet-day (or minute, hour, day)
//	geofabrik/<region> or a known region name alone
//	an http(s) URL of a replication directory
func ParseSource(s string) (*Source, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return &Source{Name: "custom", BaseURL: strings.TrimSuffix(s, "/"), Interval: time.Hour}, nil
	}

	lower := strings.ToLower(s)
	if src, ok := planetSources[strings.TrimPrefix(strings.TrimPrefix(lower, "planet-"), "planet/")]; ok {
		cp := *src
		return &cp, nil
	}
	if region, ok := strings.CutPrefix(lower, "geofabrik/"); ok && region != "" {
		return geofabrikSource(region), nil
	}
	if _, ok := geofabrikRegions[lower]; ok {
		return geofabrikSource(lower), nil
	}
	return nil, fmt.Errorf("unknown replication source: %s", s)
}

// SourceNames lists the built-in source names, sorted.
func SourceNames() []string {
	names := []string{"planet-day", "planet-hour", "planet-minute"}
	for _, region := range slices.Sorted(maps.Keys(geofabrikRegions)) {
		names = append(names, "geofabrik/"+region)
	}
	return names
}
