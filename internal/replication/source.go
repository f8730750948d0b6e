package replication

import (
	"fmt"
	"strings"
	"time"
)

// Feed is one of the three planet replication granularities
type Feed uint8

const (
	Minute Feed = iota
	Hour
	Day
)

// Feeds lists every feed from finest to coarsest
var Feeds = [...]Feed{Minute, Hour, Day}

// Period returns the time span covered by one diff of the feed
func (f Feed) Period() time.Duration {
	switch f {
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

func (f Feed) String() string {
	switch f {
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case Day:
		return "day"
	}
	return fmt.Sprintf("feed(%d)", uint8(f))
}

// ParseFeed parses "minute", "hour" or "day"
func ParseFeed(s string) (Feed, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minute", "minutely":
		return Minute, nil
	case "hour", "hourly":
		return Hour, nil
	case "day", "daily":
		return Day, nil
	}
	return 0, fmt.Errorf("unknown replication feed: %q", s)
}

// DefaultBaseURL is the root of the planet replication tree
const DefaultBaseURL = "https://planet.openstreetmap.org/replication"

// Source is one replication feed endpoint
type Source struct {
	Feed    Feed
	BaseURL string // feed root, without trailing slash
}

// StateURL returns the URL for the current state file
func (s *Source) StateURL() string {
	return s.BaseURL + "/state.txt"
}

// SequenceStateURL returns the URL for a specific sequence's state file
func (s *Source) SequenceStateURL(seq int64) string {
	return fmt.Sprintf("%s/%s.state.txt", s.BaseURL, SequenceToPath(seq))
}

// SequenceDataURL returns the URL for a specific sequence's OSC file
func (s *Source) SequenceDataURL(seq int64) string {
	return fmt.Sprintf("%s/%s.osc.gz", s.BaseURL, SequenceToPath(seq))
}

func (s *Source) String() string {
	return s.Feed.String() + " " + s.BaseURL
}

// Sources holds one source per feed, indexed by Feed
type Sources [len(Feeds)]*Source

// PlanetSources builds the minute, hour and day sources under a replication root
// laid out like planet.openstreetmap.org (<base>/minute, <base>/hour, <base>/day)
func PlanetSources(base string) Sources {
	base = strings.TrimSuffix(strings.TrimSpace(base), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	var s Sources
	for _, f := range Feeds {
		s[f] = &Source{Feed: f, BaseURL: base + "/" + f.String()}
	}
	return s
}
