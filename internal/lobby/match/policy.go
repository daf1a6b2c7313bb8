// Package match orchestrates the search, ping, and candidate-selection flow
// for session browsing and automatic matchmaking.
package match

import (
	"time"

	"github.com/cory-johannsen/lobby/internal/lobby/backend"
)

// SentinelPing is recorded for a candidate whose QoS ping failed or timed
// out. It sorts behind every real sample so the ping phase always terminates
// without retries.
const SentinelPing = time.Hour

// SearchResult is one candidate room found by a search, with its QoS sample.
type SearchResult struct {
	Room backend.RoomInfo
	// Ping is the measured round trip, or SentinelPing on ping failure.
	Ping time.Duration
	// Sampled reports whether the ping phase has produced a value for Ping.
	Sampled bool
}

// Query filters a session search.
type Query struct {
	// MaxResults caps the result list; 0 uses the configured default.
	MaxResults int
	// Attributes must all match exactly for a room to be listed.
	Attributes map[string]string
}

// Policy selects the candidate to auto-join once every search result has a
// ping sample. Implementations must be pure: no I/O, no retained state.
type Policy interface {
	// Select returns the index of the chosen candidate, or false when no
	// candidate qualifies.
	Select(results []SearchResult) (int, bool)
}

// MostPopulatedPolicy picks the candidate with the fewest open public slots
// among those with at least one open slot, preferring the most-populated
// room that can still be joined. Ties break toward the lowest ping.
type MostPopulatedPolicy struct{}

// Select implements Policy.
func (MostPopulatedPolicy) Select(results []SearchResult) (int, bool) {
	best := -1
	for i, r := range results {
		if r.Room.OpenPublicSlots < 1 {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		b := results[best]
		switch {
		case r.Room.OpenPublicSlots < b.Room.OpenPublicSlots:
			best = i
		case r.Room.OpenPublicSlots == b.Room.OpenPublicSlots && r.Ping < b.Ping:
			best = i
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}
