package match

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/lobby/internal/lobby/backend"
)

func candidate(openSlots int, ping time.Duration) SearchResult {
	return SearchResult{
		Room:    backend.RoomInfo{OpenPublicSlots: openSlots, TotalPublicSlots: 8},
		Ping:    ping,
		Sampled: true,
	}
}

func TestMostPopulatedPolicy_PicksFewestOpenSlots(t *testing.T) {
	results := []SearchResult{
		candidate(5, 30*time.Millisecond),
		candidate(0, 10*time.Millisecond),
		candidate(2, 50*time.Millisecond),
	}

	idx, ok := MostPopulatedPolicy{}.Select(results)
	require.True(t, ok)
	assert.Equal(t, 2, idx, "fullest joinable room wins; full rooms are skipped")
}

func TestMostPopulatedPolicy_TieBreaksOnPing(t *testing.T) {
	results := []SearchResult{
		candidate(2, 80*time.Millisecond),
		candidate(2, 20*time.Millisecond),
		candidate(2, 40*time.Millisecond),
	}

	idx, ok := MostPopulatedPolicy{}.Select(results)
	require.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestMostPopulatedPolicy_SentinelPingLosesTies(t *testing.T) {
	results := []SearchResult{
		candidate(2, SentinelPing),
		candidate(2, 200*time.Millisecond),
	}

	idx, ok := MostPopulatedPolicy{}.Select(results)
	require.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestMostPopulatedPolicy_NoJoinableCandidate(t *testing.T) {
	_, ok := MostPopulatedPolicy{}.Select([]SearchResult{candidate(0, time.Millisecond)})
	assert.False(t, ok)

	_, ok = MostPopulatedPolicy{}.Select(nil)
	assert.False(t, ok)
}
