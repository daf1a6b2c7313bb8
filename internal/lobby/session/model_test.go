package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/lobby/internal/lobby/backend"
)

func TestSettings_AdvertisedAndData(t *testing.T) {
	s := Settings{
		PublicSlots: 8,
		Attributes: []Attribute{
			{Key: "mode", Value: "coop", Advertised: true},
			{Key: "password", Value: "hunter2"},
			{Key: "map", Value: "docks", Advertised: true},
			{Key: "seed", Value: "42"},
		},
	}

	assert.Equal(t, map[string]string{"mode": "coop", "map": "docks"}, s.Advertised())
	assert.Equal(t, "password=hunter2\nseed=42\n", string(s.Data()), "data keeps attribute order")
}

func TestSettings_DataEmpty(t *testing.T) {
	s := Settings{Attributes: []Attribute{{Key: "mode", Value: "coop", Advertised: true}}}
	assert.Empty(t, s.Data())
}

func TestSettings_Merge(t *testing.T) {
	s := Settings{
		Attributes: []Attribute{
			{Key: "mode", Value: "coop", Advertised: true},
			{Key: "password", Value: "hunter2"},
		},
	}

	s.Merge(map[string]string{"mode": "ranked", "zeta": "1", "alpha": "2"})

	require.Len(t, s.Attributes, 4)
	assert.Equal(t, Attribute{Key: "mode", Value: "ranked", Advertised: true}, s.Attributes[0])
	assert.Equal(t, Attribute{Key: "password", Value: "hunter2"}, s.Attributes[1])
	// Unknown keys land at the end, sorted.
	assert.Equal(t, "alpha", s.Attributes[2].Key)
	assert.Equal(t, "zeta", s.Attributes[3].Key)
}

func TestSettingsFromRoom(t *testing.T) {
	info := backend.RoomInfo{
		TotalPublicSlots:  8,
		TotalPrivateSlots: 2,
		Attributes:        map[string]string{"mode": "coop", "map": "docks"},
	}

	s := SettingsFromRoom(info)
	assert.Equal(t, 8, s.PublicSlots)
	assert.Equal(t, 2, s.PrivateSlots)
	require.Len(t, s.Attributes, 2)
	assert.Equal(t, "map", s.Attributes[0].Key)
	assert.Equal(t, "mode", s.Attributes[1].Key)
	for _, a := range s.Attributes {
		assert.True(t, a.Advertised)
	}
}

func TestJoinResultFromError(t *testing.T) {
	cases := []struct {
		code int
		want JoinResult
	}{
		{backend.CodeRoomFull, JoinSessionIsFull},
		{backend.CodeRoomNotFound, JoinSessionDoesNotExist},
		{backend.CodeAlreadyMember, JoinAlreadyInSession},
		{backend.CodeAddressUnavailable, JoinCouldNotRetrieveAddress},
		{backend.CodeInternal, JoinUnknownError},
	}
	for _, tc := range cases {
		got := joinResultFromError(backend.NewError(tc.code, "test"))
		assert.Equal(t, tc.want, got, "code %d", tc.code)
	}

	assert.Equal(t, JoinSuccess, joinResultFromError(nil))
	assert.Equal(t, JoinUnknownError, joinResultFromError(assert.AnError))
}
