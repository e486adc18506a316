package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewParticipantName(t *testing.T) {
	cases := []struct {
		raw  string
		want error
	}{
		{"alice", nil},
		{"", ErrNameEmpty},
		{strings.Repeat("x", MaxNameLen), nil},
		{strings.Repeat("x", MaxNameLen+1), ErrNameTooLong},
		{strings.Repeat("й", MaxNameLen), nil},
	}
	for _, tc := range cases {
		name, err := NewParticipantName(tc.raw)
		require.ErrorIs(t, err, tc.want, "raw=%q", tc.raw)
		if tc.want == nil {
			require.Equal(t, ParticipantName(tc.raw), name)
		}
	}
}

func TestNewRoomName(t *testing.T) {
	_, err := NewRoomName("")
	require.ErrorIs(t, err, ErrNameEmpty)

	room, err := NewRoomName("R1")
	require.NoError(t, err)
	require.Equal(t, RoomName("R1"), room)
}
