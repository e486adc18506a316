package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/groupcall/internal/adapters/memmedia"
	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/core/coretest"
	"github.com/dkeye/groupcall/internal/domain"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var testOpts = Options{ReleaseTimeout: time.Second, StopTimeout: 50 * time.Millisecond}

func newTestRooms(t *testing.T) (*Rooms, *memmedia.Service) {
	t.Helper()
	media := memmedia.New()
	return NewRooms(media, SimplePolicy{}, testOpts), media
}

func join(t *testing.T, rooms *Rooms, room domain.RoomName, name domain.ParticipantName) (*Session, *coretest.Signal, []domain.ParticipantName) {
	t.Helper()
	sig := coretest.NewSignal()
	_, sess, others, err := rooms.Join(room, func(r *Room) *Session {
		return NewSession(core.NewSessionID(), name, room, sig, r, testOpts)
	})
	require.NoError(t, err)
	return sess, sig, others
}

func released(media *memmedia.Service) int {
	n := 0
	for _, ep := range media.Endpoints() {
		if ep.Released() {
			n++
		}
	}
	return n
}

func namesOf(in []domain.ParticipantName) []string {
	out := make([]string, 0, len(in))
	for _, n := range in {
		out = append(out, string(n))
	}
	return out
}
