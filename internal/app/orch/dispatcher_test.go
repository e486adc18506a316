package orch

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/groupcall/internal/adapters/memmedia"
	"github.com/dkeye/groupcall/internal/app"
	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/core/coretest"
)

var testOpts = app.Options{ReleaseTimeout: time.Second, StopTimeout: 50 * time.Millisecond}

type fixture struct {
	t     *testing.T
	d     *Dispatcher
	rooms *app.Rooms
	media *memmedia.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	media := memmedia.New()
	rooms := app.NewRooms(media, app.SimplePolicy{}, testOpts)
	return &fixture{t: t, d: NewDispatcher(rooms, testOpts, time.Second), rooms: rooms, media: media}
}

func (f *fixture) open() (*Conn, *coretest.Signal) {
	sig := coretest.NewSignal()
	return f.d.Open(core.NewSessionID(), sig), sig
}

func (f *fixture) send(c *Conn, msg map[string]any) {
	f.t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(f.t, err)
	f.d.Dispatch(f.t.Context(), c, b)
}

func (f *fixture) join(name, room string) (*Conn, *coretest.Signal) {
	f.t.Helper()
	c, sig := f.open()
	f.send(c, map[string]any{"id": MsgJoinRoom, "name": name, "roomName": room})
	require.Equal(f.t, StateJoined, c.State())
	return c, sig
}

func lastError(t *testing.T, sig *coretest.Signal) map[string]any {
	t.Helper()
	errs := sig.ByID(app.MsgError)
	require.NotEmpty(t, errs, "expected an error message")
	return errs[len(errs)-1]
}

func TestDispatcher_GroupCallScenario(t *testing.T) {
	f := newFixture(t)

	a, sigA := f.join("A", "R1")
	require.Equal(t, []string{app.MsgExistingParticipants}, sigA.IDs())
	assert.Equal(t, []any{}, sigA.Messages()[0]["data"])

	b, sigB := f.join("B", "R1")
	existing := sigB.ByID(app.MsgExistingParticipants)
	require.Len(t, existing, 1)
	assert.Equal(t, []any{"A"}, existing[0]["data"])
	arrived := sigA.ByID(app.MsgNewParticipantArrived)
	require.Len(t, arrived, 1)
	assert.Equal(t, "B", arrived[0]["name"])

	f.send(b, map[string]any{"id": MsgReceiveVideoFrom, "sender": "A", "sdpOffer": "X"})
	answers := sigB.ByID(app.MsgReceiveVideoAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "A", answers[0]["name"])
	assert.Equal(t, memmedia.Answer("X"), answers[0]["sdpAnswer"])
	assert.Empty(t, sigA.ByID(app.MsgReceiveVideoAnswer))

	f.send(b, map[string]any{"id": MsgLeaveRoom})
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, sigB.Closed())
	left := sigA.ByID(app.MsgParticipantLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "B", left[0]["name"])

	f.send(a, map[string]any{"id": MsgLeaveRoom})
	assert.Empty(t, f.rooms.List())
	_, ok := f.rooms.Get("R1")
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		for _, p := range f.media.Pipelines() {
			if !p.Released() {
				return false
			}
		}
		for _, ep := range f.media.Endpoints() {
			if !ep.Released() {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcher_MalformedMessages(t *testing.T) {
	f := newFixture(t)
	c, sig := f.open()

	f.d.Dispatch(t.Context(), c, []byte("{not json"))
	assert.Equal(t, app.ReasonBadRequest, lastError(t, sig)["reason"])
	assert.Equal(t, StateUnjoined, c.State())

	f.send(c, map[string]any{"id": "dance"})
	assert.Equal(t, app.ReasonBadRequest, lastError(t, sig)["reason"])

	f.send(c, map[string]any{"id": MsgJoinRoom, "name": "A"})
	assert.Equal(t, app.ReasonBadRequest, lastError(t, sig)["reason"])
	assert.Equal(t, StateUnjoined, c.State())
	assert.Empty(t, f.rooms.List())
}

func TestDispatcher_JoinAcceptsLegacyRoomField(t *testing.T) {
	f := newFixture(t)
	c, _ := f.open()

	f.send(c, map[string]any{"id": MsgJoinRoom, "name": "A", "room": "R1"})
	require.Equal(t, StateJoined, c.State())
	sess, ok := c.Session()
	require.True(t, ok)
	assert.EqualValues(t, "R1", sess.RoomName())
}

func TestDispatcher_DuplicateNameStaysUnjoined(t *testing.T) {
	f := newFixture(t)
	f.join("A", "R1")

	c, sig := f.open()
	f.send(c, map[string]any{"id": MsgJoinRoom, "name": "A", "roomName": "R1"})
	assert.Equal(t, app.ReasonDuplicateName, lastError(t, sig)["reason"])
	assert.Equal(t, StateUnjoined, c.State())

	room, ok := f.rooms.Get("R1")
	require.True(t, ok)
	assert.Equal(t, 1, room.MemberCount())

	f.send(c, map[string]any{"id": MsgJoinRoom, "name": "A2", "roomName": "R1"})
	assert.Equal(t, StateJoined, c.State())
	assert.Equal(t, 2, room.MemberCount())
}

func TestDispatcher_SecondJoinIsRejected(t *testing.T) {
	f := newFixture(t)
	c, sig := f.join("A", "R1")

	f.send(c, map[string]any{"id": MsgJoinRoom, "name": "Z", "roomName": "R2"})
	assert.Equal(t, app.ReasonBadRequest, lastError(t, sig)["reason"])
	assert.Equal(t, StateJoined, c.State())
	_, ok := f.rooms.Get("R2")
	assert.False(t, ok)
}

func TestDispatcher_RequestsBeforeJoin(t *testing.T) {
	f := newFixture(t)
	c, sig := f.open()

	for _, msg := range []map[string]any{
		{"id": MsgReceiveVideoFrom, "sender": "A", "sdpOffer": "X"},
		{"id": MsgOnIceCandidate, "name": "A", "candidate": map[string]any{"candidate": "c"}},
		{"id": MsgChat, "contents": "hi"},
		{"id": MsgStartRecording},
	} {
		sig.Reset()
		f.send(c, msg)
		assert.Equal(t, app.ReasonNotJoined, lastError(t, sig)["reason"], msg["id"])
	}
	assert.Equal(t, StateUnjoined, c.State())
}

func TestDispatcher_UnknownSender(t *testing.T) {
	f := newFixture(t)
	c, sig := f.join("A", "R1")

	f.send(c, map[string]any{"id": MsgReceiveVideoFrom, "sender": "ghost", "sdpOffer": "X"})
	assert.Equal(t, app.ReasonUnknownPeer, lastError(t, sig)["reason"])
	assert.Empty(t, f.media.Endpoints())
}

func TestDispatcher_MediaFailureGoesToRequesterOnly(t *testing.T) {
	f := newFixture(t)
	_, sigA := f.join("A", "R1")
	b, sigB := f.join("B", "R1")
	sigA.Reset()

	f.media.Fail(memmedia.OpProcessOffer, errors.New("boom"))
	f.send(b, map[string]any{"id": MsgReceiveVideoFrom, "sender": "A", "sdpOffer": "X"})

	e := lastError(t, sigB)
	assert.Equal(t, app.ReasonMediaError, e["reason"])
	assert.Equal(t, "media processOffer (A) failed", e["message"])
	assert.NotContains(t, e["message"], "boom", "the media cause stays in the log")
	assert.Empty(t, sigA.Messages())
	assert.Equal(t, StateJoined, b.State())

	f.media.Fail(memmedia.OpProcessOffer, nil)
	f.send(b, map[string]any{"id": MsgReceiveVideoFrom, "sender": "A", "sdpOffer": "X"})
	assert.Len(t, sigB.ByID(app.MsgReceiveVideoAnswer), 1)
}

func TestDispatcher_CandidatesReachTheRightEndpoint(t *testing.T) {
	f := newFixture(t)
	f.join("A", "R1")
	b, sigB := f.join("B", "R1")

	f.send(b, map[string]any{"id": MsgReceiveVideoFrom, "sender": "B", "sdpOffer": "self"})
	f.send(b, map[string]any{"id": MsgReceiveVideoFrom, "sender": "A", "sdpOffer": "X"})
	require.Len(t, sigB.ByID(app.MsgReceiveVideoAnswer), 2)

	cand := map[string]any{"candidate": "candidate:1 1 udp 1 10.0.0.2 4000 typ host", "sdpMid": "0"}
	f.send(b, map[string]any{"id": MsgOnIceCandidate, "name": "A", "candidate": cand})
	f.send(b, map[string]any{"id": MsgOnIceCandidate, "name": "nobody", "candidate": cand})
	assert.Empty(t, sigB.ByID(app.MsgError))

	var withRemote []*memmedia.Endpoint
	for _, ep := range f.media.Endpoints() {
		if len(ep.RemoteCandidates()) > 0 {
			withRemote = append(withRemote, ep)
		}
	}
	require.Len(t, withRemote, 1)
	assert.Equal(t, []string{"X"}, withRemote[0].Offers())
	assert.Equal(t, "candidate:1 1 udp 1 10.0.0.2 4000 typ host", withRemote[0].RemoteCandidates()[0].Candidate)

	f.send(b, map[string]any{"id": MsgOnIceCandidate, "name": "A"})
	assert.Equal(t, app.ReasonBadRequest, lastError(t, sigB)["reason"])
}

func TestDispatcher_ChatReachesEveryMember(t *testing.T) {
	f := newFixture(t)
	a, sigA := f.join("A", "R1")
	_, sigB := f.join("B", "R1")

	f.send(a, map[string]any{"id": MsgChat, "contents": "hello"})
	for _, sig := range []*coretest.Signal{sigA, sigB} {
		msgs := sig.ByID(app.MsgChat)
		require.Len(t, msgs, 1)
		assert.Equal(t, "A", msgs[0]["sessionName"])
		assert.Equal(t, "hello", msgs[0]["contents"])
	}

	f.send(a, map[string]any{"id": MsgChat, "contents": ""})
	assert.Equal(t, app.ReasonBadRequest, lastError(t, sigA)["reason"])
}

func TestDispatcher_Recording(t *testing.T) {
	f := newFixture(t)
	c, sig := f.join("A", "R1")

	f.send(c, map[string]any{"id": MsgStopRecording})
	assert.Equal(t, app.ReasonBadRequest, lastError(t, sig)["reason"])

	f.send(c, map[string]any{"id": MsgStartRecording})
	started := sig.ByID(app.MsgRecordingStarted)
	require.Len(t, started, 1)
	path, _ := started[0]["path"].(string)
	assert.Contains(t, path, "R1/A-")

	f.send(c, map[string]any{"id": MsgStopRecording})
	stopped := sig.ByID(app.MsgRecordingStopped)
	require.Len(t, stopped, 1)
	assert.Equal(t, path, stopped[0]["path"])
}

func TestDispatcher_DisconnectCleansUpOnce(t *testing.T) {
	f := newFixture(t)
	_, sigA := f.join("A", "R1")
	b, _ := f.join("B", "R1")

	f.d.Close(t.Context(), b)
	f.d.Close(t.Context(), b)
	assert.Equal(t, StateClosed, b.State())
	assert.Len(t, sigA.ByID(app.MsgParticipantLeft), 1)

	f.send(b, map[string]any{"id": MsgJoinRoom, "name": "B", "roomName": "R1"})
	assert.Equal(t, StateClosed, b.State())
	room, ok := f.rooms.Get("R1")
	require.True(t, ok)
	assert.Equal(t, 1, room.MemberCount())
}

func TestDispatcher_CloseBeforeJoin(t *testing.T) {
	f := newFixture(t)
	c, sig := f.open()

	f.d.Close(t.Context(), c)
	assert.Equal(t, StateClosed, c.State())
	assert.Empty(t, sig.Messages())
	assert.Empty(t, f.rooms.List())
}

func TestDispatcher_Ping(t *testing.T) {
	f := newFixture(t)
	c, sig := f.open()

	f.send(c, map[string]any{"id": MsgPing})
	assert.Equal(t, []string{app.MsgPong}, sig.IDs())
}

func TestDispatcher_UnwritableRequesterIsDisconnected(t *testing.T) {
	f := newFixture(t)
	f.join("A", "R1")
	b, sigB := f.join("B", "R1")

	sigB.FailWith(core.ErrBackpressure)
	f.send(b, map[string]any{"id": MsgReceiveVideoFrom, "sender": "A", "sdpOffer": "X"})
	assert.True(t, sigB.Closed())
}

func TestDispatcher_CancelVideoFromReleasesInboundLeg(t *testing.T) {
	f := newFixture(t)
	f.join("A", "R1")
	b, sigB := f.join("B", "R1")

	f.send(b, map[string]any{"id": MsgReceiveVideoFrom, "sender": "A", "sdpOffer": "X"})
	sess, ok := b.Session()
	require.True(t, ok)
	require.Len(t, sess.InboundPeers(), 1)

	f.send(b, map[string]any{"id": MsgCancelVideoFrom, "sender": "A"})
	assert.Empty(t, sess.InboundPeers())
	assert.Empty(t, sigB.ByID(app.MsgError))

	require.Eventually(t, func() bool {
		for _, ep := range f.media.Endpoints() {
			if len(ep.Offers()) > 0 && ep.Released() {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClientMessage_HidesCauses(t *testing.T) {
	cause := errors.New("dtls: handshake secret mismatch")

	assert.Equal(t, "internal error", clientMessage(app.ReasonInternal, cause))
	assert.Equal(t, "media connect (B) failed",
		clientMessage(app.ReasonMediaError, core.WrapMedia("connect", "B", cause)))
	assert.Equal(t, "media createPipeline failed",
		clientMessage(app.ReasonMediaError, core.WrapMedia("createPipeline", "", cause)))

	unknown := fmt.Errorf("%w: %s", core.ErrUnknownPeer, "ghost")
	assert.Equal(t, unknown.Error(), clientMessage(app.ReasonUnknownPeer, unknown))
}
