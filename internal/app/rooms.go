package app

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
)

// Options tunes media housekeeping shared by rooms and sessions.
type Options struct {
	// ReleaseTimeout bounds each fire-and-forget release call.
	ReleaseTimeout time.Duration
	// StopTimeout bounds the wait for a recorder's stopped confirmation.
	StopTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReleaseTimeout <= 0 {
		o.ReleaseTimeout = 10 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	return o
}

type RoomInfo struct {
	Name        domain.RoomName `json:"name"`
	MemberCount int             `json:"member_count"`
}

// Rooms is the process-wide room registry. It is the only place rooms are
// minted and the only place emptied rooms are reaped.
type Rooms struct {
	media  core.MediaService
	policy Policy
	opts   Options

	mu    sync.RWMutex
	rooms map[domain.RoomName]*Room
}

func NewRooms(media core.MediaService, policy Policy, opts Options) *Rooms {
	return &Rooms{
		media:  media,
		policy: policy,
		opts:   opts.withDefaults(),
		rooms:  make(map[domain.RoomName]*Room),
	}
}

func (f *Rooms) GetOrCreate(name domain.RoomName) *Room {
	f.mu.RLock()
	room, ok := f.rooms[name]
	f.mu.RUnlock()
	if ok {
		return room
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[name]; ok {
		return room
	}
	room = newRoom(name, f.media, f.policy, f.opts, f.RemoveIfEmpty)
	f.rooms[name] = room
	log.Info().Str("module", "app.rooms").Str("room", string(name)).Msg("room created")
	return room
}

func (f *Rooms) Get(name domain.RoomName) (*Room, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[name]
	return room, ok
}

// Join admits a session into the named room. build is called with the room the
// session will belong to; it may be called again if the room is reaped
// between lookup and admission.
func (f *Rooms) Join(name domain.RoomName, build func(*Room) *Session) (*Room, *Session, []domain.ParticipantName, error) {
	for {
		room := f.GetOrCreate(name)
		sess := build(room)
		others, err := room.Join(sess)
		if errors.Is(err, core.ErrRoomClosed) {
			continue
		}
		if err != nil {
			return nil, nil, nil, err
		}
		return room, sess, others, nil
	}
}

// RemoveIfEmpty reaps the room if it has no members. Safe to call repeatedly.
func (f *Rooms) RemoveIfEmpty(name domain.RoomName) {
	f.mu.Lock()
	room, ok := f.rooms[name]
	if !ok {
		f.mu.Unlock()
		return
	}
	if !room.closeIfEmpty() {
		f.mu.Unlock()
		return
	}
	delete(f.rooms, name)
	f.mu.Unlock()

	log.Info().Str("module", "app.rooms").Str("room", string(name)).Msg("room removed")
	room.releasePipeline()
}

func (f *Rooms) List() []RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]RoomInfo, 0, len(f.rooms))
	for name, r := range f.rooms {
		out = append(out, RoomInfo{Name: name, MemberCount: r.MemberCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
