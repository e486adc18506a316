package app

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
)

// PublishResult reports delivery stats of one broadcast.
type PublishResult struct {
	SendTo  int
	Dropped []*Session
}

// Room is a threadsafe in-memory room. It owns the membership set and the
// room's media pipeline, but never closes adapter-owned channels itself;
// a kicked member's channel is closed and its own read loop does the cleanup.
type Room struct {
	name    domain.RoomName
	media   core.MediaService
	policy  Policy
	opts    Options
	onEmpty func(domain.RoomName)
	logger  zerolog.Logger

	pipeMu   sync.Mutex
	pipeline core.MediaPipeline

	mu      sync.RWMutex
	members map[domain.ParticipantName]*Session
	closed  bool
}

func newRoom(name domain.RoomName, media core.MediaService, policy Policy, opts Options, onEmpty func(domain.RoomName)) *Room {
	return &Room{
		name:    name,
		media:   media,
		policy:  policy,
		opts:    opts,
		onEmpty: onEmpty,
		logger:  log.With().Str("module", "app.room").Str("room", string(name)).Logger(),
		members: make(map[domain.ParticipantName]*Session),
	}
}

func (r *Room) Name() domain.RoomName { return r.name }

// Pipeline returns the room's media pipeline, creating it on first use.
func (r *Room) Pipeline(ctx context.Context) (core.MediaPipeline, error) {
	r.pipeMu.Lock()
	defer r.pipeMu.Unlock()
	if r.isClosed() {
		return nil, core.ErrRoomClosed
	}
	if r.pipeline != nil {
		return r.pipeline, nil
	}
	p, err := r.media.NewPipeline(ctx, r.name)
	if err != nil {
		return nil, core.WrapMedia("createPipeline", "", err)
	}
	r.pipeline = p
	r.logger.Info().Str("pipeline", p.ID()).Msg("pipeline created")
	return p, nil
}

func (r *Room) releasePipeline() {
	r.pipeMu.Lock()
	p := r.pipeline
	r.pipeline = nil
	r.pipeMu.Unlock()
	if p == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.ReleaseTimeout)
		defer cancel()
		if err := p.Release(ctx); err != nil {
			r.logger.Warn().Err(err).Str("pipeline", p.ID()).Msg("could not release pipeline")
			return
		}
		r.logger.Debug().Str("pipeline", p.ID()).Msg("pipeline released")
	}()
}

func (r *Room) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// closeIfEmpty marks an empty room closed so no late joiner can enter it.
func (r *Room) closeIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) > 0 {
		return false
	}
	r.closed = true
	return true
}

// Join adds s to the room and announces it to everybody else. It returns the
// names of the members that were present before s.
func (r *Room) Join(s *Session) ([]domain.ParticipantName, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, core.ErrRoomClosed
	}
	if _, ok := r.members[s.Name()]; ok {
		r.mu.Unlock()
		return nil, core.ErrDuplicateName
	}
	others := make([]domain.ParticipantName, 0, len(r.members))
	for name := range r.members {
		others = append(others, name)
	}
	r.members[s.Name()] = s
	r.mu.Unlock()

	sort.Slice(others, func(i, j int) bool { return others[i] < others[j] })
	r.logger.Info().Str("sid", string(s.ID())).Str("name", string(s.Name())).Msg("member added")

	r.Broadcast(ParticipantEvent{ID: MsgNewParticipantArrived, Name: s.Name()}, s)
	return others, nil
}

// Leave removes s if it is still the member registered under its name. The
// remaining members are told and drop the media they received from s. An
// absent member is not an error.
func (r *Room) Leave(s *Session) {
	r.mu.Lock()
	if cur, ok := r.members[s.Name()]; !ok || cur != s {
		r.mu.Unlock()
		return
	}
	delete(r.members, s.Name())
	s.markLeft()
	remaining := r.snapshotLocked()
	empty := len(r.members) == 0
	r.mu.Unlock()

	r.logger.Info().Str("sid", string(s.ID())).Str("name", string(s.Name())).Msg("member removed")

	r.Broadcast(ParticipantEvent{ID: MsgParticipantLeft, Name: s.Name()}, nil)
	for _, m := range remaining {
		m.dropInbound(s)
	}
	if empty && r.onEmpty != nil {
		r.onEmpty(r.name)
	}
}

// Broadcast delivers msg to every member except the excluded one. A failed
// delivery never stops delivery to the others; the policy decides the fate of
// the member that could not be reached.
func (r *Room) Broadcast(msg any, exclude *Session) PublishResult {
	res := PublishResult{}
	frame, err := Encode(msg)
	if err != nil {
		r.logger.Error().Err(err).Msg("broadcast encode")
		return res
	}

	r.mu.RLock()
	targets := r.snapshotLocked()
	r.mu.RUnlock()

	var causes []error
	for _, m := range targets {
		if m == exclude {
			continue
		}
		if err := m.Signal().TrySend(frame); err != nil {
			r.logger.Warn().Err(err).Str("sid", string(m.ID())).Str("name", string(m.Name())).Msg("broadcast delivery failed")
			res.Dropped = append(res.Dropped, m)
			causes = append(causes, &core.TransportError{Err: err})
			continue
		}
		res.SendTo++
	}
	r.logger.Debug().Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")

	if r.policy == nil {
		return res
	}
	for i, slow := range res.Dropped {
		switch r.policy.OnBackPressure(r, slow, causes[i]) {
		case KickMember:
			r.logger.Info().Str("sid", string(slow.ID())).Msg("kicking unreachable member")
			slow.Signal().Close()
		case NoAction:
			r.logger.Debug().Str("sid", string(slow.ID())).Msg("unreachable member already closing")
		}
	}
	return res
}

func (r *Room) Member(name domain.ParticipantName) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.members[name]
	return s, ok
}

func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// MemberNames returns the current member names in lexical order.
func (r *Room) MemberNames() []domain.ParticipantName {
	r.mu.RLock()
	out := make([]domain.ParticipantName, 0, len(r.members))
	for name := range r.members {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Room) snapshotLocked() []*Session {
	out := make([]*Session, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}
