package app

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
)

// PipelineSource hands out the media pipeline a session builds its endpoints in.
type PipelineSource interface {
	Pipeline(ctx context.Context) (core.MediaPipeline, error)
}

// Session is the server-side state of one joined participant: its outgoing
// endpoint and one inbound endpoint per remote peer it views.
type Session struct {
	id     core.SessionID
	name   domain.ParticipantName
	room   domain.RoomName
	signal core.SignalConnection
	opts   Options
	logger zerolog.Logger

	outFlight singleflight.Group
	inFlight  singleflight.Group

	mu       sync.Mutex
	media    PipelineSource
	outgoing core.Endpoint
	inbound  map[domain.ParticipantName]inboundLeg
	recorder core.Recorder
	left     bool
	closed   bool
}

// inboundLeg is an endpoint carrying src's media to the owning session.
type inboundLeg struct {
	ep  core.Endpoint
	src *Session
}

func NewSession(
	id core.SessionID,
	name domain.ParticipantName,
	room domain.RoomName,
	signal core.SignalConnection,
	media PipelineSource,
	opts Options,
) *Session {
	return &Session{
		id:     id,
		name:   name,
		room:   room,
		signal: signal,
		media:  media,
		opts:   opts.withDefaults(),
		logger: log.With().
			Str("module", "app.session").
			Str("sid", string(id)).
			Str("name", string(name)).
			Str("room", string(room)).
			Logger(),
		inbound: make(map[domain.ParticipantName]inboundLeg),
	}
}

// markLeft records that the session is no longer a room member. Nobody may
// build a new leg from it afterwards.
func (s *Session) markLeft() {
	s.mu.Lock()
	s.left = true
	s.mu.Unlock()
}

func (s *Session) departed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.left || s.closed
}

func (s *Session) ID() core.SessionID             { return s.id }
func (s *Session) Name() domain.ParticipantName   { return s.name }
func (s *Session) RoomName() domain.RoomName      { return s.room }
func (s *Session) Signal() core.SignalConnection { return s.signal }

// Send encodes msg and queues it on the session's channel.
func (s *Session) Send(msg any) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := s.signal.TrySend(frame); err != nil {
		return &core.TransportError{Err: err}
	}
	return nil
}

// sendOrDrop is used from media callbacks: a channel that cannot take the
// message is treated as gone.
func (s *Session) sendOrDrop(msg any) {
	err := s.Send(msg)
	if err == nil {
		return
	}
	var te *core.TransportError
	if errors.As(err, &te) {
		s.logger.Warn().Err(err).Msg("channel unwritable, closing")
		s.signal.Close()
		return
	}
	s.logger.Error().Err(err).Msg("send")
}

// OutgoingEndpoint returns the endpoint this participant publishes on,
// building it on first use.
func (s *Session) OutgoingEndpoint(ctx context.Context) (core.Endpoint, error) {
	s.mu.Lock()
	if s.closed || s.left {
		s.mu.Unlock()
		return nil, core.ErrSessionClosed
	}
	if ep := s.outgoing; ep != nil {
		s.mu.Unlock()
		return ep, nil
	}
	s.mu.Unlock()

	v, err, _ := s.outFlight.Do("outgoing", func() (any, error) {
		s.mu.Lock()
		if ep := s.outgoing; ep != nil {
			s.mu.Unlock()
			return ep, nil
		}
		s.mu.Unlock()

		ep, err := s.newEndpoint(ctx, s.name)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if s.closed || s.left {
			s.mu.Unlock()
			s.releaseAsync(ep, s.name, "outgoing")
			return nil, core.ErrSessionClosed
		}
		s.outgoing = ep
		s.mu.Unlock()
		s.logger.Debug().Str("endpoint", ep.ID()).Msg("outgoing endpoint created")
		return ep, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(core.Endpoint), nil
}

// inboundFrom returns the endpoint that carries sender's media to this
// participant. Concurrent callers for the same sender share one creation. A leg
// left behind by an earlier session under the same name is replaced.
func (s *Session) inboundFrom(ctx context.Context, sender *Session) (core.Endpoint, error) {
	name := sender.Name()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, core.ErrSessionClosed
	}
	if leg, ok := s.inbound[name]; ok && leg.src == sender {
		s.mu.Unlock()
		return leg.ep, nil
	}
	s.mu.Unlock()

	v, err, _ := s.inFlight.Do(string(sender.ID()), func() (any, error) {
		s.mu.Lock()
		if leg, ok := s.inbound[name]; ok && leg.src == sender {
			s.mu.Unlock()
			return leg.ep, nil
		}
		s.mu.Unlock()

		s.logger.Debug().Str("peer", string(name)).Msg("creating inbound endpoint")
		ep, err := s.newEndpoint(ctx, name)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			s.releaseAsync(ep, name, "inbound")
			return nil, core.ErrSessionClosed
		}
		stale, replaced := s.inbound[name]
		s.inbound[name] = inboundLeg{ep: ep, src: sender}
		s.mu.Unlock()
		if replaced {
			s.logger.Debug().Str("peer", string(name)).Msg("replacing stale inbound endpoint")
			s.releaseAsync(stale.ep, name, "inbound")
		}
		return ep, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(core.Endpoint), nil
}

// newEndpoint builds an endpoint whose discovered candidates are forwarded to
// this participant tagged with tag, the name of the endpoint's media owner.
func (s *Session) newEndpoint(ctx context.Context, tag domain.ParticipantName) (core.Endpoint, error) {
	s.mu.Lock()
	src := s.media
	s.mu.Unlock()
	if src == nil {
		return nil, core.ErrSessionClosed
	}
	pipeline, err := src.Pipeline(ctx)
	if err != nil {
		return nil, err
	}
	ep, err := pipeline.NewEndpoint(ctx)
	if err != nil {
		return nil, core.WrapMedia("createEndpoint", string(tag), err)
	}
	ep.OnCandidate(func(c core.Candidate) {
		s.sendOrDrop(IceCandidate{ID: MsgIceCandidate, Name: tag, Candidate: c})
	})
	return ep, nil
}

// ReceiveVideoFrom negotiates the leg that shows sender to this participant.
// When sender is the participant itself the offer publishes its own media.
// The answer is queued on the channel before candidate gathering starts so
// the browser always sees it first. A sender that leaves the room before the
// answer is ready yields ErrUnknownPeer and no leg.
func (s *Session) ReceiveVideoFrom(ctx context.Context, sender *Session, sdpOffer string) (string, error) {
	loopback := sender == s || sender.Name() == s.name
	var (
		ep  core.Endpoint
		err error
	)
	if loopback {
		s.logger.Debug().Msg("configuring loopback")
		ep, err = s.OutgoingEndpoint(ctx)
	} else {
		if sender.departed() {
			return "", unknownPeer(sender)
		}
		s.logger.Info().Str("peer", string(sender.Name())).Msg("connecting")
		ep, err = s.inboundFrom(ctx, sender)
		if err == nil {
			err = s.connectFrom(ctx, sender, ep)
		}
	}
	if err != nil {
		if errors.Is(err, core.ErrUnknownPeer) {
			s.dropInbound(sender)
		}
		return "", err
	}

	answer, err := ep.ProcessOffer(ctx, sdpOffer)
	if !loopback && sender.departed() {
		s.dropInbound(sender)
		return "", unknownPeer(sender)
	}
	if err != nil {
		return "", core.WrapMedia("processOffer", string(sender.Name()), err)
	}
	if err := s.Send(VideoAnswer{ID: MsgReceiveVideoAnswer, Name: sender.Name(), SDPAnswer: answer}); err != nil {
		return answer, err
	}
	if err := ep.GatherCandidates(ctx); err != nil {
		return answer, core.WrapMedia("gatherCandidates", string(sender.Name()), err)
	}
	return answer, nil
}

func unknownPeer(sender *Session) error {
	return fmt.Errorf("%w: %s", core.ErrUnknownPeer, sender.Name())
}

func (s *Session) connectFrom(ctx context.Context, sender *Session, sink core.Endpoint) error {
	src, err := sender.OutgoingEndpoint(ctx)
	if err != nil {
		if errors.Is(err, core.ErrSessionClosed) {
			return unknownPeer(sender)
		}
		return err
	}
	if err := src.Connect(ctx, sink); err != nil {
		return core.WrapMedia("connect", string(sender.Name()), err)
	}
	return nil
}

// CancelVideoFrom stops viewing sender. The endpoint is released in the background.
func (s *Session) CancelVideoFrom(sender domain.ParticipantName) {
	s.mu.Lock()
	leg, ok := s.inbound[sender]
	delete(s.inbound, sender)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Debug().Str("peer", string(sender)).Msg("canceling video reception")
	s.releaseAsync(leg.ep, sender, "inbound")
}

// dropInbound releases the leg fed by sender, leaving a leg from a newer
// session under the same name alone.
func (s *Session) dropInbound(sender *Session) {
	name := sender.Name()
	s.mu.Lock()
	leg, ok := s.inbound[name]
	if !ok || leg.src != sender {
		s.mu.Unlock()
		return
	}
	delete(s.inbound, name)
	s.mu.Unlock()
	s.logger.Debug().Str("peer", string(name)).Msg("dropping inbound endpoint")
	s.releaseAsync(leg.ep, name, "inbound")
}

// AddCandidate applies a browser candidate to the endpoint owned by owner.
// Candidates for endpoints that no longer exist are dropped.
func (s *Session) AddCandidate(ctx context.Context, c core.Candidate, owner domain.ParticipantName) error {
	s.mu.Lock()
	var ep core.Endpoint
	if owner == s.name {
		ep = s.outgoing
	} else {
		ep = s.inbound[owner].ep
	}
	s.mu.Unlock()
	if ep == nil {
		s.logger.Debug().Str("peer", string(owner)).Msg("candidate for unknown endpoint dropped")
		return nil
	}
	if err := ep.AddCandidate(ctx, c); err != nil {
		return core.WrapMedia("addCandidate", string(owner), err)
	}
	return nil
}

// InboundPeers lists the peers this participant currently has an inbound endpoint for.
func (s *Session) InboundPeers() []domain.ParticipantName {
	s.mu.Lock()
	out := make([]domain.ParticipantName, 0, len(s.inbound))
	for name := range s.inbound {
		out = append(out, name)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StartRecording records this participant's published media.
func (s *Session) StartRecording(ctx context.Context) (string, error) {
	s.mu.Lock()
	if rec := s.recorder; rec != nil {
		s.mu.Unlock()
		return rec.Path(), nil
	}
	src := s.media
	s.mu.Unlock()
	if src == nil {
		return "", core.ErrSessionClosed
	}

	out, err := s.OutgoingEndpoint(ctx)
	if err != nil {
		return "", err
	}
	pipeline, err := src.Pipeline(ctx)
	if err != nil {
		return "", err
	}
	base := path.Join(string(s.room), fmt.Sprintf("%s-%s", s.name, uuid.NewString()))
	rec, err := pipeline.NewRecorder(ctx, out, base)
	if err != nil {
		return "", core.WrapMedia("record", string(s.name), err)
	}

	s.mu.Lock()
	if s.closed || s.recorder != nil {
		existing := s.recorder
		s.mu.Unlock()
		s.awaitStopped(ctx, rec)
		if existing != nil {
			return existing.Path(), nil
		}
		return "", core.ErrSessionClosed
	}
	s.recorder = rec
	s.mu.Unlock()
	s.logger.Info().Str("path", rec.Path()).Msg("recording started")
	return rec.Path(), nil
}

// StopRecording stops the active recording and waits a bounded time for it
// to be flushed. A timeout is logged and otherwise ignored.
func (s *Session) StopRecording(ctx context.Context) (string, error) {
	s.mu.Lock()
	rec := s.recorder
	s.recorder = nil
	s.mu.Unlock()
	if rec == nil {
		return "", core.ErrNotRecording
	}
	s.awaitStopped(ctx, rec)
	return rec.Path(), nil
}

func (s *Session) awaitStopped(ctx context.Context, rec core.Recorder) {
	err := core.Await(ctx, rec.Stop(), s.opts.StopTimeout)
	switch {
	case err == nil:
		s.logger.Info().Str("path", rec.Path()).Msg("recording stopped")
	case errors.Is(err, core.ErrReleaseTimeout):
		s.logger.Warn().Err(err).Str("path", rec.Path()).Dur("timeout", s.opts.StopTimeout).Msg("recorder did not confirm stop")
	default:
		s.logger.Warn().Err(err).Str("path", rec.Path()).Msg("waiting for recorder stop")
	}
}

// Teardown releases every endpoint the session owns and detaches it from the
// room's pipeline. Releases run in the background; calling Teardown again is a no-op.
func (s *Session) Teardown(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	inbound := s.inbound
	s.inbound = make(map[domain.ParticipantName]inboundLeg)
	out := s.outgoing
	s.outgoing = nil
	rec := s.recorder
	s.recorder = nil
	s.media = nil
	s.mu.Unlock()

	s.logger.Debug().Int("inbound", len(inbound)).Msg("releasing resources")
	if rec != nil {
		s.awaitStopped(ctx, rec)
	}
	for peer, leg := range inbound {
		s.releaseAsync(leg.ep, peer, "inbound")
	}
	if out != nil {
		s.releaseAsync(out, s.name, "outgoing")
	}
}

func (s *Session) releaseAsync(ep core.Endpoint, peer domain.ParticipantName, kind string) {
	timeout := s.opts.ReleaseTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		start := time.Now()
		if err := ep.Release(ctx); err != nil {
			s.logger.Warn().Err(err).Str("peer", string(peer)).Str("kind", kind).Msg("could not release endpoint")
			return
		}
		s.logger.Trace().Str("peer", string(peer)).Str("kind", kind).Dur("took", time.Since(start)).Msg("endpoint released")
	}()
}
