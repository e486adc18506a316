package rtc

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/groupcall/internal/core"
)

var mediaKinds = []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}

// endpoint is one server-side PeerConnection.
type endpoint struct {
	id       string
	pipeline *pipeline
	pc       *webrtc.PeerConnection
	logger   zerolog.Logger
	gate     candidateGate

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	remoteSet     bool
	pendingRemote []core.Candidate
	// relays carry what the browser publishes on this endpoint, per kind.
	relays map[webrtc.RTPCodecType]*relay
	// subs are the writers fed from this endpoint, per sink id.
	subs map[string]map[webrtc.RTPCodecType]rtpWriter
	// locals are the tracks this endpoint sends to its browser.
	locals map[webrtc.RTPCodecType]*webrtc.TrackLocalStaticRTP
	// sources feed locals.
	sources  map[string]*endpoint
	released bool
}

func newEndpoint(p *pipeline) (*endpoint, error) {
	pc, err := p.svc.api.NewPeerConnection(p.svc.pcConfig)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	e := &endpoint{
		id:       id,
		pipeline: p,
		pc:       pc,
		logger:   p.logger.With().Str("endpoint", id).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		relays:   make(map[webrtc.RTPCodecType]*relay),
		subs:     make(map[string]map[webrtc.RTPCodecType]rtpWriter),
		locals:   make(map[webrtc.RTPCodecType]*webrtc.TrackLocalStaticRTP),
		sources:  make(map[string]*endpoint),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			e.logger.Trace().Msg("gathering complete")
			return
		}
		e.gate.push(c.ToJSON())
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		e.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.logger.Info().Str("peer_connection_state", s.String()).Msg("peer state")
	})
	pc.OnTrack(e.onTrack)
	return e, nil
}

func (e *endpoint) ID() string { return e.id }

func (e *endpoint) OnCandidate(fn func(core.Candidate)) { e.gate.setHandler(fn) }

func (e *endpoint) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := track.Kind()
	logger := e.logger.With().Str("kind", kind.String()).Str("track_id", track.ID()).Logger()
	logger.Info().Str("codec", track.Codec().MimeType).Msg("OnTrack received")

	ctx, cancel := context.WithCancel(e.ctx)
	r := newRelay(track, cancel)

	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		cancel()
		return
	}
	if old, ok := e.relays[kind]; ok {
		logger.Info().Msg("replacing relay")
		old.stop()
	}
	e.relays[kind] = r
	for sink, writers := range e.subs {
		if w, ok := writers[kind]; ok {
			r.add(sink, w)
		}
	}
	e.mu.Unlock()

	go r.loop(ctx, logger)
}

func (e *endpoint) ProcessOffer(ctx context.Context, sdpOffer string) (string, error) {
	if e.isReleased() {
		return "", ErrEndpointReleased
	}
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpOffer}); err != nil {
		return "", err
	}
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}

	e.mu.Lock()
	e.remoteSet = true
	pending := e.pendingRemote
	e.pendingRemote = nil
	e.mu.Unlock()
	for _, c := range pending {
		if err := e.pc.AddICECandidate(c); err != nil {
			e.logger.Warn().Err(err).Msg("buffered remote candidate rejected")
		}
	}
	return answer.SDP, nil
}

// GatherCandidates lets locally gathered candidates through. pion starts
// gathering with the local description, so this only opens the gate.
func (e *endpoint) GatherCandidates(ctx context.Context) error {
	if e.isReleased() {
		return ErrEndpointReleased
	}
	e.gate.release()
	return nil
}

func (e *endpoint) AddCandidate(ctx context.Context, c core.Candidate) error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return ErrEndpointReleased
	}
	if !e.remoteSet {
		e.pendingRemote = append(e.pendingRemote, c)
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	return e.pc.AddICECandidate(c)
}

// Connect makes this endpoint's published media flow to sink. Calling it
// again for the same sink keeps the existing tracks.
func (e *endpoint) Connect(ctx context.Context, sink core.Endpoint) error {
	dst, ok := sink.(*endpoint)
	if !ok {
		return ErrForeignEndpoint
	}
	if dst == e {
		return nil
	}
	writers := make(map[webrtc.RTPCodecType]rtpWriter, len(mediaKinds))
	for _, kind := range mediaKinds {
		t, err := dst.localTrack(kind, e)
		if err != nil {
			return err
		}
		writers[kind] = t
	}
	if err := e.subscribe(dst.id, writers); err != nil {
		return err
	}
	dst.mu.Lock()
	if !dst.released {
		dst.sources[e.id] = e
	}
	dst.mu.Unlock()
	e.requestKeyframe()
	return nil
}

// localTrack returns the track of the given kind this endpoint sends,
// adding it to the PeerConnection on first use.
func (e *endpoint) localTrack(kind webrtc.RTPCodecType, src *endpoint) (*webrtc.TrackLocalStaticRTP, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return nil, ErrEndpointReleased
	}
	if t, ok := e.locals[kind]; ok {
		return t, nil
	}
	t, err := webrtc.NewTrackLocalStaticRTP(capabilityOf(kind), kind.String(), src.id)
	if err != nil {
		return nil, err
	}
	sender, err := e.pc.AddTrack(t)
	if err != nil {
		return nil, err
	}
	e.locals[kind] = t
	go e.readRTCP(sender, src)
	return t, nil
}

// readRTCP drains the feedback of a sender and forwards keyframe requests
// to the publishing endpoint.
func (e *endpoint) readRTCP(sender *webrtc.RTPSender, src *endpoint) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				src.requestKeyframe()
			}
		}
	}
}

func (e *endpoint) requestKeyframe() {
	e.mu.Lock()
	r, ok := e.relays[webrtc.RTPCodecTypeVideo]
	e.mu.Unlock()
	if !ok {
		return
	}
	if err := e.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(r.src.SSRC())}}); err != nil {
		e.logger.Debug().Err(err).Msg("keyframe request")
	}
}

func (e *endpoint) subscribe(sink string, writers map[webrtc.RTPCodecType]rtpWriter) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return ErrEndpointReleased
	}
	e.subs[sink] = writers
	for kind, w := range writers {
		if r, ok := e.relays[kind]; ok {
			r.add(sink, w)
		}
	}
	return nil
}

func (e *endpoint) unsubscribe(sink string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, sink)
	for _, r := range e.relays {
		r.remove(sink)
	}
}

func (e *endpoint) isReleased() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

func (e *endpoint) Release(ctx context.Context) error {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return nil
	}
	e.released = true
	relays := e.relays
	sources := e.sources
	e.relays = make(map[webrtc.RTPCodecType]*relay)
	e.sources = make(map[string]*endpoint)
	e.subs = make(map[string]map[webrtc.RTPCodecType]rtpWriter)
	e.mu.Unlock()

	for _, r := range relays {
		r.stop()
	}
	for _, src := range sources {
		src.unsubscribe(e.id)
	}
	e.cancel()
	e.pipeline.forget(e.id)
	if err := e.pc.Close(); err != nil {
		return err
	}
	e.logger.Debug().Msg("endpoint released")
	return nil
}
