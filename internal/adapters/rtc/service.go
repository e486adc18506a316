// Package rtc implements the media facade on top of pion/webrtc. Every
// endpoint is a server-side PeerConnection; media published on an outgoing
// endpoint is relayed packet by packet to the endpoints connected to it.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
)

var (
	ErrForeignEndpoint  = errors.New("endpoint belongs to another media service")
	ErrEndpointReleased = errors.New("endpoint released")
	ErrPipelineReleased = errors.New("pipeline released")
)

const (
	videoPayloadType = 96
	audioPayloadType = 111
)

var (
	videoCapability = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
		RTCPFeedback: []webrtc.RTCPFeedback{
			{Type: "goog-remb"},
			{Type: "ccm", Parameter: "fir"},
			{Type: "nack"},
			{Type: "nack", Parameter: "pli"},
		},
	}
	audioCapability = webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
)

func capabilityOf(kind webrtc.RTPCodecType) webrtc.RTPCodecCapability {
	if kind == webrtc.RTPCodecTypeAudio {
		return audioCapability
	}
	return videoCapability
}

type Config struct {
	ICEServers []string
	// PublicIP is advertised as the host candidate address when the server
	// sits behind a 1:1 NAT and no ICE servers are configured.
	PublicIP   string
	UDPPortMin uint16
	UDPPortMax uint16
	// RecordDir is where recordings are written.
	RecordDir string
}

type Service struct {
	api      *webrtc.API
	pcConfig webrtc.Configuration
	cfg      Config
}

func NewService(cfg Config) (*Service, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: videoCapability,
		PayloadType:        videoPayloadType,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register video codec: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: audioCapability,
		PayloadType:        audioPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register audio codec: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create pli interceptor: %w", err)
	}
	ir.Add(pli)

	se := webrtc.SettingEngine{LoggerFactory: loggerFactory{}}
	if len(cfg.ICEServers) == 0 && cfg.PublicIP != "" {
		se.SetNAT1To1IPs([]string{cfg.PublicIP}, webrtc.ICECandidateTypeHost)
	}
	if cfg.UDPPortMin > 0 && cfg.UDPPortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return nil, fmt.Errorf("set udp port range: %w", err)
		}
	}

	pcConfig := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		pcConfig.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	log.Info().
		Str("module", "rtc").
		Strs("ice_servers", cfg.ICEServers).
		Str("public_ip", cfg.PublicIP).
		Uint16("udp_port_min", cfg.UDPPortMin).
		Uint16("udp_port_max", cfg.UDPPortMax).
		Msg("media service ready")

	return &Service{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		pcConfig: pcConfig,
		cfg:      cfg,
	}, nil
}

func (s *Service) NewPipeline(ctx context.Context, room domain.RoomName) (core.MediaPipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	return &pipeline{
		svc:       s,
		id:        id,
		room:      room,
		logger:    log.With().Str("module", "rtc").Str("room", string(room)).Str("pipeline", id).Logger(),
		endpoints: make(map[string]*endpoint),
	}, nil
}

// pipeline groups the endpoints of one room so they can be released together.
type pipeline struct {
	svc    *Service
	id     string
	room   domain.RoomName
	logger zerolog.Logger

	mu        sync.Mutex
	endpoints map[string]*endpoint
	released  bool
}

func (p *pipeline) ID() string { return p.id }

func (p *pipeline) NewEndpoint(ctx context.Context) (core.Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.isReleased() {
		return nil, ErrPipelineReleased
	}
	ep, err := newEndpoint(p)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		_ = ep.Release(ctx)
		return nil, ErrPipelineReleased
	}
	p.endpoints[ep.id] = ep
	n := len(p.endpoints)
	p.mu.Unlock()
	p.logger.Debug().Str("endpoint", ep.id).Int("endpoints", n).Msg("endpoint created")
	return ep, nil
}

func (p *pipeline) NewRecorder(ctx context.Context, src core.Endpoint, basename string) (core.Recorder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ep, ok := src.(*endpoint)
	if !ok {
		return nil, ErrForeignEndpoint
	}
	rec, err := newRecorder(p.svc.cfg.RecordDir, basename, ep)
	if err != nil {
		return nil, err
	}
	if err := ep.subscribe(rec.id, map[webrtc.RTPCodecType]rtpWriter{
		webrtc.RTPCodecTypeVideo: rec.video,
		webrtc.RTPCodecTypeAudio: rec.audio,
	}); err != nil {
		rec.closeFiles()
		return nil, err
	}
	ep.requestKeyframe()
	p.logger.Info().Str("endpoint", ep.id).Str("path", rec.Path()).Msg("recording")
	return rec, nil
}

func (p *pipeline) forget(id string) {
	p.mu.Lock()
	delete(p.endpoints, id)
	p.mu.Unlock()
}

func (p *pipeline) isReleased() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// Release closes every endpoint still attached to the pipeline.
func (p *pipeline) Release(ctx context.Context) error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil
	}
	p.released = true
	eps := make([]*endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		eps = append(eps, ep)
	}
	p.mu.Unlock()

	var errs []error
	for _, ep := range eps {
		if err := ep.Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Debug().Int("endpoints", len(eps)).Msg("pipeline released")
	return errors.Join(errs...)
}
