package rtc

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
}

type outState int32

const (
	outStateOk outState = iota
	outStateDelete
)

// outTrack is one subscriber of a relay.
type outTrack struct {
	w     rtpWriter
	state atomic.Int32
}

func newOutTrack(w rtpWriter) *outTrack { return &outTrack{w: w} }

func (ot *outTrack) markDelete() { ot.state.Store(int32(outStateDelete)) }
func (ot *outTrack) deleted() bool {
	return outState(ot.state.Load()) == outStateDelete
}

// relay fans the packets of one remote track out to its subscribers.
type relay struct {
	src *webrtc.TrackRemote

	mu   sync.RWMutex
	outs map[string]*outTrack

	cancel context.CancelFunc
}

func newRelay(src *webrtc.TrackRemote, cancel context.CancelFunc) *relay {
	return &relay{
		src:    src,
		outs:   make(map[string]*outTrack),
		cancel: cancel,
	}
}

func (r *relay) loop(ctx context.Context, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("relay stopped")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("relay source ended")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *relay) forward(pkt *rtp.Packet, logger zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.outs)
	r.mu.RUnlock()

	var dirty []string
	for sink, ot := range snapshot {
		if ot.deleted() {
			dirty = append(dirty, sink)
			continue
		}
		if err := ot.w.WriteRTP(pkt); err != nil {
			logger.Warn().Err(err).Str("sink", sink).Msg("relay write failed, dropping sink")
			ot.markDelete()
			dirty = append(dirty, sink)
		}
	}
	if len(dirty) > 0 {
		r.cleanup(dirty)
	}
}

func (r *relay) cleanup(dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sink := range dirty {
		if ot, ok := r.outs[sink]; ok && ot.deleted() {
			delete(r.outs, sink)
		}
	}
}

func (r *relay) add(sink string, w rtpWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outs[sink] = newOutTrack(w)
}

func (r *relay) remove(sink string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ot, ok := r.outs[sink]; ok {
		ot.markDelete()
		delete(r.outs, sink)
	}
}

func (r *relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outs {
		ot.markDelete()
	}
}

func (r *relay) stop() {
	r.markAllDelete()
	if r.cancel != nil {
		r.cancel()
	}
}
