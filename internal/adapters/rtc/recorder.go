package rtc

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

var errSinkClosed = errors.New("recording sink closed")

type mediaWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// fileSink serializes writes with the final Close of a media file.
type fileSink struct {
	mu     sync.Mutex
	w      mediaWriter
	closed bool
}

func (f *fileSink) WriteRTP(p *rtp.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errSinkClosed
	}
	return f.w.WriteRTP(p)
}

func (f *fileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.w.Close()
}

// recorder writes the VP8 video of an endpoint to <base>.ivf and its Opus
// audio to <base>.ogg.
type recorder struct {
	id    string
	base  string
	src   *endpoint
	video *fileSink
	audio *fileSink

	once sync.Once
	done chan struct{}
}

func newRecorder(dir, basename string, src *endpoint) (*recorder, error) {
	base := filepath.Join(dir, filepath.FromSlash(basename))
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return nil, err
	}
	video, err := ivfwriter.New(base + ".ivf")
	if err != nil {
		return nil, err
	}
	audio, err := oggwriter.New(base+".ogg", 48000, 2)
	if err != nil {
		_ = video.Close()
		return nil, err
	}
	return &recorder{
		id:    "recorder-" + uuid.NewString(),
		base:  base,
		src:   src,
		video: &fileSink{w: video},
		audio: &fileSink{w: audio},
		done:  make(chan struct{}),
	}, nil
}

// Path is the video file; the audio file sits next to it.
func (r *recorder) Path() string { return r.base + ".ivf" }

// Stop detaches the recorder and finalizes both files in the background.
// The returned channel is closed once they are flushed.
func (r *recorder) Stop() <-chan struct{} {
	r.once.Do(func() {
		go func() {
			defer close(r.done)
			r.src.unsubscribe(r.id)
			r.closeFiles()
		}()
	})
	return r.done
}

func (r *recorder) closeFiles() {
	if err := r.video.Close(); err != nil {
		r.src.logger.Warn().Err(err).Str("path", r.base+".ivf").Msg("close recording")
	}
	if err := r.audio.Close(); err != nil {
		r.src.logger.Warn().Err(err).Str("path", r.base+".ogg").Msg("close recording")
	}
}
