package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/groupcall/internal/domain"
)

// Candidate is a connectivity candidate in the browser's RTCIceCandidateInit shape.
type Candidate = webrtc.ICECandidateInit

// MediaService is the entry point into the media plane.
type MediaService interface {
	// NewPipeline allocates the shared media context of a room.
	NewPipeline(ctx context.Context, room domain.RoomName) (MediaPipeline, error)
}

// MediaPipeline is the per-room context every endpoint of the room is built in.
type MediaPipeline interface {
	ID() string
	NewEndpoint(ctx context.Context) (Endpoint, error)
	// NewRecorder starts persisting the media published on src.
	NewRecorder(ctx context.Context, src Endpoint, basename string) (Recorder, error)
	Release(ctx context.Context) error
}

// Endpoint is one media leg. Every method may be slow and may fail independently.
type Endpoint interface {
	ID() string
	// OnCandidate sets the callback for locally discovered candidates.
	// Candidates found before GatherCandidates is called are held back.
	OnCandidate(func(Candidate))
	// ProcessOffer applies a remote offer and returns the local answer.
	ProcessOffer(ctx context.Context, sdpOffer string) (string, error)
	GatherCandidates(ctx context.Context) error
	// Connect feeds media published on this endpoint into sink (one direction only).
	Connect(ctx context.Context, sink Endpoint) error
	AddCandidate(ctx context.Context, c Candidate) error
	Release(ctx context.Context) error
}

// Recorder persists one endpoint's media.
type Recorder interface {
	Path() string
	// Stop returns a channel that is closed once the recording is flushed.
	Stop() <-chan struct{}
}
