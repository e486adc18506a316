package rtc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/groupcall/internal/core"
)

func newBrowser(t *testing.T, dir webrtc.RTPTransceiverDirection) (*webrtc.PeerConnection, string) {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	for _, kind := range mediaKinds {
		_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: dir})
		require.NoError(t, err)
	}
	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))
	return pc, offer.SDP
}

func newTestPipeline(t *testing.T, recordDir string) core.MediaPipeline {
	t.Helper()
	svc, err := NewService(Config{RecordDir: recordDir})
	require.NoError(t, err)
	p, err := svc.NewPipeline(t.Context(), "R1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Release(t.Context()) })
	return p
}

func TestEndpoint_AnswersBrowserOffer(t *testing.T) {
	p := newTestPipeline(t, t.TempDir())
	ep, err := p.NewEndpoint(t.Context())
	require.NoError(t, err)

	browser, offer := newBrowser(t, webrtc.RTPTransceiverDirectionSendonly)

	// Candidates sent before the offer are held back, not rejected.
	require.NoError(t, ep.AddCandidate(t.Context(), core.Candidate{Candidate: "candidate:1 1 udp 2122260223 192.0.2.1 50000 typ host"}))

	answer, err := ep.ProcessOffer(t.Context(), offer)
	require.NoError(t, err)
	require.NoError(t, browser.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}))
	assert.Contains(t, answer, "a=recvonly")
	require.NoError(t, ep.GatherCandidates(t.Context()))
}

func TestEndpoint_ConnectedSinkSendsToViewer(t *testing.T) {
	p := newTestPipeline(t, t.TempDir())
	src, err := p.NewEndpoint(t.Context())
	require.NoError(t, err)
	sink, err := p.NewEndpoint(t.Context())
	require.NoError(t, err)

	require.NoError(t, src.Connect(t.Context(), sink))
	require.NoError(t, src.Connect(t.Context(), sink))

	_, offer := newBrowser(t, webrtc.RTPTransceiverDirectionRecvonly)
	answer, err := sink.ProcessOffer(t.Context(), offer)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(answer, "a=sendonly"))
	assert.Contains(t, answer, "VP8")
	assert.Contains(t, answer, "opus")
}

func TestEndpoint_ReleaseIsFinal(t *testing.T) {
	p := newTestPipeline(t, t.TempDir())
	ep, err := p.NewEndpoint(t.Context())
	require.NoError(t, err)

	require.NoError(t, ep.Release(t.Context()))
	require.NoError(t, ep.Release(t.Context()))

	_, offer := newBrowser(t, webrtc.RTPTransceiverDirectionSendonly)
	_, err = ep.ProcessOffer(t.Context(), offer)
	assert.ErrorIs(t, err, ErrEndpointReleased)
	assert.ErrorIs(t, ep.AddCandidate(t.Context(), core.Candidate{Candidate: "x"}), ErrEndpointReleased)
}

func TestPipeline_ReleaseClosesEndpoints(t *testing.T) {
	p := newTestPipeline(t, t.TempDir())
	ep, err := p.NewEndpoint(t.Context())
	require.NoError(t, err)

	require.NoError(t, p.Release(t.Context()))
	assert.ErrorIs(t, ep.GatherCandidates(t.Context()), ErrEndpointReleased)
	_, err = p.NewEndpoint(t.Context())
	assert.ErrorIs(t, err, ErrPipelineReleased)
}

func TestRecorder_WritesFilesAndStops(t *testing.T) {
	dir := t.TempDir()
	p := newTestPipeline(t, dir)
	ep, err := p.NewEndpoint(t.Context())
	require.NoError(t, err)

	rec, err := p.NewRecorder(t.Context(), ep, "R1/A-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "R1", "A-1.ivf"), rec.Path())

	<-rec.Stop()
	<-rec.Stop()
	for _, name := range []string{"A-1.ivf", "A-1.ogg"} {
		_, err := os.Stat(filepath.Join(dir, "R1", name))
		assert.NoError(t, err, name)
	}
}
