// Package memmedia is an in-process media plane that negotiates nothing and
// forwards nothing. Answers are derived from offers, candidates are whatever
// the caller injects. It backs the "memory" media driver and the tests.
package memmedia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
)

// Operations that can be made to fail with Service.Fail.
const (
	OpNewPipeline      = "newPipeline"
	OpNewEndpoint      = "newEndpoint"
	OpProcessOffer     = "processOffer"
	OpGatherCandidates = "gatherCandidates"
	OpConnect          = "connect"
	OpAddCandidate     = "addCandidate"
	OpRelease          = "release"
	OpRecord           = "record"
)

var ErrReleased = errors.New("endpoint released")

// Answer is the SDP answer produced for offer.
func Answer(offer string) string { return "answer-for:" + offer }

type Service struct {
	seq atomic.Int64

	mu        sync.Mutex
	failures  map[string]error
	stallStop bool
	onOffer   func(offer string)
	pipelines []*Pipeline
	endpoints []*Endpoint
}

func New() *Service {
	return &Service{failures: make(map[string]error)}
}

// Fail makes every following call of op return err. A nil err clears it.
func (s *Service) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// StallStop makes recorders never confirm that they stopped.
func (s *Service) StallStop(stall bool) {
	s.mu.Lock()
	s.stallStop = stall
	s.mu.Unlock()
}

// OnProcessOffer runs fn at the start of every later ProcessOffer call, outside
// any endpoint lock. A nil fn clears it.
func (s *Service) OnProcessOffer(fn func(offer string)) {
	s.mu.Lock()
	s.onOffer = fn
	s.mu.Unlock()
}

func (s *Service) failure(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[op]
}

func (s *Service) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, s.seq.Add(1))
}

func (s *Service) NewPipeline(ctx context.Context, room domain.RoomName) (core.MediaPipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.failure(OpNewPipeline); err != nil {
		return nil, err
	}
	p := &Pipeline{svc: s, id: s.nextID("pipeline"), room: room}
	s.mu.Lock()
	s.pipelines = append(s.pipelines, p)
	s.mu.Unlock()
	log.Debug().Str("module", "memmedia").Str("room", string(room)).Str("pipeline", p.id).Msg("pipeline created")
	return p, nil
}

// Pipelines returns every pipeline created so far, released or not.
func (s *Service) Pipelines() []*Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Pipeline(nil), s.pipelines...)
}

// Endpoints returns every endpoint created so far, released or not.
func (s *Service) Endpoints() []*Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Endpoint(nil), s.endpoints...)
}

// Endpoint looks up an endpoint by id.
func (s *Service) Endpoint(id string) (*Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ep := range s.endpoints {
		if ep.id == id {
			return ep, true
		}
	}
	return nil, false
}

type Pipeline struct {
	svc      *Service
	id       string
	room     domain.RoomName
	released atomic.Bool
}

func (p *Pipeline) ID() string            { return p.id }
func (p *Pipeline) Room() domain.RoomName { return p.room }
func (p *Pipeline) Released() bool        { return p.released.Load() }

func (p *Pipeline) NewEndpoint(ctx context.Context) (core.Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.svc.failure(OpNewEndpoint); err != nil {
		return nil, err
	}
	if p.released.Load() {
		return nil, ErrReleased
	}
	ep := &Endpoint{svc: p.svc, id: p.svc.nextID("endpoint"), pipeline: p}
	p.svc.mu.Lock()
	p.svc.endpoints = append(p.svc.endpoints, ep)
	p.svc.mu.Unlock()
	return ep, nil
}

func (p *Pipeline) NewRecorder(ctx context.Context, src core.Endpoint, basename string) (core.Recorder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.svc.failure(OpRecord); err != nil {
		return nil, err
	}
	p.svc.mu.Lock()
	stall := p.svc.stallStop
	p.svc.mu.Unlock()
	return &Recorder{path: basename + ".mem", source: src.ID(), stall: stall, done: make(chan struct{})}, nil
}

func (p *Pipeline) Release(ctx context.Context) error {
	if err := p.svc.failure(OpRelease); err != nil {
		return err
	}
	p.released.Store(true)
	return nil
}

// Endpoint is a fake media leg. Its gathering gate matches the real one:
// candidates emitted before GatherCandidates are delivered when it is called.
type Endpoint struct {
	svc      *Service
	id       string
	pipeline *Pipeline

	mu          sync.Mutex
	onCandidate func(core.Candidate)
	gathering   bool
	pending     []core.Candidate
	offers      []string
	remote      []core.Candidate
	sinks       []string
	released    bool
}

func (e *Endpoint) ID() string { return e.id }

func (e *Endpoint) OnCandidate(fn func(core.Candidate)) {
	e.mu.Lock()
	e.onCandidate = fn
	e.mu.Unlock()
}

func (e *Endpoint) ProcessOffer(ctx context.Context, sdpOffer string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := e.svc.failure(OpProcessOffer); err != nil {
		return "", err
	}
	e.svc.mu.Lock()
	hook := e.svc.onOffer
	e.svc.mu.Unlock()
	if hook != nil {
		hook(sdpOffer)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return "", ErrReleased
	}
	e.offers = append(e.offers, sdpOffer)
	return Answer(sdpOffer), nil
}

func (e *Endpoint) GatherCandidates(ctx context.Context) error {
	if err := e.svc.failure(OpGatherCandidates); err != nil {
		return err
	}
	e.mu.Lock()
	e.gathering = true
	pending := e.pending
	e.pending = nil
	fn := e.onCandidate
	e.mu.Unlock()
	if fn != nil {
		for _, c := range pending {
			fn(c)
		}
	}
	return nil
}

// EmitCandidate simulates a locally discovered candidate.
func (e *Endpoint) EmitCandidate(c core.Candidate) {
	e.mu.Lock()
	if !e.gathering || e.onCandidate == nil {
		e.pending = append(e.pending, c)
		e.mu.Unlock()
		return
	}
	fn := e.onCandidate
	e.mu.Unlock()
	fn(c)
}

func (e *Endpoint) Connect(ctx context.Context, sink core.Endpoint) error {
	if err := e.svc.failure(OpConnect); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return ErrReleased
	}
	for _, id := range e.sinks {
		if id == sink.ID() {
			return nil
		}
	}
	e.sinks = append(e.sinks, sink.ID())
	return nil
}

func (e *Endpoint) AddCandidate(ctx context.Context, c core.Candidate) error {
	if err := e.svc.failure(OpAddCandidate); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return ErrReleased
	}
	e.remote = append(e.remote, c)
	return nil
}

func (e *Endpoint) Release(ctx context.Context) error {
	if err := e.svc.failure(OpRelease); err != nil {
		return err
	}
	e.mu.Lock()
	e.released = true
	e.mu.Unlock()
	return nil
}

func (e *Endpoint) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

func (e *Endpoint) Offers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.offers...)
}

func (e *Endpoint) RemoteCandidates() []core.Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.Candidate(nil), e.remote...)
}

// Sinks lists the ids of endpoints this endpoint feeds.
func (e *Endpoint) Sinks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.sinks...)
}

type Recorder struct {
	path   string
	source string
	stall  bool
	once   sync.Once
	done   chan struct{}
}

func (r *Recorder) Path() string   { return r.path }
func (r *Recorder) Source() string { return r.source }

func (r *Recorder) Stop() <-chan struct{} {
	if !r.stall {
		r.once.Do(func() { close(r.done) })
	}
	return r.done
}
