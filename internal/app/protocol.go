package app

import (
	"encoding/json"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
)

// Outbound message ids.
const (
	MsgExistingParticipants  = "existingParticipants"
	MsgNewParticipantArrived = "newParticipantArrived"
	MsgParticipantLeft       = "participantLeft"
	MsgReceiveVideoAnswer    = "receiveVideoAnswer"
	MsgIceCandidate          = "iceCandidate"
	MsgChat                  = "chat"
	MsgRecordingStarted      = "recordingStarted"
	MsgRecordingStopped      = "recordingStopped"
	MsgPong                  = "pong"
	MsgError                 = "error"
)

// Error reasons carried by MsgError.
const (
	ReasonBadRequest    = "bad_request"
	ReasonDuplicateName = "duplicate_name"
	ReasonUnknownPeer   = "unknown_peer"
	ReasonNotJoined     = "not_joined"
	ReasonMediaError    = "media_error"
	ReasonRateLimited   = "rate_limited"
	ReasonInternal      = "internal"
)

type ExistingParticipants struct {
	ID   string                   `json:"id"`
	Data []domain.ParticipantName `json:"data"`
}

type ParticipantEvent struct {
	ID   string                 `json:"id"`
	Name domain.ParticipantName `json:"name"`
}

type VideoAnswer struct {
	ID        string                 `json:"id"`
	Name      domain.ParticipantName `json:"name"`
	SDPAnswer string                 `json:"sdpAnswer"`
}

type IceCandidate struct {
	ID        string                 `json:"id"`
	Name      domain.ParticipantName `json:"name"`
	Candidate core.Candidate         `json:"candidate"`
}

type ChatMessage struct {
	ID          string                 `json:"id"`
	SessionName domain.ParticipantName `json:"sessionName"`
	Contents    string                 `json:"contents"`
}

type RecordingEvent struct {
	ID   string                 `json:"id"`
	Name domain.ParticipantName `json:"name"`
	Path string                 `json:"path"`
}

type ErrorMessage struct {
	ID      string `json:"id"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type Pong struct {
	ID string `json:"id"`
}

func NewExistingParticipants(names []domain.ParticipantName) ExistingParticipants {
	if names == nil {
		names = []domain.ParticipantName{}
	}
	return ExistingParticipants{ID: MsgExistingParticipants, Data: names}
}

func NewErrorMessage(reason, message string) ErrorMessage {
	return ErrorMessage{ID: MsgError, Reason: reason, Message: message}
}

// Encode renders an outbound message as a wire frame.
func Encode(v any) (core.Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return core.Frame(b), nil
}
