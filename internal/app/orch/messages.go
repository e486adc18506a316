package orch

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/dkeye/groupcall/internal/core"
)

// Inbound message ids.
const (
	MsgJoinRoom         = "joinRoom"
	MsgReceiveVideoFrom = "receiveVideoFrom"
	MsgCancelVideoFrom  = "cancelVideoFrom"
	MsgOnIceCandidate   = "onIceCandidate"
	MsgLeaveRoom        = "leaveRoom"
	MsgChat             = "chat"
	MsgStartRecording   = "startRecording"
	MsgStopRecording    = "stopRecording"
	MsgPing             = "ping"
)

type envelope struct {
	ID string `json:"id"`
}

type joinRoomRequest struct {
	Name     string `json:"name" validate:"required,max=64"`
	RoomName string `json:"roomName" validate:"required,max=64"`
	// Room is the field name older clients use for RoomName.
	Room string `json:"room" validate:"omitempty,max=64"`
}

func (r *joinRoomRequest) normalize() {
	if r.RoomName == "" {
		r.RoomName = r.Room
	}
}

type receiveVideoRequest struct {
	Sender   string `json:"sender" validate:"required,max=64"`
	SDPOffer string `json:"sdpOffer" validate:"required"`
}

type cancelVideoRequest struct {
	Sender string `json:"sender" validate:"required,max=64"`
}

type iceCandidateRequest struct {
	Name      string          `json:"name" validate:"required,max=64"`
	Candidate *core.Candidate `json:"candidate" validate:"required"`
}

type chatRequest struct {
	Contents string `json:"contents" validate:"required,max=2000"`
}

type normalizer interface {
	normalize()
}

// decoder turns raw frames into validated requests.
type decoder struct {
	validate *validator.Validate
}

func newDecoder() *decoder {
	return &decoder{validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (d *decoder) decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if n, ok := v.(normalizer); ok {
		n.normalize()
	}
	if err := d.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
