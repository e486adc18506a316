// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"unicode/utf8"
)

const (
	MaxNameLen     = 64
	MaxRoomNameLen = 64
)

var (
	ErrNameEmpty   = errors.New("name empty")
	ErrNameTooLong = errors.New("name too long")
)

// ParticipantName is the display name of a participant. It is unique within a room.
type ParticipantName string

// NewParticipantName validates raw input coming from a client.
func NewParticipantName(raw string) (ParticipantName, error) {
	if err := checkLen(raw, MaxNameLen); err != nil {
		return "", err
	}
	return ParticipantName(raw), nil
}

func checkLen(raw string, limit int) error {
	if len(raw) == 0 {
		return ErrNameEmpty
	}
	if utf8.RuneCountInString(raw) > limit {
		return ErrNameTooLong
	}
	return nil
}
