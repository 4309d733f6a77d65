package gateway

import (
	"errors"

	"github.com/mcdev12/typeracer/go/internal/race"
)

// Client commands.
const (
	MsgCreateRoom   = "create_room"
	MsgJoinRoom     = "join_room"
	MsgSubmitText   = "submit_text"
	MsgMarkReady    = "mark_ready"
	MsgRestartInput = "restart_input"
)

// Server messages.
const (
	MsgRoomCreated  = "room_created"
	MsgRoomSnapshot = "room_snapshot"
	MsgError        = "error"
)

// ClientMessage is a command sent by the browser.
type ClientMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id,omitempty"`
	Text   string `json:"text,omitempty"`
}

// ServerMessage is pushed to the browser.
type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// RoomCreatedPayload answers create_room.
type RoomCreatedPayload struct {
	RoomID   string `json:"room_id"`
	PlayerID string `json:"player_id"`
}

// ErrorPayload describes a failed command.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Command string `json:"command,omitempty"`
}

func errorMessage(command string, err error) ServerMessage {
	return ServerMessage{
		Type: MsgError,
		Data: ErrorPayload{Code: errorCode(err), Message: err.Error(), Command: command},
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, race.ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, race.ErrRaceInProgress):
		return "race_in_progress"
	case errors.Is(err, race.ErrNotInRoom):
		return "not_in_room"
	case errors.Is(err, race.ErrEmptyText):
		return "empty_text"
	case errors.Is(err, race.ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, errUnknownCommand):
		return "unknown_command"
	case errors.Is(err, errBadMessage):
		return "bad_message"
	default:
		return "store_error"
	}
}

var (
	errUnknownCommand = errors.New("unknown command")
	errBadMessage     = errors.New("malformed message")
)
