package race

import "errors"

var (
	// ErrRoomNotFound is returned when joining a room that does not exist.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRaceInProgress is returned when joining a room that already left waiting.
	ErrRaceInProgress = errors.New("race already in progress")
	// ErrNotInRoom is returned by player operations before a room was joined.
	ErrNotInRoom = errors.New("not in a room")
	// ErrEmptyText is returned when the sentence provider yields no text.
	ErrEmptyText = errors.New("race text is empty")
	// ErrSessionClosed is returned after the session stopped.
	ErrSessionClosed = errors.New("session closed")
	// ErrRoomCodeExhausted is returned when no unused room code could be generated.
	ErrRoomCodeExhausted = errors.New("no free room code")
)
