package race

import (
	"context"
	"time"
)

// EventType names a lifecycle event emitted after a successful write.
type EventType string

const (
	EventCountdownStarted EventType = "CountdownStarted"
	EventRaceStarted      EventType = "RaceStarted"
	EventPlayerFinished   EventType = "PlayerFinished"
	EventRaceFinished     EventType = "RaceFinished"
	EventWinnerDeclared   EventType = "WinnerDeclared"
)

// Event describes a transition this client wrote to the room document.
type Event struct {
	Type     EventType `json:"type"`
	RoomID   string    `json:"room_id"`
	PlayerID string    `json:"player_id,omitempty"`
	At       time.Time `json:"at"`
	Players  int       `json:"players"`
	Reason   string    `json:"reason,omitempty"`
	WPM      int       `json:"wpm,omitempty"`
	Accuracy int       `json:"accuracy,omitempty"`
	Winner   string    `json:"winner,omitempty"`
}

// Key identifies the logical event independently of which client emitted it.
func (e Event) Key() string {
	key := e.RoomID + "." + string(e.Type)
	if e.PlayerID != "" {
		key += "." + e.PlayerID
	}
	return key
}

// EventSink receives lifecycle events. Emit errors are logged, never fatal.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

type discardSink struct{}

func (discardSink) Emit(context.Context, Event) error { return nil }
