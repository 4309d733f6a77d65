package race

import (
	"sort"
	"time"
)

// Status is the lifecycle state of a room.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusCountdown Status = "countdown"
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
)

func (s Status) rank() int {
	switch s {
	case StatusWaiting:
		return 0
	case StatusCountdown:
		return 1
	case StatusRunning:
		return 2
	case StatusFinished:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// Before reports whether s comes earlier in the lifecycle than other.
func (s Status) Before(other Status) bool {
	return s.rank() < other.rank()
}

// PlayerState is one participant's record inside a room document.
type PlayerState struct {
	Name       string     `json:"name"`
	Progress   float64    `json:"progress"`
	Finished   bool       `json:"finished"`
	Ready      bool       `json:"ready"`
	WPM        *int       `json:"wpm,omitempty"`
	Accuracy   *int       `json:"accuracy,omitempty"`
	FinishTime *time.Time `json:"finishTime,omitempty"`
	TimeTaken  *float64   `json:"timeTaken,omitempty"`
}

// Room is the shared room document.
type Room struct {
	ID            string                 `json:"id"`
	Text          string                 `json:"text"`
	Status        Status                 `json:"status"`
	Players       map[string]PlayerState `json:"players,omitempty"`
	Countdown     *int                   `json:"countdown,omitempty"`
	Winner        string                 `json:"winner,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	StartTime     *time.Time             `json:"startTime,omitempty"`
	EndedAt       *time.Time             `json:"endedAt,omitempty"`
	TimerExpired  bool                   `json:"timerExpired,omitempty"`
	FinishedEarly bool                   `json:"finishedEarly,omitempty"`
}

// PlayerIDs returns the current player ids in ascending order.
func (r Room) PlayerIDs() []string {
	ids := make([]string, 0, len(r.Players))
	for id := range r.Players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PlayerView is a player entry as shown to the UI.
type PlayerView struct {
	ID string `json:"id"`
	PlayerState
}

// RoomView is the snapshot pushed to the UI on every change.
type RoomView struct {
	ID            string       `json:"id"`
	Self          string       `json:"self"`
	Status        Status       `json:"status"`
	Countdown     *int         `json:"countdown,omitempty"`
	Text          string       `json:"text"`
	Players       []PlayerView `json:"players"`
	Winner        string       `json:"winner,omitempty"`
	TimeLeft      *int         `json:"timeLeft,omitempty"`
	TimerExpired  bool         `json:"timerExpired,omitempty"`
	FinishedEarly bool         `json:"finishedEarly,omitempty"`
}

// NewRoomView builds the UI snapshot for room as seen by self.
func NewRoomView(room Room, self string, timeLeft *int) RoomView {
	view := RoomView{
		ID:            room.ID,
		Self:          self,
		Status:        room.Status,
		Countdown:     room.Countdown,
		Text:          room.Text,
		Players:       make([]PlayerView, 0, len(room.Players)),
		Winner:        room.Winner,
		TimeLeft:      timeLeft,
		TimerExpired:  room.TimerExpired,
		FinishedEarly: room.FinishedEarly,
	}
	for _, id := range room.PlayerIDs() {
		view.Players = append(view.Players, PlayerView{ID: id, PlayerState: room.Players[id]})
	}
	return view
}
