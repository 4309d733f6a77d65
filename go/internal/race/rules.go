package race

import (
	"fmt"
	"strings"
	"time"

	"github.com/mcdev12/typeracer/go/internal/docstore"
)

// Ownership decides which clients drive room-level writes.
type Ownership string

const (
	// OwnershipLowestID lets only the present player with the lowest id drive timers
	// and room transitions.
	OwnershipLowestID Ownership = "lowest-id"
	// OwnershipEveryone lets every present player drive them; writes are idempotent
	// per value so duplicates converge.
	OwnershipEveryone Ownership = "everyone"
)

// ParseOwnership maps a config string onto an Ownership.
func ParseOwnership(s string) (Ownership, error) {
	switch o := Ownership(strings.ToLower(strings.TrimSpace(s))); o {
	case "":
		return OwnershipLowestID, nil
	case OwnershipLowestID, OwnershipEveryone:
		return o, nil
	default:
		return "", fmt.Errorf("unknown timer ownership %q", s)
	}
}

// Rules are the tunable race parameters.
type Rules struct {
	// Quorum is the minimum number of ready players needed to start the countdown.
	Quorum int
	// CountdownFrom is the first countdown value.
	CountdownFrom int
	// RaceDuration is how long a race runs before the clock ends it.
	RaceDuration time.Duration
	Ownership    Ownership
}

// DefaultRules returns the standard race parameters.
func DefaultRules() Rules {
	return Rules{
		Quorum:        2,
		CountdownFrom: 3,
		RaceDuration:  60 * time.Second,
		Ownership:     OwnershipLowestID,
	}
}

// Validate checks the rules for values that would break the state machine.
func (r Rules) Validate() error {
	if r.Quorum < 2 {
		return fmt.Errorf("quorum must be at least 2, got %d", r.Quorum)
	}
	if r.CountdownFrom < 1 {
		return fmt.Errorf("countdown must start at 1 or more, got %d", r.CountdownFrom)
	}
	if r.RaceDuration < time.Second {
		return fmt.Errorf("race duration must be at least 1s, got %s", r.RaceDuration)
	}
	if _, err := ParseOwnership(string(r.Ownership)); err != nil {
		return err
	}
	return nil
}

// IsOwner reports whether self may drive room-level writes for room.
func IsOwner(room Room, self string, rules Rules) bool {
	if _, ok := room.Players[self]; !ok {
		return false
	}
	if rules.Ownership == OwnershipEveryone {
		return true
	}
	return room.PlayerIDs()[0] == self
}

// TransitionKind names a room-level write.
type TransitionKind string

const (
	KindStartCountdown TransitionKind = "start_countdown"
	KindCountdownTick  TransitionKind = "countdown_tick"
	KindStartRace      TransitionKind = "start_race"
	KindFinishEarly    TransitionKind = "finish_early"
	KindClockExpired   TransitionKind = "clock_expired"
	KindDeclareWinner  TransitionKind = "declare_winner"
)

// Transition is a write computed from an observed room. Event is empty when the
// write has no lifecycle event.
type Transition struct {
	Kind   TransitionKind
	Path   docstore.Path
	Fields docstore.Fields
	Event  Event
}

// AllReady reports whether at least quorum players are present and every one is ready.
func AllReady(room Room, quorum int) bool {
	if len(room.Players) < quorum {
		return false
	}
	for _, p := range room.Players {
		if !p.Ready {
			return false
		}
	}
	return true
}

// AllFinished reports whether more than one player is present and all reached 100.
func AllFinished(room Room) bool {
	if len(room.Players) < 2 {
		return false
	}
	for _, p := range room.Players {
		if p.Progress < 100 {
			return false
		}
	}
	return true
}

// StartCountdown moves a waiting room with a ready quorum into countdown.
func StartCountdown(room Room, rules Rules, now time.Time) (Transition, bool) {
	if room.Status != StatusWaiting || !AllReady(room, rules.Quorum) {
		return Transition{}, false
	}
	return Transition{
		Kind:   KindStartCountdown,
		Path:   docstore.RoomPath(room.ID),
		Fields: docstore.Fields{"status": StatusCountdown, "countdown": rules.CountdownFrom},
		Event:  Event{Type: EventCountdownStarted, RoomID: room.ID, At: now, Players: len(room.Players)},
	}, true
}

// CountdownStep writes the value after from. At zero the race starts: status
// becomes running, countdown is cleared and startTime is stamped.
func CountdownStep(room Room, from int, now time.Time) (Transition, bool) {
	if room.Status != StatusCountdown {
		return Transition{}, false
	}
	next := from - 1
	if next > 0 {
		return Transition{
			Kind:   KindCountdownTick,
			Path:   docstore.RoomPath(room.ID),
			Fields: docstore.Fields{"countdown": next},
		}, true
	}
	return Transition{
		Kind:   KindStartRace,
		Path:   docstore.RoomPath(room.ID),
		Fields: docstore.Fields{"status": StatusRunning, "countdown": nil, "startTime": now},
		Event:  Event{Type: EventRaceStarted, RoomID: room.ID, At: now, Players: len(room.Players)},
	}, true
}

// FinishEarly ends a running race once every present player reached 100.
func FinishEarly(room Room, now time.Time) (Transition, bool) {
	if room.Status != StatusRunning || !AllFinished(room) {
		return Transition{}, false
	}
	return Transition{
		Kind:   KindFinishEarly,
		Path:   docstore.RoomPath(room.ID),
		Fields: docstore.Fields{"status": StatusFinished, "finishedEarly": true, "endedAt": now},
		Event:  Event{Type: EventRaceFinished, RoomID: room.ID, At: now, Players: len(room.Players), Reason: "all_finished"},
	}, true
}

// ExpireClock ends a running race whose duration elapsed.
func ExpireClock(room Room, rules Rules, now time.Time) (Transition, bool) {
	if room.Status != StatusRunning || room.StartTime == nil {
		return Transition{}, false
	}
	if now.Before(room.StartTime.Add(rules.RaceDuration)) {
		return Transition{}, false
	}
	return Transition{
		Kind:   KindClockExpired,
		Path:   docstore.RoomPath(room.ID),
		Fields: docstore.Fields{"status": StatusFinished, "timerExpired": true, "endedAt": now},
		Event:  Event{Type: EventRaceFinished, RoomID: room.ID, At: now, Players: len(room.Players), Reason: "timer_expired"},
	}, true
}

// DeclareWinner records the winner of a finished room that has none yet.
func DeclareWinner(room Room, now time.Time) (Transition, bool) {
	if room.Status != StatusFinished || room.Winner != "" {
		return Transition{}, false
	}
	winner, ok := ResolveWinner(room.Players)
	if !ok {
		return Transition{}, false
	}
	ev := Event{Type: EventWinnerDeclared, RoomID: room.ID, At: now, Players: len(room.Players), Winner: winner}
	if p := room.Players[winner]; p.WPM != nil && p.Accuracy != nil {
		ev.WPM, ev.Accuracy = *p.WPM, *p.Accuracy
	}
	return Transition{
		Kind:   KindDeclareWinner,
		Path:   docstore.RoomPath(room.ID),
		Fields: docstore.Fields{"winner": winner},
		Event:  ev,
	}, true
}

// NextTransition returns the document-driven transition due for room, if any.
// Timer-driven steps come from CountdownStep and ExpireClock instead.
func NextTransition(room Room, rules Rules, now time.Time) (Transition, bool) {
	if t, ok := StartCountdown(room, rules, now); ok {
		return t, true
	}
	if t, ok := FinishEarly(room, now); ok {
		return t, true
	}
	return DeclareWinner(room, now)
}
