package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/typeracer/go/internal/race"
)

// Finisher is one PlayerFinished event as recorded in a summary.
type Finisher struct {
	PlayerID   string    `json:"player_id"`
	WPM        int       `json:"wpm"`
	Accuracy   int       `json:"accuracy"`
	FinishedAt time.Time `json:"finished_at"`
}

// RaceSummary is what the feed knows about one room's race.
type RaceSummary struct {
	RoomID         string      `json:"room_id"`
	Status         race.Status `json:"status"`
	Players        int         `json:"players"`
	CountdownAt    *time.Time  `json:"countdown_at,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	Winner         string      `json:"winner,omitempty"`
	WinnerWPM      int         `json:"winner_wpm,omitempty"`
	WinnerAccuracy int         `json:"winner_accuracy,omitempty"`
	Finishers      []Finisher  `json:"finishers"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// ResultsTracker folds race events into per-room summaries. It keeps at most
// limit rooms, dropping the least recently updated.
type ResultsTracker struct {
	mu    sync.RWMutex
	races map[string]*RaceSummary
	limit int
	clock clockwork.Clock
}

// NewResultsTracker creates a tracker keeping up to limit races.
func NewResultsTracker(limit int, clock clockwork.Clock) *ResultsTracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if limit <= 0 {
		limit = 100
	}
	return &ResultsTracker{
		races: make(map[string]*RaceSummary),
		limit: limit,
		clock: clock,
	}
}

// Emit implements race.EventSink so a single node can track results without a broker.
func (t *ResultsTracker) Emit(_ context.Context, ev race.Event) error {
	return t.Apply(ev)
}

// Apply implements Handler. Replayed and duplicate events leave the summary unchanged.
func (t *ResultsTracker) Apply(ev race.Event) error {
	if ev.RoomID == "" {
		return fmt.Errorf("event %s has no room id", ev.Type)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.races[ev.RoomID]
	if !ok {
		s = &RaceSummary{RoomID: ev.RoomID, Status: race.StatusWaiting, Finishers: []Finisher{}}
		t.races[ev.RoomID] = s
	}
	if ev.Players > 0 {
		s.Players = ev.Players
	}

	at := ev.At
	switch ev.Type {
	case race.EventCountdownStarted:
		if s.CountdownAt == nil {
			s.CountdownAt = &at
		}
		advance(s, race.StatusCountdown)

	case race.EventRaceStarted:
		if s.StartedAt == nil {
			s.StartedAt = &at
		}
		advance(s, race.StatusRunning)

	case race.EventPlayerFinished:
		for _, f := range s.Finishers {
			if f.PlayerID == ev.PlayerID {
				return nil
			}
		}
		s.Finishers = append(s.Finishers, Finisher{
			PlayerID:   ev.PlayerID,
			WPM:        ev.WPM,
			Accuracy:   ev.Accuracy,
			FinishedAt: at,
		})
		sort.SliceStable(s.Finishers, func(i, j int) bool {
			return s.Finishers[i].FinishedAt.Before(s.Finishers[j].FinishedAt)
		})

	case race.EventRaceFinished:
		if s.FinishedAt == nil {
			s.FinishedAt = &at
			s.Reason = ev.Reason
		}
		advance(s, race.StatusFinished)

	case race.EventWinnerDeclared:
		if s.Winner == "" {
			s.Winner = ev.Winner
			s.WinnerWPM = ev.WPM
			s.WinnerAccuracy = ev.Accuracy
		}
		advance(s, race.StatusFinished)

	default:
		log.Warn().Str("event_type", string(ev.Type)).Str("room_id", ev.RoomID).Msg("unknown race event")
		return nil
	}

	s.UpdatedAt = t.clock.Now()
	t.evict()
	return nil
}

// advance moves the summary status forward only.
func advance(s *RaceSummary, status race.Status) {
	if s.Status.Before(status) {
		s.Status = status
	}
}

func (t *ResultsTracker) evict() {
	for len(t.races) > t.limit {
		var oldest *RaceSummary
		for _, s := range t.races {
			if oldest == nil || s.UpdatedAt.Before(oldest.UpdatedAt) {
				oldest = s
			}
		}
		delete(t.races, oldest.RoomID)
	}
}

// Get returns a copy of the summary for roomID.
func (t *ResultsTracker) Get(roomID string) (RaceSummary, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.races[roomID]
	if !ok {
		return RaceSummary{}, false
	}
	return copySummary(s), true
}

// Recent returns up to n summaries, most recently updated first.
func (t *ResultsTracker) Recent(n int) []RaceSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]RaceSummary, 0, len(t.races))
	for _, s := range t.races {
		out = append(out, copySummary(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].RoomID < out[j].RoomID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func copySummary(s *RaceSummary) RaceSummary {
	cp := *s
	cp.Finishers = append([]Finisher{}, s.Finishers...)
	return cp
}
