package race

import (
	"math"
	"strings"
	"time"

	"github.com/mcdev12/typeracer/go/internal/docstore"
)

// EvaluateInput checks typed against the equal-length prefix of target.
// ok is false when any compared character differs or typed is longer than target.
func EvaluateInput(target, typed string) (progress float64, ok bool) {
	t := []rune(target)
	u := []rune(typed)
	if len(t) == 0 || len(u) > len(t) {
		return 0, false
	}
	for i := range u {
		if u[i] != t[i] {
			return 0, false
		}
	}
	if len(u) == len(t) {
		return 100, true
	}
	return math.Min(100, 100*float64(len(u))/float64(len(t))), true
}

// Metrics are the completion statistics written when a player reaches 100.
type Metrics struct {
	WPM        int
	Accuracy   int
	TimeTaken  float64 // seconds
	FinishTime time.Time
}

// ComputeMetrics derives wpm and accuracy for a completed input. Elapsed time of
// zero or less yields wpm 0; an empty target yields accuracy 0.
func ComputeMetrics(target, typed string, start, finish time.Time) Metrics {
	m := Metrics{
		TimeTaken:  finish.Sub(start).Seconds(),
		FinishTime: finish,
	}

	if m.TimeTaken > 0 {
		words := len(strings.Fields(typed))
		m.WPM = int(math.Round(float64(words) / (m.TimeTaken / 60)))
	}

	t := []rune(target)
	if len(t) > 0 {
		u := []rune(typed)
		correct := 0
		for i := 0; i < len(t) && i < len(u); i++ {
			if u[i] == t[i] {
				correct++
			}
		}
		m.Accuracy = int(math.Round(100 * float64(correct) / float64(len(t))))
	}
	return m
}

// TrackProgress turns one submitted input into the fields to merge into the
// player's record. floor is the highest progress this client already wrote;
// progress never moves below it or below the observed value. changed is false
// when nothing should be written: the race is not running, the player is
// unknown or done, the input diverges, or it does not advance.
func TrackProgress(room Room, playerID, typed string, floor float64, now time.Time) (fields docstore.Fields, metrics *Metrics, changed bool) {
	if room.Status != StatusRunning {
		return nil, nil, false
	}
	player, ok := room.Players[playerID]
	if !ok || player.Finished {
		return nil, nil, false
	}

	progress, ok := EvaluateInput(room.Text, typed)
	if !ok {
		return nil, nil, false
	}
	if progress <= math.Max(player.Progress, floor) {
		return nil, nil, false
	}

	if progress < 100 {
		return docstore.Fields{"progress": progress, "finished": false}, nil, true
	}

	start := now
	if room.StartTime != nil {
		start = *room.StartTime
	}
	m := ComputeMetrics(room.Text, typed, start, now)
	fields = docstore.Fields{
		"progress":   float64(100),
		"finished":   true,
		"wpm":        m.WPM,
		"accuracy":   m.Accuracy,
		"finishTime": m.FinishTime,
		"timeTaken":  m.TimeTaken,
	}
	return fields, &m, true
}

// ResetProgressFields clears a player's progress and completion metrics while
// leaving ready and name untouched.
func ResetProgressFields() docstore.Fields {
	return docstore.Fields{
		"progress":   float64(0),
		"finished":   false,
		"wpm":        nil,
		"accuracy":   nil,
		"finishTime": nil,
		"timeTaken":  nil,
	}
}
