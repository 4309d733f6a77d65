package race

import "time"

// qualifies reports whether a player finished with nonzero metrics.
func qualifies(p PlayerState) bool {
	return p.WPM != nil && *p.WPM > 0 && p.Accuracy != nil && *p.Accuracy > 0
}

// ResolveWinner picks the highest wpm among qualifying players, then the highest
// accuracy. Remaining ties go to the earlier finish time, then the lower id, so
// the result depends only on the players map.
func ResolveWinner(players map[string]PlayerState) (string, bool) {
	var (
		best   string
		bestPS PlayerState
		found  bool
	)
	for id, p := range players {
		if !qualifies(p) {
			continue
		}
		if !found || beats(id, p, best, bestPS) {
			best, bestPS, found = id, p, true
		}
	}
	return best, found
}

func beats(id string, p PlayerState, otherID string, other PlayerState) bool {
	if *p.WPM != *other.WPM {
		return *p.WPM > *other.WPM
	}
	if *p.Accuracy != *other.Accuracy {
		return *p.Accuracy > *other.Accuracy
	}
	if pt, ot := finishOrZero(p), finishOrZero(other); !pt.Equal(ot) {
		switch {
		case pt.IsZero():
			return false
		case ot.IsZero():
			return true
		default:
			return pt.Before(ot)
		}
	}
	return id < otherID
}

func finishOrZero(p PlayerState) time.Time {
	if p.FinishTime == nil {
		return time.Time{}
	}
	return *p.FinishTime
}
