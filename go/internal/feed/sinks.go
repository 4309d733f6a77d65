package feed

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/typeracer/go/internal/race"
)

// LogSink writes every event to the log. Used when no broker is configured.
type LogSink struct{}

// Emit implements race.EventSink.
func (LogSink) Emit(_ context.Context, ev race.Event) error {
	log.Info().
		Str("event_id", ev.Key()).
		Str("event_type", string(ev.Type)).
		Str("room_id", ev.RoomID).
		Str("player_id", ev.PlayerID).
		Str("winner", ev.Winner).
		Msg("race event")
	return nil
}

// Multi fans every event out to all sinks and joins their errors.
type Multi []race.EventSink

// Emit implements race.EventSink.
func (m Multi) Emit(ctx context.Context, ev race.Event) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
