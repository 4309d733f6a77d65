// Package feed carries race lifecycle events: a JetStream publisher that the
// sessions emit into, a durable consumer, and an in-memory results tracker
// that folds the events into recent race summaries.
package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcdev12/typeracer/go/internal/race"
)

// Envelope is the wire format of a published race event.
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	RoomID    string          `json:"roomId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Encode wraps ev in an envelope. The event id is the event's logical key, so
// the same transition published by two clients carries the same id.
func Encode(ev race.Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	data, err := json.Marshal(Envelope{
		EventID:   ev.Key(),
		EventType: string(ev.Type),
		RoomID:    ev.RoomID,
		Timestamp: ev.At.UTC(),
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event envelope: %w", err)
	}
	return data, nil
}

// Decode unwraps an envelope produced by Encode.
func Decode(data []byte) (race.Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return race.Event{}, fmt.Errorf("unmarshal event envelope: %w", err)
	}
	var ev race.Event
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		return race.Event{}, fmt.Errorf("unmarshal event payload: %w", err)
	}
	if ev.Type == "" {
		ev.Type = race.EventType(env.EventType)
	}
	if ev.RoomID == "" {
		ev.RoomID = env.RoomID
	}
	return ev, nil
}
