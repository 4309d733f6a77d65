package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/typeracer/go/internal/docstore"
	"github.com/mcdev12/typeracer/go/internal/feed"
	"github.com/mcdev12/typeracer/go/internal/race"
)

// StoreStateProvider implements StateProvider from a store client and the results tracker.
type StoreStateProvider struct {
	store   docstore.Client
	results *feed.ResultsTracker
	rules   race.Rules
	clock   clockwork.Clock
}

// NewStoreStateProvider creates a new state provider. results may be nil.
func NewStoreStateProvider(store docstore.Client, results *feed.ResultsTracker, rules race.Rules, clock clockwork.Clock) *StoreStateProvider {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StoreStateProvider{store: store, results: results, rules: rules, clock: clock}
}

// GetRoomState implements StateProvider.
func (p *StoreStateProvider) GetRoomState(ctx context.Context, roomID string) (*RoomStateResponse, error) {
	roomID = strings.ToUpper(roomID)
	if !docstore.ValidSegment(roomID) {
		return nil, race.ErrRoomNotFound
	}
	snap, err := p.store.Get(ctx, docstore.RoomPath(roomID))
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", roomID, err)
	}
	if !snap.Exists {
		return nil, race.ErrRoomNotFound
	}

	var room race.Room
	if err := snap.Decode(&room); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	if room.ID == "" {
		room.ID = roomID
	}

	now := p.clock.Now()
	resp := &RoomStateResponse{Room: room, ServerTime: now.UTC()}
	if left, ok := race.TimeLeft(room, p.rules, now); ok {
		resp.TimeLeft = &left
	}
	return resp, nil
}

// RecentRaces implements StateProvider.
func (p *StoreStateProvider) RecentRaces(ctx context.Context, limit int) ([]feed.RaceSummary, error) {
	if p.results == nil {
		return []feed.RaceSummary{}, nil
	}
	return p.results.Recent(limit), nil
}
