package race

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/typeracer/go/internal/docstore"
	"github.com/mcdev12/typeracer/go/internal/docstore/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testText = "the quick brown fox"

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Emit(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	t        *testing.T
	store    *memory.Store
	clock    *clockwork.FakeClock
	rules    Rules
	sink     *recordingSink
	observer docstore.Client
}

func newHarness(t *testing.T) *harness {
	store := memory.New()
	observer, err := store.Open(context.Background())
	require.NoError(t, err)
	return &harness{
		t:        t,
		store:    store,
		clock:    clockwork.NewFakeClock(),
		rules:    DefaultRules(),
		sink:     &recordingSink{},
		observer: observer,
	}
}

func (h *harness) session(id string) *Session {
	client, err := h.store.Open(context.Background())
	require.NoError(h.t, err)
	s := NewSession(context.Background(), Config{
		Store:     client,
		Identity:  NewIdentity(id, ""),
		Sentences: FixedSentence(testText),
		Rules:     h.rules,
		Clock:     h.clock,
		Events:    h.sink,
	})
	h.t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func (h *harness) room(id string) (Room, bool) {
	snap, err := h.observer.Get(context.Background(), docstore.RoomPath(id))
	require.NoError(h.t, err)
	if !snap.Exists {
		return Room{}, false
	}
	var room Room
	require.NoError(h.t, snap.Decode(&room))
	return room, true
}

func (h *harness) eventually(id string, cond func(Room) bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		room, ok := h.room(id)
		return ok && cond(room)
	}, waitFor, tick, msg)
}

func (h *harness) waitTickers(n int) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(h.t, h.clock.BlockUntilContext(ctx, n))
}

// observe waits until every session has seen status.
func (h *harness) observe(status Status, sessions ...*Session) {
	h.t.Helper()
	for _, s := range sessions {
		require.Eventually(h.t, func() bool {
			view, err := s.View(context.Background())
			return err == nil && view.Status == status
		}, waitFor, tick, "session %s observes %s", s.PlayerID(), status)
	}
}

func statusIs(status Status) func(Room) bool {
	return func(r Room) bool { return r.Status == status }
}

func countdownIs(n int) func(Room) bool {
	return func(r Room) bool { return r.Countdown != nil && *r.Countdown == n }
}

// startRace takes a two-player room from creation to running.
func (h *harness) startRace(alice, bob *Session) string {
	ctx := context.Background()
	roomID, err := alice.CreateRoom(ctx)
	require.NoError(h.t, err)
	require.NoError(h.t, bob.JoinRoom(ctx, roomID))
	h.eventually(roomID, func(r Room) bool { return len(r.Players) == 2 }, "both players present")

	require.NoError(h.t, alice.MarkReady(ctx))
	require.NoError(h.t, bob.MarkReady(ctx))
	h.eventually(roomID, countdownIs(3), "countdown starts at 3")

	for _, want := range []int{2, 1} {
		h.waitTickers(1)
		h.clock.Advance(time.Second)
		h.eventually(roomID, countdownIs(want), "countdown decrements")
	}
	h.waitTickers(1)
	h.clock.Advance(time.Second)
	h.eventually(roomID, statusIs(StatusRunning), "race starts")
	h.observe(StatusRunning, alice, bob)
	return roomID
}

func TestCreateRoomJoinsCreator(t *testing.T) {
	h := newHarness(t)
	alice := h.session("alice")

	roomID, err := alice.CreateRoom(context.Background())
	require.NoError(t, err)
	assert.Len(t, roomID, 6)

	room, ok := h.room(roomID)
	require.True(t, ok)
	assert.Equal(t, StatusWaiting, room.Status)
	assert.Equal(t, testText, room.Text)
	assert.Equal(t, roomID, room.ID)
	require.Contains(t, room.Players, "alice")
	assert.Equal(t, DefaultPlayerName("alice"), room.Players["alice"].Name)
	assert.False(t, room.Players["alice"].Ready)

	select {
	case view := <-alice.Updates():
		assert.Equal(t, roomID, view.ID)
		assert.Equal(t, "alice", view.Self)
	case <-time.After(waitFor):
		t.Fatal("no room view delivered")
	}
}

func TestCreateRoomRejectsEmptyText(t *testing.T) {
	h := newHarness(t)
	client, err := h.store.Open(context.Background())
	require.NoError(t, err)
	s := NewSession(context.Background(), Config{
		Store:     client,
		Identity:  NewIdentity("alice", "Alice"),
		Sentences: FixedSentence("   "),
		Clock:     h.clock,
	})
	defer s.Close(context.Background())

	_, err = s.CreateRoom(context.Background())
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestCreateRoomRetriesTakenCode(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.observer.Create(context.Background(), docstore.RoomPath("TAKEN1"), Room{ID: "TAKEN1", Text: "x", Status: StatusWaiting}))

	codes := []string{"TAKEN1", "FRESH1"}
	client, err := h.store.Open(context.Background())
	require.NoError(t, err)
	s := NewSession(context.Background(), Config{
		Store:     client,
		Identity:  NewIdentity("alice", ""),
		Sentences: FixedSentence(testText),
		Clock:     h.clock,
		NewRoomCode: func() string {
			c := codes[0]
			codes = codes[1:]
			return c
		},
	})
	defer s.Close(context.Background())

	roomID, err := s.CreateRoom(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "FRESH1", roomID)
}

func TestJoinRoomNotFound(t *testing.T) {
	h := newHarness(t)
	bob := h.session("bob")

	assert.ErrorIs(t, bob.JoinRoom(context.Background(), "NOPE00"), ErrRoomNotFound)
	assert.ErrorIs(t, bob.JoinRoom(context.Background(), ""), ErrRoomNotFound)
	assert.ErrorIs(t, bob.MarkReady(context.Background()), ErrNotInRoom)
}

func TestPathLikeIdentifiersCannotReachOtherRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.session("alice")
	roomID, err := alice.CreateRoom(ctx)
	require.NoError(t, err)

	intruder := h.session("alice/ready")
	assert.NotEqual(t, "alice/ready", intruder.PlayerID())
	require.NoError(t, intruder.JoinRoom(ctx, roomID))

	// a room code that addresses a nested value is not a room
	bob := h.session("bob")
	assert.ErrorIs(t, bob.JoinRoom(ctx, roomID+"/players/alice"), ErrRoomNotFound)
	assert.ErrorIs(t, bob.JoinRoom(ctx, "ROOM.1"), ErrRoomNotFound)

	h.eventually(roomID, func(r Room) bool { return len(r.Players) == 2 }, "intruder joined under its own record")
	room, _ := h.room(roomID)
	assert.False(t, room.Players["alice"].Ready)
	assert.Contains(t, room.Players, intruder.PlayerID())

	require.Eventually(t, func() bool {
		view, err := alice.View(ctx)
		return err == nil && len(view.Players) == 2
	}, waitFor, tick, "alice keeps decoding the room")
}

func TestNewIdentityReplacesUnusableIDs(t *testing.T) {
	tests := []struct {
		id   string
		keep bool
	}{
		{id: "alice", keep: true},
		{id: "3f2c9a10-7d4e-4b8e-9a51-0c2f6e8d1b77", keep: true},
		{id: ""},
		{id: "alice/ready"},
		{id: "a.b"},
		{id: "a b"},
		{id: "a\tb"},
		{id: "*"},
		{id: ">"},
	}
	for _, tt := range tests {
		id := NewIdentity(tt.id, "")
		assert.True(t, ValidPlayerID(id.ID), "id %q", tt.id)
		if tt.keep {
			assert.Equal(t, tt.id, id.ID)
		} else {
			assert.NotEqual(t, tt.id, id.ID)
		}
	}
}

func TestMarkReadyRequiresOwnRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := h.session("alice")
	bob := h.session("bob")

	roomID, err := alice.CreateRoom(ctx)
	require.NoError(t, err)
	require.NoError(t, bob.JoinRoom(ctx, roomID))
	h.eventually(roomID, func(r Room) bool { return len(r.Players) == 2 }, "both players present")

	// bob's record vanishes underneath him
	require.NoError(t, h.observer.Remove(ctx, docstore.PlayerPath(roomID, "bob")))
	require.Eventually(t, func() bool {
		view, err := bob.View(ctx)
		return err == nil && len(view.Players) == 1
	}, waitFor, tick, "bob observes his removal")

	assert.ErrorIs(t, bob.MarkReady(ctx), ErrNotInRoom)
	room, _ := h.room(roomID)
	assert.NotContains(t, room.Players, "bob", "no record is recreated")

	// the room itself disappears
	require.Eventually(t, func() bool {
		view, err := alice.View(ctx)
		return err == nil && len(view.Players) == 1
	}, waitFor, tick, "alice observes bob's removal")
	require.NoError(t, h.observer.Remove(ctx, docstore.RoomPath(roomID)))
	require.Eventually(t, func() bool {
		view, err := alice.View(ctx)
		return err == nil && len(view.Players) == 0
	}, waitFor, tick, "alice observes the room removal")

	assert.ErrorIs(t, alice.MarkReady(ctx), ErrNotInRoom)
	_, exists := h.room(roomID)
	assert.False(t, exists, "no room document is recreated")
}

func TestJoinRoomNormalizesCode(t *testing.T) {
	h := newHarness(t)
	alice := h.session("alice")
	bob := h.session("bob")

	roomID, err := alice.CreateRoom(context.Background())
	require.NoError(t, err)
	require.NoError(t, bob.JoinRoom(context.Background(), " "+strings.ToLower(roomID)+" "))

	h.eventually(roomID, func(r Room) bool { _, ok := r.Players["bob"]; return ok }, "bob joined")
}

func TestJoinRoomWhileRacingRejected(t *testing.T) {
	h := newHarness(t)
	alice := h.session("alice")
	carol := h.session("carol")

	roomID, err := alice.CreateRoom(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.observer.Update(context.Background(), docstore.RoomPath(roomID), docstore.Fields{"status": StatusRunning}))

	assert.ErrorIs(t, carol.JoinRoom(context.Background(), roomID), ErrRaceInProgress)
}

func TestSinglePlayerReadyDoesNotStartCountdown(t *testing.T) {
	h := newHarness(t)
	alice := h.session("alice")

	roomID, err := alice.CreateRoom(context.Background())
	require.NoError(t, err)
	require.NoError(t, alice.MarkReady(context.Background()))

	h.eventually(roomID, func(r Room) bool { return r.Players["alice"].Ready }, "ready written")
	assert.Never(t, func() bool {
		room, _ := h.room(roomID)
		return room.Status != StatusWaiting
	}, 100*time.Millisecond, tick)
}

func TestCountdownAndRaceClockExpiry(t *testing.T) {
	h := newHarness(t)
	alice := h.session("alice")
	bob := h.session("bob")

	roomID := h.startRace(alice, bob)

	room, _ := h.room(roomID)
	assert.Nil(t, room.Countdown)
	require.NotNil(t, room.StartTime)
	assert.True(t, room.StartTime.Equal(h.clock.Now()))

	require.NoError(t, alice.SubmitTypedText(context.Background(), "the quick"))
	h.eventually(roomID, func(r Room) bool { return r.Players["alice"].Progress > 0 }, "partial progress written")

	// both race clocks tick so each client can show the time left
	h.waitTickers(2)
	h.clock.Advance(60 * time.Second)
	h.eventually(roomID, statusIs(StatusFinished), "clock expiry finishes the race")

	room, _ = h.room(roomID)
	assert.True(t, room.TimerExpired)
	assert.False(t, room.FinishedEarly)
	assert.Empty(t, room.Winner, "nobody finished")
	assert.InDelta(t, 100*9.0/19.0, room.Players["alice"].Progress, 0.01)
	assert.False(t, room.Players["alice"].Finished)
	assert.Nil(t, room.Players["alice"].WPM)
	assert.Never(t, func() bool {
		room, _ := h.room(roomID)
		return room.Winner != ""
	}, 50*time.Millisecond, tick)

	assert.Equal(t, 1, h.sink.count(EventCountdownStarted))
	assert.Equal(t, 1, h.sink.count(EventRaceStarted))
	assert.Equal(t, 1, h.sink.count(EventRaceFinished))
}

func TestEarlyFinishDeclaresWinner(t *testing.T) {
	h := newHarness(t)
	alice := h.session("alice")
	bob := h.session("bob")
	roomID := h.startRace(alice, bob)
	ctx := context.Background()

	h.clock.Advance(10 * time.Second)
	require.NoError(t, alice.SubmitTypedText(ctx, testText))
	h.eventually(roomID, func(r Room) bool { return r.Players["alice"].Finished }, "alice finished")

	h.clock.Advance(5 * time.Second)
	require.NoError(t, bob.SubmitTypedText(ctx, testText))

	h.eventually(roomID, func(r Room) bool { return r.Winner != "" }, "winner declared")
	room, _ := h.room(roomID)
	assert.Equal(t, StatusFinished, room.Status)
	assert.True(t, room.FinishedEarly)
	assert.False(t, room.TimerExpired)
	assert.Equal(t, "alice", room.Winner)

	a := room.Players["alice"]
	require.NotNil(t, a.WPM)
	assert.Equal(t, 24, *a.WPM)
	assert.Equal(t, 100, *a.Accuracy)
	assert.True(t, a.Ready, "ready survives completion")

	b := room.Players["bob"]
	require.NotNil(t, b.WPM)
	assert.Equal(t, 16, *b.WPM)

	assert.Equal(t, 2, h.sink.count(EventPlayerFinished))
	assert.Equal(t, 1, h.sink.count(EventWinnerDeclared))

	// the race clock stops once the room finished
	h.waitTickers(0)
}

func TestInvalidInputDoesNotAdvance(t *testing.T) {
	h := newHarness(t)
	alice := h.session("alice")
	bob := h.session("bob")
	roomID := h.startRace(alice, bob)
	ctx := context.Background()

	require.NoError(t, alice.SubmitTypedText(ctx, "the quick"))
	h.eventually(roomID, func(r Room) bool { return r.Players["alice"].Progress > 0 }, "progress written")
	before, _ := h.room(roomID)

	require.NoError(t, alice.SubmitTypedText(ctx, "the quack"))
	require.NoError(t, alice.SubmitTypedText(ctx, "the"))

	typed, err := alice.Typed(ctx)
	require.NoError(t, err)
	assert.Equal(t, "the", typed)

	after, _ := h.room(roomID)
	assert.Equal(t, before.Players["alice"].Progress, after.Players["alice"].Progress)
	assert.InDelta(t, 100*9.0/19.0, after.Players["alice"].Progress, 1e-9)
}

func TestTypingBeforeRaceIsIgnored(t *testing.T) {
	h := newHarness(t)
	alice := h.session("alice")

	roomID, err := alice.CreateRoom(context.Background())
	require.NoError(t, err)
	require.NoError(t, alice.SubmitTypedText(context.Background(), "the"))

	room, _ := h.room(roomID)
	assert.Zero(t, room.Players["alice"].Progress)
}

func TestRestartLocalInput(t *testing.T) {
	h := newHarness(t)
	alice := h.session("alice")
	bob := h.session("bob")
	roomID := h.startRace(alice, bob)
	ctx := context.Background()

	require.NoError(t, alice.SubmitTypedText(ctx, "the quick"))
	h.eventually(roomID, func(r Room) bool { return r.Players["alice"].Progress > 0 }, "progress written")

	require.NoError(t, alice.RestartLocalInput(ctx))
	h.eventually(roomID, func(r Room) bool { return r.Players["alice"].Progress == 0 }, "progress reset")

	room, _ := h.room(roomID)
	assert.True(t, room.Players["alice"].Ready)
	assert.False(t, room.Players["alice"].Finished)

	require.NoError(t, alice.SubmitTypedText(ctx, "the"))
	h.eventually(roomID, func(r Room) bool { return r.Players["alice"].Progress > 0 }, "typing counts again")
}

func TestDisconnectRemovesPlayer(t *testing.T) {
	h := newHarness(t)
	alice := h.session("alice")
	bob := h.session("bob")

	roomID, err := alice.CreateRoom(context.Background())
	require.NoError(t, err)
	require.NoError(t, bob.JoinRoom(context.Background(), roomID))
	h.eventually(roomID, func(r Room) bool { return len(r.Players) == 2 }, "both joined")

	require.NoError(t, bob.Close(context.Background()))
	h.eventually(roomID, func(r Room) bool { _, ok := r.Players["bob"]; return !ok }, "bob removed on disconnect")

	assert.ErrorIs(t, bob.MarkReady(context.Background()), ErrSessionClosed)
}

func TestDepartedPlayerExcludedFromFinish(t *testing.T) {
	h := newHarness(t)
	alice := h.session("alice")
	bob := h.session("bob")
	carol := h.session("carol")
	ctx := context.Background()

	roomID, err := alice.CreateRoom(ctx)
	require.NoError(t, err)
	require.NoError(t, bob.JoinRoom(ctx, roomID))
	require.NoError(t, carol.JoinRoom(ctx, roomID))
	h.eventually(roomID, func(r Room) bool { return len(r.Players) == 3 }, "three players")

	for _, s := range []*Session{alice, bob, carol} {
		require.NoError(t, s.MarkReady(ctx))
	}
	h.eventually(roomID, countdownIs(3), "countdown starts")
	for i := 0; i < 3; i++ {
		h.waitTickers(1)
		h.clock.Advance(time.Second)
		if i < 2 {
			h.eventually(roomID, countdownIs(2-i), "countdown decrements")
		}
	}
	h.eventually(roomID, statusIs(StatusRunning), "race starts")
	h.observe(StatusRunning, alice, bob)

	require.NoError(t, carol.Close(ctx))
	h.eventually(roomID, func(r Room) bool { return len(r.Players) == 2 }, "carol left")

	h.clock.Advance(5 * time.Second)
	require.NoError(t, alice.SubmitTypedText(ctx, testText))
	require.NoError(t, bob.SubmitTypedText(ctx, testText))

	h.eventually(roomID, statusIs(StatusFinished), "remaining players finish the race")
	room, _ := h.room(roomID)
	assert.True(t, room.FinishedEarly)
	assert.NotContains(t, room.Players, "carol")
}

func TestJoiningAnotherRoomLeavesPrevious(t *testing.T) {
	h := newHarness(t)
	alice := h.session("alice")
	bob := h.session("bob")
	ctx := context.Background()

	first, err := alice.CreateRoom(ctx)
	require.NoError(t, err)
	second, err := bob.CreateRoom(ctx)
	require.NoError(t, err)

	require.NoError(t, bob.JoinRoom(ctx, first))
	h.eventually(first, func(r Room) bool { _, ok := r.Players["bob"]; return ok }, "bob in first room")

	h.eventually(second, func(r Room) bool { _, ok := r.Players["bob"]; return !ok }, "bob left the second room")
}

func TestOwnerLeavingHandsOverTimers(t *testing.T) {
	h := newHarness(t)
	alice := h.session("alice")
	bob := h.session("bob")
	carol := h.session("carol")
	ctx := context.Background()

	roomID, err := alice.CreateRoom(ctx)
	require.NoError(t, err)
	require.NoError(t, bob.JoinRoom(ctx, roomID))
	require.NoError(t, carol.JoinRoom(ctx, roomID))
	h.eventually(roomID, func(r Room) bool { return len(r.Players) == 3 }, "three players")
	for _, s := range []*Session{alice, bob, carol} {
		require.NoError(t, s.MarkReady(ctx))
	}
	h.eventually(roomID, countdownIs(3), "countdown starts")

	require.NoError(t, alice.Close(ctx))
	h.eventually(roomID, func(r Room) bool { return len(r.Players) == 2 }, "alice left")

	for _, want := range []int{2, 1} {
		h.waitTickers(1)
		h.clock.Advance(time.Second)
		h.eventually(roomID, countdownIs(want), "bob drives the countdown")
	}
	h.waitTickers(1)
	h.clock.Advance(time.Second)
	h.eventually(roomID, statusIs(StatusRunning), "race starts")
}

func TestEveryoneOwnershipConverges(t *testing.T) {
	h := newHarness(t)
	h.rules.Ownership = OwnershipEveryone
	alice := h.session("alice")
	bob := h.session("bob")
	ctx := context.Background()

	roomID, err := alice.CreateRoom(ctx)
	require.NoError(t, err)
	require.NoError(t, bob.JoinRoom(ctx, roomID))
	h.eventually(roomID, func(r Room) bool { return len(r.Players) == 2 }, "both joined")
	require.NoError(t, alice.MarkReady(ctx))
	require.NoError(t, bob.MarkReady(ctx))
	h.eventually(roomID, countdownIs(3), "countdown starts")

	h.waitTickers(2)
	require.Eventually(t, func() bool {
		h.clock.Advance(time.Second)
		room, _ := h.room(roomID)
		return room.Status == StatusRunning
	}, waitFor, 20*time.Millisecond)

	room, _ := h.room(roomID)
	assert.Nil(t, room.Countdown)
	assert.NotNil(t, room.StartTime)
}

func TestViewTracksRoom(t *testing.T) {
	h := newHarness(t)
	alice := h.session("alice")
	bob := h.session("bob")
	roomID := h.startRace(alice, bob)

	require.Eventually(t, func() bool {
		view, err := bob.View(context.Background())
		return err == nil && view.Status == StatusRunning && view.TimeLeft != nil
	}, waitFor, tick)

	view, err := bob.View(context.Background())
	require.NoError(t, err)
	assert.Equal(t, roomID, view.ID)
	assert.Equal(t, "bob", view.Self)
	assert.Equal(t, 60, *view.TimeLeft)
	require.Len(t, view.Players, 2)
	assert.Equal(t, "alice", view.Players[0].ID)
	assert.Equal(t, "bob", view.Players[1].ID)
}
