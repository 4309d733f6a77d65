package race

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/typeracer/go/internal/docstore"
	"github.com/rs/zerolog/log"
)

const maxRoomCodeAttempts = 5

// Config wires a Session to its collaborators. Store, Identity and Sentences are
// required; the rest have defaults.
type Config struct {
	Store     docstore.Client
	Identity  Identity
	Sentences SentenceProvider
	Rules     Rules
	Clock     clockwork.Clock
	Events    EventSink
	// NewRoomCode generates candidate room ids. Defaults to NewRoomCode.
	NewRoomCode func() string
}

type command struct {
	fn   func() error
	done chan error
}

// Session is one client's view of the race. Commands, store notifications and
// timer ticks are handled one at a time on a single goroutine, so no Session
// state is shared with callers.
type Session struct {
	store     docstore.Client
	self      Identity
	sentences SentenceProvider
	rules     Rules
	clock     clockwork.Clock
	events    EventSink
	newCode   func() string

	cmds    chan command
	notify  chan struct{}
	updates chan RoomView
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once

	latestMu sync.Mutex
	latest   *docstore.Snapshot

	// owned by the run loop
	roomID        string
	room          *Room
	unsubscribe   func()
	countdown     *cadence
	raceClock     *cadence
	countdownSent int
	progressFloor float64
	typed         string
	written       map[TransitionKind]bool
	view          RoomView
}

// NewSession starts the session loop. It stops when ctx is cancelled or Close is called.
func NewSession(ctx context.Context, cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Events == nil {
		cfg.Events = discardSink{}
	}
	if cfg.NewRoomCode == nil {
		cfg.NewRoomCode = NewRoomCode
	}
	if cfg.Rules == (Rules{}) {
		cfg.Rules = DefaultRules()
	}
	if !ValidPlayerID(cfg.Identity.ID) {
		cfg.Identity = NewIdentity(cfg.Identity.ID, cfg.Identity.Name)
	}

	s := &Session{
		store:     cfg.Store,
		self:      cfg.Identity,
		sentences: cfg.Sentences,
		rules:     cfg.Rules,
		clock:     cfg.Clock,
		events:    cfg.Events,
		newCode:   cfg.NewRoomCode,
		cmds:      make(chan command),
		notify:    make(chan struct{}, 1),
		updates:   make(chan RoomView, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		countdown: newCadence(cfg.Clock, time.Second),
		raceClock: newCadence(cfg.Clock, time.Second),
		written:   make(map[TransitionKind]bool),
	}
	go s.run(ctx)
	return s
}

// PlayerID returns the session's player id.
func (s *Session) PlayerID() string {
	return s.self.ID
}

// Updates delivers the latest room view after every change. Views that the
// reader has not consumed yet are replaced by newer ones.
func (s *Session) Updates() <-chan RoomView {
	return s.updates
}

// Done is closed once the session loop stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close stops the session and disconnects its store client, which removes the
// player's record from the room.
func (s *Session) Close(ctx context.Context) error {
	s.once.Do(func() { close(s.quit) })
	<-s.done
	if err := s.store.Close(ctx); err != nil {
		return fmt.Errorf("close store client: %w", err)
	}
	return nil
}

// CreateRoom creates a waiting room with a fresh text and joins it.
func (s *Session) CreateRoom(ctx context.Context) (string, error) {
	var roomID string
	err := s.do(ctx, func() error {
		text := s.sentences.Sentence()
		if strings.TrimSpace(text) == "" {
			return ErrEmptyText
		}

		for i := 0; i < maxRoomCodeAttempts && roomID == ""; i++ {
			code := s.newCode()
			snap, err := s.store.Get(ctx, docstore.RoomPath(code))
			if err != nil {
				return fmt.Errorf("check room code: %w", err)
			}
			if !snap.Exists {
				roomID = code
			}
		}
		if roomID == "" {
			return ErrRoomCodeExhausted
		}

		room := Room{
			ID:        roomID,
			Text:      text,
			Status:    StatusWaiting,
			CreatedAt: s.clock.Now().UTC(),
		}
		if err := s.store.Create(ctx, docstore.RoomPath(roomID), room); err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		log.Info().Str("room_id", roomID).Str("player_id", s.self.ID).Msg("Room created")

		return s.join(ctx, room)
	})
	if err != nil {
		return "", err
	}
	return roomID, nil
}

// JoinRoom adds the player to an existing waiting room and starts observing it.
func (s *Session) JoinRoom(ctx context.Context, roomID string) error {
	roomID = strings.ToUpper(strings.TrimSpace(roomID))
	return s.do(ctx, func() error {
		if !docstore.ValidSegment(roomID) {
			return ErrRoomNotFound
		}
		snap, err := s.store.Get(ctx, docstore.RoomPath(roomID))
		if err != nil {
			if errors.Is(err, docstore.ErrInvalidPath) {
				return ErrRoomNotFound
			}
			return fmt.Errorf("get room: %w", err)
		}
		if !snap.Exists {
			return ErrRoomNotFound
		}
		var room Room
		if err := snap.Decode(&room); err != nil {
			return fmt.Errorf("decode room %s: %w", roomID, err)
		}
		if room.ID == "" {
			room.ID = roomID
		}

		if _, member := room.Players[s.self.ID]; room.Status != StatusWaiting && !member {
			return ErrRaceInProgress
		}
		return s.join(ctx, room)
	})
}

// SubmitTypedText scores the player's full current input.
func (s *Session) SubmitTypedText(ctx context.Context, text string) error {
	return s.do(ctx, func() error {
		if s.roomID == "" {
			return ErrNotInRoom
		}
		s.typed = text
		if s.room == nil {
			return nil
		}

		now := s.clock.Now().UTC()
		fields, metrics, ok := TrackProgress(*s.room, s.self.ID, text, s.progressFloor, now)
		if !ok {
			log.Debug().Str("room_id", s.roomID).Str("player_id", s.self.ID).Msg("Input not scored")
			return nil
		}
		if err := s.store.Update(ctx, docstore.PlayerPath(s.roomID, s.self.ID), fields); err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
		s.progressFloor = fields["progress"].(float64)
		s.patchSelf(func(p *PlayerState) {
			p.Progress = s.progressFloor
			p.Finished = metrics != nil
		})

		if metrics != nil {
			log.Info().
				Str("room_id", s.roomID).
				Str("player_id", s.self.ID).
				Int("wpm", metrics.WPM).
				Int("accuracy", metrics.Accuracy).
				Msg("Player finished")
			s.emit(ctx, Event{
				Type:     EventPlayerFinished,
				RoomID:   s.roomID,
				PlayerID: s.self.ID,
				At:       now,
				Players:  len(s.room.Players),
				WPM:      metrics.WPM,
				Accuracy: metrics.Accuracy,
			})
		}
		return nil
	})
}

// MarkReady sets the player's ready flag while the room is waiting.
func (s *Session) MarkReady(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.roomID == "" || s.room == nil {
			return ErrNotInRoom
		}
		p, ok := s.room.Players[s.self.ID]
		if !ok {
			return ErrNotInRoom
		}
		if s.room.Status != StatusWaiting {
			log.Debug().Str("room_id", s.roomID).Str("status", string(s.room.Status)).Msg("Ready ignored")
			return nil
		}
		if p.Ready {
			return nil
		}
		if err := s.store.Update(ctx, docstore.PlayerPath(s.roomID, s.self.ID), docstore.Fields{"ready": true}); err != nil {
			return fmt.Errorf("mark ready: %w", err)
		}
		s.patchSelf(func(p *PlayerState) { p.Ready = true })
		log.Info().Str("room_id", s.roomID).Str("player_id", s.self.ID).Msg("Player ready")
		return nil
	})
}

// RestartLocalInput clears the local input and resets the player's progress.
// It does nothing once the race finished.
func (s *Session) RestartLocalInput(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.roomID == "" {
			return ErrNotInRoom
		}
		if s.room == nil || s.room.Status == StatusFinished {
			return nil
		}
		if _, ok := s.room.Players[s.self.ID]; !ok {
			return nil
		}
		s.typed = ""
		s.progressFloor = 0
		if err := s.store.Update(ctx, docstore.PlayerPath(s.roomID, s.self.ID), ResetProgressFields()); err != nil {
			return fmt.Errorf("reset progress: %w", err)
		}
		s.patchSelf(func(p *PlayerState) {
			*p = PlayerState{Name: p.Name, Ready: p.Ready}
		})
		return nil
	})
}

// View returns the latest room view.
func (s *Session) View(ctx context.Context) (RoomView, error) {
	var view RoomView
	err := s.do(ctx, func() error {
		view = s.view
		return nil
	})
	return view, err
}

// Typed returns the local input text, including characters that were not scored.
func (s *Session) Typed(ctx context.Context) (string, error) {
	var typed string
	err := s.do(ctx, func() error {
		typed = s.typed
		return nil
	})
	return typed, err
}

func (s *Session) do(ctx context.Context, fn func() error) error {
	c := command{fn: fn, done: make(chan error, 1)}
	select {
	case s.cmds <- c:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.done:
		return err
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.teardown()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case c := <-s.cmds:
			c.done <- c.fn()
		case <-s.notify:
			s.handleSnapshot(ctx)
		case <-s.countdown.C():
			s.handleCountdownTick(ctx)
		case <-s.raceClock.C():
			s.handleRaceTick(ctx)
		}
	}
}

func (s *Session) teardown() {
	s.countdown.Stop()
	s.raceClock.Stop()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

// join switches the session to room, leaving any previous one.
func (s *Session) join(ctx context.Context, room Room) error {
	if s.roomID == room.ID {
		return nil
	}
	if s.roomID != "" {
		s.leave(ctx)
	}

	path := docstore.PlayerPath(room.ID, s.self.ID)
	if _, member := room.Players[s.self.ID]; !member {
		self := PlayerState{Name: s.self.Name}
		if err := s.store.Create(ctx, path, self); err != nil {
			return fmt.Errorf("add player: %w", err)
		}
		players := make(map[string]PlayerState, len(room.Players)+1)
		for id, ps := range room.Players {
			players[id] = ps
		}
		players[s.self.ID] = self
		room.Players = players
	}
	if err := s.store.OnDisconnectRemove(ctx, path); err != nil {
		return fmt.Errorf("register disconnect hook: %w", err)
	}

	s.roomID = room.ID
	s.room = &room
	s.resetLocal()

	unsubscribe, err := s.store.Subscribe(ctx, docstore.RoomPath(room.ID), s.onSnapshot)
	if err != nil {
		s.roomID = ""
		s.room = nil
		return fmt.Errorf("subscribe to room: %w", err)
	}
	s.unsubscribe = unsubscribe

	log.Info().Str("room_id", room.ID).Str("player_id", s.self.ID).Msg("Joined room")
	return nil
}

func (s *Session) leave(ctx context.Context) {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.countdown.Stop()
	s.raceClock.Stop()

	if err := s.store.Remove(ctx, docstore.PlayerPath(s.roomID, s.self.ID)); err != nil {
		log.Error().Err(err).Str("room_id", s.roomID).Str("player_id", s.self.ID).Msg("Failed to leave room")
	} else {
		log.Info().Str("room_id", s.roomID).Str("player_id", s.self.ID).Msg("Left room")
	}
	s.roomID = ""
	s.room = nil
}

// patchSelf applies a write this session made to its own record in the observed
// room, so follow-up commands see it before the store notification arrives.
func (s *Session) patchSelf(fn func(p *PlayerState)) {
	if s.room == nil {
		return
	}
	p, ok := s.room.Players[s.self.ID]
	if !ok {
		return
	}
	fn(&p)
	players := make(map[string]PlayerState, len(s.room.Players))
	for id, ps := range s.room.Players {
		players[id] = ps
	}
	players[s.self.ID] = p
	s.room.Players = players
}

func (s *Session) resetLocal() {
	s.countdownSent = 0
	s.progressFloor = 0
	s.typed = ""
	s.written = make(map[TransitionKind]bool)
}

// onSnapshot runs on the store's delivery goroutine. Only the newest snapshot is kept.
func (s *Session) onSnapshot(snap docstore.Snapshot) {
	s.latestMu.Lock()
	s.latest = &snap
	s.latestMu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Session) handleSnapshot(ctx context.Context) {
	s.latestMu.Lock()
	snap := s.latest
	s.latest = nil
	s.latestMu.Unlock()

	if snap == nil || s.roomID == "" || snap.Path != docstore.RoomPath(s.roomID) {
		return
	}

	if !snap.Exists {
		log.Warn().Str("room_id", s.roomID).Msg("Room document disappeared")
		s.room = nil
		s.countdown.Stop()
		s.raceClock.Stop()
		s.publish(RoomView{ID: s.roomID, Self: s.self.ID, Players: []PlayerView{}})
		return
	}

	var room Room
	if err := snap.Decode(&room); err != nil {
		log.Error().Err(err).Str("room_id", s.roomID).Msg("Failed to decode room")
		return
	}
	if room.ID == "" {
		room.ID = s.roomID
	}
	s.room = &room

	if room.Status != StatusCountdown {
		s.countdownSent = 0
	}

	s.reconcileTimers()
	s.evaluate(ctx)
	s.publishView()
}

// reconcileTimers starts or stops the local tickers to match the observed status.
func (s *Session) reconcileTimers() {
	if s.room.Status == StatusCountdown && IsOwner(*s.room, s.self.ID, s.rules) && !s.written[KindStartRace] {
		s.countdown.Start()
	} else {
		s.countdown.Stop()
	}

	if s.room.Status == StatusRunning {
		s.raceClock.Start()
	} else {
		s.raceClock.Stop()
	}
}

// evaluate writes the document-driven transition due for the observed room.
func (s *Session) evaluate(ctx context.Context) {
	if !IsOwner(*s.room, s.self.ID, s.rules) {
		return
	}
	t, ok := NextTransition(*s.room, s.rules, s.clock.Now().UTC())
	if !ok {
		return
	}
	if s.written[t.Kind] {
		log.Debug().Str("room_id", s.roomID).Str("transition", string(t.Kind)).Msg("Transition already written")
		return
	}
	s.apply(ctx, t)
}

func (s *Session) handleCountdownTick(ctx context.Context) {
	if s.room == nil || s.room.Status != StatusCountdown || !IsOwner(*s.room, s.self.ID, s.rules) || s.written[KindStartRace] {
		s.countdown.Stop()
		return
	}

	from := s.rules.CountdownFrom
	if s.room.Countdown != nil {
		from = *s.room.Countdown
	}
	if s.countdownSent > 0 && s.countdownSent < from {
		from = s.countdownSent
	}

	t, ok := CountdownStep(*s.room, from, s.clock.Now().UTC())
	if !ok {
		return
	}
	if err := s.apply(ctx, t); err != nil {
		return
	}
	if t.Kind == KindStartRace {
		s.countdown.Stop()
		return
	}
	s.countdownSent = from - 1
}

func (s *Session) handleRaceTick(ctx context.Context) {
	if s.room == nil || s.room.Status != StatusRunning {
		s.raceClock.Stop()
		return
	}
	s.publishView()

	if !IsOwner(*s.room, s.self.ID, s.rules) || s.written[KindClockExpired] {
		return
	}
	if t, ok := ExpireClock(*s.room, s.rules, s.clock.Now().UTC()); ok {
		if err := s.apply(ctx, t); err == nil {
			s.raceClock.Stop()
		}
	}
}

// apply writes t to the store and emits its event. Failures are logged and
// returned; the transition is re-evaluated on the next notification.
func (s *Session) apply(ctx context.Context, t Transition) error {
	if err := s.store.Update(ctx, t.Path, t.Fields); err != nil {
		log.Error().
			Err(err).
			Str("room_id", s.roomID).
			Str("transition", string(t.Kind)).
			Msg("Failed to write transition")
		return err
	}
	s.written[t.Kind] = true

	evt := log.Info()
	if t.Kind == KindCountdownTick {
		evt = log.Debug()
	}
	evt.Str("room_id", s.roomID).
		Str("player_id", s.self.ID).
		Str("transition", string(t.Kind)).
		Msg("Transition written")

	if t.Event.Type != "" {
		s.emit(ctx, t.Event)
	}
	return nil
}

func (s *Session) emit(ctx context.Context, ev Event) {
	if err := s.events.Emit(ctx, ev); err != nil {
		log.Error().Err(err).Str("room_id", ev.RoomID).Str("event", string(ev.Type)).Msg("Failed to emit race event")
	}
}

func (s *Session) publishView() {
	var timeLeft *int
	if left, ok := TimeLeft(*s.room, s.rules, s.clock.Now()); ok {
		timeLeft = &left
	}
	s.publish(NewRoomView(*s.room, s.self.ID, timeLeft))
}

// publish replaces any unread view with v.
func (s *Session) publish(v RoomView) {
	s.view = v
	for {
		select {
		case s.updates <- v:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}
