// Package postgres stores room documents as JSONB rows. Writes lock the row,
// merge in Go and notify; subscribers are fed from a LISTEN connection.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/typeracer/go/internal/docstore"
	"github.com/mcdev12/typeracer/go/internal/sqlutil"
)

// Config holds the listener settings.
type Config struct {
	DatabaseURL          string // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel        string
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	PingInterval         time.Duration
}

// DefaultConfig returns the default listener configuration.
func DefaultConfig() Config {
	return Config{
		NotifyChannel:        "room_documents",
		MinReconnectInterval: 10 * time.Second,
		MaxReconnectInterval: time.Minute,
		PingInterval:         90 * time.Second,
	}
}

type subscription struct {
	path  docstore.Path
	inner []string
	box   *docstore.Mailbox
}

// Backend is a docstore.Backend on top of Postgres.
type Backend struct {
	db       *sql.DB
	queries  *Queries
	listener *pq.Listener
	cfg      Config

	mu     sync.Mutex
	subs   map[string]map[uint64]*subscription
	nextID uint64

	// pushMu orders load-then-push sequences, so a subscriber never receives an
	// older document after a newer one.
	pushMu  sync.Mutex
	loadDoc func(ctx context.Context, key string) (map[string]any, uint64, error)

	cancel context.CancelFunc
	done   chan struct{}
}

// Connect starts listening for document notifications on db.
func Connect(db *sql.DB, cfg Config) (*Backend, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		cfg.MinReconnectInterval,
		cfg.MaxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for document notifications")

	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		db:       db,
		queries:  New(db),
		listener: l,
		cfg:      cfg,
		subs:     make(map[string]map[uint64]*subscription),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	b.loadDoc = func(ctx context.Context, key string) (map[string]any, uint64, error) {
		return b.load(ctx, b.queries, key)
	}
	go b.listen(ctx)
	return b, nil
}

// Open returns a new client connection.
func (b *Backend) Open(ctx context.Context) (docstore.Client, error) {
	return &client{backend: b}, nil
}

// Close stops the listener. The *sql.DB is owned by the caller.
func (b *Backend) Close() error {
	b.cancel()
	<-b.done
	return b.listener.Close()
}

func (b *Backend) listen(ctx context.Context) {
	defer close(b.done)

	pingTicker := time.NewTicker(b.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("document listener shutting down")
			return
		case note := <-b.listener.Notify:
			if note == nil {
				// nil notification means the connection was re-established; notifications may be lost
				b.refreshAll(ctx)
				continue
			}
			b.fanOut(ctx, note.Extra)
		case <-pingTicker.C:
			if err := b.listener.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (b *Backend) refreshAll(ctx context.Context) {
	b.mu.Lock()
	keys := make([]string, 0, len(b.subs))
	for key := range b.subs {
		keys = append(keys, key)
	}
	b.mu.Unlock()

	for _, key := range keys {
		b.fanOut(ctx, key)
	}
}

func (b *Backend) fanOut(ctx context.Context, key string) {
	b.pushMu.Lock()
	defer b.pushMu.Unlock()

	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs[key]))
	for _, sub := range b.subs[key] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	root, rev, err := b.loadDoc(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("failed to load notified document")
		return
	}
	for _, sub := range subs {
		v, ok := docstore.GetAt(root, sub.inner)
		sub.box.Push(docstore.Snapshot{Path: sub.path, Value: docstore.Clone(v), Exists: ok, Revision: rev})
	}
}

func (b *Backend) load(ctx context.Context, q *Queries, key string) (map[string]any, uint64, error) {
	row, err := q.GetDocument(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get document %s: %w", key, err)
	}
	root, err := decodeBody(row.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("decode document %s: %w", key, err)
	}
	return root, uint64(row.Revision), nil
}

func decodeBody(body pqtype.NullRawMessage) (map[string]any, error) {
	if !body.Valid || len(body.RawMessage) == 0 {
		return nil, nil
	}
	var root map[string]any
	if err := json.Unmarshal(body.RawMessage, &root); err != nil {
		return nil, err
	}
	return root, nil
}

func (b *Backend) get(ctx context.Context, path docstore.Path) (docstore.Snapshot, error) {
	key, inner, err := path.Split()
	if err != nil {
		return docstore.Snapshot{}, err
	}
	root, rev, err := b.load(ctx, b.queries, key)
	if err != nil {
		return docstore.Snapshot{}, err
	}
	v, ok := docstore.GetAt(root, inner)
	return docstore.Snapshot{Path: path, Value: v, Exists: ok, Revision: rev}, nil
}

// modify locks the document row, applies fn and notifies listeners in one transaction.
func (b *Backend) modify(ctx context.Context, path docstore.Path, fn func(root map[string]any, inner []string) (map[string]any, error)) error {
	key, inner, err := path.Split()
	if err != nil {
		return err
	}

	_, err = sqlutil.InTx(ctx, b.db, func(tx *sql.Tx) *Queries { return New(tx) }, func(q *Queries) (struct{}, error) {
		if err := q.ReserveDocument(ctx, key); err != nil {
			return struct{}{}, fmt.Errorf("reserve document %s: %w", key, err)
		}
		row, err := q.LockDocument(ctx, key)
		if err != nil {
			return struct{}{}, fmt.Errorf("lock document %s: %w", key, err)
		}
		root, err := decodeBody(row.Body)
		if err != nil {
			return struct{}{}, fmt.Errorf("decode document %s: %w", key, err)
		}

		next, err := fn(root, inner)
		if err != nil {
			return struct{}{}, err
		}

		if next == nil {
			if err := q.DeleteDocument(ctx, key); err != nil {
				return struct{}{}, fmt.Errorf("delete document %s: %w", key, err)
			}
		} else {
			data, err := json.Marshal(next)
			if err != nil {
				return struct{}{}, fmt.Errorf("marshal document %s: %w", key, err)
			}
			body := pqtype.NullRawMessage{RawMessage: data, Valid: true}
			if err := q.SaveDocument(ctx, key, body); err != nil {
				return struct{}{}, fmt.Errorf("save document %s: %w", key, err)
			}
		}
		return struct{}{}, q.NotifyDocument(ctx, b.cfg.NotifyChannel, key)
	})
	return err
}

func (b *Backend) subscribe(ctx context.Context, path docstore.Path, fn func(docstore.Snapshot)) (func(), error) {
	key, inner, err := path.Split()
	if err != nil {
		return nil, err
	}
	sub := &subscription{path: path, inner: inner, box: docstore.NewMailbox(fn)}

	b.pushMu.Lock()
	defer b.pushMu.Unlock()

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[key] == nil {
		b.subs[key] = make(map[uint64]*subscription)
	}
	b.subs[key][id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs[key], id)
		if len(b.subs[key]) == 0 {
			delete(b.subs, key)
		}
		b.mu.Unlock()
		sub.box.Stop()
	}

	root, rev, err := b.loadDoc(ctx, key)
	if err != nil {
		cancel()
		return nil, err
	}
	v, ok := docstore.GetAt(root, inner)
	sub.box.Push(docstore.Snapshot{Path: path, Value: v, Exists: ok, Revision: rev})
	return cancel, nil
}

func (b *Backend) remove(ctx context.Context, path docstore.Path) error {
	return b.modify(ctx, path, func(root map[string]any, inner []string) (map[string]any, error) {
		return docstore.RemoveAt(root, inner), nil
	})
}

type client struct {
	backend *Backend
	reg     docstore.Registry
}

func (c *client) Get(ctx context.Context, path docstore.Path) (docstore.Snapshot, error) {
	if c.reg.Closed() {
		return docstore.Snapshot{}, docstore.ErrClientClosed
	}
	return c.backend.get(ctx, path)
}

func (c *client) Create(ctx context.Context, path docstore.Path, value any) error {
	if c.reg.Closed() {
		return docstore.ErrClientClosed
	}
	nv, err := docstore.Normalize(value)
	if err != nil {
		return err
	}
	return c.backend.modify(ctx, path, func(root map[string]any, inner []string) (map[string]any, error) {
		return docstore.SetAt(root, inner, nv)
	})
}

func (c *client) Update(ctx context.Context, path docstore.Path, fields docstore.Fields) error {
	if c.reg.Closed() {
		return docstore.ErrClientClosed
	}
	nf, err := docstore.NormalizeFields(fields)
	if err != nil {
		return err
	}
	return c.backend.modify(ctx, path, func(root map[string]any, inner []string) (map[string]any, error) {
		return docstore.MergeAt(root, inner, nf)
	})
}

func (c *client) Remove(ctx context.Context, path docstore.Path) error {
	if c.reg.Closed() {
		return docstore.ErrClientClosed
	}
	return c.backend.remove(ctx, path)
}

func (c *client) Subscribe(ctx context.Context, path docstore.Path, fn func(docstore.Snapshot)) (func(), error) {
	cancel, err := c.backend.subscribe(ctx, path, fn)
	if err != nil {
		return nil, err
	}
	unsubscribe, err := c.reg.AddCancel(cancel)
	if err != nil {
		cancel()
		return nil, err
	}
	return unsubscribe, nil
}

func (c *client) OnDisconnectRemove(ctx context.Context, path docstore.Path) error {
	return c.reg.AddRemoval(path)
}

func (c *client) Close(ctx context.Context) error {
	removals, ok := c.reg.Close()
	if !ok {
		return nil
	}
	var errs []error
	for _, p := range removals {
		if err := c.backend.remove(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}
