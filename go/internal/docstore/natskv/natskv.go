// Package natskv stores room documents in a NATS JetStream key-value bucket.
// Each document is one key; partial writes are read-modify-write cycles guarded
// by the entry revision, and subscriptions are key watches.
package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/typeracer/go/internal/docstore"
)

// Config holds the connection and bucket settings.
type Config struct {
	URL           string
	Bucket        string
	History       uint8
	TTL           time.Duration // 0 keeps rooms until deleted
	MaxReconnects int
	ReconnectWait time.Duration
	MaxRetries    int // optimistic write retries per operation
}

// DefaultConfig returns the default bucket configuration.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Bucket:        "RACE_ROOMS",
		History:       1,
		TTL:           24 * time.Hour,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
		MaxRetries:    8,
	}
}

// Backend is a docstore.Backend on top of JetStream KV.
type Backend struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	kv  jetstream.KeyValue
	cfg Config
}

// Connect dials NATS and binds (or creates) the bucket.
func Connect(ctx context.Context, cfg Config) (*Backend, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	b := &Backend{nc: nc, js: js, cfg: cfg}
	if err := b.ensureBucket(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	return b, nil
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	kv, err := b.js.KeyValue(ctx, b.cfg.Bucket)
	if err == nil {
		log.Info().Str("bucket", b.cfg.Bucket).Msg("using existing key-value bucket")
		b.kv = kv
		return nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return fmt.Errorf("get bucket: %w", err)
	}

	kv, err = b.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      b.cfg.Bucket,
		Description: "Typing race room documents",
		History:     b.cfg.History,
		TTL:         b.cfg.TTL,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	log.Info().Str("bucket", b.cfg.Bucket).Msg("created key-value bucket")
	b.kv = kv
	return nil
}

// Open returns a new client connection sharing the backend's NATS connection.
func (b *Backend) Open(ctx context.Context) (docstore.Client, error) {
	return &client{backend: b}, nil
}

// Close closes the NATS connection.
func (b *Backend) Close() error {
	if b.nc != nil {
		b.nc.Close()
	}
	return nil
}

// kvKey maps "rooms/ABC123" to the bucket key "rooms.ABC123".
func kvKey(docKey string) string {
	return strings.ReplaceAll(docKey, "/", ".")
}

func (b *Backend) load(ctx context.Context, key string) (map[string]any, uint64, error) {
	entry, err := b.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get %s: %w", key, err)
	}
	root, err := decodeRoot(entry.Value())
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return root, entry.Revision(), nil
}

func decodeRoot(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	return root, nil
}

func (b *Backend) get(ctx context.Context, path docstore.Path) (docstore.Snapshot, error) {
	docKey, inner, err := path.Split()
	if err != nil {
		return docstore.Snapshot{}, err
	}
	root, rev, err := b.load(ctx, kvKey(docKey))
	if err != nil {
		return docstore.Snapshot{}, err
	}
	v, ok := docstore.GetAt(root, inner)
	return docstore.Snapshot{Path: path, Value: v, Exists: ok, Revision: rev}, nil
}

// modify applies fn under the entry revision and retries when another writer won.
func (b *Backend) modify(ctx context.Context, path docstore.Path, fn func(root map[string]any, inner []string) (map[string]any, error)) error {
	docKey, inner, err := path.Split()
	if err != nil {
		return err
	}
	key := kvKey(docKey)

	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		root, rev, err := b.load(ctx, key)
		if err != nil {
			return err
		}
		next, err := fn(root, inner)
		if err != nil {
			return err
		}

		switch {
		case next == nil && rev == 0:
			return nil
		case next == nil:
			err = b.kv.Delete(ctx, key, jetstream.LastRevision(rev))
		default:
			data, merr := json.Marshal(next)
			if merr != nil {
				return fmt.Errorf("marshal %s: %w", key, merr)
			}
			if rev == 0 {
				_, err = b.kv.Create(ctx, key, data)
			} else {
				_, err = b.kv.Update(ctx, key, data, rev)
			}
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("write %s: %w", key, err)
		}
		log.Debug().
			Str("key", key).
			Int("attempt", attempt+1).
			Msg("revision conflict, retrying write")
	}
	return fmt.Errorf("%w: %s", docstore.ErrConflict, key)
}

func (b *Backend) watch(path docstore.Path, fn func(docstore.Snapshot)) (func(), error) {
	docKey, inner, err := path.Split()
	if err != nil {
		return nil, err
	}
	key := kvKey(docKey)

	ctx, cancel := context.WithCancel(context.Background())
	w, err := b.kv.Watch(ctx, key)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s: %w", key, err)
	}

	go func() {
		defer func() {
			if err := w.Stop(); err != nil {
				log.Debug().Err(err).Str("key", key).Msg("failed to stop watcher")
			}
		}()

		seen := false
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				if entry == nil {
					// End of initial values; a missing key still gets one snapshot.
					if !seen {
						fn(docstore.Snapshot{Path: path})
					}
					seen = true
					continue
				}
				seen = true
				fn(snapshotFromEntry(path, inner, entry))
			}
		}
	}()

	return cancel, nil
}

func snapshotFromEntry(path docstore.Path, inner []string, entry jetstream.KeyValueEntry) docstore.Snapshot {
	snap := docstore.Snapshot{Path: path, Revision: entry.Revision()}
	if entry.Operation() != jetstream.KeyValuePut {
		return snap
	}
	root, err := decodeRoot(entry.Value())
	if err != nil {
		log.Error().Err(err).Str("key", entry.Key()).Msg("failed to decode watched document")
		return snap
	}
	snap.Value, snap.Exists = docstore.GetAt(root, inner)
	return snap
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
		return docstore.SetAt(root, inner, docstore.Clone(nv))
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

func (b *Backend) remove(ctx context.Context, path docstore.Path) error {
	return b.modify(ctx, path, func(root map[string]any, inner []string) (map[string]any, error) {
		return docstore.RemoveAt(root, inner), nil
	})
}

func (c *client) Subscribe(ctx context.Context, path docstore.Path, fn func(docstore.Snapshot)) (func(), error) {
	cancel, err := c.backend.watch(path, fn)
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
