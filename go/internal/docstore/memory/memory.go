// Package memory is an in-process docstore backend. All clients opened from
// one Store share the same documents.
package memory

import (
	"context"
	"sync"

	"github.com/mcdev12/typeracer/go/internal/docstore"
)

type subscription struct {
	path  docstore.Path
	inner []string
	box   *docstore.Mailbox
}

// Store holds documents in memory.
type Store struct {
	mu     sync.Mutex
	docs   map[string]map[string]any
	revs   map[string]uint64
	subs   map[string]map[uint64]*subscription
	nextID uint64
}

// New creates an empty store.
func New() *Store {
	return &Store{
		docs: make(map[string]map[string]any),
		revs: make(map[string]uint64),
		subs: make(map[string]map[uint64]*subscription),
	}
}

// Open returns a new client connection.
func (s *Store) Open(ctx context.Context) (docstore.Client, error) {
	return &client{store: s}, nil
}

// Close is a no-op; documents live as long as the Store.
func (s *Store) Close() error {
	return nil
}

func (s *Store) get(path docstore.Path) (docstore.Snapshot, error) {
	key, inner, err := path.Split()
	if err != nil {
		return docstore.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := docstore.GetAt(s.docs[key], inner)
	return docstore.Snapshot{Path: path, Value: docstore.Clone(v), Exists: ok, Revision: s.revs[key]}, nil
}

// write applies fn to a copy of the document and fans the result out to subscribers.
func (s *Store) write(path docstore.Path, fn func(root map[string]any, inner []string) (map[string]any, error)) error {
	key, inner, err := path.Split()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	root, _ := docstore.Clone(s.docs[key]).(map[string]any)
	next, err := fn(root, inner)
	if err != nil {
		return err
	}
	if next == nil {
		delete(s.docs, key)
	} else {
		s.docs[key] = next
	}
	s.revs[key]++
	rev := s.revs[key]

	for _, sub := range s.subs[key] {
		v, ok := docstore.GetAt(next, sub.inner)
		sub.box.Push(docstore.Snapshot{Path: sub.path, Value: docstore.Clone(v), Exists: ok, Revision: rev})
	}
	return nil
}

func (s *Store) subscribe(path docstore.Path, fn func(docstore.Snapshot)) (func(), error) {
	key, inner, err := path.Split()
	if err != nil {
		return nil, err
	}
	sub := &subscription{path: path, inner: inner, box: docstore.NewMailbox(fn)}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.subs[key] == nil {
		s.subs[key] = make(map[uint64]*subscription)
	}
	s.subs[key][id] = sub
	v, ok := docstore.GetAt(s.docs[key], inner)
	sub.box.Push(docstore.Snapshot{Path: path, Value: docstore.Clone(v), Exists: ok, Revision: s.revs[key]})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs[key], id)
		if len(s.subs[key]) == 0 {
			delete(s.subs, key)
		}
		s.mu.Unlock()
		sub.box.Stop()
	}, nil
}

type client struct {
	store *Store
	reg   docstore.Registry
}

func (c *client) Get(ctx context.Context, path docstore.Path) (docstore.Snapshot, error) {
	if c.reg.Closed() {
		return docstore.Snapshot{}, docstore.ErrClientClosed
	}
	return c.store.get(path)
}

func (c *client) Create(ctx context.Context, path docstore.Path, value any) error {
	if c.reg.Closed() {
		return docstore.ErrClientClosed
	}
	nv, err := docstore.Normalize(value)
	if err != nil {
		return err
	}
	return c.store.write(path, func(root map[string]any, inner []string) (map[string]any, error) {
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
	return c.store.write(path, func(root map[string]any, inner []string) (map[string]any, error) {
		return docstore.MergeAt(root, inner, nf)
	})
}

func (c *client) Remove(ctx context.Context, path docstore.Path) error {
	if c.reg.Closed() {
		return docstore.ErrClientClosed
	}
	return c.store.write(path, func(root map[string]any, inner []string) (map[string]any, error) {
		return docstore.RemoveAt(root, inner), nil
	})
}

func (c *client) Subscribe(ctx context.Context, path docstore.Path, fn func(docstore.Snapshot)) (func(), error) {
	cancel, err := c.store.subscribe(path, fn)
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
	for _, p := range removals {
		if err := c.store.write(p, func(root map[string]any, inner []string) (map[string]any, error) {
			return docstore.RemoveAt(root, inner), nil
		}); err != nil {
			return err
		}
	}
	return nil
}
