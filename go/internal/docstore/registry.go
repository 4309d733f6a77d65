package docstore

import "sync"

// Registry tracks the per-client state every backend needs: disconnect
// removals and live subscriptions.
type Registry struct {
	mu       sync.Mutex
	closed   bool
	removals []Path
	cancels  map[uint64]func()
	nextID   uint64
}

// AddRemoval records a path to remove on disconnect.
func (r *Registry) AddRemoval(p Path) error {
	if _, err := p.Segments(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClientClosed
	}
	for _, existing := range r.removals {
		if existing == p {
			return nil
		}
	}
	r.removals = append(r.removals, p)
	return nil
}

// AddCancel records a subscription cancel func. The returned func runs cancel
// once and forgets it.
func (r *Registry) AddCancel(cancel func()) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClientClosed
	}
	if r.cancels == nil {
		r.cancels = make(map[uint64]func())
	}
	id := r.nextID
	r.nextID++
	r.cancels[id] = cancel

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			fn, ok := r.cancels[id]
			delete(r.cancels, id)
			r.mu.Unlock()
			if ok {
				fn()
			}
		})
	}, nil
}

// Closed reports whether Close has been called.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close marks the client closed, cancels every subscription and returns the
// paths to remove. ok is false if the registry was already closed.
func (r *Registry) Close() (removals []Path, ok bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, false
	}
	r.closed = true
	removals = r.removals
	r.removals = nil
	cancels := r.cancels
	r.cancels = nil
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return removals, true
}
