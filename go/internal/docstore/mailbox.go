package docstore

import "sync"

// Mailbox delivers snapshots to one subscriber callback in the order they were
// pushed, without blocking the writer that pushes them.
type Mailbox struct {
	fn    func(Snapshot)
	mu    sync.Mutex
	queue []Snapshot
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewMailbox starts the delivery goroutine for fn.
func NewMailbox(fn func(Snapshot)) *Mailbox {
	m := &Mailbox{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go m.run()
	return m
}

// Push queues a snapshot for delivery.
func (m *Mailbox) Push(s Snapshot) {
	m.mu.Lock()
	m.queue = append(m.queue, s)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Stop ends delivery. Queued snapshots are dropped.
func (m *Mailbox) Stop() {
	m.once.Do(func() { close(m.done) })
}

func (m *Mailbox) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}

		for {
			m.mu.Lock()
			batch := m.queue
			m.queue = nil
			m.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, s := range batch {
				select {
				case <-m.done:
					return
				default:
				}
				m.fn(s)
			}
		}
	}
}
