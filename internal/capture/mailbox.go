package capture

import (
	"context"
	"sync"
	"sync/atomic"
)

// Mailbox is a single-slot Source. Publishing replaces any frame the
// consumer has not taken yet, so the driver always processes the newest
// frame and a slow inference step drops frames instead of queueing them.
type Mailbox struct {
	mu     sync.Mutex
	slot   chan *Frame
	closed chan struct{}
	once   sync.Once

	seq       atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewMailbox returns an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		slot:   make(chan *Frame, 1),
		closed: make(chan struct{}),
	}
}

// Publish stores f, replacing an unconsumed frame. It assigns f.Seq.
// Publishing to a closed mailbox is a no-op.
func (m *Mailbox) Publish(f *Frame) {
	select {
	case <-m.closed:
		return
	default:
	}
	f.Seq = m.seq.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.slot:
		m.dropped.Add(1)
	default:
	}
	m.slot <- f
	m.published.Add(1)
}

// NextFrame implements Source.
func (m *Mailbox) NextFrame(ctx context.Context) (*Frame, error) {
	select {
	case f := <-m.slot:
		return f, nil
	default:
	}
	select {
	case f := <-m.slot:
		return f, nil
	case <-m.closed:
		// Drain a frame published just before Close.
		select {
		case f := <-m.slot:
			return f, nil
		default:
			return nil, ErrSourceClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close wakes any waiting consumer with ErrSourceClosed once the slot is empty.
func (m *Mailbox) Close() {
	m.once.Do(func() { close(m.closed) })
}

// Stats returns the number of published and dropped frames.
func (m *Mailbox) Stats() (published, dropped uint64) {
	return m.published.Load(), m.dropped.Load()
}
