package observability

import (
	"context"
	"sync"
	"time"

	"github.com/mosaicapps/outbox/errs"
)

// FailureNotice carries the user-visible signal emitted when a queued
// mutation is permanently quarantined. Transient retries never surface here.
type FailureNotice struct {
	EntryID    string    `json:"entry_id"`
	GroupKey   string    `json:"group_key"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NotificationBus defines pub/sub semantics for failure notices.
type NotificationBus interface {
	Publish(ctx context.Context, notice FailureNotice) error
	Subscribe(ctx context.Context) (<-chan FailureNotice, error)
	Close()
}

// InMemoryNotificationBus is an in-memory implementation of NotificationBus.
type InMemoryNotificationBus struct {
	ctx    context.Context
	cancel context.CancelFunc
	buffer int

	mu       sync.RWMutex
	subs     []*noticeSubscriber
	shutdown sync.Once
}

type noticeSubscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan FailureNotice
	once   sync.Once
}

// NewInMemoryNotificationBus constructs a memory-backed notification bus.
func NewInMemoryNotificationBus(buffer int) *InMemoryNotificationBus {
	if buffer <= 0 {
		buffer = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(InMemoryNotificationBus)
	bus.ctx = ctx
	bus.cancel = cancel
	bus.buffer = buffer
	bus.subs = make([]*noticeSubscriber, 0)
	return bus
}

// Publish broadcasts the notice to all subscribers. A subscriber with a full
// buffer is skipped rather than blocking the publisher.
func (b *InMemoryNotificationBus) Publish(ctx context.Context, notice FailureNotice) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-b.ctx.Done():
		return errs.New("notify/publish", errs.CodeUnavailable, errs.WithMessage("notification bus closed"))
	default:
	}
	b.mu.RLock()
	subs := append([]*noticeSubscriber(nil), b.subs...)
	b.mu.RUnlock()
	for _, sub := range subs {
		if sub == nil || sub.ctx.Err() != nil {
			continue
		}
		select {
		case sub.ch <- notice:
		default:
		}
	}
	return nil
}

// Subscribe registers a notice subscriber bound to ctx.
func (b *InMemoryNotificationBus) Subscribe(ctx context.Context) (<-chan FailureNotice, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := new(noticeSubscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan FailureNotice, b.buffer)
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go b.observe(sub)
	return sub.ch, nil
}

// Close shuts down the bus and closes subscriber channels.
func (b *InMemoryNotificationBus) Close() {
	b.shutdown.Do(func() {
		b.cancel()
		b.mu.Lock()
		for i, sub := range b.subs {
			if sub != nil {
				sub.close()
			}
			b.subs[i] = nil
		}
		b.subs = nil
		b.mu.Unlock()
	})
}

func (b *InMemoryNotificationBus) observe(sub *noticeSubscriber) {
	<-sub.ctx.Done()
	b.mu.Lock()
	for i, candidate := range b.subs {
		if candidate == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sub.close()
}

func (s *noticeSubscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}

// DeadLetterLog retains recent failure notices for UI surfaces that poll
// instead of subscribing.
type DeadLetterLog struct {
	mu       sync.Mutex
	capacity int
	notices  []FailureNotice
}

// NewDeadLetterLog creates a log with the provided capacity. Capacity <= 0
// implies unbounded.
func NewDeadLetterLog(capacity int) *DeadLetterLog {
	queue := new(DeadLetterLog)
	queue.capacity = capacity
	queue.notices = make([]FailureNotice, 0)
	return queue
}

// Offer records a notice, dropping the oldest when at capacity.
func (q *DeadLetterLog) Offer(notice FailureNotice) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.notices) >= q.capacity {
		copy(q.notices[0:], q.notices[1:])
		q.notices[len(q.notices)-1] = notice
		return
	}
	q.notices = append(q.notices, notice)
}

// Drain retrieves and clears all retained notices.
func (q *DeadLetterLog) Drain() []FailureNotice {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]FailureNotice, len(q.notices))
	copy(drained, q.notices)
	q.notices = q.notices[:0]
	return drained
}

// Len returns the number of retained notices.
func (q *DeadLetterLog) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.notices)
}
