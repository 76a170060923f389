// Package bus is the in-process message bus connecting pipeline stages.
//
// Each queue has one consumer goroutine and a bounded buffer. Publish
// blocks when the buffer is full so a slow stage exerts backpressure on
// its producer instead of dropping work. A handler error nacks the
// message: it is logged and dropped, never redelivered, because a
// caller on the phone cannot wait for a retry.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Errors returned by the bus.
var (
	ErrClosed          = errors.New("bus: closed")
	ErrUnknownQueue    = errors.New("bus: unknown queue")
	ErrQueueExists     = errors.New("bus: queue already declared")
	ErrAlreadyConsumed = errors.New("bus: queue already has a consumer")
)

// Message is one unit of work on a queue.
type Message struct {
	// Queue is the queue this message was published to.
	Queue string

	// SessionID ties the message to a call.
	SessionID string

	// Payload is the stage-specific body.
	Payload any

	// PublishedAt is when Publish accepted the message.
	PublishedAt time.Time
}

// Handler consumes one message. A nil return acks; an error nacks.
type Handler func(msg Message) error

type queue struct {
	name    string
	ch      chan Message
	done    chan struct{}
	consume sync.Once
	delete  sync.Once
}

// Bus routes messages between named queues.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	queues map[string]*queue
	closed bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		logger: logger.With("component", "bus"),
		queues: make(map[string]*queue),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Declare creates a queue with the given buffer depth.
func (b *Bus) Declare(name string, depth int) error {
	if depth <= 0 {
		depth = 16
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.queues[name]; ok {
		return ErrQueueExists
	}
	b.queues[name] = &queue{
		name: name,
		ch:   make(chan Message, depth),
		done: make(chan struct{}),
	}
	return nil
}

// Delete removes a queue and stops its consumer. Buffered messages are
// dropped. Used for per-call queues at teardown.
func (b *Bus) Delete(name string) {
	b.mu.Lock()
	q, ok := b.queues[name]
	if ok {
		delete(b.queues, name)
	}
	b.mu.Unlock()

	if ok {
		q.delete.Do(func() { close(q.done) })
	}
}

// Publish places a message on a queue. Blocks while the queue is full;
// returns ErrClosed if the bus shuts down while waiting.
func (b *Bus) Publish(name string, msg Message) error {
	b.mu.RLock()
	q, ok := b.queues[name]
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}

	msg.Queue = name
	msg.PublishedAt = time.Now()

	select {
	case q.ch <- msg:
		return nil
	case <-q.done:
		return fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	case <-b.ctx.Done():
		return ErrClosed
	}
}

// Subscribe attaches the queue's single consumer. The handler runs on
// a dedicated goroutine until Close.
func (b *Bus) Subscribe(name string, handler Handler) error {
	b.mu.RLock()
	q, ok := b.queues[name]
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}

	started := false
	q.consume.Do(func() {
		started = true
		b.wg.Add(1)
		go b.consumeLoop(q, handler)
	})
	if !started {
		return fmt.Errorf("%w: %s", ErrAlreadyConsumed, name)
	}
	return nil
}

func (b *Bus) consumeLoop(q *queue, handler Handler) {
	defer b.wg.Done()
	for {
		select {
		case msg := <-q.ch:
			if err := handler(msg); err != nil {
				b.logger.Warn("message nacked",
					"queue", q.name,
					"session", msg.SessionID,
					"error", err,
				)
			}
		case <-q.done:
			return
		case <-b.ctx.Done():
			// Drain what is already buffered before exiting.
			for {
				select {
				case msg := <-q.ch:
					if err := handler(msg); err != nil {
						b.logger.Warn("message nacked during drain",
							"queue", q.name,
							"session", msg.SessionID,
							"error", err,
						)
					}
				default:
					return
				}
			}
		}
	}
}

// Depth returns the buffered message count for a queue.
func (b *Bus) Depth(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ch)
	}
	return 0
}

// Close stops all consumers after draining buffered messages.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}
