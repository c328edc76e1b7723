package stream

import (
	"context"
	"errors"
	"sync"
)

// MemoryStream is an in-process Publisher and Source backed by a buffered
// channel. Committed messages are only counted.
type MemoryStream struct {
	queue chan Message

	mu        sync.RWMutex
	closed    bool
	offset    int64
	committed int64
	done      chan struct{}
}

// NewMemoryStream creates a stream holding up to bufferSize messages.
func NewMemoryStream(bufferSize int) *MemoryStream {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &MemoryStream{
		queue: make(chan Message, bufferSize),
		done:  make(chan struct{}),
	}
}

// Publish enqueues an event. It fails rather than blocks when the buffer
// is full.
func (m *MemoryStream) Publish(ctx context.Context, event LikeEvent) error {
	msg, err := Encode(event)
	if err != nil {
		return err
	}
	return m.PublishMessage(ctx, msg)
}

// PublishMessage enqueues a raw message.
func (m *MemoryStream) PublishMessage(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSourceClosed
	}

	msg.Offset = m.offset
	select {
	case m.queue <- msg:
		m.offset++
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.New("memory stream is full")
	}
}

func (m *MemoryStream) Fetch(ctx context.Context) (Message, error) {
	select {
	case msg := <-m.queue:
		return msg, nil
	case <-m.done:
		return Message{}, ErrSourceClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (m *MemoryStream) Commit(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed++
	return nil
}

// Committed returns how many messages have been committed.
func (m *MemoryStream) Committed() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.committed
}

// Len returns the number of messages waiting to be fetched.
func (m *MemoryStream) Len() int {
	return len(m.queue)
}

func (m *MemoryStream) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}
