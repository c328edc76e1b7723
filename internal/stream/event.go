// Package stream carries like events from producers to like intake over
// Kafka, or over an in-memory channel in tests and single-node setups.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrSourceClosed is returned by a source or publisher after Close.
	ErrSourceClosed = errors.New("like stream is closed")

	// ErrInvalidEvent is returned for messages that do not decode to a like.
	ErrInvalidEvent = errors.New("invalid like event")
)

// LikeEvent is one like as it travels on the stream.
type LikeEvent struct {
	TweetID int64     `json:"tweet_id"`
	LikedAt time.Time `json:"liked_at"`
}

// Message is a raw message fetched from a source. It must be committed
// back to the same source once handled.
type Message struct {
	Key       []byte
	Value     []byte
	Partition int
	Offset    int64

	handle interface{}
}

// Publisher sends like events.
type Publisher interface {
	Publish(ctx context.Context, event LikeEvent) error
	Close() error
}

// Source delivers messages until closed. Fetch blocks until a message is
// available or ctx is done.
type Source interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}

// Encode turns an event into a message keyed by tweet id, so all likes of
// a tweet land on one partition.
func Encode(event LikeEvent) (Message, error) {
	value, err := json.Marshal(event)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal like event: %w", err)
	}
	return Message{
		Key:   []byte(strconv.FormatInt(event.TweetID, 10)),
		Value: value,
	}, nil
}

// Decode parses a message value. Events without a positive tweet id are
// rejected with ErrInvalidEvent.
func Decode(msg Message) (LikeEvent, error) {
	var event LikeEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return LikeEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if event.TweetID <= 0 {
		return LikeEvent{}, fmt.Errorf("%w: tweet_id %d", ErrInvalidEvent, event.TweetID)
	}
	return event, nil
}
