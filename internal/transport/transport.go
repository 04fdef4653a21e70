package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Fields is the body of an outbound message.
type Fields map[string]any

// Message is one delivered request body. It stays pending on the broker until
// acknowledged.
type Message struct {
	Body []byte
	ack  func(ctx context.Context) error
}

func NewMessage(body []byte, ack func(ctx context.Context) error) *Message {
	return &Message{Body: body, ack: ack}
}

// Ack removes the message from the broker.
func (m *Message) Ack(ctx context.Context) error {
	if m.ack == nil {
		return nil
	}
	return m.ack(ctx)
}

//go:generate mockgen -destination=mocks/mock_transport.go -package=mocks github.com/mattjoyce/rmiagent/internal/transport Reader,Producer

// Reader delivers request bodies from one queue.
type Reader interface {
	Open(ctx context.Context) error
	Close() error
	// Next waits up to wait for a message. It returns nil, nil on timeout.
	Next(ctx context.Context, wait time.Duration) (*Message, error)
}

// Producer sends a message to an address.
type Producer interface {
	Send(ctx context.Context, address string, fields Fields) error
}

// ConnectionError marks a loss of connectivity to the broker. The consumer
// reopens its reader after one; anything else is a per-message failure.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("%s: connection lost: %v", e.Op, e.Err) }

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnection reports whether err is, or wraps, a ConnectionError.
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
