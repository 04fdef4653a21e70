package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// QueueKey is the list holding pending messages for name. Producers push on
// the left and readers take from the right.
func QueueKey(prefix, name string) string { return prefix + "queue:" + name }

func processingKey(prefix, name, consumer string) string {
	return prefix + "processing:" + name + ":" + consumer
}

// RedisReader reads one queue. A delivered message is moved atomically to a
// per-consumer processing list and stays there until acked, so a crash
// between delivery and ack leaves it to be requeued by the next Open.
type RedisReader struct {
	client     redis.UniversalClient
	queue      string
	processing string
	open       atomic.Bool
	logger     *slog.Logger
}

func NewRedisReader(client redis.UniversalClient, prefix, queue, consumer string, logger *slog.Logger) *RedisReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisReader{
		client:     client,
		queue:      QueueKey(prefix, queue),
		processing: processingKey(prefix, queue, consumer),
		logger:     logger.With("queue", queue),
	}
}

// Open checks connectivity and requeues anything a previous run left
// unacknowledged.
func (r *RedisReader) Open(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return classify("ping", err)
	}
	requeued := 0
	for {
		err := r.client.LMove(ctx, r.processing, r.queue, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return classify("requeue", err)
		}
		requeued++
	}
	if requeued > 0 {
		r.logger.Warn("requeued unacknowledged messages", "count", requeued)
	}
	r.open.Store(true)
	return nil
}

func (r *RedisReader) Close() error {
	r.open.Store(false)
	return nil
}

func (r *RedisReader) Next(ctx context.Context, wait time.Duration) (*Message, error) {
	if !r.open.Load() {
		return nil, &ConnectionError{Op: "next", Err: errors.New("reader is closed")}
	}
	body, err := r.client.BLMove(ctx, r.queue, r.processing, "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("next", err)
	}
	return NewMessage([]byte(body), func(ctx context.Context) error {
		if err := r.client.LRem(ctx, r.processing, 1, body).Err(); err != nil {
			return classify("ack", err)
		}
		return nil
	}), nil
}

// RedisProducer sends JSON messages to queues.
type RedisProducer struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisProducer(client redis.UniversalClient, prefix string) *RedisProducer {
	return &RedisProducer{client: client, prefix: prefix, now: time.Now}
}

// Send stamps fields with an id and timestamp and pushes them to address.
func (p *RedisProducer) Send(ctx context.Context, address string, fields Fields) error {
	if address == "" {
		return errors.New("send: empty address")
	}
	msg := make(Fields, len(fields)+2)
	for k, v := range fields {
		msg[k] = v
	}
	if _, ok := msg["id"]; !ok {
		msg["id"] = uuid.NewString()
	}
	if _, ok := msg["ts"]; !ok {
		msg["ts"] = float64(p.now().UnixNano()) / float64(time.Second)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("send to %s: encode: %w", address, err)
	}
	if err := p.client.LPush(ctx, QueueKey(p.prefix, address), body).Err(); err != nil {
		return classify("send", err)
	}
	return nil
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, redis.ErrClosed) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return &ConnectionError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
