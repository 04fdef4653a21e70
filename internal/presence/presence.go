// Package presence advertises a running agent in etcd under a lease, so the
// entry disappears on its own if the agent dies.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Record is the value stored for one agent.
type Record struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Queue     string    `json:"queue"`
	Host      string    `json:"host,omitempty"`
	PID       int       `json:"pid"`
	API       string    `json:"api,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Key is the etcd key of agent id under prefix.
func Key(prefix, id string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + id
}

// Dial connects to etcd.
func Dial(endpoints []string) (*clientv3.Client, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("dial etcd: %w", err)
	}
	return c, nil
}

// Presence keeps one Record registered while Run is running.
type Presence struct {
	kv     clientv3.KV
	lease  clientv3.Lease
	key    string
	ttl    time.Duration
	record Record
	logger *slog.Logger
}

// New returns a Presence for rec. A *clientv3.Client serves as both kv and
// lease.
func New(kv clientv3.KV, lease clientv3.Lease, prefix string, ttl time.Duration, rec Record, logger *slog.Logger) *Presence {
	if ttl < time.Second {
		ttl = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Presence{
		kv:     kv,
		lease:  lease,
		key:    Key(prefix, rec.ID),
		ttl:    ttl,
		record: rec,
		logger: logger.With("key", Key(prefix, rec.ID)),
	}
}

// Run registers the record and renews its lease until ctx is done, then
// revokes the lease. A lost lease is re-registered.
func (p *Presence) Run(ctx context.Context) error {
	retry := p.ttl / 3
	for {
		id, alive, stop, err := p.register(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("presence registration failed", "error", err, "retry_in", retry)
			if !sleep(ctx, retry) {
				return nil
			}
			continue
		}
		p.logger.Info("presence registered", "lease", int64(id), "ttl", p.ttl)

		lost := drain(ctx, alive)
		stop()
		if !lost {
			p.revoke(id)
			return nil
		}
		p.logger.Warn("presence lease lost, re-registering")
	}
}

func (p *Presence) register(ctx context.Context) (clientv3.LeaseID, <-chan *clientv3.LeaseKeepAliveResponse, context.CancelFunc, error) {
	val, err := json.Marshal(p.record)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("encode record: %w", err)
	}
	grant, err := p.lease.Grant(ctx, int64(p.ttl/time.Second))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := p.kv.Put(ctx, p.key, string(val), clientv3.WithLease(grant.ID)); err != nil {
		return 0, nil, nil, fmt.Errorf("put %s: %w", p.key, err)
	}
	kctx, stop := context.WithCancel(ctx)
	alive, err := p.lease.KeepAlive(kctx, grant.ID)
	if err != nil {
		stop()
		return 0, nil, nil, fmt.Errorf("keep alive: %w", err)
	}
	return grant.ID, alive, stop, nil
}

// drain consumes keepalive responses. It reports true when the channel
// closed while ctx was still live, meaning the lease is gone.
func drain(ctx context.Context, alive <-chan *clientv3.LeaseKeepAliveResponse) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case _, ok := <-alive:
			if !ok {
				return ctx.Err() == nil
			}
		}
	}
}

func (p *Presence) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.lease.Revoke(ctx, id); err != nil {
		p.logger.Warn("presence revoke failed", "error", err)
		return
	}
	p.logger.Info("presence deregistered")
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
