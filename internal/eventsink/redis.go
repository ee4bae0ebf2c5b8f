// Package eventsink publishes tunnel lifecycle events to Redis so several
// server or agent instances can be watched from one place.
package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/httpstunnel/internal/obs"
	"github.com/matst80/httpstunnel/internal/tunnel"
	"github.com/redis/go-redis/v9"
)

const (
	queueSize      = 1024
	publishTimeout = 2 * time.Second
)

// Record is the JSON form of a tunnel.Event published on the channel.
type Record struct {
	Kind      string    `json:"kind"`
	Role      string    `json:"role"`
	Instance  string    `json:"instance"`
	Time      time.Time `json:"time"`
	TunnelID  string    `json:"tunnel_id,omitempty"`
	Host      string    `json:"host,omitempty"`
	Port      int       `json:"port,omitempty"`
	Remote    string    `json:"remote,omitempty"`
	Session   string    `json:"session,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
}

// NewRecord flattens e.
func NewRecord(role, instance string, e tunnel.Event, at time.Time) Record {
	r := Record{
		Kind:     string(e.Kind),
		Role:     role,
		Instance: instance,
		Time:     at.UTC(),
		TunnelID: e.TunnelID,
		Remote:   e.Remote,
		Session:  e.Session,
		Reason:   e.Reason,
	}
	if e.Request != nil {
		r.TunnelID = e.Request.ID
		r.Host = e.Request.HostName
		r.Port = e.Request.Port
	}
	if e.Err != nil {
		r.Error = e.Err.Error()
		if k, ok := tunnel.KindOf(e.Err); ok {
			r.ErrorKind = string(k)
		}
	}
	return r
}

// Publisher is the subset of the Redis client the sink needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, msg []byte) error
}

type redisPublisher struct{ client *redis.Client }

func (p redisPublisher) Publish(ctx context.Context, channel string, msg []byte) error {
	return p.client.Publish(ctx, channel, msg).Err()
}

// Options configures a Redis sink.
type Options struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Role     string // server or agent
	Instance string
}

// Sink is a tunnel.Observer that publishes events from a background worker.
// Notify never blocks: when the queue is full the event is dropped and counted.
type Sink struct {
	pub      Publisher
	channel  string
	role     string
	instance string
	now      func() time.Time

	mu      sync.RWMutex
	closed  bool
	queue   chan []byte
	done    chan struct{}
	closer  func() error
	dropped atomic.Int64
}

var _ tunnel.Observer = (*Sink)(nil)

// NewRedis connects to Redis and starts the publish worker.
func NewRedis(ctx context.Context, o Options) (*Sink, error) {
	rdb := redis.NewClient(&redis.Options{Addr: o.Addr, Password: o.Password, DB: o.DB})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	s := New(redisPublisher{client: rdb}, o.Channel, o.Role, o.Instance)
	s.closer = rdb.Close
	obs.Info("eventsink.redis", obs.Fields{"addr": o.Addr, "channel": o.Channel})
	return s, nil
}

// New starts a sink over an arbitrary publisher.
func New(pub Publisher, channel, role, instance string) *Sink {
	s := &Sink{
		pub:      pub,
		channel:  channel,
		role:     role,
		instance: instance,
		now:      time.Now,
		queue:    make(chan []byte, queueSize),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sink) Notify(e tunnel.Event) {
	b, err := json.Marshal(NewRecord(s.role, s.instance, e, s.now()))
	if err != nil {
		obs.Error("eventsink.encode", obs.Fields{"err": err, "kind": string(e.Kind)})
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- b:
	default:
		s.dropped.Add(1)
		obs.ErrorsTotal.WithLabelValues(s.role, "event_dropped").Inc()
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

func (s *Sink) run() {
	defer close(s.done)
	for msg := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := s.pub.Publish(ctx, s.channel, msg)
		cancel()
		if err != nil {
			obs.ErrorsTotal.WithLabelValues(s.role, "event_publish").Inc()
			obs.Warn("eventsink.publish", obs.Fields{"err": err, "channel": s.channel})
		}
	}
}

// Close drains queued events and releases the Redis connection.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
	if s.closer != nil {
		return s.closer()
	}
	return nil
}
