package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Change names a key written by the store with the given origin.
type Change struct {
	Origin string
	Key    string
}

func (c Change) String() string {
	return c.Origin + "|" + c.Key
}

func parseChange(s string) (Change, error) {
	origin, key, ok := strings.Cut(s, "|")
	if !ok || origin == "" || key == "" {
		return Change{}, fmt.Errorf("malformed change %q", s)
	}
	return Change{Origin: origin, Key: key}, nil
}

// Notifier fans key changes out to every subscribed store.
type Notifier interface {
	Publish(ctx context.Context, c Change) error
	Subscribe(fn func(Change)) (cancel func())
}

// Local delivers changes within one process.
type Local struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Change)
}

func NewLocal() *Local {
	return &Local{subs: make(map[int]func(Change))}
}

func (l *Local) Publish(_ context.Context, c Change) error {
	l.mu.RLock()
	fns := make([]func(Change), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
	return nil
}

func (l *Local) Subscribe(fn func(Change)) func() {
	l.mu.Lock()
	id := l.next
	l.next++
	l.subs[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

const DefaultRedisChannel = "questmonitor:storage"

// Redis delivers changes to every process subscribed to the same channel.
type Redis struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedis(client *redis.Client, channel string, logger *slog.Logger) *Redis {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, channel: channel, logger: logger}
}

func (r *Redis) Publish(ctx context.Context, c Change) error {
	if err := r.client.Publish(ctx, r.channel, c.String()).Err(); err != nil {
		return fmt.Errorf("publishing change: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(fn func(Change)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	ps := r.client.Subscribe(ctx, r.channel)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			c, err := parseChange(msg.Payload)
			if err != nil {
				r.logger.Warn("dropping storage change", "error", err)
				continue
			}
			fn(c)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			ps.Close()
			<-done
		})
	}
}
