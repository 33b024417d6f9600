// Package pubsub keeps the subscriptions of a client and hands matching
// change events to the application. The transport delivers every event of
// a watched bucket; matching against bucket, object and prefix
// subscriptions happens here.
package pubsub

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	gedserrors "github.com/objectfs/geds/pkg/errors"
	"github.com/objectfs/geds/pkg/types"
	"github.com/objectfs/geds/pkg/utils"
)

// Transport delivers the events of watched buckets.
type Transport interface {
	Watch(ctx context.Context, bucket string) error
	Unwatch(ctx context.Context, bucket string) error
	Events() <-chan types.Event
}

// Handler receives matching events. It runs on the dispatch goroutine and
// should return quickly.
type Handler func(types.Event)

// Subscription is one registration.
type Subscription struct {
	Bucket string                 `json:"bucket"`
	Key    string                 `json:"key"`
	Type   types.SubscriptionType `json:"type"`
}

type subKey struct {
	bucket string
	key    string
}

// Stats reports dispatch activity.
type Stats struct {
	Subscriptions int    `json:"subscriptions"`
	Received      uint64 `json:"received"`
	Delivered     uint64 `json:"delivered"`
}

// Manager owns the subscriptions of one client.
type Manager struct {
	transport Transport
	handler   Handler
	logger    *slog.Logger

	mu      sync.RWMutex
	subs    map[subKey]types.SubscriptionType
	watched map[string]int

	stopCh  chan struct{}
	stopped chan struct{}
	started atomic.Bool
	stop    sync.Once

	received  atomic.Uint64
	delivered atomic.Uint64
}

// NewManager creates a manager. handler may be nil, in which case events
// are matched and counted only.
func NewManager(transport Transport, handler Handler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		transport: transport,
		handler:   handler,
		logger:    logger.With("component", "pubsub"),
		subs:      make(map[subKey]types.SubscriptionType),
		watched:   make(map[string]int),
		stopCh:    make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Start launches the dispatch loop.
func (m *Manager) Start() {
	if m.started.Swap(true) {
		return
	}
	go m.loop()
}

// Stop ends the dispatch loop.
func (m *Manager) Stop() {
	m.stop.Do(func() {
		close(m.stopCh)
		if m.started.Load() {
			<-m.stopped
		}
	})
}

func (m *Manager) loop() {
	defer close(m.stopped)

	events := m.transport.Events()
	for {
		select {
		case <-m.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.Dispatch(ev)
		}
	}
}

// Subscribe registers interest in (bucket, key). A second call for the
// same pair replaces its type; SubscriptionNone removes it.
func (m *Manager) Subscribe(ctx context.Context, bucket, key string, t types.SubscriptionType) error {
	if _, err := types.ParseSubscriptionType(int(t)); err != nil {
		return err
	}
	if t == types.SubscriptionNone {
		err := m.Unsubscribe(ctx, bucket, key)
		if gedserrors.IsCode(err, gedserrors.ErrCodeNotFound) {
			return nil
		}
		return err
	}
	if err := utils.ValidateBucket(bucket); err != nil {
		return err
	}
	if t != types.SubscriptionBucket && t != types.SubscriptionPrefix && key == "" {
		return gedserrors.InvalidArgument("%s subscription needs a key", t)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := subKey{bucket: bucket, key: key}
	if _, exists := m.subs[id]; exists {
		m.subs[id] = t
		return nil
	}
	if m.watched[bucket] == 0 {
		if err := m.transport.Watch(ctx, bucket); err != nil {
			return err
		}
	}
	m.watched[bucket]++
	m.subs[id] = t

	m.logger.Debug("subscribed", "bucket", bucket, "key", key, "type", t.String())
	return nil
}

// Unsubscribe removes the subscription for (bucket, key).
func (m *Manager) Unsubscribe(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := subKey{bucket: bucket, key: key}
	if _, exists := m.subs[id]; !exists {
		return gedserrors.NotFound("no subscription for %s", utils.Identifier(bucket, key))
	}
	if m.watched[bucket] == 1 {
		if err := m.transport.Unwatch(ctx, bucket); err != nil {
			return err
		}
	}
	delete(m.subs, id)
	m.watched[bucket]--
	if m.watched[bucket] == 0 {
		delete(m.watched, bucket)
	}

	m.logger.Debug("unsubscribed", "bucket", bucket, "key", key)
	return nil
}

// Subscriptions lists the registrations sorted by bucket and key.
func (m *Manager) Subscriptions() []Subscription {
	m.mu.RLock()
	out := make([]Subscription, 0, len(m.subs))
	for id, t := range m.subs {
		out = append(out, Subscription{Bucket: id.bucket, Key: id.key, Type: t})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Bucket != out[j].Bucket {
			return out[i].Bucket < out[j].Bucket
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Dispatch hands ev to the handler if any subscription matches it. It
// reports whether ev matched.
func (m *Manager) Dispatch(ev types.Event) bool {
	m.received.Add(1)
	if !m.matches(ev) {
		return false
	}
	m.delivered.Add(1)
	if m.handler != nil {
		m.handler(ev)
	}
	return true
}

func (m *Manager) matches(ev types.Event) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.watched[ev.Bucket] == 0 {
		return false
	}
	for id, t := range m.subs {
		if t.Matches(id.bucket, id.key, ev.Bucket, ev.Key) {
			return true
		}
	}
	return false
}

// Stats returns dispatch counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	n := len(m.subs)
	m.mu.RUnlock()

	return Stats{
		Subscriptions: n,
		Received:      m.received.Load(),
		Delivered:     m.delivered.Load(),
	}
}
