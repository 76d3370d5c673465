package db

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/4xmen/hamgam/internal/remote"
	"go.uber.org/zap"
)

type readFunc func(ctx context.Context, path string) ([]byte, error)

// Hub fans committed changes out to subscriptions. Each subscription has its
// own goroutine, so a slow listener never delays writers or other listeners.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	next   uint64
	read   readFunc
	logger *zap.SugaredLogger
}

type subscription struct {
	id       uint64
	path     string
	owner    string
	onChange func(remote.Snapshot)
	onError  func(error)

	// notify has room for one pending signal; further signals coalesce into it.
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
}

func newHub(read readFunc, logger *zap.SugaredLogger) *Hub {
	return &Hub{
		subs:   make(map[uint64]*subscription),
		read:   read,
		logger: logger,
	}
}

func (h *Hub) subscribe(owner, path string, onChange func(remote.Snapshot), onError func(error)) remote.Unsubscribe {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		path:     path,
		owner:    owner,
		onChange: onChange,
		onError:  onError,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	h.mu.Lock()
	h.next++
	sub.id = h.next
	h.subs[sub.id] = sub
	h.mu.Unlock()

	sub.notify <- struct{}{}
	go h.pump(sub)

	h.logger.Debugw("Subscription opened", "id", sub.id, "path", path, "owner", owner)

	return func() { h.remove(sub) }
}

func (h *Hub) pump(sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.notify:
		}

		raw, err := h.read(sub.ctx, sub.path)
		if sub.closed.Load() {
			return
		}
		if err != nil {
			h.logger.Warnw("Subscription read failed", "id", sub.id, "path", sub.path, "error", err)
			if sub.onError != nil {
				sub.onError(err)
			}
			continue
		}
		sub.onChange(remote.Snapshot{Path: sub.path, Value: json.RawMessage(raw)})
	}
}

// publish signals every subscription whose value may have changed.
func (h *Hub) publish(paths ...string) {
	if len(paths) == 0 {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		for _, p := range paths {
			if remote.Related(sub.path, p) {
				select {
				case sub.notify <- struct{}{}:
				default:
				}
				break
			}
		}
	}
}

func (h *Hub) remove(sub *subscription) {
	sub.once.Do(func() {
		sub.closed.Store(true)
		sub.cancel()
		close(sub.done)

		h.mu.Lock()
		delete(h.subs, sub.id)
		h.mu.Unlock()

		h.logger.Debugw("Subscription closed", "id", sub.id, "path", sub.path)
	})
}

// dropOwner closes every subscription opened by one connection.
func (h *Hub) dropOwner(owner string) {
	h.mu.RLock()
	var owned []*subscription
	for _, sub := range h.subs {
		if sub.owner == owner {
			owned = append(owned, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range owned {
		h.remove(sub)
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	all := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		all = append(all, sub)
	}
	h.mu.RUnlock()

	for _, sub := range all {
		h.remove(sub)
	}
}

// Count returns the number of open subscriptions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
