// Package messages routes the shared message feed into per-conversation views
// and writes new messages.
package messages

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/4xmen/hamgam/internal/models"
	"github.com/4xmen/hamgam/internal/remote"
	"go.uber.org/zap"
)

// Router keeps one upstream subscription to the whole message collection and
// hands every view a filtered, newest-first copy of it on each change. The
// upstream listener opens with the first view and closes with the last.
type Router struct {
	store  remote.Store
	logger *zap.SugaredLogger

	mu       sync.Mutex
	views    map[uint64]*view
	nextView uint64
	active   bool
	upstream remote.Unsubscribe
	gen      uint64
	latest   []models.Message
	ready    bool
	seq      uint64
}

type view struct {
	match func(models.Message) bool
	cb    func([]models.Message)

	mu      sync.Mutex
	lastSeq uint64
	closed  atomic.Bool
}

func NewRouter(store remote.Store, logger *zap.SugaredLogger) *Router {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Router{
		store:  store,
		logger: logger,
		views:  make(map[uint64]*view),
	}
}

// Matches reports whether m belongs to the conversation between currentUserID
// and otherID, or to group otherID.
func Matches(currentUserID, otherID string, isGroup bool, m models.Message) bool {
	if isGroup {
		return m.ReceiverID == otherID
	}
	return (m.SenderID == currentUserID && m.ReceiverID == otherID) ||
		(m.SenderID == otherID && m.ReceiverID == currentUserID)
}

// Subscribe delivers the conversation's messages, newest first, on every change.
func (r *Router) Subscribe(currentUserID, otherID string, isGroup bool, cb func([]models.Message)) remote.Unsubscribe {
	return r.subscribe(func(m models.Message) bool {
		return Matches(currentUserID, otherID, isGroup, m)
	}, cb)
}

// SubscribeAll delivers every message, newest first. Filtering is up to the caller.
func (r *Router) SubscribeAll(cb func([]models.Message)) remote.Unsubscribe {
	return r.subscribe(nil, cb)
}

// Views returns the number of open views.
func (r *Router) Views() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}

// Listening reports whether the upstream subscription is open.
func (r *Router) Listening() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Router) subscribe(match func(models.Message) bool, cb func([]models.Message)) remote.Unsubscribe {
	v := &view{match: match, cb: cb}

	r.mu.Lock()
	r.nextView++
	id := r.nextView
	r.views[id] = v

	var (
		open   = !r.active
		gen    uint64
		seq    uint64
		latest []models.Message
		ready  = r.ready
	)
	if open {
		r.active = true
		r.gen++
		gen = r.gen
	} else if ready {
		seq, latest = r.seq, r.latest
	}
	r.mu.Unlock()

	// The store may report errors synchronously, so it is called without r.mu held.
	if open {
		unsub := r.store.Subscribe(models.MessagesPath,
			func(snap remote.Snapshot) { r.onSnapshot(gen, snap) },
			func(err error) { r.onError(gen, err) },
		)
		r.mu.Lock()
		if r.active && r.gen == gen {
			r.upstream, unsub = unsub, nil
		}
		r.mu.Unlock()
		if unsub != nil {
			unsub()
		} else {
			r.logger.Debugw("Message feed opened")
		}
	}

	// A view joining a live feed starts from the last known state.
	if ready {
		v.deliver(seq, latest)
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.unsubscribe(id, v) })
	}
}

func (r *Router) unsubscribe(id uint64, v *view) {
	v.closed.Store(true)

	r.mu.Lock()
	delete(r.views, id)
	var upstream remote.Unsubscribe
	if len(r.views) == 0 && r.active {
		r.active = false
		upstream = r.upstream
		r.upstream = nil
		r.latest = nil
		r.ready = false
	}
	r.mu.Unlock()

	if upstream != nil {
		upstream()
		r.logger.Debugw("Message feed closed")
	}
}

func (r *Router) onSnapshot(gen uint64, snap remote.Snapshot) {
	msgs := decodeAll(snap, r.logger)
	r.publish(gen, msgs)
}

// onError degrades every view to an empty list.
func (r *Router) onError(gen uint64, err error) {
	r.logger.Warnw("Message feed failed", "error", err)
	r.publish(gen, []models.Message{})
}

func (r *Router) publish(gen uint64, msgs []models.Message) {
	r.mu.Lock()
	if gen != r.gen || !r.active {
		r.mu.Unlock()
		return
	}
	r.seq++
	seq := r.seq
	r.latest = msgs
	r.ready = true
	views := make([]*view, 0, len(r.views))
	for _, v := range r.views {
		views = append(views, v)
	}
	r.mu.Unlock()

	for _, v := range views {
		v.deliver(seq, msgs)
	}
}

// deliver hands the view its slice of msgs unless it already saw a newer state.
func (v *view) deliver(seq uint64, msgs []models.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed.Load() || seq <= v.lastSeq {
		return
	}
	v.lastSeq = seq

	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if v.match == nil || v.match(m) {
			out = append(out, m)
		}
	}
	SortNewestFirst(out)
	v.cb(out)
}

// SortNewestFirst orders by timestamp descending, then id descending.
func SortNewestFirst(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp > msgs[j].Timestamp
		}
		return msgs[i].ID > msgs[j].ID
	})
}

// decodeAll reads every child of the collection as a message, skipping
// children that do not decode. A missing id is taken from the key.
func decodeAll(snap remote.Snapshot, logger *zap.SugaredLogger) []models.Message {
	children := snap.Children()
	out := make([]models.Message, 0, len(children))
	for _, child := range children {
		var m models.Message
		if err := child.Decode(&m); err != nil {
			logger.Warnw("Skipping malformed message", "path", child.Path, "error", err)
			continue
		}
		if m.ID == "" {
			m.ID = child.Key()
		}
		out = append(out, m)
	}
	return out
}
