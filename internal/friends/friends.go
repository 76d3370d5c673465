// Package friends keeps a live view of a user's friends. It follows the
// friends list and holds one listener per friend record, opening and closing
// listeners as the list changes.
package friends

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/4xmen/hamgam/internal/models"
	"github.com/4xmen/hamgam/internal/remote"
	"go.uber.org/zap"
)

type Manager struct {
	store  remote.Store
	logger *zap.SugaredLogger
}

func NewManager(store remote.Store, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{store: store, logger: logger}
}

// SubscribeIDs emits the user's friend ids without following their records.
// Read failures emit an empty list.
func (m *Manager) SubscribeIDs(userID string, cb func([]string)) remote.Unsubscribe {
	var closed atomic.Bool

	unsub := m.store.Subscribe(models.FriendsPath(userID),
		func(snap remote.Snapshot) {
			if !closed.Load() {
				cb(friendIDs(snap, m.logger))
			}
		},
		func(err error) {
			if !closed.Load() {
				m.logger.Warnw("Friend list read failed", "user", userID, "error", err)
				cb([]string{})
			}
		},
	)

	return func() {
		if closed.CompareAndSwap(false, true) {
			unsub()
		}
	}
}

// Subscription owns the listeners opened for one Subscribe call.
type Subscription struct {
	m      *Manager
	userID string
	cb     func([]models.User)

	mu        sync.Mutex
	closed    bool
	started   bool
	top       remote.Unsubscribe
	order     []string
	tracked   map[string]*listener
	records   map[string]models.User
	pending   map[string]struct{}
	version   uint64
	listeners uint64

	emitMu  sync.Mutex
	emitted uint64
}

type listener struct {
	id    string
	token uint64
	unsub remote.Unsubscribe
}

// Subscribe emits the user's friends, in friends-list order, whenever the list
// or any friend record changes. Friends added together are reported in one
// emission once each of their records has been read. A friend whose record
// is missing is left out but stays tracked. Duplicate ids count once.
func (m *Manager) Subscribe(userID string, cb func([]models.User)) *Subscription {
	s := &Subscription{
		m:       m,
		userID:  userID,
		cb:      cb,
		tracked: make(map[string]*listener),
		records: make(map[string]models.User),
		pending: make(map[string]struct{}),
	}

	top := m.store.Subscribe(models.FriendsPath(userID), s.onFriends, s.onFriendsError)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		top()
		return s
	}
	s.top = top
	s.mu.Unlock()

	m.logger.Debugw("Friend list subscribed", "user", userID)
	return s
}

// Unsubscribe closes the list listener and every friend listener. It is idempotent.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	top := s.top
	s.top = nil
	var unsubs []remote.Unsubscribe
	for id, l := range s.tracked {
		if l.unsub != nil {
			unsubs = append(unsubs, l.unsub)
		}
		delete(s.tracked, id)
	}
	s.mu.Unlock()

	if top != nil {
		top()
	}
	for _, u := range unsubs {
		u()
	}
	s.m.logger.Debugw("Friend list unsubscribed", "user", s.userID, "listeners", len(unsubs))
}

// Listeners returns the number of friend listeners currently open.
func (s *Subscription) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracked)
}

// Snapshot returns the friends known right now.
func (s *Subscription) Snapshot() []models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current()
}

func (s *Subscription) onFriendsError(err error) {
	s.m.logger.Warnw("Friend list read failed", "user", s.userID, "error", err)
	s.apply(nil)
}

func (s *Subscription) onFriends(snap remote.Snapshot) {
	s.apply(friendIDs(snap, s.m.logger))
}

// apply diffs the new list against the tracked set.
func (s *Subscription) apply(ids []string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}

	var closing []remote.Unsubscribe
	removed := 0
	for id, l := range s.tracked {
		if _, ok := next[id]; ok {
			continue
		}
		if l.unsub != nil {
			closing = append(closing, l.unsub)
		}
		delete(s.tracked, id)
		delete(s.records, id)
		delete(s.pending, id)
		removed++
	}

	var opening []*listener
	for _, id := range ids {
		if _, ok := s.tracked[id]; ok {
			continue
		}
		s.listeners++
		l := &listener{id: id, token: s.listeners}
		s.tracked[id] = l
		s.pending[id] = struct{}{}
		opening = append(opening, l)
	}

	reordered := !equalOrder(s.order, ids)
	s.order = ids
	first := !s.started
	s.started = true

	var out []models.User
	var version uint64
	if len(s.pending) == 0 && (first || removed > 0 || reordered) {
		out, version = s.snapshotLocked()
	}
	s.mu.Unlock()

	for _, u := range closing {
		u()
	}
	if out != nil {
		s.emit(version, out)
	}

	for _, l := range opening {
		l := l
		unsub := s.m.store.Subscribe(models.UserPath(l.id),
			func(snap remote.Snapshot) { s.onFriend(l, snap) },
			func(err error) { s.onFriendError(l, err) },
		)

		s.mu.Lock()
		if s.tracked[l.id] == l {
			l.unsub, unsub = unsub, nil
		}
		s.mu.Unlock()

		// The friend was removed before its listener was recorded.
		if unsub != nil {
			unsub()
		}
	}

	if removed > 0 || len(opening) > 0 {
		s.m.logger.Debugw("Friend list changed", "user", s.userID, "added", len(opening), "removed", removed)
	}
}

func (s *Subscription) onFriend(l *listener, snap remote.Snapshot) {
	var (
		u   models.User
		ok  bool
		err error
	)
	if snap.Exists() {
		if err = snap.Decode(&u); err == nil {
			ok = true
			if u.ID == "" {
				u.ID = l.id
			}
		}
	}

	s.mu.Lock()
	if s.closed || s.tracked[l.id] != l {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.m.logger.Warnw("Skipping malformed friend record", "friend", l.id, "error", err)
	}
	if ok {
		s.records[l.id] = u
	} else {
		delete(s.records, l.id)
	}
	out, version, emit := s.reportedLocked(l.id)
	s.mu.Unlock()

	if emit {
		s.emit(version, out)
	}
}

// onFriendError keeps the last known record.
func (s *Subscription) onFriendError(l *listener, err error) {
	s.mu.Lock()
	if s.closed || s.tracked[l.id] != l {
		s.mu.Unlock()
		return
	}
	s.m.logger.Warnw("Friend read failed", "friend", l.id, "error", err)
	_, wasPending := s.pending[l.id]
	out, version, emit := s.reportedLocked(l.id)
	s.mu.Unlock()

	if emit && wasPending {
		s.emit(version, out)
	}
}

func (s *Subscription) reportedLocked(id string) ([]models.User, uint64, bool) {
	delete(s.pending, id)
	if len(s.pending) > 0 {
		return nil, 0, false
	}
	out, version := s.snapshotLocked()
	return out, version, true
}

func (s *Subscription) snapshotLocked() ([]models.User, uint64) {
	s.version++
	return s.current(), s.version
}

func (s *Subscription) current() []models.User {
	out := make([]models.User, 0, len(s.order))
	for _, id := range s.order {
		if u, ok := s.records[id]; ok {
			out = append(out, u)
		}
	}
	return out
}

// emit delivers out unless a newer state was already delivered.
func (s *Subscription) emit(version uint64, out []models.User) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || version <= s.emitted {
		return
	}
	s.emitted = version
	s.cb(out)
}

// friendIDs reads the friends list, dropping empty and repeated ids. A list
// stored as an index-keyed object is accepted too.
func friendIDs(snap remote.Snapshot, logger *zap.SugaredLogger) []string {
	if !snap.Exists() {
		return nil
	}

	var raw []string
	if err := json.Unmarshal(snap.Value, &raw); err != nil {
		for _, child := range snap.Children() {
			var id string
			if err := child.Decode(&id); err == nil {
				raw = append(raw, id)
			}
		}
		if raw == nil {
			logger.Warnw("Unreadable friend list", "path", snap.Path, "error", err)
		}
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, id := range raw {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func equalOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
