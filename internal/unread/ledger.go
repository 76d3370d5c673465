package unread

import (
	"maps"
	"sync"

	"github.com/4xmen/hamgam/internal/conversation"
	"github.com/4xmen/hamgam/internal/models"
	"github.com/4xmen/hamgam/internal/remote"
	"go.uber.org/zap"
)

// Ledger keeps the last known value of every input and recomputes the counts
// whenever one of them changes.
type Ledger struct {
	userID string
	logger *zap.SugaredLogger

	mu        sync.Mutex
	in        Inputs
	counts    Counts
	version   uint64
	listeners map[uint64]func(Counts)
	next      uint64
	awaiting  map[feed]struct{}

	notifyMu sync.Mutex
	notified uint64
}

func NewLedger(userID string, logger *zap.SugaredLogger) *Ledger {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Ledger{
		userID:    userID,
		logger:    logger,
		in:        Inputs{UserID: userID, LastRead: map[string]int64{}},
		counts:    Counts{},
		listeners: make(map[uint64]func(Counts)),
		awaiting:  make(map[feed]struct{}),
	}
}

type feed int

const (
	feedDirect feed = iota
	feedMessages
	feedFriends
	feedGroups
	feedLastRead
)

func (l *Ledger) SetMessages(msgs []models.Message) { l.setMessages(feedDirect, msgs) }

func (l *Ledger) SetFriends(ids []string) { l.setFriends(feedDirect, ids) }

func (l *Ledger) SetGroups(ids []string) { l.setGroups(feedDirect, ids) }

func (l *Ledger) SetLastRead(markers map[string]int64) { l.setLastRead(feedDirect, markers) }

func (l *Ledger) setMessages(from feed, msgs []models.Message) {
	l.update(from, func(in *Inputs) { in.Messages = msgs })
}

func (l *Ledger) setFriends(from feed, ids []string) {
	l.update(from, func(in *Inputs) { in.Friends = ids })
}

func (l *Ledger) setGroups(from feed, ids []string) {
	l.update(from, func(in *Inputs) { in.Groups = ids })
}

func (l *Ledger) setLastRead(from feed, markers map[string]int64) {
	l.update(from, func(in *Inputs) { in.LastRead = markers })
}

// update recomputes the counts. Listeners are not notified while a watched
// feed has yet to report.
func (l *Ledger) update(from feed, fn func(*Inputs)) {
	l.mu.Lock()
	fn(&l.in)
	delete(l.awaiting, from)
	l.counts = Compute(l.in)
	l.version++
	version := l.version
	counts := maps.Clone(l.counts)
	if len(l.awaiting) > 0 {
		l.mu.Unlock()
		return
	}
	listeners := make([]func(Counts), 0, len(l.listeners))
	for _, cb := range l.listeners {
		listeners = append(listeners, cb)
	}
	l.mu.Unlock()

	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	if version <= l.notified {
		return
	}
	l.notified = version
	for _, cb := range listeners {
		cb(counts)
	}
}

func (l *Ledger) CountFor(conversationID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts.For(conversationID)
}

// CountForFriend maps the friend to the pair conversation before looking it up.
func (l *Ledger) CountForFriend(friendID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts.For(conversation.Resolve(l.userID, friendID, false))
}

func (l *Ledger) Counts() Counts {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.counts)
}

// Ready reports whether every watched feed has delivered its first value.
func (l *Ledger) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.awaiting) == 0
}

// OnChange calls cb with the current counts and again after every recompute.
// While the ledger is not ready the first call waits for the last feed.
func (l *Ledger) OnChange(cb func(Counts)) remote.Unsubscribe {
	l.mu.Lock()
	l.next++
	id := l.next
	l.listeners[id] = cb
	counts := maps.Clone(l.counts)
	version := l.version
	ready := len(l.awaiting) == 0
	l.mu.Unlock()

	if ready {
		l.notifyMu.Lock()
		// Deliver unless a newer state was already sent.
		if version >= l.notified {
			cb(counts)
		}
		l.notifyMu.Unlock()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.listeners, id)
			l.mu.Unlock()
		})
	}
}

// Sources are the live feeds a ledger follows. Nil feeds are skipped.
type Sources struct {
	Messages func(cb func([]models.Message)) remote.Unsubscribe
	Friends  func(cb func([]string)) remote.Unsubscribe
	Groups   func(cb func([]string)) remote.Unsubscribe
	LastRead func(cb func(map[string]int64)) remote.Unsubscribe
}

// Watch feeds the ledger from src until the returned function is called.
// Listeners hear nothing until every non-nil feed has reported once.
func (l *Ledger) Watch(src Sources) remote.Unsubscribe {
	l.mu.Lock()
	if src.Messages != nil {
		l.awaiting[feedMessages] = struct{}{}
	}
	if src.Friends != nil {
		l.awaiting[feedFriends] = struct{}{}
	}
	if src.Groups != nil {
		l.awaiting[feedGroups] = struct{}{}
	}
	if src.LastRead != nil {
		l.awaiting[feedLastRead] = struct{}{}
	}
	l.mu.Unlock()

	var unsubs []remote.Unsubscribe
	if src.Messages != nil {
		unsubs = append(unsubs, src.Messages(func(msgs []models.Message) { l.setMessages(feedMessages, msgs) }))
	}
	if src.Friends != nil {
		unsubs = append(unsubs, src.Friends(func(ids []string) { l.setFriends(feedFriends, ids) }))
	}
	if src.Groups != nil {
		unsubs = append(unsubs, src.Groups(func(ids []string) { l.setGroups(feedGroups, ids) }))
	}
	if src.LastRead != nil {
		unsubs = append(unsubs, src.LastRead(func(m map[string]int64) { l.setLastRead(feedLastRead, m) }))
	}
	l.logger.Debugw("Unread ledger watching", "user", l.userID, "feeds", len(unsubs))

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
		})
	}
}
