// Package realtime is the entry point for clients: one Client wires every
// sync component over a single store connection.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/4xmen/hamgam/internal/conversation"
	"github.com/4xmen/hamgam/internal/friends"
	"github.com/4xmen/hamgam/internal/groups"
	"github.com/4xmen/hamgam/internal/messages"
	"github.com/4xmen/hamgam/internal/models"
	"github.com/4xmen/hamgam/internal/presence"
	"github.com/4xmen/hamgam/internal/reactions"
	"github.com/4xmen/hamgam/internal/remote"
	"github.com/4xmen/hamgam/internal/typing"
	"github.com/4xmen/hamgam/internal/unread"
	"go.uber.org/zap"
)

type Client struct {
	store  remote.Store
	logger *zap.SugaredLogger
	now    func() time.Time
	newID  func() string

	router    *messages.Router
	sender    *messages.Sender
	friends   *friends.Manager
	groups    *groups.Watcher
	typing    *typing.Coordinator
	marker    *unread.Marker
	reactions *reactions.Engine
	presence  *presence.Publisher
}

type Option interface {
	apply(*Client)
}

type optionFunc func(*Client)

func (f optionFunc) apply(c *Client) {
	f(c)
}

// WithClock sets the clock used for message timestamps and read markers.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(c *Client) {
		if now != nil {
			c.now = now
		}
	})
}

// WithIDGenerator sets the source of new message ids.
func WithIDGenerator(newID func() string) Option {
	return optionFunc(func(c *Client) {
		c.newID = newID
	})
}

func New(store remote.Store, logger *zap.SugaredLogger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	c := &Client{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt.apply(c)
	}

	c.router = messages.NewRouter(store, logger.Named("messages"))
	c.sender = messages.NewSender(store, logger.Named("sender"),
		messages.WithClock(c.now), messages.WithIDGenerator(c.newID))
	c.friends = friends.NewManager(store, logger.Named("friends"))
	c.groups = groups.NewWatcher(store, logger.Named("groups"))
	c.typing = typing.NewCoordinator(store, logger.Named("typing"))
	c.marker = unread.NewMarker(store, logger.Named("unread"))
	c.reactions = reactions.NewEngine(store, logger.Named("reactions"))
	c.presence = presence.NewPublisher(store, logger.Named("presence"))
	return c
}

func (c *Client) ResolveConversationID(currentUserID, otherID string, isGroup bool) string {
	return conversation.Resolve(currentUserID, otherID, isGroup)
}

// SubscribeMessages emits the conversation newest first. Every view shares
// one store listener.
func (c *Client) SubscribeMessages(currentUserID, otherID string, isGroup bool, cb func([]models.Message)) remote.Unsubscribe {
	return c.router.Subscribe(currentUserID, otherID, isGroup, cb)
}

func (c *Client) SubscribeAllMessages(cb func([]models.Message)) remote.Unsubscribe {
	return c.router.SubscribeAll(cb)
}

func (c *Client) SubscribeFriends(userID string, cb func([]models.User)) remote.Unsubscribe {
	return c.friends.Subscribe(userID, cb).Unsubscribe
}

func (c *Client) SubscribeGroups(memberID string, cb func([]models.GroupChat)) remote.Unsubscribe {
	return c.groups.Subscribe(memberID, cb)
}

func (c *Client) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	return c.typing.SetTyping(ctx, conversationID, userID, isTyping)
}

// SubscribeTyping reports every typer, the caller included.
func (c *Client) SubscribeTyping(conversationID string, cb func([]string)) remote.Unsubscribe {
	return c.typing.Subscribe(conversationID, cb)
}

func (c *Client) SendTyping(ctx context.Context, currentUserID, otherID string, isGroup, isTyping bool) error {
	return c.typing.SetTyping(ctx, conversation.Resolve(currentUserID, otherID, isGroup), currentUserID, isTyping)
}

// SubscribeOthersTyping reports the conversation's typers except currentUserID.
func (c *Client) SubscribeOthersTyping(currentUserID, otherID string, isGroup bool, cb func([]string)) remote.Unsubscribe {
	return c.typing.Subscribe(conversation.Resolve(currentUserID, otherID, isGroup), func(ids []string) {
		cb(typing.Without(ids, currentUserID))
	})
}

func (c *Client) MarkRead(ctx context.Context, userID, conversationID string, timestampMs int64) error {
	return c.marker.MarkRead(ctx, userID, conversationID, timestampMs)
}

// MarkConversationRead marks the conversation read as of now.
func (c *Client) MarkConversationRead(ctx context.Context, currentUserID, otherID string, isGroup bool) error {
	return c.marker.MarkRead(ctx, currentUserID, conversation.Resolve(currentUserID, otherID, isGroup), c.now().UnixMilli())
}

func (c *Client) ToggleReaction(ctx context.Context, messageID, userID, emoji string) error {
	return c.reactions.Toggle(ctx, messageID, userID, emoji)
}

func (c *Client) SendMessage(ctx context.Context, out messages.Outgoing) (models.Message, error) {
	return c.sender.Send(ctx, out)
}

func (c *Client) ForwardMessage(ctx context.Context, senderID string, targetIDs []string, msg models.Message) ([]models.Message, error) {
	return c.sender.Forward(ctx, senderID, targetIDs, msg)
}

// History fetches a pair conversation once, oldest first.
func (c *Client) History(ctx context.Context, currentUserID, otherUserID string) ([]models.Message, error) {
	return messages.History(ctx, c.store, currentUserID, otherUserID)
}

func (c *Client) GoOnline(ctx context.Context, userID string) error {
	return c.presence.GoOnline(ctx, userID)
}

func (c *Client) GoOffline(ctx context.Context, userID string) error {
	return c.presence.GoOffline(ctx, userID)
}

// WatchUnread starts a ledger fed by the message stream, the friend list, the
// user's groups and read markers.
func (c *Client) WatchUnread(userID string) (*unread.Ledger, remote.Unsubscribe) {
	ledger := unread.NewLedger(userID, c.logger.Named("unread"))
	stop := ledger.Watch(unread.Sources{
		Messages: c.router.SubscribeAll,
		Friends: func(cb func([]string)) remote.Unsubscribe {
			return c.friends.SubscribeIDs(userID, cb)
		},
		Groups: func(cb func([]string)) remote.Unsubscribe {
			return c.groups.Subscribe(userID, func(gs []models.GroupChat) { cb(groups.IDs(gs)) })
		},
		LastRead: func(cb func(map[string]int64)) remote.Unsubscribe {
			return c.marker.Subscribe(userID, cb)
		},
	})
	return ledger, stop
}

// SubscribeUnread emits the user's unread counts whenever they are recomputed.
func (c *Client) SubscribeUnread(userID string, cb func(unread.Counts)) remote.Unsubscribe {
	ledger, stop := c.WatchUnread(userID)
	off := ledger.OnChange(cb)

	var once sync.Once
	return func() {
		once.Do(func() {
			off()
			stop()
		})
	}
}
