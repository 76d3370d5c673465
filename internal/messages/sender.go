package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/4xmen/hamgam/internal/models"
	"github.com/4xmen/hamgam/internal/remote"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrEmptyMessage       = errors.New("message has no content or attachment")
	ErrVoiceForward       = errors.New("voice messages cannot be forwarded")
	ErrMissingParticipant = errors.New("sender and receiver are required")
)

// Outgoing is a message as composed by its sender.
type Outgoing struct {
	SenderID        string
	ReceiverID      string
	Content         string
	ReplyTo         *models.ReplyTo
	ImageURL        string
	FileURL         string
	VoiceMessageURL string
}

type Sender struct {
	store  remote.Store
	logger *zap.SugaredLogger
	now    func() time.Time
	newID  func() string
}

type Option interface {
	apply(*Sender)
}

type optionFunc func(*Sender)

func (f optionFunc) apply(s *Sender) {
	f(s)
}

// WithClock sets the source of message timestamps.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(s *Sender) {
		if now != nil {
			s.now = now
		}
	})
}

// WithIDGenerator sets the source of message ids.
func WithIDGenerator(newID func() string) Option {
	return optionFunc(func(s *Sender) {
		if newID != nil {
			s.newID = newID
		}
	})
}

func NewSender(store remote.Store, logger *zap.SugaredLogger, opts ...Option) *Sender {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Sender{
		store:  store,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt.apply(s)
	}
	return s
}

// Send stores a new message and returns it as written.
func (s *Sender) Send(ctx context.Context, out Outgoing) (models.Message, error) {
	if out.SenderID == "" || out.ReceiverID == "" {
		return models.Message{}, ErrMissingParticipant
	}
	if strings.TrimSpace(out.Content) == "" && out.ImageURL == "" && out.FileURL == "" && out.VoiceMessageURL == "" {
		return models.Message{}, ErrEmptyMessage
	}

	m := models.Message{
		ID:              s.newID(),
		SenderID:        out.SenderID,
		ReceiverID:      out.ReceiverID,
		Content:         out.Content,
		Timestamp:       s.now().UnixMilli(),
		ReplyTo:         out.ReplyTo,
		ImageURL:        out.ImageURL,
		FileURL:         out.FileURL,
		VoiceMessageURL: out.VoiceMessageURL,
	}

	if err := s.store.Write(ctx, models.MessagePath(m.ID), m); err != nil {
		s.logger.Errorw("Failed to send message", "sender", m.SenderID, "receiver", m.ReceiverID, "error", err)
		return models.Message{}, fmt.Errorf("failed to send message: %w", err)
	}

	s.logger.Debugw("Message sent", "id", m.ID, "sender", m.SenderID, "receiver", m.ReceiverID)
	return m, nil
}

// Forward copies msg to every target as a new forwarded message from senderID.
// Targets are written concurrently; the first failure is returned.
func (s *Sender) Forward(ctx context.Context, senderID string, targetIDs []string, msg models.Message) ([]models.Message, error) {
	if msg.VoiceMessageURL != "" {
		return nil, ErrVoiceForward
	}
	if senderID == "" {
		return nil, ErrMissingParticipant
	}

	seen := make(map[string]struct{}, len(targetIDs))
	var targets []string
	for _, id := range targetIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		targets = append(targets, id)
	}

	now := s.now().UnixMilli()
	out := make([]models.Message, len(targets))
	for i, target := range targets {
		out[i] = models.Message{
			ID:          s.newID(),
			SenderID:    senderID,
			ReceiverID:  target,
			Content:     msg.Content,
			Timestamp:   now,
			IsForwarded: true,
			ImageURL:    msg.ImageURL,
			FileURL:     msg.FileURL,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range out {
		g.Go(func() error {
			if err := s.store.Write(gctx, models.MessagePath(m.ID), m); err != nil {
				return fmt.Errorf("failed to forward to %s: %w", m.ReceiverID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Errorw("Failed to forward message", "source", msg.ID, "error", err)
		return nil, err
	}

	s.logger.Debugw("Message forwarded", "source", msg.ID, "targets", len(out))
	return out, nil
}
