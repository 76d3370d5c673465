package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

var (
	ErrInvalidEmoji  = errors.New("invalid emoji")
	ErrInvalidUserID = errors.New("invalid user id")
)

// Reactions maps an emoji to the set of users that reacted with it.
// The zero value is an empty, usable set. Empty user sets are never kept.
type Reactions struct {
	byEmoji map[string]map[string]struct{}
}

// NewReactions builds a validated Reactions value from emoji -> user ids.
func NewReactions(raw map[string][]string) (Reactions, error) {
	var r Reactions
	for emoji, users := range raw {
		if err := ValidateEmoji(emoji); err != nil {
			return Reactions{}, err
		}
		for _, u := range users {
			if u == "" {
				return Reactions{}, fmt.Errorf("%w: empty id under %q", ErrInvalidUserID, emoji)
			}
			r.add(emoji, u)
		}
	}
	return r, nil
}

// ValidateEmoji rejects keys that cannot be stored as a path segment.
func ValidateEmoji(emoji string) error {
	if strings.TrimSpace(emoji) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEmoji)
	}
	if strings.ContainsAny(emoji, "/.#$[]") {
		return fmt.Errorf("%w: %q", ErrInvalidEmoji, emoji)
	}
	return nil
}

func (r *Reactions) add(emoji, userID string) {
	if r.byEmoji == nil {
		r.byEmoji = make(map[string]map[string]struct{})
	}
	set, ok := r.byEmoji[emoji]
	if !ok {
		set = make(map[string]struct{})
		r.byEmoji[emoji] = set
	}
	set[userID] = struct{}{}
}

func (r *Reactions) remove(emoji, userID string) {
	set, ok := r.byEmoji[emoji]
	if !ok {
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(r.byEmoji, emoji)
	}
}

// Has reports whether userID reacted with emoji.
func (r Reactions) Has(emoji, userID string) bool {
	_, ok := r.byEmoji[emoji][userID]
	return ok
}

// Toggle applies single-choice semantics: reacting again with the same emoji
// removes the reaction, any other emoji replaces the user's previous one.
func (r *Reactions) Toggle(userID, emoji string) {
	if r.Has(emoji, userID) {
		r.remove(emoji, userID)
		return
	}
	for _, e := range r.Emojis() {
		r.remove(e, userID)
	}
	r.add(emoji, userID)
}

// Emojis returns the emojis with at least one user, sorted.
func (r Reactions) Emojis() []string {
	return slices.Sorted(maps.Keys(r.byEmoji))
}

// Users returns the users that reacted with emoji, sorted.
func (r Reactions) Users(emoji string) []string {
	return slices.Sorted(maps.Keys(r.byEmoji[emoji]))
}

func (r Reactions) Count(emoji string) int {
	return len(r.byEmoji[emoji])
}

// EmojiOf returns the emoji userID reacted with, if any.
func (r Reactions) EmojiOf(userID string) (string, bool) {
	for _, e := range r.Emojis() {
		if r.Has(e, userID) {
			return e, true
		}
	}
	return "", false
}

func (r Reactions) IsEmpty() bool {
	return len(r.byEmoji) == 0
}

func (r Reactions) Clone() Reactions {
	var c Reactions
	for emoji, set := range r.byEmoji {
		for u := range set {
			c.add(emoji, u)
		}
	}
	return c
}

func (r Reactions) Equal(o Reactions) bool {
	if len(r.byEmoji) != len(o.byEmoji) {
		return false
	}
	for emoji, set := range r.byEmoji {
		other, ok := o.byEmoji[emoji]
		if !ok || !maps.Equal(set, other) {
			return false
		}
	}
	return true
}

// Map returns a plain emoji -> sorted user ids copy.
func (r Reactions) Map() map[string][]string {
	out := make(map[string][]string, len(r.byEmoji))
	for emoji := range r.byEmoji {
		out[emoji] = r.Users(emoji)
	}
	return out
}

func (r Reactions) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Map())
}

// UnmarshalJSON accepts emoji -> array of ids, and emoji -> index-keyed object of ids
// as stored by sparse arrays. Entries of any other shape are dropped.
func (r *Reactions) UnmarshalJSON(data []byte) error {
	r.byEmoji = nil
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	for emoji, value := range raw {
		if ValidateEmoji(emoji) != nil {
			continue
		}
		var list []string
		if err := json.Unmarshal(value, &list); err != nil {
			var indexed map[string]string
			if err := json.Unmarshal(value, &indexed); err != nil {
				continue
			}
			list = slices.Collect(maps.Values(indexed))
		}
		for _, u := range list {
			if u != "" {
				r.add(emoji, u)
			}
		}
	}
	return nil
}
