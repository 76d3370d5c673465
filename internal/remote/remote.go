// Package remote defines the push-based key-value store the realtime layer is
// built on. Values live at slash-separated paths; subscribed reads are pushed
// to the caller on every change instead of being polled.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidPath = errors.New("invalid path")
	ErrClosed      = errors.New("store closed")
	ErrConflict    = errors.New("concurrent modification")
	ErrRemote      = errors.New("remote store failure")
	ErrForbidden   = errors.New("permission denied")
)

// Unsubscribe releases a listener. Calling it more than once is a no-op.
type Unsubscribe func()

// Store is the contract every component consumes.
type Store interface {
	Read(ctx context.Context, path string) (Snapshot, error)
	// Write replaces the subtree at path. nil, {} and [] delete it.
	Write(ctx context.Context, path string, value any) error
	// Merge replaces each child path named by a key of fields, leaving siblings untouched.
	Merge(ctx context.Context, path string, fields map[string]any) error
	Delete(ctx context.Context, path string) error
	// Subscribe fires onChange with the current value and again after every change at,
	// above or below path. onError may be nil.
	Subscribe(path string, onChange func(Snapshot), onError func(error)) Unsubscribe
	// OnDisconnect registers an action the store runs when this client's connection is lost.
	OnDisconnect(ctx context.Context, path string, action DisconnectAction) error
	// QueryByField returns the children of path whose field equals the given value, key-ordered.
	QueryByField(ctx context.Context, path, field string, equals any) ([]Snapshot, error)
}

// Transactor is implemented by stores that can run an atomic read-modify-write
// on one subtree. update returns the replacement value; nil deletes the node.
type Transactor interface {
	Transaction(ctx context.Context, path string, update func(current Snapshot) (any, error)) error
}

// Snapshot is the value stored at Path at one point in time.
type Snapshot struct {
	Path  string
	Value json.RawMessage
}

func (s Snapshot) Exists() bool {
	v := bytes.TrimSpace(s.Value)
	return len(v) > 0 && !bytes.Equal(v, []byte("null"))
}

// Key is the last segment of Path.
func (s Snapshot) Key() string {
	return Base(s.Path)
}

// Decode unmarshals the value into v. It returns ErrNotFound for a missing node.
func (s Snapshot) Decode(v any) error {
	if !s.Exists() {
		return fmt.Errorf("%s: %w", s.Path, ErrNotFound)
	}
	return json.Unmarshal(s.Value, v)
}

// Children splits an object or array value into one snapshot per child,
// ordered by key. Scalars and missing nodes have no children.
func (s Snapshot) Children() []Snapshot {
	if !s.Exists() {
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(s.Value, &obj); err == nil {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]Snapshot, 0, len(keys))
		for _, k := range keys {
			out = append(out, Snapshot{Path: Join(s.Path, k), Value: obj[k]})
		}
		return out
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(s.Value, &arr); err == nil {
		out := make([]Snapshot, 0, len(arr))
		for i, v := range arr {
			out = append(out, Snapshot{Path: Join(s.Path, fmt.Sprint(i)), Value: v})
		}
		return out
	}
	return nil
}

type DisconnectOp string

const (
	DisconnectRemove DisconnectOp = "remove"
	DisconnectSet    DisconnectOp = "set"
	DisconnectCancel DisconnectOp = "cancel"
)

// DisconnectAction is what the store does at a path once the client is gone.
type DisconnectAction struct {
	Op    DisconnectOp    `json:"op"`
	Value json.RawMessage `json:"value,omitempty"`
}

func RemoveOnDisconnect() DisconnectAction {
	return DisconnectAction{Op: DisconnectRemove}
}

func SetOnDisconnect(value any) (DisconnectAction, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return DisconnectAction{}, fmt.Errorf("failed to encode disconnect value: %w", err)
	}
	return DisconnectAction{Op: DisconnectSet, Value: raw}, nil
}

// CancelOnDisconnect clears every pending action at and below the path.
func CancelOnDisconnect() DisconnectAction {
	return DisconnectAction{Op: DisconnectCancel}
}

func (a DisconnectAction) Validate() error {
	switch a.Op {
	case DisconnectRemove, DisconnectCancel:
		return nil
	case DisconnectSet:
		if len(a.Value) == 0 {
			return fmt.Errorf("set on disconnect without a value")
		}
		return nil
	default:
		return fmt.Errorf("unknown disconnect op %q", a.Op)
	}
}
