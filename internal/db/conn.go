package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/4xmen/hamgam/internal/remote"
	"github.com/rs/xid"
)

// Conn is one client's session with the store. It owns that client's
// subscriptions and on-disconnect actions; Close runs the actions.
type Conn struct {
	db *DB
	id string

	mu      sync.Mutex
	actions map[string]remote.DisconnectAction
	closed  bool
}

var (
	_ remote.Store      = (*Conn)(nil)
	_ remote.Transactor = (*Conn)(nil)
)

// Connect opens a session. An empty id gets a generated one.
func (db *DB) Connect(id string) *Conn {
	if id == "" {
		id = xid.New().String()
	}
	c := &Conn{
		db:      db,
		id:      id,
		actions: make(map[string]remote.DisconnectAction),
	}

	db.connsMu.Lock()
	db.conns[id] = c
	db.connsMu.Unlock()

	db.logger.Debugw("Connection opened", "conn", id)
	return c
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Read(ctx context.Context, path string) (remote.Snapshot, error) {
	if c.isClosed() {
		return remote.Snapshot{}, remote.ErrClosed
	}
	return c.db.Get(ctx, path)
}

func (c *Conn) Write(ctx context.Context, path string, value any) error {
	if c.isClosed() {
		return remote.ErrClosed
	}
	raw, err := encode(value)
	if err != nil {
		return err
	}
	return c.db.Set(ctx, path, raw)
}

func (c *Conn) Merge(ctx context.Context, path string, fields map[string]any) error {
	if c.isClosed() {
		return remote.ErrClosed
	}
	encoded := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw, err := encode(v)
		if err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		encoded[k] = raw
	}
	return c.db.Update(ctx, path, encoded)
}

func (c *Conn) Delete(ctx context.Context, path string) error {
	if c.isClosed() {
		return remote.ErrClosed
	}
	return c.db.Remove(ctx, path)
}

// Subscribe reports an invalid path or a closed connection through onError
// before returning.
func (c *Conn) Subscribe(path string, onChange func(remote.Snapshot), onError func(error)) remote.Unsubscribe {
	fail := func(err error) remote.Unsubscribe {
		if onError != nil {
			onError(err)
		}
		return func() {}
	}

	p, err := remote.Clean(path)
	if err != nil {
		return fail(err)
	}
	if c.isClosed() {
		return fail(remote.ErrClosed)
	}
	return c.db.hub.subscribe(c.id, p, onChange, onError)
}

func (c *Conn) OnDisconnect(ctx context.Context, path string, action remote.DisconnectAction) error {
	if err := action.Validate(); err != nil {
		return err
	}
	p, err := remote.Clean(path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return remote.ErrClosed
	}

	if action.Op == remote.DisconnectCancel {
		for k := range c.actions {
			if k == p || remote.IsAncestor(p, k) {
				delete(c.actions, k)
			}
		}
		return nil
	}

	c.actions[p] = action
	return nil
}

// Pending returns the registered on-disconnect actions keyed by path.
func (c *Conn) Pending() map[string]remote.DisconnectAction {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]remote.DisconnectAction, len(c.actions))
	for k, v := range c.actions {
		out[k] = v
	}
	return out
}

func (c *Conn) QueryByField(ctx context.Context, path, field string, equals any) ([]remote.Snapshot, error) {
	if c.isClosed() {
		return nil, remote.ErrClosed
	}
	raw, err := json.Marshal(equals)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query value: %w", err)
	}
	return c.db.Query(ctx, path, field, raw)
}

func (c *Conn) Transaction(ctx context.Context, path string, update func(remote.Snapshot) (any, error)) error {
	if c.isClosed() {
		return remote.ErrClosed
	}
	return c.db.Transaction(ctx, path, update)
}

func (c *Conn) CompareAndSet(ctx context.Context, path string, expected, value json.RawMessage) (bool, remote.Snapshot, error) {
	if c.isClosed() {
		return false, remote.Snapshot{}, remote.ErrClosed
	}
	return c.db.CompareAndSet(ctx, path, expected, value)
}

// Close runs the pending on-disconnect actions in path order, then drops the
// connection's subscriptions. It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	actions := c.actions
	c.actions = nil
	c.mu.Unlock()

	c.db.hub.dropOwner(c.id)

	paths := make([]string, 0, len(actions))
	for p := range actions {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var firstErr error
	ctx := context.Background()
	for _, p := range paths {
		a := actions[p]
		var err error
		switch a.Op {
		case remote.DisconnectRemove:
			err = c.db.Remove(ctx, p)
		case remote.DisconnectSet:
			err = c.db.Set(ctx, p, a.Value)
		}
		if err != nil {
			c.db.logger.Errorw("On-disconnect action failed", "conn", c.id, "path", p, "op", a.Op, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	c.db.connsMu.Lock()
	delete(c.db.conns, c.id)
	c.db.connsMu.Unlock()

	c.db.logger.Debugw("Connection closed", "conn", c.id, "actions", len(paths))
	return firstErr
}

func encode(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return raw, nil
}

type Stats struct {
	Nodes         int `json:"nodes"`
	Connections   int `json:"connections"`
	Subscriptions int `json:"subscriptions"`
}

func (db *DB) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM nodes").Scan(&s.Nodes); err != nil {
		return Stats{}, fmt.Errorf("failed to count nodes: %w", err)
	}

	db.connsMu.Lock()
	s.Connections = len(db.conns)
	db.connsMu.Unlock()

	s.Subscriptions = db.hub.Count()
	return s, nil
}
