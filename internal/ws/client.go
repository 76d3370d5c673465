package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/4xmen/hamgam/internal/remote"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultCASRetries     = 5
)

// Client is a remote.Store backed by a websocket connection to the server.
// Its on-disconnect actions run when the socket closes, however that happens.
type Client struct {
	conn   *websocket.Conn
	logger *zap.SugaredLogger

	timeout time.Duration
	retries int

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Response
	subs    map[uint64]*clientSub
	err     error

	done chan struct{}
}

var (
	_ remote.Store      = (*Client)(nil)
	_ remote.Transactor = (*Client)(nil)
)

type Option interface {
	apply(*Client)
}

type optionFunc func(*Client)

func (f optionFunc) apply(c *Client) {
	f(c)
}

// WithRequestTimeout bounds requests whose context has no deadline.
func WithRequestTimeout(d time.Duration) Option {
	return optionFunc(func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	})
}

// WithTransactionRetries sets how many compare-and-set rounds a Transaction may take.
func WithTransactionRetries(n int) Option {
	return optionFunc(func(c *Client) {
		if n > 0 {
			c.retries = n
		}
	})
}

// Dial connects to url, sending token as a bearer credential.
func Dial(ctx context.Context, url, token string, logger *zap.SugaredLogger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		logger:  logger,
		timeout: defaultRequestTimeout,
		retries: defaultCASRetries,
		pending: make(map[uint64]chan Response),
		subs:    make(map[uint64]*clientSub),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt.apply(c)
	}

	go c.readLoop()
	return c, nil
}

// Close closes the socket and waits for the reader to stop.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		if c.err == nil {
			c.err = remote.ErrClosed
		}
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		subs := c.subs
		c.subs = make(map[uint64]*clientSub)
		c.mu.Unlock()

		for _, sub := range subs {
			sub.fail(remote.ErrClosed)
		}
		close(c.done)
	}()

	for {
		var resp Response
		if err := c.conn.ReadJSON(&resp); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warnw("Connection lost", "error", err)
			}
			return
		}

		switch resp.Type {
		case TypeResult, TypeError:
			c.mu.Lock()
			ch, ok := c.pending[resp.ID]
			delete(c.pending, resp.ID)
			c.mu.Unlock()
			if ok {
				ch <- resp
			}

		case TypeEvent, TypeSubError:
			c.mu.Lock()
			sub, ok := c.subs[resp.Sub]
			c.mu.Unlock()
			if !ok {
				continue
			}
			if resp.Type == TypeEvent {
				sub.deliver(remote.Snapshot{Path: resp.Path, Value: resp.Value})
			} else {
				sub.fail(remoteError(resp.Code, resp.Error))
			}
		}
	}
}

func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req.ID = c.nextID.Add(1)
	ch := make(chan Response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Response{}, err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	drop := func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}

	if err := c.send(req); err != nil {
		drop()
		return Response{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, remote.ErrClosed
		}
		if resp.Type == TypeError {
			return Response{}, remoteError(resp.Code, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		drop()
		return Response{}, fmt.Errorf("%s %s: %w", req.Op, req.Path, ctx.Err())
	}
}

func (c *Client) send(req Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("%w: %v", remote.ErrClosed, err)
	}
	return nil
}

func (c *Client) Read(ctx context.Context, path string) (remote.Snapshot, error) {
	resp, err := c.call(ctx, Request{Op: OpRead, Path: path})
	if err != nil {
		return remote.Snapshot{}, err
	}
	return remote.Snapshot{Path: resp.Path, Value: resp.Value}, nil
}

func (c *Client) Write(ctx context.Context, path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	_, err = c.call(ctx, Request{Op: OpWrite, Path: path, Value: raw})
	return err
}

func (c *Client) Merge(ctx context.Context, path string, fields map[string]any) error {
	encoded := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode field %q: %w", k, err)
		}
		encoded[k] = raw
	}
	_, err := c.call(ctx, Request{Op: OpMerge, Path: path, Fields: encoded})
	return err
}

func (c *Client) Delete(ctx context.Context, path string) error {
	_, err := c.call(ctx, Request{Op: OpDelete, Path: path})
	return err
}

func (c *Client) OnDisconnect(ctx context.Context, path string, action remote.DisconnectAction) error {
	if err := action.Validate(); err != nil {
		return err
	}
	_, err := c.call(ctx, Request{Op: OpOnDisconnect, Path: path, Action: &action})
	return err
}

func (c *Client) QueryByField(ctx context.Context, path, field string, equals any) ([]remote.Snapshot, error) {
	raw, err := json.Marshal(equals)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query value: %w", err)
	}
	resp, err := c.call(ctx, Request{Op: OpQuery, Path: path, Field: field, Equals: raw})
	if err != nil {
		return nil, err
	}
	out := make([]remote.Snapshot, 0, len(resp.Items))
	for _, it := range resp.Items {
		out = append(out, remote.Snapshot{Path: it.Path, Value: it.Value})
	}
	return out, nil
}

// Transaction retries compare-and-set until it wins or runs out of rounds,
// then fails with remote.ErrConflict.
func (c *Client) Transaction(ctx context.Context, path string, update func(remote.Snapshot) (any, error)) error {
	current, err := c.Read(ctx, path)
	if err != nil {
		return err
	}

	for range c.retries {
		next, err := update(current)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to encode transaction result: %w", err)
		}

		resp, err := c.call(ctx, Request{Op: OpCompareAndSet, Path: path, Expected: current.Value, Value: raw})
		if err != nil {
			return err
		}
		if resp.Swapped {
			return nil
		}
		c.logger.Debugw("Transaction lost a race", "path", path)
		current = remote.Snapshot{Path: resp.Path, Value: resp.Value}
	}
	return fmt.Errorf("%s: %w", path, remote.ErrConflict)
}

// Subscribe returns at once; the subscription is opened in the background and
// a rejection is reported through onError.
func (c *Client) Subscribe(path string, onChange func(remote.Snapshot), onError func(error)) remote.Unsubscribe {
	sub := newClientSub(c.nextID.Add(1), onChange, onError)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		sub.fail(c.err)
		return sub.stop
	}
	c.subs[sub.id] = sub
	c.mu.Unlock()

	go func() {
		if _, err := c.call(context.Background(), Request{Op: OpSubscribe, Path: path, Sub: sub.id}); err != nil {
			c.forget(sub.id)
			sub.fail(err)
		}
	}()

	return func() {
		if sub.closed.Load() {
			return
		}
		sub.stop()
		if c.forget(sub.id) {
			go func() {
				if _, err := c.call(context.Background(), Request{Op: OpUnsubscribe, Sub: sub.id}); err != nil {
					c.logger.Debugw("Unsubscribe failed", "path", path, "error", err)
				}
			}()
		}
	}
}

func (c *Client) forget(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	return ok
}

// clientSub keeps only the newest snapshot, so a slow callback sees the latest
// state rather than a backlog.
type clientSub struct {
	id       uint64
	onChange func(remote.Snapshot)
	onError  func(error)

	mu     sync.Mutex
	latest *remote.Snapshot
	err    error

	notify chan struct{}
	stopCh chan struct{}
	once   sync.Once
	closed atomic.Bool
}

func newClientSub(id uint64, onChange func(remote.Snapshot), onError func(error)) *clientSub {
	s := &clientSub{
		id:       id,
		onChange: onChange,
		onError:  onError,
		notify:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *clientSub) deliver(snap remote.Snapshot) {
	s.mu.Lock()
	s.latest = &snap
	s.mu.Unlock()
	s.signal()
}

func (s *clientSub) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.signal()
}

func (s *clientSub) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *clientSub) stop() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.stopCh)
	})
}

func (s *clientSub) pump() {
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.notify:
		}

		s.mu.Lock()
		snap, err := s.latest, s.err
		s.latest, s.err = nil, nil
		s.mu.Unlock()

		if s.closed.Load() {
			return
		}
		if snap != nil {
			s.onChange(*snap)
		}
		if err != nil && s.onError != nil {
			s.onError(err)
		}
	}
}
