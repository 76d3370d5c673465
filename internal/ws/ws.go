package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/4xmen/hamgam/internal/db"
	"github.com/4xmen/hamgam/internal/models"
	"github.com/4xmen/hamgam/internal/remote"
	"github.com/4xmen/hamgam/pkg/i18n"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var __ = i18n.Translate

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Hub tracks open sessions per user.
type Hub struct {
	store      *db.DB
	logger     *zap.SugaredLogger
	sessions   map[string]map[*session]struct{}
	register   chan *session
	unregister chan *session
	stopped    chan struct{}
	mu         sync.RWMutex
}

type session struct {
	userID string
	conn   *websocket.Conn
	hub    *Hub
	store  *db.Conn
	send   chan Response
	done   chan struct{}
	closed chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	subsMu sync.Mutex
	subs   map[uint64]remote.Unsubscribe
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origins are enforced by the CORS middleware.
		return true
	},
}

func NewHub(store *db.DB, logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		store:      store,
		logger:     logger,
		sessions:   make(map[string]map[*session]struct{}),
		register:   make(chan *session),
		unregister: make(chan *session),
		stopped:    make(chan struct{}),
	}
}

// IsUserOnline reports whether the user has at least one open socket.
func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID]) > 0
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.sessions {
		n += len(s)
	}
	return n
}

// Run processes registrations until ctx is done. It then closes every open
// session and returns once their disconnect actions have run.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.stopped)
			h.closeSessions()
			return

		case s := <-h.register:
			h.mu.Lock()
			if h.sessions[s.userID] == nil {
				h.sessions[s.userID] = make(map[*session]struct{})
			}
			h.sessions[s.userID][s] = struct{}{}
			h.mu.Unlock()
			h.logger.Infow("User connected", "user", s.userID, "conn", s.store.ID(), "total", h.SessionCount())

		case s := <-h.unregister:
			h.mu.Lock()
			if set, ok := h.sessions[s.userID]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(h.sessions, s.userID)
				}
			}
			h.mu.Unlock()
			h.logger.Infow("User disconnected", "user", s.userID, "conn", s.store.ID(), "total", h.SessionCount())
		}
	}
}

func (h *Hub) closeSessions() {
	h.mu.RLock()
	var open []*session
	for _, set := range h.sessions {
		for s := range set {
			open = append(open, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range open {
		s.conn.Close()
	}
	for _, s := range open {
		<-s.closed
	}
	h.logger.Infow("Closed all sessions", "count", len(open))
}

// HandleWebSocket upgrades an authenticated request. It expects "user_id" in the gin context.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": __("unauthorized")})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.logger.Warnw("Upgrade error", "user", userID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		userID: userID,
		conn:   conn,
		hub:    h,
		store:  h.store.Connect(""),
		send:   make(chan Response, 256),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[uint64]remote.Unsubscribe),
	}

	select {
	case h.register <- s:
	case <-h.stopped:
		s.store.Close()
		conn.Close()
		cancel()
		return
	}

	go s.readPump()
	go s.writePump()
}

// push queues a frame unless the session is shutting down.
func (s *session) push(resp Response) {
	select {
	case s.send <- resp:
	case <-s.done:
	}
}

func (s *session) readPump() {
	defer func() {
		s.cancel()
		close(s.done)

		s.subsMu.Lock()
		for id, unsub := range s.subs {
			unsub()
			delete(s.subs, id)
		}
		s.subsMu.Unlock()

		if err := s.store.Close(); err != nil {
			s.hub.logger.Errorw("Failed to run disconnect actions", "user", s.userID, "error", err)
		}
		select {
		case s.hub.unregister <- s:
		case <-s.hub.stopped:
		}
		s.conn.Close()
		close(s.closed)
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.hub.logger.Warnw("WebSocket error", "user", s.userID, "error", err)
			}
			break
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.push(Response{Type: TypeError, Code: "bad_request", Error: __("invalid request")})
			continue
		}

		s.push(s.handle(req))
	}
}

func (s *session) handle(req Request) Response {
	ctx := s.ctx
	resp := Response{Type: TypeResult, ID: req.ID}

	switch req.Op {
	case OpRead, OpSubscribe, OpQuery, OpCompareAndSet:
		if err := s.readable(req.Path); err != nil {
			return Response{Type: TypeError, ID: req.ID, Code: errorCode(err), Error: err.Error()}
		}
	}

	var err error
	switch req.Op {
	case OpRead:
		var snap remote.Snapshot
		snap, err = s.store.Read(ctx, req.Path)
		resp.Path, resp.Value = snap.Path, models.Redact(s.userID, snap.Path, snap.Value)

	case OpWrite:
		err = s.store.Write(ctx, req.Path, req.Value)

	case OpMerge:
		fields := make(map[string]any, len(req.Fields))
		for k, v := range req.Fields {
			fields[k] = v
		}
		err = s.store.Merge(ctx, req.Path, fields)

	case OpDelete:
		err = s.store.Delete(ctx, req.Path)

	case OpSubscribe:
		s.subscribe(req)

	case OpUnsubscribe:
		s.subsMu.Lock()
		unsub, ok := s.subs[req.Sub]
		delete(s.subs, req.Sub)
		s.subsMu.Unlock()
		if ok {
			unsub()
		}

	case OpOnDisconnect:
		if req.Action == nil {
			return Response{Type: TypeError, ID: req.ID, Code: "bad_request", Error: __("invalid request")}
		}
		err = s.store.OnDisconnect(ctx, req.Path, *req.Action)

	case OpQuery:
		var snaps []remote.Snapshot
		snaps, err = s.store.QueryByField(ctx, req.Path, req.Field, req.Equals)
		for _, snap := range snaps {
			resp.Items = append(resp.Items, Item{Path: snap.Path, Value: models.Redact(s.userID, snap.Path, snap.Value)})
		}

	case OpCompareAndSet:
		var snap remote.Snapshot
		resp.Swapped, snap, err = s.store.CompareAndSet(ctx, req.Path, req.Expected, req.Value)
		resp.Path, resp.Value = snap.Path, models.Redact(s.userID, snap.Path, snap.Value)

	default:
		return Response{Type: TypeError, ID: req.ID, Code: "bad_request", Error: __("unknown operation")}
	}

	if err != nil {
		s.hub.logger.Debugw("Request failed", "user", s.userID, "op", req.Op, "path", req.Path, "error", err)
		return Response{Type: TypeError, ID: req.ID, Code: errorCode(err), Error: err.Error()}
	}
	return resp
}

// readable rejects paths holding another user's read markers. Invalid paths
// are left for the store to report.
func (s *session) readable(path string) error {
	p, err := remote.Clean(path)
	if err != nil || models.Readable(s.userID, p) {
		return nil
	}
	return fmt.Errorf("%s: %w", p, remote.ErrForbidden)
}

// subscribe replaces any subscription already open under the same id.
func (s *session) subscribe(req Request) {
	sub := req.Sub
	unsub := s.store.Subscribe(req.Path,
		func(snap remote.Snapshot) {
			s.push(Response{Type: TypeEvent, Sub: sub, Path: snap.Path, Value: models.Redact(s.userID, snap.Path, snap.Value)})
		},
		func(err error) {
			s.push(Response{Type: TypeSubError, Sub: sub, Code: errorCode(err), Error: err.Error()})
		},
	)

	s.subsMu.Lock()
	if old, ok := s.subs[sub]; ok {
		old()
	}
	s.subs[sub] = unsub
	s.subsMu.Unlock()
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case resp := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(resp); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
