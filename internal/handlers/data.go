package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/4xmen/hamgam/internal/db"
	"github.com/4xmen/hamgam/internal/models"
	"github.com/4xmen/hamgam/internal/remote"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionCounter reports how many websocket sessions are open.
type SessionCounter interface {
	SessionCount() int
}

type Reader interface {
	Get(ctx context.Context, path string) (remote.Snapshot, error)
	Stats(ctx context.Context) (db.Stats, error)
}

type DataHandler struct {
	store    Reader
	sessions SessionCounter
	logger   *zap.SugaredLogger
}

func NewDataHandler(store Reader, sessions SessionCounter, logger *zap.SugaredLogger) *DataHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DataHandler{store: store, sessions: sessions, logger: logger}
}

// GetData returns the value at the requested path, or null when it is missing.
// Other users' read markers are never returned.
func (h *DataHandler) GetData(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": __("unauthorized")})
		return
	}

	path, err := remote.Clean(c.Param("path"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": __("invalid path")})
		return
	}

	if !models.Readable(userID, path) {
		c.JSON(http.StatusForbidden, gin.H{"error": __("unauthorized")})
		return
	}

	snap, err := h.store.Get(c.Request.Context(), path)
	if err != nil {
		if errors.Is(err, remote.ErrClosed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": __("store closed")})
			return
		}
		h.logger.Errorw("Failed to read data", "path", path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": __("failed to read data")})
		return
	}

	value := models.Redact(userID, path, snap.Value)
	if !snap.Exists() {
		value = []byte("null")
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", value)
}

type statsResponse struct {
	db.Stats
	Sessions int `json:"sessions"`
}

func (h *DataHandler) GetStats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		h.logger.Errorw("Failed to fetch stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": __("failed to fetch stats")})
		return
	}

	resp := statsResponse{Stats: stats}
	if h.sessions != nil {
		resp.Sessions = h.sessions.SessionCount()
	}
	c.JSON(http.StatusOK, resp)
}
