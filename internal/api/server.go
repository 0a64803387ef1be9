// Package api serves the authority over HTTP: the websocket sync endpoint
// replicas connect to and a small JSON API for operators.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/roach88/feedsync/internal/feedsync"
	"github.com/roach88/feedsync/internal/protocol"
	"github.com/roach88/feedsync/internal/retention"
	"github.com/roach88/feedsync/internal/store"
	"github.com/roach88/feedsync/internal/transport"
)

// Server routes HTTP requests to one store.
type Server struct {
	store   *store.Store
	janitor *retention.Janitor
	peerID  string

	upgrader websocket.Upgrader

	connsMu sync.Mutex
	conns   map[*transport.Conn]struct{}
}

// NewServer creates a Server. janitor may be nil; trim requests then delete
// without archiving.
func NewServer(st *store.Store, janitor *retention.Janitor, peerID string) *Server {
	if janitor == nil {
		janitor, _ = retention.NewJanitor(st, nil, nil)
	}
	return &Server{
		store:   st,
		janitor: janitor,
		peerID:  peerID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 64 << 10,
			// Replicas are not browsers; there is no origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*transport.Conn]struct{}),
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(requestLogger(), gin.Recovery())

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/sync", s.handleSync)

	v1 := engine.Group("/v1")
	v1.POST("/append", s.handleAppend)
	v1.POST("/local", s.handleAppendLocal)
	v1.POST("/query", s.handleQuery)
	v1.POST("/subscriptions", s.handleSubscribe)

	part := v1.Group("/spaces/:space/namespaces/:namespace")
	part.GET("/state", s.handleState)
	part.GET("/feeds", s.handleListFeeds)
	part.GET("/feeds/:feed/count", s.handleCount)
	part.POST("/feeds/:feed/trim", s.handleTrim)

	return engine
}

// CloseConnections closes every open sync connection. http.Server.Shutdown
// does not track hijacked connections, so call this alongside it.
func (s *Server) CloseConnections() {
	s.connsMu.Lock()
	conns := make([]*transport.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Connections returns the number of open sync connections.
func (s *Server) Connections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"peerId":    s.peerID,
		"driver":    s.store.Driver(),
		"authority": s.store.AssignsPositions(),
		"token":     s.store.Token(),
	})
}

// handleSync upgrades to a websocket and answers sync requests on it until
// the peer goes away.
func (s *Server) handleSync(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		slog.Warn("sync upgrade failed", "remote", c.Request.RemoteAddr, "error", err)
		return
	}
	conn := transport.NewConn(ws)

	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
	defer func() {
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		conn.Close()
	}()

	remote := c.Request.RemoteAddr
	slog.Info("sync peer connected", "remote", remote)

	srv := feedsync.NewServer(s.store, conn.Send, s.peerID)
	conn.OnDecodeError(srv.HandleDecodeError)
	if err := conn.ReadLoop(c.Request.Context(), srv.HandleMessage); err != nil {
		slog.Warn("sync connection ended", "remote", remote, "error", err)
		return
	}
	slog.Info("sync peer disconnected", "remote", remote)
}

func (s *Server) handleAppend(c *gin.Context) {
	var req protocol.AppendRequest
	if !bindJSON(c, &req) {
		return
	}
	resp, err := s.store.Append(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type appendLocalRequest struct {
	Messages []store.LocalMessage `json:"messages"`
}

type appendLocalResponse struct {
	Blocks []protocol.Block `json:"blocks"`
}

func (s *Server) handleAppendLocal(c *gin.Context) {
	var req appendLocalRequest
	if !bindJSON(c, &req) {
		return
	}
	blocks, err := s.store.AppendLocal(c.Request.Context(), req.Messages)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, appendLocalResponse{Blocks: blocks})
}

func (s *Server) handleQuery(c *gin.Context) {
	var req protocol.QueryRequest
	if !bindJSON(c, &req) {
		return
	}
	resp, err := s.store.Query(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSubscribe(c *gin.Context) {
	var req protocol.SubscribeRequest
	if !bindJSON(c, &req) {
		return
	}
	resp, err := s.store.Subscribe(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleState(c *gin.Context) {
	ctx := c.Request.Context()
	space, ns := c.Param("space"), c.Param("namespace")

	st, err := s.store.GetSyncState(ctx, space, ns)
	if err != nil {
		writeError(c, err)
		return
	}
	pulled, err := s.store.GetPullWatermark(ctx, space, ns)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"maxPosition":     st.MaxPosition,
		"blocks":          st.Blocks,
		"unpositioned":    st.Unpositioned,
		"lastInsertionId": st.LastInsertionID,
		"pulledPosition":  pulled,
	})
}

func (s *Server) handleListFeeds(c *gin.Context) {
	feeds, err := s.store.ListFeeds(c.Request.Context(), c.Param("space"), c.Param("namespace"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"feeds": feeds})
}

func feedRef(c *gin.Context) store.FeedRef {
	return store.FeedRef{
		SpaceID:       c.Param("space"),
		FeedNamespace: c.Param("namespace"),
		FeedID:        c.Param("feed"),
	}
}

func (s *Server) handleCount(c *gin.Context) {
	n, err := s.store.CountBlocks(c.Request.Context(), feedRef(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

// handleTrim keeps the newest ?keep= blocks of a feed, archiving the rest.
func (s *Server) handleTrim(c *gin.Context) {
	keep, err := strconv.ParseInt(c.Query("keep"), 10, 64)
	if err != nil || keep < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "keep must be a positive integer"})
		return
	}
	deleted, err := s.janitor.TrimFeed(c.Request.Context(), feedRef(c), keep)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

// writeError maps store errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrInvalidRequest),
		errors.Is(err, store.ErrInvalidCursor),
		errors.Is(err, store.ErrCursorTokenMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrUnknownSubscription):
		status = http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
