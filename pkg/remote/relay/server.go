package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/remote"
)

// Server serves a remote.Store to relay clients.
type Server struct {
	store    remote.Store
	engine   *gin.Engine
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	pingInterval time.Duration
	pongTimeout  time.Duration

	mu      sync.Mutex
	streams map[*streamConn]struct{}
	closed  bool
	wg      sync.WaitGroup
}

type ServerOption func(*Server)

func WithServerLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithKeepalive sets how often streams are pinged and how long a pong may take.
func WithKeepalive(pingInterval, pongTimeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = pingInterval
		s.pongTimeout = pongTimeout
	}
}

func NewServer(store remote.Store, options ...ServerOption) *Server {
	s := &Server{
		store: store,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:       log.Logger,
		pingInterval: defaultPingInterval,
		pongTimeout:  defaultPongTimeout,
		streams:      map[*streamConn]struct{}{},
	}
	for _, option := range options {
		option(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests)
	r.POST("/v1/conversations", s.createConversation)
	r.POST("/v1/conversations/:id/messages", s.appendMessage)
	r.PATCH("/v1/conversations/:id", s.updateConversation)
	r.GET("/v1/stream/conversations", s.streamConversations)
	r.GET("/v1/stream/messages", s.streamMessages)
	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Close disconnects every stream and waits for their handlers to return.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for sc := range s.streams {
		sc.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug().
		Str("method", c.Request.Method).
		Str("path", c.FullPath()).
		Int("status", c.Writer.Status()).
		Dur("duration", time.Since(start)).
		Msg("relay request")
}

func (s *Server) writeError(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn().Err(err).Str("op", op).Msg("relay request failed")
	}
	c.JSON(status, errorResponse{Error: err.Error()})
}

func (s *Server) createConversation(c *gin.Context) {
	var conv conversation.Conversation
	if err := c.ShouldBindJSON(&conv); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.store.CreateConversation(c.Request.Context(), conv); err != nil {
		s.writeError(c, "create_conversation", err)
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) appendMessage(c *gin.Context) {
	var msg conversation.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.store.AppendMessage(c.Request.Context(), c.Param("id"), msg); err != nil {
		s.writeError(c, "append_message", err)
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) updateConversation(c *gin.Context) {
	var meta remote.MetaUpdate
	if err := c.ShouldBindJSON(&meta); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.store.UpdateConversationMeta(c.Request.Context(), c.Param("id"), meta); err != nil {
		s.writeError(c, "update_conversation_meta", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) streamConversations(c *gin.Context) {
	owner := c.Query("owner")
	if owner == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "owner is required"})
		return
	}
	s.serveStream(c, func(sc *streamConn) (remote.Subscription, error) {
		return s.store.SubscribeConversations(owner,
			func(snap remote.ConversationSnapshot) {
				sc.push(Frame{Type: FrameConversations, Conversations: &snap})
			},
			sc.fail)
	})
}

func (s *Server) streamMessages(c *gin.Context) {
	id := c.Query("conversation")
	if id == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "conversation is required"})
		return
	}
	s.serveStream(c, func(sc *streamConn) (remote.Subscription, error) {
		return s.store.SubscribeMessages(id,
			func(snap remote.MessageSnapshot) {
				sc.push(Frame{Type: FrameMessages, Messages: &snap})
			},
			sc.fail)
	})
}

func (s *Server) serveStream(c *gin.Context, subscribe func(*streamConn) (remote.Subscription, error)) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	sc := &streamConn{conn: conn, send: make(chan []byte, sendBuffer), logger: s.logger}

	if !s.track(sc) {
		sc.Close()
		return
	}
	defer s.untrack(sc)

	sub, err := subscribe(sc)
	if err != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(Frame{Type: FrameError, Status: statusFor(err), Error: err.Error()})
		sc.Close()
		return
	}
	defer sub.Unsubscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writePump(sc)
	}()
	s.readPump(sc)
}

func (s *Server) track(sc *streamConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.streams[sc] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sc *streamConn) {
	s.mu.Lock()
	delete(s.streams, sc)
	s.mu.Unlock()
	sc.Close()
	s.wg.Done()
}

// readPump only consumes control frames, so that pongs extend the deadline
// and a client disconnect ends the stream.
func (s *Server) readPump(sc *streamConn) {
	deadline := s.pingInterval + s.pongTimeout
	sc.conn.SetReadLimit(4096)
	_ = sc.conn.SetReadDeadline(time.Now().Add(deadline))
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(deadline))
	})
	for {
		if _, _, err := sc.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("stream read error")
			}
			return
		}
	}
}

func (s *Server) writePump(sc *streamConn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	defer sc.Close()

	for {
		select {
		case data, ok := <-sc.send:
			if !ok {
				return
			}
			_ = sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug().Err(err).Msg("stream write error")
				return
			}
		case <-ticker.C:
			if err := sc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// streamConn is one subscribed websocket. push may be called from any goroutine.
type streamConn struct {
	conn   *websocket.Conn
	send   chan []byte
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func (sc *streamConn) push(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		sc.logger.Warn().Err(err).Msg("could not encode frame")
		return
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return
	}
	select {
	case sc.send <- data:
	default:
		// the client sees the stream end and reports it through onError. It has
		// to subscribe again to get a fresh snapshot.
		sc.logger.Warn().Msg("stream send buffer full, dropping client")
		sc.closeLocked()
	}
}

func (sc *streamConn) fail(err error) {
	sc.push(Frame{Type: FrameError, Status: statusFor(err), Error: err.Error()})
}

func (sc *streamConn) Close() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.closeLocked()
}

func (sc *streamConn) closeLocked() {
	if sc.closed {
		return
	}
	sc.closed = true
	close(sc.send)
	_ = sc.conn.Close()
}
