package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/quill/internal/documents"
	"github.com/MarcoPoloResearchLab/quill/internal/protocol"
)

const (
	outboundQueueSize = 64
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = 45 * time.Second
	maxFrameBytes     = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsSession adapts a websocket connection to the sync engine's Session
// contract. Send never blocks: frames queue on the outbound channel and a
// full queue tears the connection down.
type wsSession struct {
	sessionID string
	conn      *websocket.Conn
	outbound  chan []byte
	closeOnce sync.Once
	closed    chan struct{}
	logger    *zap.Logger
}

func newWSSession(conn *websocket.Conn, logger *zap.Logger) *wsSession {
	return &wsSession{
		sessionID: uuid.NewString(),
		conn:      conn,
		outbound:  make(chan []byte, outboundQueueSize),
		closed:    make(chan struct{}),
		logger:    logger,
	}
}

func (s *wsSession) ID() string {
	return s.sessionID
}

func (s *wsSession) Send(frame protocol.Frame) {
	select {
	case s.outbound <- frame.Encode():
	case <-s.closed:
	default:
		s.logger.Warn("outbound queue overflow, dropping session",
			zap.String("session_id", s.sessionID))
		s.close()
	}
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// writePump drains the outbound queue onto the wire and keeps the
// connection alive with pings.
func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case payload, ok := <-s.outbound:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

// handleDocumentSync upgrades the connection and attaches it to the
// document's actor. Anonymous callers are admitted; the permission check in
// the gateway decides whether they may see the document at all.
func (h *httpHandler) handleDocumentSync(c *gin.Context) {
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorBodyInvalidRequest})
		return
	}
	userID := documents.UserID(c.GetString(userIDContextKey))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := newWSSession(conn, h.logger)
	attached, err := h.gateway.Join(c.Request.Context(), documentID, userID, session)
	if err != nil {
		if !errors.Is(err, documents.ErrDocumentNotFound) {
			h.logger.Error("sync join failed",
				zap.String("document_id", documentID.String()),
				zap.Error(err))
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, errorBodyNotFound),
			time.Now().Add(writeWait))
		session.close()
		return
	}

	go session.writePump()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		frame, err := protocol.Decode(payload)
		if err != nil {
			h.logger.Debug("dropping malformed frame",
				zap.String("session_id", session.ID()),
				zap.Error(err))
			continue
		}
		attached.Deliver(frame)
	}

	attached.Leave()
	session.close()
}
