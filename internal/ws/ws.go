// Package ws is the server side of the realtime protocol: one Hub tracks
// every authenticated connection and the conversation rooms they joined, and
// fans events out to room members. Membership is per connection; it is
// pruned when the socket closes, so clients that skip leave_conversation do
// not accumulate server-side room state forever.
package ws

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/triplocal/chatsync/internal/metrics"
	"github.com/triplocal/chatsync/internal/push"
	"github.com/triplocal/chatsync/pkg/i18n"
	"github.com/triplocal/chatsync/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

type Hub struct {
	db       *sql.DB
	log      *zap.Logger
	notifier *push.Notifier

	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[int]map[*Client]bool

	register   chan *Client
	unregister chan *Client
}

type Client struct {
	userID int
	name   string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	rooms  map[int]bool // guarded by hub.mu
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Token auth happens before the upgrade; origin is not restricted.
		return true
	},
}

func NewHub(db *sql.DB, log *zap.Logger, notifier *push.Notifier) *Hub {
	return &Hub{
		db:         db,
		log:        log,
		notifier:   notifier,
		clients:    make(map[*Client]bool),
		rooms:      make(map[int]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.ConnectionsActive.Inc()
			h.log.Info("user connected",
				zap.Int("user_id", client.userID),
				zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for convID := range client.rooms {
					h.removeFromRoom(client, convID)
				}
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.ConnectionsActive.Dec()
			h.log.Info("user disconnected",
				zap.Int("user_id", client.userID),
				zap.Int("total", total))
		}
	}
}

// HandleWebSocket upgrades an authenticated request to a websocket
// connection. The auth middleware has already validated the handshake token.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": i18n.T("unauthorized")})
		return
	}
	name, _ := c.Get("user_name")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		userID: userID.(int),
		name:   name.(string),
		conn:   conn,
		hub:    h,
		send:   make(chan []byte, 256),
		rooms:  make(map[int]bool),
	}

	h.register <- client

	go client.readPump()
	go client.writePump()
}

// joinRoom adds the client to a conversation room after checking they are a
// participant. Joining twice is a no-op.
func (h *Hub) joinRoom(c *Client, convID int) error {
	var n int
	err := h.db.QueryRow(
		"SELECT COUNT(1) FROM conversations WHERE id = ? AND (initiator_id = ? OR responder_id = ?)",
		convID, c.userID, c.userID,
	).Scan(&n)
	if err != nil {
		return err
	}
	if n == 0 {
		return errNotParticipant
	}

	h.mu.Lock()
	if h.rooms[convID] == nil {
		h.rooms[convID] = make(map[*Client]bool)
	}
	if !h.rooms[convID][c] {
		h.rooms[convID][c] = true
		c.rooms[convID] = true
		metrics.RoomMemberships.Inc()
	}
	h.mu.Unlock()
	return nil
}

func (h *Hub) leaveRoom(c *Client, convID int) {
	h.mu.Lock()
	h.removeFromRoom(c, convID)
	h.mu.Unlock()
}

// removeFromRoom requires h.mu held.
func (h *Hub) removeFromRoom(c *Client, convID int) {
	room, ok := h.rooms[convID]
	if !ok || !room[c] {
		return
	}
	delete(room, c)
	delete(c.rooms, convID)
	if len(room) == 0 {
		delete(h.rooms, convID)
	}
	metrics.RoomMemberships.Dec()
}

// inRoom reports whether the client currently has the room joined.
func (h *Hub) inRoom(c *Client, convID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.rooms[convID]
}

// broadcastRoom sends one event to every member of a room, optionally
// skipping one client. Slow consumers are dropped rather than blocked on.
func (h *Hub) broadcastRoom(convID int, event string, payload interface{}, skip *Client) {
	data, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		h.log.Error("encode event failed", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.RLock()
	for member := range h.rooms[convID] {
		if member == skip {
			continue
		}
		select {
		case member.send <- data:
			metrics.EventsTotal.WithLabelValues(event, "out").Inc()
		default:
			h.log.Warn("send buffer full, dropping event",
				zap.Int("user_id", member.userID),
				zap.String("event", event))
		}
	}
	h.mu.RUnlock()
}

// userInRoom reports whether any connection of userID is in the room.
func (h *Hub) userInRoom(convID, userID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for member := range h.rooms[convID] {
		if member.userID == userID {
			return true
		}
	}
	return false
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket read error", zap.Int("user_id", c.userID), zap.Error(err))
			}
			break
		}

		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			continue
		}
		metrics.EventsTotal.WithLabelValues(env.Event, "in").Inc()

		switch env.Event {
		case protocol.EventJoinConversation:
			c.handleJoin(env.Data)
		case protocol.EventLeaveConversation:
			c.handleLeave(env.Data)
		case protocol.EventSendMessage:
			c.handleSendMessage(env.Data)
		case protocol.EventTyping:
			c.handleTyping(env.Data)
		case protocol.EventMessageRead:
			c.handleMessageRead(env.Data)
		}
	}
}

func (c *Client) handleJoin(data json.RawMessage) {
	var req protocol.JoinConversation
	if err := json.Unmarshal(data, &req); err != nil || req.ConversationID <= 0 {
		c.sendError("invalid conversation id")
		return
	}

	if err := c.hub.joinRoom(c, req.ConversationID); err != nil {
		if err == errNotParticipant {
			c.sendError("not a participant")
		} else {
			c.hub.log.Error("join failed", zap.Error(err))
			c.sendError("internal server error")
		}
		return
	}

	c.sendEvent(protocol.EventJoinedConversation, protocol.JoinedConversation{
		ConversationID: req.ConversationID,
	})
	c.hub.log.Debug("joined room",
		zap.Int("user_id", c.userID),
		zap.Int("conversation_id", req.ConversationID))
}

func (c *Client) handleLeave(data json.RawMessage) {
	var req protocol.LeaveConversation
	if err := json.Unmarshal(data, &req); err != nil || req.ConversationID <= 0 {
		return
	}
	c.hub.leaveRoom(c, req.ConversationID)
	c.hub.log.Debug("left room",
		zap.Int("user_id", c.userID),
		zap.Int("conversation_id", req.ConversationID))
}

func (c *Client) handleSendMessage(data json.RawMessage) {
	var req protocol.SendMessage
	if err := json.Unmarshal(data, &req); err != nil || req.ConversationID <= 0 {
		c.sendError("invalid request")
		return
	}

	if !c.hub.inRoom(c, req.ConversationID) {
		c.sendError("join the conversation first")
		return
	}

	content := strings.TrimSpace(req.Content)
	hasAttachment := req.Attachment != nil && *req.Attachment != ""
	if content == "" && !hasAttachment {
		c.sendError("message needs content or an attachment")
		return
	}
	var attachment *string
	if hasAttachment {
		attachment = req.Attachment
	}

	now := time.Now().UTC()
	result, err := c.hub.db.Exec(`
		INSERT INTO messages (conversation_id, user_id, content, attachment, read, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`, req.ConversationID, c.userID, content, attachment, now)
	if err != nil {
		c.hub.log.Error("save message failed", zap.Error(err))
		c.sendError("failed to save message")
		return
	}
	msgID, _ := result.LastInsertId()

	c.hub.db.Exec("UPDATE conversations SET updated_at = ? WHERE id = ?", now, req.ConversationID)

	msg := protocol.Message{
		ID:             int(msgID),
		ConversationID: req.ConversationID,
		UserID:         c.userID,
		Content:        content,
		Attachment:     attachment,
		Read:           false,
		CreatedAt:      now,
	}

	// The sender gets the echo too; clients render a message only once it
	// comes back with its canonical id.
	c.hub.broadcastRoom(req.ConversationID, protocol.EventNewMessage, protocol.NewMessage{Message: msg}, nil)

	if otherID, err := c.otherParticipant(req.ConversationID); err == nil {
		if !c.hub.userInRoom(req.ConversationID, otherID) {
			c.hub.notifier.NotifyNewMessage(otherID, req.ConversationID, c.name)
		}
	}
}

func (c *Client) handleTyping(data json.RawMessage) {
	var req protocol.Typing
	if err := json.Unmarshal(data, &req); err != nil || req.ConversationID <= 0 {
		return
	}
	if !c.hub.inRoom(c, req.ConversationID) {
		return
	}

	c.hub.broadcastRoom(req.ConversationID, protocol.EventUserTyping, protocol.UserTyping{
		UserID:   c.userID,
		UserName: c.name,
		IsTyping: req.IsTyping,
	}, c)
}

func (c *Client) handleMessageRead(data json.RawMessage) {
	var req protocol.MessageRead
	if err := json.Unmarshal(data, &req); err != nil || req.MessageID <= 0 {
		c.sendError("invalid message id")
		return
	}

	// Only the recipient flags a message; marking your own is meaningless.
	var convID, senderID int
	err := c.hub.db.QueryRow(`
		SELECT m.conversation_id, m.user_id
		FROM messages m
		JOIN conversations cv ON cv.id = m.conversation_id
		WHERE m.id = ? AND (cv.initiator_id = ? OR cv.responder_id = ?)
	`, req.MessageID, c.userID, c.userID).Scan(&convID, &senderID)
	if err == sql.ErrNoRows {
		c.sendError("message not found")
		return
	}
	if err != nil {
		c.hub.log.Error("lookup message failed", zap.Error(err))
		c.sendError("internal server error")
		return
	}
	if senderID == c.userID {
		return
	}

	if _, err := c.hub.db.Exec("UPDATE messages SET read = 1 WHERE id = ?", req.MessageID); err != nil {
		c.hub.log.Error("mark read failed", zap.Error(err))
		c.sendError("failed to update message")
		return
	}

	c.hub.broadcastRoom(convID, protocol.EventMessageReadUpdate, protocol.MessageReadUpdate{
		MessageID: req.MessageID,
		Read:      true,
	}, nil)
}

func (c *Client) otherParticipant(convID int) (int, error) {
	var initiatorID, responderID int
	err := c.hub.db.QueryRow(
		"SELECT initiator_id, responder_id FROM conversations WHERE id = ?", convID,
	).Scan(&initiatorID, &responderID)
	if err != nil {
		return 0, err
	}
	if initiatorID == c.userID {
		return responderID, nil
	}
	return initiatorID, nil
}

func (c *Client) sendEvent(event string, payload interface{}) {
	data, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
		metrics.EventsTotal.WithLabelValues(event, "out").Inc()
	default:
	}
}

func (c *Client) sendError(message string) {
	c.sendEvent(protocol.EventError, protocol.ErrorEvent{Message: i18n.T(message)})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
