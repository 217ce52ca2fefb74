package handlers

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/triplocal/chatsync/internal/push"
	"github.com/triplocal/chatsync/pkg/i18n"
	"github.com/triplocal/chatsync/protocol"
)

const (
	defaultMessagePageSize = 50
	maxMessagePageSize     = 100
)

type ConversationHandler struct {
	db       *sql.DB
	log      *zap.Logger
	notifier *push.Notifier
}

func NewConversationHandler(db *sql.DB, log *zap.Logger, notifier *push.Notifier) *ConversationHandler {
	return &ConversationHandler{db: db, log: log, notifier: notifier}
}

// List returns every conversation the caller participates in, most recently
// active first, each with its latest message as a preview.
func (h *ConversationHandler) List(c *gin.Context) {
	userID := c.GetInt("user_id")

	rows, err := h.db.Query(`
		SELECT c.id, c.initiator_id, c.responder_id, c.created_at, c.updated_at,
		       ui.id, ui.name, ui.avatar_url,
		       ur.id, ur.name, ur.avatar_url
		FROM conversations c
		JOIN users ui ON ui.id = c.initiator_id
		JOIN users ur ON ur.id = c.responder_id
		WHERE c.initiator_id = ? OR c.responder_id = ?
		ORDER BY c.updated_at DESC
	`, userID, userID)
	if err != nil {
		h.log.Error("list conversations failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": i18n.T("failed to fetch conversations")})
		return
	}
	defer rows.Close()

	conversations := []protocol.Conversation{}
	for rows.Next() {
		var conv protocol.Conversation
		if err := rows.Scan(
			&conv.ID, &conv.InitiatorID, &conv.ResponderID, &conv.CreatedAt, &conv.UpdatedAt,
			&conv.Initiator.ID, &conv.Initiator.Name, &conv.Initiator.Avatar,
			&conv.Responder.ID, &conv.Responder.Name, &conv.Responder.Avatar,
		); err != nil {
			h.log.Error("scan conversation failed", zap.Error(err))
			continue
		}
		conversations = append(conversations, conv)
	}

	for i := range conversations {
		msg, err := h.latestMessage(conversations[i].ID)
		if err == nil {
			conversations[i].Messages = []protocol.Message{msg}
		}
	}

	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

// Get returns one conversation with both participants. Non-participants get
// a 404, not a 403, so conversation ids cannot be probed.
func (h *ConversationHandler) Get(c *gin.Context) {
	userID := c.GetInt("user_id")
	convID, err := strconv.Atoi(c.Param("id"))
	if err != nil || convID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": i18n.T("invalid conversation id")})
		return
	}

	conv, err := h.loadConversation(convID, userID)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": i18n.T("conversation not found")})
		return
	}
	if err != nil {
		h.log.Error("get conversation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": i18n.T("failed to fetch conversation")})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

// Messages returns a page of a conversation's history, newest first. Clients
// reverse it for display.
func (h *ConversationHandler) Messages(c *gin.Context) {
	userID := c.GetInt("user_id")
	convID, err := strconv.Atoi(c.Param("id"))
	if err != nil || convID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": i18n.T("invalid conversation id")})
		return
	}

	if _, err := h.loadConversation(convID, userID); err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": i18n.T("conversation not found")})
		} else {
			h.log.Error("check conversation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": i18n.T("failed to fetch messages")})
		}
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultMessagePageSize)))
	if limit <= 0 {
		limit = defaultMessagePageSize
	}
	if limit > maxMessagePageSize {
		limit = maxMessagePageSize
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}

	rows, err := h.db.Query(`
		SELECT id, conversation_id, user_id, content, attachment, read, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, convID, limit, offset)
	if err != nil {
		h.log.Error("list messages failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": i18n.T("failed to fetch messages")})
		return
	}
	defer rows.Close()

	messages := []protocol.Message{}
	for rows.Next() {
		var m protocol.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Content, &m.Attachment, &m.Read, &m.CreatedAt); err != nil {
			h.log.Error("scan message failed", zap.Error(err))
			continue
		}
		messages = append(messages, m)
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type createConversationRequest struct {
	OtherUserID int `json:"otherUserId" binding:"required"`
}

// Create opens a conversation with another user, or returns the existing one
// when the pair already has a conversation in either direction. A unique
// index on the unordered participant pair makes this race-safe: concurrent
// creates for the same pair converge on one row.
func (h *ConversationHandler) Create(c *gin.Context) {
	userID := c.GetInt("user_id")

	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.OtherUserID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": i18n.T("invalid request")})
		return
	}
	if req.OtherUserID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": i18n.T("cannot start a conversation with yourself")})
		return
	}

	var exists int
	if err := h.db.QueryRow("SELECT COUNT(1) FROM users WHERE id = ?", req.OtherUserID).Scan(&exists); err != nil || exists == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": i18n.T("other user not found")})
		return
	}

	now := time.Now().UTC()
	result, err := h.db.Exec(
		"INSERT INTO conversations (initiator_id, responder_id, created_at, updated_at) VALUES (?, ?, ?, ?)",
		userID, req.OtherUserID, now, now,
	)

	existed := false
	var convID int
	if err != nil {
		if !isUniqueViolation(err) {
			h.log.Error("create conversation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": i18n.T("failed to create conversation")})
			return
		}
		// Lost the race or the pair already talked; fetch the winner.
		existed = true
		err = h.db.QueryRow(`
			SELECT id FROM conversations
			WHERE (initiator_id = ? AND responder_id = ?) OR (initiator_id = ? AND responder_id = ?)
		`, userID, req.OtherUserID, req.OtherUserID, userID).Scan(&convID)
		if err != nil {
			h.log.Error("lookup existing conversation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": i18n.T("failed to create conversation")})
			return
		}
	} else {
		id, _ := result.LastInsertId()
		convID = int(id)
	}

	conv, err := h.loadConversation(convID, userID)
	if err != nil {
		h.log.Error("load created conversation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": i18n.T("failed to create conversation")})
		return
	}

	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"conversation": conv, "existed": existed})
}

// MarkRead flags one message as read. Idempotent: flagging an already-read
// message succeeds without effect.
func (h *ConversationHandler) MarkRead(c *gin.Context) {
	userID := c.GetInt("user_id")
	convID, err := strconv.Atoi(c.Param("id"))
	if err != nil || convID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": i18n.T("invalid conversation id")})
		return
	}
	messageID, err := strconv.Atoi(c.Param("messageId"))
	if err != nil || messageID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": i18n.T("invalid message id")})
		return
	}

	if _, err := h.loadConversation(convID, userID); err != nil {
		if err == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, gin.H{"error": i18n.T("conversation not found")})
		} else {
			h.log.Error("check conversation failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": i18n.T("failed to update message")})
		}
		return
	}

	result, err := h.db.Exec(
		"UPDATE messages SET read = 1 WHERE id = ? AND conversation_id = ? AND user_id != ?",
		messageID, convID, userID,
	)
	if err != nil {
		h.log.Error("mark read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": i18n.T("failed to update message")})
		return
	}

	if n, _ := result.RowsAffected(); n == 0 {
		var count int
		h.db.QueryRow("SELECT COUNT(1) FROM messages WHERE id = ? AND conversation_id = ?", messageID, convID).Scan(&count)
		if count == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": i18n.T("message not found")})
			return
		}
		// Own message or already read; nothing to do.
	}

	c.Status(http.StatusNoContent)
}

// PushKey returns the VAPID public key browsers subscribe with.
func (h *ConversationHandler) PushKey(c *gin.Context) {
	key := h.notifier.VAPIDPublicKey()
	if key == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": i18n.T("push is not configured")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": key})
}

// PushSubscribe stores the caller's Web Push subscription.
func (h *ConversationHandler) PushSubscribe(c *gin.Context) {
	userID := c.GetInt("user_id")

	var sub push.Subscription
	if err := c.ShouldBindJSON(&sub); err != nil || sub.Endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": i18n.T("invalid subscription")})
		return
	}

	if err := h.notifier.Save(userID, sub); err != nil {
		h.log.Error("save subscription failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": i18n.T("internal server error")})
		return
	}
	c.Status(http.StatusCreated)
}

// loadConversation fetches a conversation with both participants, scoped to
// a participant. sql.ErrNoRows covers both absence and non-participation.
func (h *ConversationHandler) loadConversation(convID, userID int) (protocol.Conversation, error) {
	var conv protocol.Conversation
	err := h.db.QueryRow(`
		SELECT c.id, c.initiator_id, c.responder_id, c.created_at, c.updated_at,
		       ui.id, ui.name, ui.avatar_url,
		       ur.id, ur.name, ur.avatar_url
		FROM conversations c
		JOIN users ui ON ui.id = c.initiator_id
		JOIN users ur ON ur.id = c.responder_id
		WHERE c.id = ? AND (c.initiator_id = ? OR c.responder_id = ?)
	`, convID, userID, userID).Scan(
		&conv.ID, &conv.InitiatorID, &conv.ResponderID, &conv.CreatedAt, &conv.UpdatedAt,
		&conv.Initiator.ID, &conv.Initiator.Name, &conv.Initiator.Avatar,
		&conv.Responder.ID, &conv.Responder.Name, &conv.Responder.Avatar,
	)
	return conv, err
}

func (h *ConversationHandler) latestMessage(convID int) (protocol.Message, error) {
	var m protocol.Message
	err := h.db.QueryRow(`
		SELECT id, conversation_id, user_id, content, attachment, read, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, convID).Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Content, &m.Attachment, &m.Read, &m.CreatedAt)
	return m, err
}

func isUniqueViolation(err error) bool {
	if sqliteErr, ok := err.(sqlite3.Error); ok {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
