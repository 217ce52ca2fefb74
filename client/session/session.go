// Package session implements the client side of a joined conversation: it
// seeds an in-memory message list from the history API, merges live events
// from the realtime socket into it idempotently, emits read receipts for the
// other user's messages, and derives the remote typing indicator. One session
// is created when a conversation screen gains focus and torn down when it
// loses focus; teardown runs on every exit path.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/triplocal/chatsync/client/identity"
	"github.com/triplocal/chatsync/client/socket"
	"github.com/triplocal/chatsync/client/token"
	"github.com/triplocal/chatsync/protocol"
)

// State of a session. Transitions: Idle -> Loading -> Joined -> Leaving ->
// Idle, with Errored reachable from Loading. Leave resets Errored to Idle.
type State int

const (
	Idle State = iota
	Loading
	Joined
	Leaving
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Joined:
		return "joined"
	case Leaving:
		return "leaving"
	case Errored:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrNotJoined is returned by SendMessage outside the Joined state.
	ErrNotJoined = errors.New("session: not joined")

	// ErrEmptyMessage is returned when neither content nor attachment is
	// present. Enforced before anything reaches the wire.
	ErrEmptyMessage = errors.New("session: message needs content or an attachment")

	// ErrSuperseded is returned by Join when the session was left while the
	// join was still in flight. The session is back in Idle; nothing leaked.
	ErrSuperseded = errors.New("session: left before join completed")

	errAlreadyStarted = errors.New("session: join already started")
)

const (
	defaultTypingExpiry    = 3 * time.Second
	defaultTypingDebounce  = 2 * time.Second
	defaultHistoryPageSize = 50
)

// Transport is the slice of the realtime connection a session uses.
// *socket.Conn satisfies it.
type Transport interface {
	Emit(event string, payload interface{}) error
	On(event string, h socket.Handler)
	Off(event string)
	OnReconnect(fn func()) (remove func())
	IsConnected() bool
}

// ConnectFunc ensures the shared transport is connected and returns it.
type ConnectFunc func(token string) (Transport, error)

// UseManager adapts a socket.Manager into a ConnectFunc.
func UseManager(m *socket.Manager) ConnectFunc {
	return func(tok string) (Transport, error) {
		return m.Connect(tok)
	}
}

// API is the slice of the conversation REST client a session uses.
// *rest.Client satisfies it.
type API interface {
	GetConversation(ctx context.Context, conversationID int) (*protocol.Conversation, error)
	GetMessages(ctx context.Context, conversationID, limit, offset int) ([]protocol.Message, error)
}

// Config wires a session to its collaborators. Callbacks are invoked from
// the socket read loop or timer goroutines and must return quickly.
type Config struct {
	ConversationID int
	Tokens         token.Store
	API            API
	Connect        ConnectFunc
	Logger         *zap.Logger

	// TypingExpiry is the window after which a remote typing indicator
	// reverts to false without a refreshing event. Default 3s.
	TypingExpiry time.Duration

	// TypingDebounce is the quiet period after the last keystroke before
	// the outgoing typing=false event. Default 2s.
	TypingDebounce time.Duration

	// HistoryPageSize is the number of messages loaded at join. Default 50.
	HistoryPageSize int

	// OnMessagesChanged receives a snapshot of the ordered message list
	// after every change. Optional.
	OnMessagesChanged func(messages []protocol.Message)

	// OnTyping receives remote typing indicator changes. Optional.
	OnTyping func(active bool, userName string)

	// OnError receives non-fatal server error events while Joined. Optional.
	OnError func(err error)
}

// Session is the conversation state machine. All methods are safe for
// concurrent use.
type Session struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	state     State
	gen       int // bumped by Leave and fail; async continuations check it
	conn      Transport
	localUser protocol.User
	otherUser protocol.User
	messages  []protocol.Message
	byID      map[int]int // message id -> index into messages
	lastErr   error

	indicator       *indicator
	typer           *Typer
	removeReconnect func()
}

// New creates a session for one conversation. Call Join to enter it.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TypingExpiry <= 0 {
		cfg.TypingExpiry = defaultTypingExpiry
	}
	if cfg.TypingDebounce <= 0 {
		cfg.TypingDebounce = defaultTypingDebounce
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = defaultHistoryPageSize
	}

	s := &Session{
		cfg:  cfg,
		log:  cfg.Logger.With(zap.Int("conversation_id", cfg.ConversationID)),
		byID: make(map[int]int),
	}
	s.indicator = newIndicator(func() {
		s.notifyTyping(false, "")
	})
	return s
}

// Join loads identities and history, connects the shared transport, joins
// the conversation room and registers the event listeners. The session is
// Joined only once listeners are attached, so no event can arrive unhandled.
// On any failure the session ends in Errored with no listeners registered.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return errAlreadyStarted
	}
	s.state = Loading
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	tok := s.cfg.Tokens.Token()
	if tok == "" {
		return s.fail(gen, identity.ErrAuthMissing)
	}

	userID, err := identity.ResolveUserID(tok)
	if err != nil {
		return s.fail(gen, err)
	}

	conv, err := s.cfg.API.GetConversation(ctx, s.cfg.ConversationID)
	if err != nil {
		return s.fail(gen, fmt.Errorf("session: load conversation: %w", err))
	}

	local, other, err := identity.Match(conv, userID)
	if err != nil {
		return s.fail(gen, err)
	}

	page, err := s.cfg.API.GetMessages(ctx, s.cfg.ConversationID, s.cfg.HistoryPageSize, 0)
	if err != nil {
		return s.fail(gen, fmt.Errorf("session: load history: %w", err))
	}
	history := ascending(page)

	conn, err := s.cfg.Connect(tok)
	if err != nil {
		return s.fail(gen, fmt.Errorf("session: connect transport: %w", err))
	}

	s.mu.Lock()
	if s.gen != gen || s.state != Loading {
		// Left while loading; discard everything this join produced.
		s.mu.Unlock()
		return ErrSuperseded
	}
	s.conn = conn
	s.localUser = local
	s.otherUser = other
	s.messages = history
	s.byID = make(map[int]int, len(history))
	for i, m := range history {
		s.byID[m.ID] = i
	}
	s.typer = NewTyper(s.cfg.TypingDebounce, func(isTyping bool) {
		s.emitTyping(isTyping)
	})
	s.mu.Unlock()

	// Listeners go on before the join request so there is no window where
	// room events could arrive with no handler attached.
	s.register(conn, gen)

	if err := conn.Emit(protocol.EventJoinConversation, protocol.JoinConversation{
		ConversationID: s.cfg.ConversationID,
	}); err != nil {
		s.unregister(conn)
		return s.fail(gen, fmt.Errorf("session: join room: %w", err))
	}

	s.mu.Lock()
	if s.gen != gen || s.state != Loading {
		s.mu.Unlock()
		s.unregister(conn)
		// The join request already reached the server; undo it so the room
		// does not keep a membership no session is tracking.
		if err := conn.Emit(protocol.EventLeaveConversation, protocol.LeaveConversation{
			ConversationID: s.cfg.ConversationID,
		}); err != nil {
			s.log.Debug("compensating leave emit failed", zap.Error(err))
		}
		return ErrSuperseded
	}
	s.state = Joined
	s.mu.Unlock()

	s.log.Info("session joined",
		zap.Int("user_id", local.ID),
		zap.Int("history", len(history)))
	s.notifyMessages()
	return nil
}

// Leave exits the room and detaches every listener registered at join. It is
// synchronous: once Leave returns, no event delivered afterwards mutates this
// session. Safe to call from any state, any number of times. Leaving an
// Errored session resets it to Idle so Join can be retried.
func (s *Session) Leave() {
	s.mu.Lock()
	if s.state == Idle || s.state == Errored {
		// A join still in flight is invalidated by the generation bump.
		s.gen++
		s.state = Idle
		s.lastErr = nil
		s.mu.Unlock()
		return
	}
	s.state = Leaving
	s.gen++
	conn := s.conn
	typer := s.typer
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Emit(protocol.EventLeaveConversation, protocol.LeaveConversation{
			ConversationID: s.cfg.ConversationID,
		}); err != nil {
			// Best effort; the server also prunes membership on disconnect.
			s.log.Debug("leave room emit failed", zap.Error(err))
		}
		s.unregister(conn)
	}
	if typer != nil {
		typer.Stop()
	}
	s.indicator.Clear()

	s.mu.Lock()
	s.state = Idle
	s.mu.Unlock()
	s.log.Info("session left")
}

// SendMessage emits a send request for the trimmed content and optional
// attachment. At least one must be non-empty. The message is not appended
// locally; it becomes visible when the server echoes new_message with the
// canonical id and timestamp.
func (s *Session) SendMessage(content string, attachment *string) error {
	content = strings.TrimSpace(content)
	if content == "" && (attachment == nil || *attachment == "") {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	state := s.state
	conn := s.conn
	typer := s.typer
	s.mu.Unlock()

	if state != Joined || conn == nil {
		return ErrNotJoined
	}
	if !conn.IsConnected() {
		return socket.ErrNotConnected
	}

	if typer != nil {
		typer.Flush()
	}

	err := conn.Emit(protocol.EventSendMessage, protocol.SendMessage{
		ConversationID: s.cfg.ConversationID,
		Content:        content,
		Attachment:     attachment,
	})
	if err != nil {
		return err
	}
	s.log.Debug("message sent", zap.Bool("attachment", attachment != nil))
	return nil
}

// InputChanged feeds the outgoing typing debouncer with the current input
// text. Empty text emits typing=false immediately.
func (s *Session) InputChanged(text string) {
	s.mu.Lock()
	typer := s.typer
	joined := s.state == Joined
	s.mu.Unlock()
	if !joined || typer == nil {
		return
	}
	typer.InputChanged(text)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session into Errored, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// LocalUser returns the resolved local participant. Zero before Joined.
func (s *Session) LocalUser() protocol.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localUser
}

// OtherUser returns the other participant. Zero before Joined.
func (s *Session) OtherUser() protocol.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.otherUser
}

// Messages returns a snapshot of the message list in chronological order.
func (s *Session) Messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// RemoteTyping reports whether the other user is currently typing, and their
// display name when so.
func (s *Session) RemoteTyping() (bool, string) {
	return s.indicator.Active()
}

// register attaches the event listeners for this join generation. Every
// handler re-checks state and generation under the session lock, so events
// racing a teardown are dropped instead of mutating a stale session.
func (s *Session) register(conn Transport, gen int) {
	conn.On(protocol.EventJoinedConversation, func(data json.RawMessage) {
		s.log.Debug("joined room acknowledged")
	})
	conn.On(protocol.EventNewMessage, func(data json.RawMessage) {
		s.handleNewMessage(gen, data)
	})
	conn.On(protocol.EventUserTyping, func(data json.RawMessage) {
		s.handleUserTyping(gen, data)
	})
	conn.On(protocol.EventMessageReadUpdate, func(data json.RawMessage) {
		s.handleReadUpdate(gen, data)
	})
	conn.On(protocol.EventError, func(data json.RawMessage) {
		s.handleServerError(gen, data)
	})

	s.removeReconnect = conn.OnReconnect(func() {
		s.rejoin(gen, conn)
	})
}

// unregister is the exact mirror of register: one Off per listener type plus
// the reconnect hook. Missing any of these would leak a listener that fires
// against this stale session on the next event.
func (s *Session) unregister(conn Transport) {
	conn.Off(protocol.EventJoinedConversation)
	conn.Off(protocol.EventNewMessage)
	conn.Off(protocol.EventUserTyping)
	conn.Off(protocol.EventMessageReadUpdate)
	conn.Off(protocol.EventError)

	s.mu.Lock()
	remove := s.removeReconnect
	s.removeReconnect = nil
	s.mu.Unlock()
	if remove != nil {
		remove()
	}
}

// fail moves the session to Errored. Listeners are already detached on every
// path that reaches this point, so a screen retry cannot double-handle.
func (s *Session) fail(gen int, err error) error {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrSuperseded
	}
	s.state = Errored
	s.lastErr = err
	s.conn = nil
	s.mu.Unlock()

	s.indicator.Clear()
	s.log.Warn("session failed", zap.Error(err))
	return err
}

func (s *Session) handleNewMessage(gen int, data json.RawMessage) {
	var ev protocol.NewMessage
	if err := unmarshalEvent(data, &ev); err != nil {
		s.log.Warn("bad new_message payload", zap.Error(err))
		return
	}
	msg := ev.Message

	s.mu.Lock()
	if s.state != Joined || s.gen != gen {
		s.mu.Unlock()
		return
	}
	if _, dup := s.byID[msg.ID]; dup {
		// Redelivery after a reconnect; the merge is idempotent.
		s.mu.Unlock()
		s.log.Debug("duplicate message dropped", zap.Int("message_id", msg.ID))
		return
	}
	s.byID[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	mine := msg.UserID == s.localUser.ID
	conn := s.conn
	s.mu.Unlock()

	if !mine && conn != nil {
		// Fire and forget; the read flag comes back as message_read_update.
		if err := conn.Emit(protocol.EventMessageRead, protocol.MessageRead{
			MessageID: msg.ID,
		}); err != nil {
			s.log.Debug("read receipt emit failed",
				zap.Int("message_id", msg.ID), zap.Error(err))
		}
	}
	s.notifyMessages()
}

func (s *Session) handleUserTyping(gen int, data json.RawMessage) {
	var ev protocol.UserTyping
	if err := unmarshalEvent(data, &ev); err != nil {
		s.log.Warn("bad user_typing payload", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.state != Joined || s.gen != gen || ev.UserID == s.localUser.ID {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if ev.IsTyping {
		s.indicator.Set(ev.UserName, s.cfg.TypingExpiry)
		s.notifyTyping(true, ev.UserName)
	} else {
		s.indicator.Clear()
		s.notifyTyping(false, "")
	}
}

func (s *Session) handleReadUpdate(gen int, data json.RawMessage) {
	var ev protocol.MessageReadUpdate
	if err := unmarshalEvent(data, &ev); err != nil {
		s.log.Warn("bad message_read_update payload", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.state != Joined || s.gen != gen {
		s.mu.Unlock()
		return
	}
	idx, ok := s.byID[ev.MessageID]
	if !ok {
		// Not loaded locally; the flag only drives a checkmark, dropping
		// it is fine.
		s.mu.Unlock()
		return
	}
	s.messages[idx].Read = true
	s.mu.Unlock()

	s.notifyMessages()
}

func (s *Session) handleServerError(gen int, data json.RawMessage) {
	var ev protocol.ErrorEvent
	if err := unmarshalEvent(data, &ev); err != nil {
		s.log.Warn("bad error payload", zap.Error(err))
		return
	}

	s.mu.Lock()
	live := s.state == Joined && s.gen == gen
	s.mu.Unlock()
	if !live {
		return
	}

	s.log.Warn("server error event", zap.String("message", ev.Message))
	if s.cfg.OnError != nil {
		s.cfg.OnError(errors.New(ev.Message))
	}
}

// rejoin re-enters the room after the transport reconnected. Membership is
// per connection on the server, so it does not survive a drop. Redelivered
// messages are absorbed by the merge.
func (s *Session) rejoin(gen int, conn Transport) {
	s.mu.Lock()
	live := s.state == Joined && s.gen == gen
	s.mu.Unlock()
	if !live {
		return
	}

	s.log.Info("rejoining room after reconnect")
	if err := conn.Emit(protocol.EventJoinConversation, protocol.JoinConversation{
		ConversationID: s.cfg.ConversationID,
	}); err != nil {
		s.log.Warn("rejoin emit failed", zap.Error(err))
	}
}

func (s *Session) emitTyping(isTyping bool) {
	s.mu.Lock()
	conn := s.conn
	joined := s.state == Joined
	s.mu.Unlock()
	if !joined || conn == nil || !conn.IsConnected() {
		return
	}
	if err := conn.Emit(protocol.EventTyping, protocol.Typing{
		ConversationID: s.cfg.ConversationID,
		IsTyping:       isTyping,
	}); err != nil {
		s.log.Debug("typing emit failed", zap.Error(err))
	}
}

func (s *Session) notifyMessages() {
	if s.cfg.OnMessagesChanged == nil {
		return
	}
	s.cfg.OnMessagesChanged(s.Messages())
}

func (s *Session) notifyTyping(active bool, name string) {
	if s.cfg.OnTyping == nil {
		return
	}
	s.cfg.OnTyping(active, name)
}

// ascending reorders a newest-first history page to chronological ascending
// order. All merge logic assumes ascending order.
func ascending(page []protocol.Message) []protocol.Message {
	out := make([]protocol.Message, len(page))
	for i, m := range page {
		out[len(page)-1-i] = m
	}
	return out
}

func unmarshalEvent(data json.RawMessage, v interface{}) error {
	return json.Unmarshal(data, v)
}
