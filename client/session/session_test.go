package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/triplocal/chatsync/client/identity"
	"github.com/triplocal/chatsync/client/socket"
	"github.com/triplocal/chatsync/client/token"
	"github.com/triplocal/chatsync/protocol"
)

// fakeTransport implements Transport in memory. Incoming events are injected
// with deliver, outgoing ones are recorded.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	emitErr   error
	handlers  map[string][]socket.Handler
	emitted   []emittedEvent
	hooks     []func()

	// blockEvent, when set, makes Emit of that event signal blockEntered and
	// wait for blockRelease before recording it.
	blockEvent   string
	blockEntered chan struct{}
	blockRelease chan struct{}
}

type emittedEvent struct {
	event   string
	payload interface{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected: true,
		handlers:  make(map[string][]socket.Handler),
	}
}

func (f *fakeTransport) Emit(event string, payload interface{}) error {
	f.mu.Lock()
	if f.emitErr != nil {
		f.mu.Unlock()
		return f.emitErr
	}
	blocked := event == f.blockEvent && f.blockEvent != ""
	entered, release := f.blockEntered, f.blockRelease
	f.mu.Unlock()

	if blocked {
		entered <- struct{}{}
		<-release
	}

	f.mu.Lock()
	f.emitted = append(f.emitted, emittedEvent{event, payload})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) On(event string, h socket.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
}

func (f *fakeTransport) Off(event string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, event)
}

func (f *fakeTransport) OnReconnect(fn func()) (remove func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.hooks)
	f.hooks = append(f.hooks, fn)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.hooks[idx] = nil
	}
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) deliver(t *testing.T, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	f.mu.Lock()
	hs := append([]socket.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

func (f *fakeTransport) fireReconnect() {
	f.mu.Lock()
	hooks := append([]func(){}, f.hooks...)
	f.mu.Unlock()
	for _, fn := range hooks {
		if fn != nil {
			fn()
		}
	}
}

func (f *fakeTransport) emittedEvents(event string) []emittedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emittedEvent
	for _, e := range f.emitted {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeTransport) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

func (f *fakeTransport) liveHooks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fn := range f.hooks {
		if fn != nil {
			n++
		}
	}
	return n
}

// fakeAPI serves a fixed conversation and history page.
type fakeAPI struct {
	conv    *protocol.Conversation
	page    []protocol.Message
	convErr error
	pageErr error

	// blockMessages, when non-nil, makes GetMessages wait until it closes.
	blockMessages chan struct{}
}

func (a *fakeAPI) GetConversation(ctx context.Context, conversationID int) (*protocol.Conversation, error) {
	if a.convErr != nil {
		return nil, a.convErr
	}
	return a.conv, nil
}

func (a *fakeAPI) GetMessages(ctx context.Context, conversationID, limit, offset int) ([]protocol.Message, error) {
	if a.blockMessages != nil {
		<-a.blockMessages
	}
	if a.pageErr != nil {
		return nil, a.pageErr
	}
	return a.page, nil
}

func mintToken(t *testing.T, userID int) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": userID})
	signed, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func testConversation() *protocol.Conversation {
	return &protocol.Conversation{
		ID:          42,
		InitiatorID: 1,
		ResponderID: 2,
		Initiator:   protocol.User{ID: 1, Name: "alice"},
		Responder:   protocol.User{ID: 2, Name: "bob"},
	}
}

type fixture struct {
	transport *fakeTransport
	api       *fakeAPI
	session   *Session
}

func newFixture(t *testing.T, mutate func(*Config, *fakeAPI)) *fixture {
	t.Helper()
	transport := newFakeTransport()
	api := &fakeAPI{
		conv: testConversation(),
		// Server order: newest first.
		page: []protocol.Message{
			{ID: 101, ConversationID: 42, UserID: 2, Content: "second"},
			{ID: 100, ConversationID: 42, UserID: 1, Content: "first"},
		},
	}

	cfg := Config{
		ConversationID: 42,
		Tokens:         token.NewMemStore(mintToken(t, 1)),
		API:            api,
		Connect: func(tok string) (Transport, error) {
			return transport, nil
		},
	}
	if mutate != nil {
		mutate(&cfg, api)
	}

	return &fixture{
		transport: transport,
		api:       api,
		session:   New(cfg),
	}
}

func (fx *fixture) join(t *testing.T) {
	t.Helper()
	if err := fx.session.Join(context.Background()); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
}

func TestJoinLoadsHistoryAscending(t *testing.T) {
	fx := newFixture(t, nil)
	fx.join(t)

	if got := fx.session.State(); got != Joined {
		t.Fatalf("state = %v, want Joined", got)
	}

	messages := fx.session.Messages()
	if len(messages) != 2 || messages[0].ID != 100 || messages[1].ID != 101 {
		t.Errorf("messages = %+v, want [100 101] ascending", messages)
	}

	if fx.session.LocalUser().Name != "alice" || fx.session.OtherUser().Name != "bob" {
		t.Errorf("participants = (%s, %s), want (alice, bob)",
			fx.session.LocalUser().Name, fx.session.OtherUser().Name)
	}

	joins := fx.transport.emittedEvents(protocol.EventJoinConversation)
	if len(joins) != 1 {
		t.Fatalf("join_conversation emitted %d times, want 1", len(joins))
	}
}

func TestJoinWithoutToken(t *testing.T) {
	fx := newFixture(t, func(cfg *Config, api *fakeAPI) {
		cfg.Tokens = token.NewMemStore("")
	})

	err := fx.session.Join(context.Background())
	if !errors.Is(err, identity.ErrAuthMissing) {
		t.Errorf("error = %v, want ErrAuthMissing", err)
	}
	if fx.session.State() != Errored {
		t.Errorf("state = %v, want Errored", fx.session.State())
	}
	if fx.transport.handlerCount() != 0 {
		t.Error("listeners registered on a failed join")
	}
}

func TestJoinNotParticipant(t *testing.T) {
	fx := newFixture(t, func(cfg *Config, api *fakeAPI) {
		cfg.Tokens = token.NewMemStore(mintToken(t, 99))
	})

	err := fx.session.Join(context.Background())
	if !errors.Is(err, identity.ErrNotParticipant) {
		t.Errorf("error = %v, want ErrNotParticipant", err)
	}
	if fx.session.State() != Errored {
		t.Errorf("state = %v, want Errored", fx.session.State())
	}
}

func TestNewMessageMergeIsIdempotent(t *testing.T) {
	var notified [][]protocol.Message
	var mu sync.Mutex
	fx := newFixture(t, func(cfg *Config, api *fakeAPI) {
		cfg.OnMessagesChanged = func(m []protocol.Message) {
			mu.Lock()
			notified = append(notified, m)
			mu.Unlock()
		}
	})
	fx.join(t)

	msg := protocol.Message{ID: 102, ConversationID: 42, UserID: 1, Content: "mine"}
	fx.transport.deliver(t, protocol.EventNewMessage, protocol.NewMessage{Message: msg})
	fx.transport.deliver(t, protocol.EventNewMessage, protocol.NewMessage{Message: msg})

	messages := fx.session.Messages()
	if len(messages) != 3 {
		t.Fatalf("len(messages) = %d, want 3 (duplicate dropped)", len(messages))
	}
	if messages[2].ID != 102 {
		t.Errorf("last message id = %d, want 102", messages[2].ID)
	}
}

func TestReadReceiptOnlyForOthersMessages(t *testing.T) {
	fx := newFixture(t, nil)
	fx.join(t)

	// A message from the other user triggers a receipt.
	fx.transport.deliver(t, protocol.EventNewMessage, protocol.NewMessage{
		Message: protocol.Message{ID: 102, ConversationID: 42, UserID: 2, Content: "from bob"},
	})
	receipts := fx.transport.emittedEvents(protocol.EventMessageRead)
	if len(receipts) != 1 {
		t.Fatalf("message_read emitted %d times, want 1", len(receipts))
	}
	if got := receipts[0].payload.(protocol.MessageRead).MessageID; got != 102 {
		t.Errorf("receipt message id = %d, want 102", got)
	}

	// One of our own does not.
	fx.transport.deliver(t, protocol.EventNewMessage, protocol.NewMessage{
		Message: protocol.Message{ID: 103, ConversationID: 42, UserID: 1, Content: "from alice"},
	})
	if got := len(fx.transport.emittedEvents(protocol.EventMessageRead)); got != 1 {
		t.Errorf("message_read emitted %d times after own message, want still 1", got)
	}
}

func TestReadUpdateSetsFlag(t *testing.T) {
	fx := newFixture(t, nil)
	fx.join(t)

	fx.transport.deliver(t, protocol.EventMessageReadUpdate, protocol.MessageReadUpdate{
		MessageID: 100, Read: true,
	})

	messages := fx.session.Messages()
	if !messages[0].Read {
		t.Error("message 100 not flagged read")
	}

	// Unknown id is a silent no-op.
	fx.transport.deliver(t, protocol.EventMessageReadUpdate, protocol.MessageReadUpdate{
		MessageID: 9999, Read: true,
	})
	if got := len(fx.session.Messages()); got != 2 {
		t.Errorf("len(messages) = %d after unknown read update, want 2", got)
	}
}

func TestLeaveDetachesEverything(t *testing.T) {
	fx := newFixture(t, nil)
	fx.join(t)

	fx.session.Leave()

	if fx.session.State() != Idle {
		t.Errorf("state = %v, want Idle", fx.session.State())
	}
	if fx.transport.handlerCount() != 0 {
		t.Errorf("%d handlers still attached after Leave", fx.transport.handlerCount())
	}
	if fx.transport.liveHooks() != 0 {
		t.Error("reconnect hook still attached after Leave")
	}
	leaves := fx.transport.emittedEvents(protocol.EventLeaveConversation)
	if len(leaves) != 1 {
		t.Errorf("leave_conversation emitted %d times, want 1", len(leaves))
	}

	// Calling Leave again must be harmless.
	fx.session.Leave()
}

func TestEventsAfterLeaveAreDropped(t *testing.T) {
	fx := newFixture(t, nil)
	fx.join(t)

	// Capture the handlers before teardown, then deliver through them
	// afterwards, simulating an event that raced the Off calls.
	fx.transport.mu.Lock()
	stale := append([]socket.Handler(nil), fx.transport.handlers[protocol.EventNewMessage]...)
	fx.transport.mu.Unlock()

	fx.session.Leave()

	data, _ := json.Marshal(protocol.NewMessage{
		Message: protocol.Message{ID: 500, ConversationID: 42, UserID: 2},
	})
	for _, h := range stale {
		h(data)
	}

	if got := len(fx.session.Messages()); got != 2 {
		t.Errorf("len(messages) = %d, want 2 (stale event must be dropped)", got)
	}
}

func TestLeaveDuringJoinSupersedes(t *testing.T) {
	release := make(chan struct{})
	fx := newFixture(t, func(cfg *Config, api *fakeAPI) {
		api.blockMessages = release
	})

	joinErr := make(chan error, 1)
	go func() {
		joinErr <- fx.session.Join(context.Background())
	}()

	// Wait for the join to reach the blocked history load, then leave.
	time.Sleep(50 * time.Millisecond)
	fx.session.Leave()
	close(release)

	if err := <-joinErr; !errors.Is(err, ErrSuperseded) {
		t.Errorf("Join error = %v, want ErrSuperseded", err)
	}
	if fx.transport.handlerCount() != 0 {
		t.Error("superseded join left listeners attached")
	}
	if got := fx.session.State(); got != Idle {
		t.Errorf("state = %v, want Idle", got)
	}
}

func TestLeaveDuringJoinEmitUndoesRoomJoin(t *testing.T) {
	fx := newFixture(t, nil)
	fx.transport.blockEvent = protocol.EventJoinConversation
	fx.transport.blockEntered = make(chan struct{})
	fx.transport.blockRelease = make(chan struct{})

	joinErr := make(chan error, 1)
	go func() {
		joinErr <- fx.session.Join(context.Background())
	}()

	// The join request is on the wire when the emit blocks; leave now, then
	// let the emit complete.
	<-fx.transport.blockEntered
	fx.session.Leave()
	close(fx.transport.blockRelease)

	if err := <-joinErr; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("Join error = %v, want ErrSuperseded", err)
	}

	// The server saw the join, so a compensating leave must follow it. The
	// first leave comes from Leave itself, racing ahead of the join.
	leaves := fx.transport.emittedEvents(protocol.EventLeaveConversation)
	if len(leaves) != 2 {
		t.Fatalf("leave_conversation emitted %d times, want 2", len(leaves))
	}
	fx.transport.mu.Lock()
	last := fx.transport.emitted[len(fx.transport.emitted)-1]
	fx.transport.mu.Unlock()
	if last.event != protocol.EventLeaveConversation {
		t.Errorf("last emitted event = %s, want leave_conversation after the join", last.event)
	}

	if fx.transport.handlerCount() != 0 {
		t.Error("superseded join left listeners attached")
	}
	if got := fx.session.State(); got != Idle {
		t.Errorf("state = %v, want Idle", got)
	}
}

func TestLeaveResetsErroredSession(t *testing.T) {
	store := token.NewMemStore("")
	fx := newFixture(t, func(cfg *Config, api *fakeAPI) {
		cfg.Tokens = store
	})

	if err := fx.session.Join(context.Background()); !errors.Is(err, identity.ErrAuthMissing) {
		t.Fatalf("Join error = %v, want ErrAuthMissing", err)
	}
	if fx.session.State() != Errored {
		t.Fatalf("state = %v, want Errored", fx.session.State())
	}

	fx.session.Leave()
	if got := fx.session.State(); got != Idle {
		t.Fatalf("state after Leave = %v, want Idle", got)
	}
	if err := fx.session.Err(); err != nil {
		t.Errorf("Err() = %v after reset, want nil", err)
	}

	// With a valid token the same session joins cleanly.
	store.SetToken(mintToken(t, 1))
	fx.join(t)
	if got := fx.session.State(); got != Joined {
		t.Errorf("state after retry = %v, want Joined", got)
	}
}

func TestRemoteTypingExpires(t *testing.T) {
	type typingChange struct {
		active bool
		name   string
	}
	changes := make(chan typingChange, 8)
	fx := newFixture(t, func(cfg *Config, api *fakeAPI) {
		cfg.TypingExpiry = 60 * time.Millisecond
		cfg.OnTyping = func(active bool, name string) {
			changes <- typingChange{active, name}
		}
	})
	fx.join(t)

	fx.transport.deliver(t, protocol.EventUserTyping, protocol.UserTyping{
		UserID: 2, UserName: "bob", IsTyping: true,
	})

	if active, name := fx.session.RemoteTyping(); !active || name != "bob" {
		t.Errorf("RemoteTyping = (%v, %q), want (true, bob)", active, name)
	}

	select {
	case c := <-changes:
		if !c.active || c.name != "bob" {
			t.Errorf("first change = %+v, want typing bob", c)
		}
	case <-time.After(time.Second):
		t.Fatal("no typing=true notification")
	}

	// With no refreshing event the indicator reverts on its own.
	select {
	case c := <-changes:
		if c.active {
			t.Errorf("second change = %+v, want typing off", c)
		}
	case <-time.After(time.Second):
		t.Fatal("indicator never expired")
	}
	if active, _ := fx.session.RemoteTyping(); active {
		t.Error("RemoteTyping still active after expiry")
	}
}

func TestTypingFromSelfIgnored(t *testing.T) {
	fx := newFixture(t, nil)
	fx.join(t)

	fx.transport.deliver(t, protocol.EventUserTyping, protocol.UserTyping{
		UserID: 1, UserName: "alice", IsTyping: true,
	})
	if active, _ := fx.session.RemoteTyping(); active {
		t.Error("own typing event set the remote indicator")
	}
}

func TestExplicitTypingFalseClears(t *testing.T) {
	fx := newFixture(t, func(cfg *Config, api *fakeAPI) {
		cfg.TypingExpiry = time.Hour
	})
	fx.join(t)

	fx.transport.deliver(t, protocol.EventUserTyping, protocol.UserTyping{
		UserID: 2, UserName: "bob", IsTyping: true,
	})
	fx.transport.deliver(t, protocol.EventUserTyping, protocol.UserTyping{
		UserID: 2, UserName: "bob", IsTyping: false,
	})
	if active, _ := fx.session.RemoteTyping(); active {
		t.Error("indicator still active after explicit typing=false")
	}
}

func TestSendMessageValidation(t *testing.T) {
	fx := newFixture(t, nil)

	if err := fx.session.SendMessage("hi", nil); !errors.Is(err, ErrNotJoined) {
		t.Errorf("error before join = %v, want ErrNotJoined", err)
	}

	fx.join(t)

	if err := fx.session.SendMessage("   ", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("error = %v, want ErrEmptyMessage", err)
	}

	attachment := "photo.jpg"
	if err := fx.session.SendMessage("", &attachment); err != nil {
		t.Errorf("attachment-only message rejected: %v", err)
	}

	if err := fx.session.SendMessage("hello", nil); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	sends := fx.transport.emittedEvents(protocol.EventSendMessage)
	if len(sends) != 2 {
		t.Fatalf("send_message emitted %d times, want 2", len(sends))
	}
	// No optimistic append: the list grows only on the server echo.
	if got := len(fx.session.Messages()); got != 2 {
		t.Errorf("len(messages) = %d after send, want 2", got)
	}
}

func TestSendMessageFailsFastWhenDisconnected(t *testing.T) {
	fx := newFixture(t, nil)
	fx.join(t)

	fx.transport.mu.Lock()
	fx.transport.connected = false
	fx.transport.mu.Unlock()

	if err := fx.session.SendMessage("hello", nil); !errors.Is(err, socket.ErrNotConnected) {
		t.Errorf("error = %v, want socket.ErrNotConnected", err)
	}
}

func TestServerErrorEventStaysJoined(t *testing.T) {
	errs := make(chan error, 1)
	fx := newFixture(t, func(cfg *Config, api *fakeAPI) {
		cfg.OnError = func(err error) { errs <- err }
	})
	fx.join(t)

	fx.transport.deliver(t, protocol.EventError, protocol.ErrorEvent{Message: "nope"})

	select {
	case err := <-errs:
		if err.Error() != "nope" {
			t.Errorf("error = %v, want nope", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnError never called")
	}
	if fx.session.State() != Joined {
		t.Errorf("state = %v, want Joined after server error event", fx.session.State())
	}
}

func TestRejoinOnReconnect(t *testing.T) {
	fx := newFixture(t, nil)
	fx.join(t)

	fx.transport.fireReconnect()

	joins := fx.transport.emittedEvents(protocol.EventJoinConversation)
	if len(joins) != 2 {
		t.Errorf("join_conversation emitted %d times, want 2 (initial + rejoin)", len(joins))
	}
}
