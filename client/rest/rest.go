// Package rest is the HTTP client for the conversation API. It loads the
// history that seeds a conversation session; live deltas arrive over the
// realtime socket instead.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/triplocal/chatsync/client/token"
	"github.com/triplocal/chatsync/protocol"
)

var (
	// ErrNoToken indicates no bearer token is available. Redirect to
	// authentication; the request was never sent.
	ErrNoToken = errors.New("rest: no token available")

	// ErrNotFound covers 404 responses: the resource does not exist or the
	// caller is not a participant (the server does not distinguish).
	ErrNotFound = errors.New("rest: not found")

	// ErrForbidden covers 403 responses.
	ErrForbidden = errors.New("rest: forbidden")

	// ErrUnauthorized covers 401 responses: the token was rejected.
	ErrUnauthorized = errors.New("rest: unauthorized")
)

// DefaultMessagePageSize is the limit used when GetMessages is called with a
// non-positive limit.
const DefaultMessagePageSize = 50

// Client talks to the conversation REST API. BaseURL points at the API root,
// e.g. "https://chat.example.com/api".
type Client struct {
	BaseURL    string
	Tokens     token.Store
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// New creates a Client with a 15 second request timeout and a nop logger.
func New(baseURL string, tokens token.Store) *Client {
	return &Client{
		BaseURL:    baseURL,
		Tokens:     tokens,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Logger:     zap.NewNop(),
	}
}

// ListConversations returns every conversation involving the caller, each
// with its most recent messages attached for list previews. The full set is
// returned in one response; there is no pagination cursor on this endpoint.
func (c *Client) ListConversations(ctx context.Context) ([]protocol.Conversation, error) {
	var out struct {
		Conversations []protocol.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// GetConversation returns one conversation with both participant records
// populated. ErrNotFound when the caller is not a participant.
func (c *Client) GetConversation(ctx context.Context, conversationID int) (*protocol.Conversation, error) {
	var out struct {
		Conversation protocol.Conversation `json:"conversation"`
	}
	path := "/conversations/" + strconv.Itoa(conversationID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out.Conversation, nil
}

// GetMessages returns one page of messages in the server's order, newest
// first. Callers that merge with live events must reverse the page to
// chronological ascending order first; the session does this on load.
func (c *Client) GetMessages(ctx context.Context, conversationID, limit, offset int) ([]protocol.Message, error) {
	if limit <= 0 {
		limit = DefaultMessagePageSize
	}
	if offset < 0 {
		offset = 0
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	path := fmt.Sprintf("/conversations/%d/messages?%s", conversationID, q.Encode())

	var out struct {
		Messages []protocol.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// CreateOrGetConversation starts a conversation with otherUserID, or returns
// the existing one. existed reports which happened. The server guarantees
// idempotence under concurrent calls, so two simultaneous taps resolve to the
// same conversation.
func (c *Client) CreateOrGetConversation(ctx context.Context, otherUserID int) (*protocol.Conversation, bool, error) {
	body := map[string]int{"otherUserId": otherUserID}
	var out struct {
		Conversation protocol.Conversation `json:"conversation"`
		Existed      bool                  `json:"existed"`
	}
	if err := c.do(ctx, http.MethodPost, "/conversations", body, &out); err != nil {
		return nil, false, err
	}
	return &out.Conversation, out.Existed, nil
}

// MarkMessageRead flags one message as read over HTTP. The realtime socket
// carries the same operation as the message_read event; this endpoint exists
// for clients without a live connection.
func (c *Client) MarkMessageRead(ctx context.Context, conversationID, messageID int) error {
	path := fmt.Sprintf("/conversations/%d/messages/%d/read", conversationID, messageID)
	return c.do(ctx, http.MethodPatch, path, nil, nil)
}

// do performs one authenticated request and decodes the JSON response into
// out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	tok := c.Tokens.Token()
	if tok == "" {
		return ErrNoToken
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rest: marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("rest: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.Logger.Debug("api request", zap.String("method", method), zap.String("path", path))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("rest: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.statusError(resp, method, path)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rest: decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) statusError(resp *http.Response, method, path string) error {
	var payload struct {
		Error string `json:"error"`
	}
	json.NewDecoder(resp.Body).Decode(&payload)

	var sentinel error
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		sentinel = ErrUnauthorized
	case http.StatusForbidden:
		sentinel = ErrForbidden
	case http.StatusNotFound:
		sentinel = ErrNotFound
	}

	c.Logger.Debug("api error",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("message", payload.Error))

	if sentinel != nil {
		if payload.Error != "" {
			return fmt.Errorf("%w: %s", sentinel, payload.Error)
		}
		return sentinel
	}
	if payload.Error != "" {
		return fmt.Errorf("rest: %s %s: %s (status %d)", method, path, payload.Error, resp.StatusCode)
	}
	return fmt.Errorf("rest: %s %s: status %d", method, path, resp.StatusCode)
}
