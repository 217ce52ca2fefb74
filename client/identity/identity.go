// Package identity resolves the local user's numeric id from a bearer token
// and matches it against a conversation's participants. The token is decoded
// without signature verification: the client only needs the claims for
// display and classification, the server remains the authority.
package identity

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"

	"github.com/triplocal/chatsync/protocol"
)

var (
	// ErrAuthMissing indicates no token is available. The caller should
	// redirect to authentication; retrying without a new token is pointless.
	ErrAuthMissing = errors.New("identity: no token available")

	// ErrUnresolvable indicates a token was present but none of the known
	// claim fields held a usable numeric id. Fatal for the session.
	ErrUnresolvable = errors.New("identity: no usable id claim in token")

	// ErrNotParticipant indicates the resolved user id matches neither
	// participant of the conversation.
	ErrNotParticipant = errors.New("identity: user is not a participant of the conversation")
)

// claimOrder is the ordered preference list of claim names probed for the
// user id. First populated claim wins. "uid" is a legacy name still emitted
// by older token issuers.
var claimOrder = []string{"user_id", "id", "sub", "uid"}

// ResolveUserID extracts the local user's numeric id from a bearer token.
// Claims are probed in a fixed preference order and accepted as JSON numbers
// or numeric strings. Returns ErrAuthMissing for an empty token and
// ErrUnresolvable when no claim yields an id.
func ResolveUserID(tokenString string) (int, error) {
	if tokenString == "" {
		return 0, ErrAuthMissing
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return 0, fmt.Errorf("identity: decode token: %w", err)
	}

	for _, name := range claimOrder {
		raw, ok := claims[name]
		if !ok {
			continue
		}
		if id, ok := asUserID(raw); ok {
			return id, nil
		}
	}
	return 0, ErrUnresolvable
}

// asUserID coerces a claim value to a positive numeric id. JSON decoding
// yields float64 for numbers; some issuers put the id in a string claim.
func asUserID(raw interface{}) (int, bool) {
	switch v := raw.(type) {
	case float64:
		if v > 0 && v == float64(int(v)) {
			return int(v), true
		}
	case string:
		if id, err := strconv.Atoi(v); err == nil && id > 0 {
			return id, true
		}
	}
	return 0, false
}

// Match classifies the conversation's two participants relative to userID.
// It returns the local participant first, the other user second. The id space
// is the chat backend's own numeric user id, the same one its tokens carry in
// user_id; external auth-provider UIDs are never compared here.
func Match(conv *protocol.Conversation, userID int) (local, other protocol.User, err error) {
	switch userID {
	case conv.Initiator.ID:
		return conv.Initiator, conv.Responder, nil
	case conv.Responder.ID:
		return conv.Responder, conv.Initiator, nil
	}
	return protocol.User{}, protocol.User{}, ErrNotParticipant
}
