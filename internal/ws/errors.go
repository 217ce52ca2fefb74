package ws

import "errors"

var errNotParticipant = errors.New("not a participant")
