package queue

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/homeserver"
)

// State is where an item is in its delivery lifecycle.
type State int

const (
	Pending State = iota
	Retrying
	Delivered
	FallbackBot
	DeadLettered
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Retrying:
		return "retrying"
	case Delivered:
		return "delivered"
	case FallbackBot:
		return "fallback_bot"
	case DeadLettered:
		return "dead_lettered"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether the item has left the queue for good.
// FallbackBot is terminal only once the bot notice has been resolved.
func (s State) Terminal() bool {
	return s == Delivered || s == DeadLettered
}

// ItemState is the pure part of an item: its state and failed attempts.
type ItemState struct {
	State    State
	Attempts int
}

// ErrorClass separates errors worth retrying from those that are not.
type ErrorClass int

const (
	Transient ErrorClass = iota
	Fatal
)

var fatalFragments = []string{"forbidden", "not found", "decrypt", "unrecognized"}

// Classify decides whether a send error may succeed on retry. Client
// errors (400, 401, 403, 404) and errors mentioning permissions, missing
// resources, decryption or unrecognised requests are fatal.
func Classify(err error) ErrorClass {
	var matrixErr *homeserver.MatrixError
	if errors.As(err, &matrixErr) {
		switch matrixErr.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return Fatal
		}
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range fatalFragments {
		if strings.Contains(msg, fragment) {
			return Fatal
		}
	}
	return Transient
}

// Transition applies the result of a ghost send attempt. A nil error
// delivers the item. Fatal errors go straight to the bot fallback;
// transient ones are retried while the failed attempt count is at most
// maxAttempts.
func Transition(s ItemState, sendErr error, maxAttempts int) ItemState {
	if sendErr == nil {
		return ItemState{State: Delivered, Attempts: s.Attempts}
	}
	if Classify(sendErr) == Fatal {
		return ItemState{State: FallbackBot, Attempts: s.Attempts}
	}
	attempts := s.Attempts + 1
	if attempts <= maxAttempts {
		return ItemState{State: Retrying, Attempts: attempts}
	}
	return ItemState{State: FallbackBot, Attempts: attempts}
}

// ResolveFallback applies the result of the bot notice. The item is done
// if the notice went out and dead-lettered otherwise.
func ResolveFallback(s ItemState, botErr error) ItemState {
	if botErr == nil {
		return ItemState{State: Delivered, Attempts: s.Attempts}
	}
	return ItemState{State: DeadLettered, Attempts: s.Attempts}
}
