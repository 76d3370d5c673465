// Package ws carries the store protocol over websockets. The server side gives
// every socket its own db.Conn, so closing the socket runs that client's
// on-disconnect actions. The client side implements remote.Store.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/4xmen/hamgam/internal/remote"
)

const (
	OpRead          = "read"
	OpWrite         = "write"
	OpMerge         = "merge"
	OpDelete        = "delete"
	OpSubscribe     = "subscribe"
	OpUnsubscribe   = "unsubscribe"
	OpOnDisconnect  = "on_disconnect"
	OpQuery         = "query"
	OpCompareAndSet = "compare_and_set"
)

const (
	TypeResult   = "result"
	TypeError    = "error"
	TypeEvent    = "event"
	TypeSubError = "sub_error"
)

// Request is a client frame. Sub is chosen by the client and names a subscription.
type Request struct {
	ID       uint64                     `json:"id"`
	Op       string                     `json:"op"`
	Path     string                     `json:"path,omitempty"`
	Value    json.RawMessage            `json:"value,omitempty"`
	Expected json.RawMessage            `json:"expected,omitempty"`
	Fields   map[string]json.RawMessage `json:"fields,omitempty"`
	Field    string                     `json:"field,omitempty"`
	Equals   json.RawMessage            `json:"equals,omitempty"`
	Action   *remote.DisconnectAction   `json:"action,omitempty"`
	Sub      uint64                     `json:"sub,omitempty"`
}

type Item struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// Response is a server frame: a reply to one request or a subscription event.
type Response struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Sub     uint64          `json:"sub,omitempty"`
	Swapped bool            `json:"swapped,omitempty"`
	Code    string          `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
	Path    string          `json:"path,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Items   []Item          `json:"items,omitempty"`
}

var codes = []struct {
	code string
	err  error
}{
	{"invalid_path", remote.ErrInvalidPath},
	{"not_found", remote.ErrNotFound},
	{"closed", remote.ErrClosed},
	{"conflict", remote.ErrConflict},
	{"forbidden", remote.ErrForbidden},
}

func errorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}

// remoteError rebuilds a server error. It always wraps remote.ErrRemote and,
// when the code is known, the matching sentinel too.
func remoteError(code, msg string) error {
	for _, c := range codes {
		if c.code == code {
			return fmt.Errorf("%w: %w: %s", remote.ErrRemote, c.err, msg)
		}
	}
	return fmt.Errorf("%w: %s", remote.ErrRemote, msg)
}
