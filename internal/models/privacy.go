package models

import (
	"encoding/json"
	"strings"
)

const lastReadField = "last_read_timestamps"

// Readable reports whether viewerID may read path at all. Read markers are
// private to their owner, and the root is never served whole.
func Readable(viewerID, path string) bool {
	if path == "" {
		return false
	}
	segs := strings.Split(path, "/")
	if segs[0] != UsersPath || len(segs) < 3 || segs[1] == viewerID {
		return true
	}
	return segs[2] != lastReadField
}

// Redact strips other users' read markers from a value read at path.
func Redact(viewerID, path string, value json.RawMessage) json.RawMessage {
	segs := strings.Split(path, "/")
	if segs[0] != UsersPath || len(segs) > 2 || len(value) == 0 {
		return value
	}
	if len(segs) == 2 {
		if segs[1] == viewerID {
			return value
		}
		return withoutField(value, lastReadField)
	}

	var users map[string]json.RawMessage
	if err := json.Unmarshal(value, &users); err != nil {
		return value
	}
	for id, raw := range users {
		if id != viewerID {
			users[id] = withoutField(raw, lastReadField)
		}
	}
	out, err := json.Marshal(users)
	if err != nil {
		return value
	}
	return out
}

func withoutField(value json.RawMessage, field string) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(value, &obj); err != nil {
		return value
	}
	if _, ok := obj[field]; !ok {
		return value
	}
	delete(obj, field)
	out, err := json.Marshal(obj)
	if err != nil {
		return value
	}
	return out
}
