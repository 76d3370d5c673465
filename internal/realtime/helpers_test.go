package realtime

import "encoding/json"

func jsonOf(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}
