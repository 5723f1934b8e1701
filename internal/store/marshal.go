package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// timeLayout is fixed-width so persisted timestamps sort lexically, which
// the stale-running sweep and snapshot retention rely on.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// formatTime renders t in UTC. The zero time is stored as ''.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// parseTime is the inverse of formatTime.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// marshalJSON encodes v for a JSON TEXT column. Nil slices are stored as
// "[]" so readers never see null.
func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "[]", nil
	}
	return string(data), nil
}

// unmarshalJSON decodes a JSON TEXT column into dst.
func unmarshalJSON(data string, dst any) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), dst)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
