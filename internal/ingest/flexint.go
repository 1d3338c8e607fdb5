package ingest

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// FlexInt64 decodes a JSON number or a numeric string. Clients have shipped
// the userId field in both encodings, so a value that fails to parse degrades
// to absent instead of failing the surrounding payload.
type FlexInt64 struct {
	Value   int64
	Present bool
}

// UnmarshalJSON never returns an error; unparseable input leaves the value
// absent.
func (f *FlexInt64) UnmarshalJSON(data []byte) error {
	f.Value = 0
	f.Present = false

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return nil
		}
		trimmed = []byte(strings.TrimSpace(text))
	}

	value, err := strconv.ParseInt(string(trimmed), 10, 64)
	if err != nil {
		return nil
	}
	f.Value = value
	f.Present = true
	return nil
}

// MarshalJSON renders the value, or null when absent.
func (f FlexInt64) MarshalJSON() ([]byte, error) {
	if !f.Present {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(f.Value, 10)), nil
}

// Ptr returns the value as an optional pointer.
func (f FlexInt64) Ptr() *int64 {
	if !f.Present {
		return nil
	}
	value := f.Value
	return &value
}
