package models

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// FlexID is an identifier the backend sends either as a JSON number or as a
// string. It is always held as its decimal/string form.
type FlexID string

// UnmarshalJSON accepts 12, "12" and null.
func (id *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = FlexID(n.String())
	return nil
}

// MarshalJSON emits a number when the id is numeric, a string otherwise.
func (id FlexID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(strconv.FormatInt(n, 10)), nil
	}
	return json.Marshal(string(id))
}

// Int64 returns the numeric value, or 0 when the id is not numeric.
func (id FlexID) Int64() int64 {
	n, _ := strconv.ParseInt(string(id), 10, 64)
	return n
}

func (id FlexID) String() string { return string(id) }
