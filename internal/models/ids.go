package models

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// RefID is a backend identifier. Most ids are integers, some deployments use
// slugs or uuids, so both JSON forms are accepted. Numeric ids are written
// back as numbers.
type RefID string

func (id RefID) String() string { return string(id) }

func (id RefID) IsZero() bool { return id == "" }

func (id RefID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(strconv.FormatInt(n, 10)), nil
	}
	return json.Marshal(string(id))
}

func (id *RefID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = RefID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = RefID(n.String())
	return nil
}
