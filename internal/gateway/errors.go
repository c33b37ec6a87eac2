package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure the way the UI needs to react to it.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindTransport      Kind = "transport"
	KindApplication    Kind = "application"
	KindGateway        Kind = "gateway"
	KindReconciliation Kind = "reconciliation"
)

// ErrorInfo is the single user-facing error shape. Message is always
// plain text fit for display.
type ErrorInfo struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Op      string `json:"-"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *ErrorInfo) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *ErrorInfo) Unwrap() error { return e.Err }

func NewError(kind Kind, message string) *ErrorInfo {
	return &ErrorInfo{Kind: kind, Message: message}
}

func Errorf(kind Kind, format string, args ...any) *ErrorInfo {
	return &ErrorInfo{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func AsErrorInfo(err error) (*ErrorInfo, bool) {
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info, true
	}
	return nil, false
}

func IsKind(err error, kind Kind) bool {
	info, ok := AsErrorInfo(err)
	return ok && info.Kind == kind
}

// Message returns the text to show for err, or fallback when err carries none.
func Message(err error, fallback string) string {
	if info, ok := AsErrorInfo(err); ok && strings.TrimSpace(info.Message) != "" {
		return info.Message
	}
	return fallback
}

const maxMessageDepth = 3

// ExtractMessage picks a human readable message out of an error payload:
// a bare string, then message/error/detail, then the first string (or first
// element of a string list) among the fields in document order.
func ExtractMessage(data json.RawMessage, fallback string) string {
	if msg := extract(bytes.TrimSpace(data), 0); msg != "" {
		return msg
	}
	return fallback
}

func extract(data []byte, depth int) string {
	if len(data) == 0 || depth > maxMessageDepth {
		return ""
	}
	switch data[0] {
	case '"':
		var s string
		if json.Unmarshal(data, &s) == nil {
			return strings.TrimSpace(s)
		}
	case '[':
		var items []json.RawMessage
		if json.Unmarshal(data, &items) != nil {
			return ""
		}
		for _, item := range items {
			if msg := extract(bytes.TrimSpace(item), depth+1); msg != "" {
				return msg
			}
		}
	case '{':
		fields, ok := orderedFields(data)
		if !ok {
			return ""
		}
		for _, key := range []string{"message", "error", "detail"} {
			for _, f := range fields {
				if f.key != key {
					continue
				}
				var s string
				if json.Unmarshal(f.value, &s) == nil && strings.TrimSpace(s) != "" {
					return strings.TrimSpace(s)
				}
			}
		}
		for _, f := range fields {
			if msg := extract(bytes.TrimSpace(f.value), depth+1); msg != "" {
				return msg
			}
		}
	}
	return ""
}

type field struct {
	key   string
	value json.RawMessage
}

func orderedFields(data []byte) ([]field, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, false
	}
	var fields []field
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, false
		}
		key, ok := tok.(string)
		if !ok {
			return nil, false
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, false
		}
		fields = append(fields, field{key: key, value: value})
	}
	return fields, true
}
