package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractMessage(t *testing.T) {
	const fallback = "An error occurred. Please try again."

	tests := []struct {
		name string
		data string
		want string
	}{
		{name: "bare string", data: `"Route not served"`, want: "Route not served"},
		{name: "message field", data: `{"message": "Booking closed"}`, want: "Booking closed"},
		{name: "error field", data: `{"error": "Card expired"}`, want: "Card expired"},
		{name: "detail field", data: `{"detail": "Not found."}`, want: "Not found."},
		{name: "message wins over detail", data: `{"detail": "d", "message": "m"}`, want: "m"},
		{name: "field errors list", data: `{"customer_email": ["Enter a valid email address."]}`, want: "Enter a valid email address."},
		{name: "first field in document order", data: `{"pickup_datetime": ["Too soon"], "customer_phone": ["Bad phone"]}`, want: "Too soon"},
		{name: "object message ignored", data: `{"message": {"code": 12}, "non_field_errors": ["Coupon expired"]}`, want: "Coupon expired"},
		{name: "nested errors", data: `{"errors": {"passengers": ["Too many passengers"]}}`, want: "Too many passengers"},
		{name: "top level list", data: `["first", "second"]`, want: "first"},
		{name: "number only", data: `{"code": 400}`, want: fallback},
		{name: "empty object", data: `{}`, want: fallback},
		{name: "null", data: `null`, want: fallback},
		{name: "blank string", data: `"   "`, want: fallback},
		{name: "empty", data: ``, want: fallback},
		{name: "garbage", data: `{not json`, want: fallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractMessage(json.RawMessage(tt.data), fallback)
			assert.Equal(t, tt.want, got)
			assert.NotContains(t, got, "[object Object]")
			assert.False(t, strings.HasPrefix(got, "{"), "message must not be a rendered object")
		})
	}
}

func TestErrorInfoHelpers(t *testing.T) {
	info := &ErrorInfo{Kind: KindGateway, Message: "Your card was declined.", Op: "confirm"}
	wrapped := fmt.Errorf("checkout: %w", info)

	got, ok := AsErrorInfo(wrapped)
	assert.True(t, ok)
	assert.Same(t, info, got)
	assert.True(t, IsKind(wrapped, KindGateway))
	assert.False(t, IsKind(wrapped, KindTransport))
	assert.Equal(t, "Your card was declined.", Message(wrapped, "fallback"))
	assert.Equal(t, "fallback", Message(errors.New("raw"), "fallback"))
	assert.Equal(t, "fallback", Message(&ErrorInfo{Kind: KindTransport}, "fallback"))
	assert.Equal(t, "confirm: Your card was declined.", info.Error())

	cause := errors.New("dial tcp: refused")
	assert.ErrorIs(t, &ErrorInfo{Kind: KindTransport, Err: cause}, cause)
}
