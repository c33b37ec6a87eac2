package checkout

import (
	"regexp"
	"strings"

	"transferbook/internal/config"
	"transferbook/internal/gateway"
	"transferbook/internal/models"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phonePattern = regexp.MustCompile(`^[\+]?[\d\s\-()]{8,}$`)
)

// FieldError is one invalid form field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors keeps the order in which the fields were checked.
type FieldErrors []FieldError

func (f FieldErrors) Error() string {
	parts := make([]string, len(f))
	for i, e := range f {
		parts[i] = e.Field + ": " + e.Message
	}
	return "invalid fields: " + strings.Join(parts, "; ")
}

func IsKnownGateway(g string) bool {
	switch g {
	case models.GatewayStripe, models.GatewayPayPal, models.GatewayCash:
		return true
	}
	return false
}

// Validate checks the customer form. The error is a validation
// *gateway.ErrorInfo wrapping FieldErrors; its message is the first problem.
func Validate(order *Order, msgs config.Messages) error {
	var errs FieldErrors
	add := func(field, msg string) { errs = append(errs, FieldError{Field: field, Message: msg}) }

	c := order.Customer
	if strings.TrimSpace(c.Name) == "" {
		add("name", msgs.InvalidName)
	}
	if !emailPattern.MatchString(strings.TrimSpace(c.Email)) {
		add("email", msgs.InvalidEmail)
	}
	if !phonePattern.MatchString(strings.TrimSpace(c.Phone)) {
		add("phone", msgs.InvalidPhone)
	}
	if !IsKnownGateway(order.Gateway) {
		add("gateway", msgs.InvalidGateway)
	}

	if order.BookingType == models.BookingRental {
		d := order.Driver
		if d == nil {
			d = &models.Driver{}
		}
		if strings.TrimSpace(d.LicenseNumber) == "" {
			add("license_number", msgs.LicenseRequired)
		}
		if strings.TrimSpace(d.LicenseExpiry) == "" {
			add("license_expiry", msgs.LicenseRequired)
		}
		if strings.TrimSpace(d.DateOfBirth) == "" {
			add("date_of_birth", msgs.LicenseRequired)
		}
		if !d.TermsAccepted {
			add("terms", msgs.TermsRequired)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return &gateway.ErrorInfo{Kind: gateway.KindValidation, Message: errs[0].Message, Err: errs}
}
