package coupon

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"transferbook/internal/domain"
	"transferbook/internal/gateway"
	"transferbook/internal/models"
	"transferbook/internal/pricing"
)

// Result is the validate_coupon answer.
type Result struct {
	Valid          bool          `json:"valid"`
	DiscountAmount models.Amount `json:"discount_amount"`
	Message        string        `json:"message,omitempty"`
}

type Resolver struct {
	api            domain.APICaller
	invalidMessage string
	logger         *zerolog.Logger
}

func NewResolver(api domain.APICaller, invalidMessage string, logger *zerolog.Logger) *Resolver {
	if invalidMessage == "" {
		invalidMessage = "Invalid coupon code"
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Resolver{api: api, invalidMessage: invalidMessage, logger: logger}
}

// Apply validates code against amount, the pre-discount subtotal. A rejected
// code comes back as a validation *gateway.ErrorInfo.
func (r *Resolver) Apply(ctx context.Context, code string, bookingType models.BookingType, amount float64) (*Result, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, gateway.NewError(gateway.KindValidation, r.invalidMessage)
	}

	params := map[string]any{
		"code":         code,
		"booking_type": string(bookingType),
		"amount":       amount,
	}
	var res Result
	if err := r.api.Call(ctx, "validate_coupon", params, &res); err != nil {
		r.logger.Info().Err(err).Str("code", code).Msg("Coupon validation failed")
		return nil, err
	}
	if !res.Valid {
		msg := res.Message
		if msg == "" {
			msg = r.invalidMessage
		}
		return nil, &gateway.ErrorInfo{Kind: gateway.KindValidation, Message: msg, Op: "validate_coupon"}
	}

	res.DiscountAmount = models.Amount(pricing.ClampDiscount(res.DiscountAmount.Float(), amount))
	return &res, nil
}

// Subtotal is what a coupon is checked against: base fare (doubled on a
// round trip) plus extras, before any discount.
func Subtotal(d *models.Draft) float64 {
	b := pricing.Compute(d)
	return b.Subtotal
}

// ApplyToDraft validates code for the draft and replaces any coupon on
// success. On failure d is left as it was.
func (r *Resolver) ApplyToDraft(ctx context.Context, d *models.Draft, code string) error {
	res, err := r.Apply(ctx, code, d.BookingType, Subtotal(d))
	if err != nil {
		return err
	}
	d.Coupon = &models.Coupon{
		Code:           strings.TrimSpace(code),
		DiscountAmount: res.DiscountAmount,
		Message:        res.Message,
	}
	return nil
}

func Remove(d *models.Draft) {
	d.Coupon = nil
}
