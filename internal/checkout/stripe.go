package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"

	"transferbook/internal/config"
	"transferbook/internal/gateway"
)

// StripeConfirmer confirms a PaymentIntent server-side with the secret key.
type StripeConfirmer struct {
	intents paymentintent.Client
}

func NewStripeConfirmer(cfg config.CheckoutConfig, hc *http.Client) *StripeConfirmer {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        hc,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if base := strings.TrimRight(cfg.StripeAPIBase, "/"); base != "" {
		backendCfg.URL = stripe.String(base)
	}
	return &StripeConfirmer{intents: paymentintent.Client{
		B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Key: cfg.StripeSecretKey,
	}}
}

// intentID extracts "pi_123" from "pi_123_secret_abc".
func intentID(clientSecret string) (string, bool) {
	i := strings.Index(clientSecret, "_secret_")
	if i <= 0 {
		return "", false
	}
	return clientSecret[:i], true
}

func (s *StripeConfirmer) ConfirmCardPayment(ctx context.Context, clientSecret, paymentMethod string) error {
	id, ok := intentID(clientSecret)
	if !ok {
		return &gateway.ErrorInfo{Kind: gateway.KindGateway, Op: "stripe", Err: errors.New("malformed client secret")}
	}

	params := &stripe.PaymentIntentConfirmParams{PaymentMethod: stripe.String(paymentMethod)}
	params.Context = ctx

	intent, err := s.intents.Confirm(id, params)
	if err != nil {
		return stripeError(err)
	}

	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded,
		stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresCapture:
		return nil
	case stripe.PaymentIntentStatusRequiresAction:
		return &gateway.ErrorInfo{Kind: gateway.KindGateway, Message: "Additional authentication is required for this card.", Op: "stripe"}
	default:
		msg := ""
		if intent.LastPaymentError != nil {
			msg = intent.LastPaymentError.Msg
		}
		return &gateway.ErrorInfo{Kind: gateway.KindGateway, Message: msg, Op: "stripe",
			Err: fmt.Errorf("payment intent status %q", intent.Status)}
	}
}

// stripeError maps API errors to gateway errors. Anything that is not a
// *stripe.Error never reached Stripe and is a transport failure.
func stripeError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return &gateway.ErrorInfo{Kind: gateway.KindTransport, Op: "stripe", Err: err}
	}
	if se.Type == stripe.ErrorTypeAPI {
		return &gateway.ErrorInfo{Kind: gateway.KindTransport, Op: "stripe", Status: se.HTTPStatusCode, Err: se}
	}
	return &gateway.ErrorInfo{Kind: gateway.KindGateway, Message: se.Msg, Op: "stripe", Status: se.HTTPStatusCode,
		Err: fmt.Errorf("stripe %s %s: %w", se.Code, se.DeclineCode, se)}
}
