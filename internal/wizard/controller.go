// Package wizard drives a booking session through Route, Vehicle, Payment
// and Confirmation.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"transferbook/internal/checkout"
	"transferbook/internal/config"
	"transferbook/internal/coupon"
	"transferbook/internal/gateway"
	"transferbook/internal/models"
	"transferbook/internal/pricing"
	"transferbook/internal/session"
)

// ErrInvalidTransition rejects an operation the current step does not allow.
var ErrInvalidTransition = errors.New("invalid wizard transition")

type Controller struct {
	pricing  *pricing.Resolver
	coupons  *coupon.Resolver
	checkout *checkout.Orchestrator
	cfg      config.BookingConfig
	messages config.Messages
	logger   *zerolog.Logger
	now      func() time.Time
}

func New(pr *pricing.Resolver, cp *coupon.Resolver, co *checkout.Orchestrator, cfg config.BookingConfig, messages config.Messages, logger *zerolog.Logger) *Controller {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if cfg.MinLeadTime <= 0 {
		cfg.MinLeadTime = time.Hour
	}
	if cfg.MaxLegs < 2 {
		cfg.MaxLegs = 5
	}
	return &Controller{
		pricing:  pr,
		coupons:  cp,
		checkout: co,
		cfg:      cfg,
		messages: messages,
		logger:   logger,
		now:      time.Now,
	}
}

func invalid(msg string) error {
	return &gateway.ErrorInfo{Kind: gateway.KindValidation, Message: msg, Err: ErrInvalidTransition}
}

func requireStep(d *models.Draft, action string, steps ...models.Step) error {
	for _, s := range steps {
		if d.Step == s {
			return nil
		}
	}
	return invalid(fmt.Sprintf("%s is not available at the %s step", action, d.Step))
}

// commit applies fn under the session lock, saves the draft and returns a
// copy of the result. A failing fn leaves the draft untouched.
func (c *Controller) commit(ctx context.Context, s *session.Store, fn func(d *models.Draft) error) (*models.Draft, error) {
	if err := s.Update(fn); err != nil {
		return s.GetAll(), err
	}
	s.Save(ctx)
	return s.GetAll(), nil
}

// Gateways lists the payment methods offered on the Payment step.
func (c *Controller) Gateways(ctx context.Context) []models.Gateway {
	return c.pricing.Gateways(ctx)
}

// StartOver drops everything and returns to the Route step.
func (c *Controller) StartOver(ctx context.Context, s *session.Store) *models.Draft {
	c.logger.Info().Str("session_id", s.SessionID()).Msg("Session reset")
	return s.Reset(ctx)
}

// Back moves Vehicle→Route or Payment→Vehicle. Nothing is discarded.
func (c *Controller) Back(ctx context.Context, s *session.Store) (*models.Draft, error) {
	return c.commit(ctx, s, func(d *models.Draft) error {
		d.SaveFlatToLeg(d.CurrentLegIndex)
		switch d.Step {
		case models.StepVehicle:
			d.Step = models.StepRoute
		case models.StepPayment:
			d.Step = models.StepVehicle
		default:
			return invalid(fmt.Sprintf("going back is not available at the %s step", d.Step))
		}
		return nil
	})
}

// quote asks for the authoritative total. Failures are logged and ignored:
// the pricing-derived total stays in effect.
func (c *Controller) quote(ctx context.Context, d *models.Draft) *models.Quote {
	req, ok := pricing.QuoteFor(d)
	if !ok {
		return nil
	}
	q, err := c.pricing.GetQuote(ctx, req)
	if err != nil {
		c.logger.Info().Err(err).Str("session_id", d.SessionID).Msg("Quote unavailable, keeping pricing total")
		return nil
	}
	return q
}

func refreshTotal(d *models.Draft) {
	if d.BookingType == models.BookingTransfer {
		d.TotalPrice = pricing.Compute(d).Total
		return
	}
	d.TotalPrice = d.Checkout.Total
}
