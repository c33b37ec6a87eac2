package wizard

import (
	"context"
	"strings"

	"transferbook/internal/checkout"
	"transferbook/internal/coupon"
	"transferbook/internal/gateway"
	"transferbook/internal/models"
	"transferbook/internal/pricing"
	"transferbook/internal/session"
)

func (c *Controller) SetCustomer(ctx context.Context, s *session.Store, cust models.Customer) (*models.Draft, error) {
	return c.commit(ctx, s, func(d *models.Draft) error {
		if err := requireStep(d, "entering your details", models.StepPayment); err != nil {
			return err
		}
		d.Customer = models.Customer{
			Name:            strings.TrimSpace(cust.Name),
			Email:           strings.TrimSpace(cust.Email),
			Phone:           strings.TrimSpace(cust.Phone),
			SpecialRequests: strings.TrimSpace(cust.SpecialRequests),
		}
		return nil
	})
}

// SetPaymentChoice selects full payment or the route's deposit.
func (c *Controller) SetPaymentChoice(ctx context.Context, s *session.Store, choice models.PaymentChoice) (*models.Draft, error) {
	return c.commit(ctx, s, func(d *models.Draft) error {
		if err := requireStep(d, "choosing how to pay", models.StepPayment); err != nil {
			return err
		}
		switch choice {
		case models.PayFull:
		case models.PayDeposit:
			if !pricing.Compute(d).DepositOffered {
				return invalid("A deposit is not available for this booking")
			}
		default:
			return invalid("Unknown payment option")
		}
		d.PaymentChoice = choice
		return nil
	})
}

// ApplyCoupon validates code against the current subtotal. On failure the
// draft keeps its previous coupon.
func (c *Controller) ApplyCoupon(ctx context.Context, s *session.Store, code string) (*models.Draft, error) {
	snap := s.GetAll()
	if err := requireStep(snap, "applying a coupon", models.StepVehicle, models.StepPayment); err != nil {
		return snap, err
	}
	if err := c.coupons.ApplyToDraft(ctx, snap, code); err != nil {
		return snap, err
	}
	applied := snap.Coupon

	return c.commit(ctx, s, func(d *models.Draft) error {
		d.Coupon = applied
		refreshTotal(d)
		return nil
	})
}

func (c *Controller) RemoveCoupon(ctx context.Context, s *session.Store) (*models.Draft, error) {
	return c.commit(ctx, s, func(d *models.Draft) error {
		coupon.Remove(d)
		refreshTotal(d)
		return nil
	})
}

// Submit runs the checkout for the working leg. It returns without error
// when the flow is suspended for card entry or a PayPal redirect; the draft's
// checkout state says which.
func (c *Controller) Submit(ctx context.Context, s *session.Store, gw, paymentMethod string) (*models.Draft, error) {
	slot, err := c.checkout.Acquire(s.SessionID())
	if err != nil {
		return s.GetAll(), err
	}
	defer slot.Release()

	snap := s.GetAll()
	if err := requireStep(snap, "submitting", models.StepPayment); err != nil {
		return snap, err
	}
	if snap.BookingType == models.BookingTransfer && snap.SelectedVehicle == nil {
		return snap, invalid(c.messages.VehicleRequired)
	}
	if gw == "" {
		gw = snap.Checkout.Gateway
	}

	order := c.orderFor(snap, gw)
	ticket, st := snap.Ticket, snap.Checkout
	runErr := slot.Submit(ctx, order, &ticket, &st, paymentMethod)
	return c.finish(ctx, s, ticket, st, runErr, nil)
}

// ConfirmCard finishes a card payment that is waiting for the customer.
func (c *Controller) ConfirmCard(ctx context.Context, s *session.Store, paymentMethod string) (*models.Draft, error) {
	snap := s.GetAll()
	if strings.TrimSpace(paymentMethod) == "" {
		return snap, gateway.NewError(gateway.KindValidation, c.messages.CardDeclined)
	}
	if snap.Checkout.Gateway != models.GatewayStripe || snap.PaymentRef == "" {
		return snap, invalid("There is no card payment waiting for confirmation")
	}
	return c.Submit(ctx, s, models.GatewayStripe, paymentMethod)
}

// ResumeRedirect completes a PayPal payment when the customer returns with
// ?paypal_return=1&ref=…&PayerID=…. It also works for a session that has
// lost its draft.
func (c *Controller) ResumeRedirect(ctx context.Context, s *session.Store, ref, payerID string) (*models.Draft, error) {
	slot, err := c.checkout.Acquire(s.SessionID())
	if err != nil {
		return s.GetAll(), err
	}
	defer slot.Release()

	snap := s.GetAll()
	ticket, st := snap.Ticket, snap.Checkout
	if ticket.BookingRef != "" && ticket.BookingRef != strings.TrimSpace(ref) {
		ticket, st = models.Ticket{}, models.CheckoutState{}
	}

	order := c.orderFor(snap, models.GatewayPayPal)
	runErr := slot.ResumeRedirect(ctx, order, &ticket, &st, ref, payerID)
	return c.finish(ctx, s, ticket, st, runErr, nil)
}

// TripCheckout is the tour checkout form.
type TripCheckout struct {
	checkout.TripRequest
	Customer      models.Customer `json:"customer"`
	Gateway       string          `json:"gateway"`
	PaymentMethod string          `json:"payment_method,omitempty"`
}

func (c *Controller) CheckoutTrip(ctx context.Context, s *session.Store, in TripCheckout) (*models.Draft, error) {
	if errs := in.Check(); len(errs) > 0 {
		return s.GetAll(), &gateway.ErrorInfo{Kind: gateway.KindValidation, Message: errs[0].Message, Err: errs}
	}
	slot, err := c.checkout.Acquire(s.SessionID())
	if err != nil {
		return s.GetAll(), err
	}
	defer slot.Release()

	snap := s.GetAll()
	if snap.BookingType == models.BookingTrip && snap.Checkout.Stage == models.StageDone {
		return snap, nil
	}
	ticket, st := specialState(snap, models.BookingTrip)

	currency := firstNonEmpty(in.Currency, snap.Currency)
	order := &checkout.Order{
		SessionID:   snap.SessionID,
		BookingType: models.BookingTrip,
		Customer:    in.Customer,
		Gateway:     in.Gateway,
		Choice:      models.PayFull,
		Amounts:     pricing.Breakdown{Multiplier: 1, Total: in.Price, Currency: currency},
		Payload:     in.Payload(),
		Pickup:      in.PickupAddress,
	}
	runErr := slot.Submit(ctx, order, &ticket, &st, in.PaymentMethod)
	return c.finish(ctx, s, ticket, st, runErr, func(d *models.Draft) {
		prepareSpecial(d, models.BookingTrip)
		d.Customer = in.Customer
		d.Currency = currency
	})
}

// RentalCheckout is the car rental checkout form.
type RentalCheckout struct {
	checkout.RentalRequest
	Customer      models.Customer `json:"customer"`
	Gateway       string          `json:"gateway"`
	CouponCode    string          `json:"coupon_code,omitempty"`
	PaymentMethod string          `json:"payment_method,omitempty"`
}

func (c *Controller) CheckoutRental(ctx context.Context, s *session.Store, in RentalCheckout) (*models.Draft, error) {
	if errs := in.Check(); len(errs) > 0 {
		return s.GetAll(), &gateway.ErrorInfo{Kind: gateway.KindValidation, Message: errs[0].Message, Err: errs}
	}
	slot, err := c.checkout.Acquire(s.SessionID())
	if err != nil {
		return s.GetAll(), err
	}
	defer slot.Release()

	snap := s.GetAll()
	if snap.BookingType == models.BookingRental && snap.Checkout.Stage == models.StageDone {
		return snap, nil
	}
	ticket, st := specialState(snap, models.BookingRental)

	currency := firstNonEmpty(in.Currency, snap.Currency)
	driver := in.Driver
	code := strings.TrimSpace(in.CouponCode)
	order := &checkout.Order{
		SessionID:   snap.SessionID,
		BookingType: models.BookingRental,
		Customer:    in.Customer,
		Gateway:     in.Gateway,
		Choice:      models.PayFull,
		CouponCode:  code,
		Amounts:     pricing.Breakdown{Multiplier: 1, Total: in.Price, Currency: currency},
		Payload:     in.Payload(in.Gateway, code),
		Driver:      &driver,
		Pickup:      in.City,
	}
	runErr := slot.Submit(ctx, order, &ticket, &st, in.PaymentMethod)
	return c.finish(ctx, s, ticket, st, runErr, func(d *models.Draft) {
		prepareSpecial(d, models.BookingRental)
		d.Customer = in.Customer
		d.Driver = &driver
		d.Currency = currency
	})
}

// specialState returns the checkout progress to resume for a trip or rental.
// Progress of another booking type is not carried over.
func specialState(d *models.Draft, bt models.BookingType) (models.Ticket, models.CheckoutState) {
	if d.BookingType != bt {
		return models.Ticket{}, models.CheckoutState{}
	}
	return d.Ticket, d.Checkout
}

func prepareSpecial(d *models.Draft, bt models.BookingType) {
	if d.BookingType != bt {
		*d = *models.NewDraft(d.SessionID)
		d.BookingType = bt
	}
	d.Step = models.StepPayment
}

// orderFor rebuilds the checkout order from the draft.
func (c *Controller) orderFor(d *models.Draft, gw string) *checkout.Order {
	o := &checkout.Order{
		SessionID:   d.SessionID,
		BookingType: d.BookingType,
		Customer:    d.Customer,
		Gateway:     gw,
		Choice:      d.PaymentChoice,
		Driver:      d.Driver,
	}
	if d.Coupon != nil {
		o.CouponCode = d.Coupon.Code
	}
	if d.BookingType != models.BookingTransfer {
		o.Choice = models.PayFull
		o.Amounts = pricing.Breakdown{Multiplier: 1, Total: d.Checkout.Total, Currency: d.Currency}
		return o
	}
	o.Amounts = pricing.Compute(d)
	o.Payload = checkout.TransferPayload(d)
	o.Pickup = d.PickupAddress
	o.Dropoff = d.DropoffAddress
	o.PickupAt = d.PickupAt
	return o
}

// finish writes the checkout progress back into the session. A finished
// leg is archived and the flow moves to the next leg or to Confirmation.
func (c *Controller) finish(ctx context.Context, s *session.Store, ticket models.Ticket, st models.CheckoutState, runErr error, prep func(d *models.Draft)) (*models.Draft, error) {
	nextLeg := false
	d, err := c.commit(ctx, s, func(d *models.Draft) error {
		if prep != nil {
			prep(d)
		}
		d.Ticket = ticket
		d.Checkout = st
		if st.Stage == models.StageDone {
			refreshTotal(d)
			nextLeg = completeLeg(d)
		}
		return nil
	})
	if err != nil {
		return d, err
	}
	if nextLeg {
		d = c.enterLeg(ctx, s)
	}
	return d, runErr
}

// completeLeg archives the working leg. It reports whether another
// multi-city leg is waiting.
func completeLeg(d *models.Draft) bool {
	d.SaveFlatToLeg(d.CurrentLegIndex)
	if d.Mode == models.ModeMultiCity {
		if next := nextOpenLeg(d, d.CurrentLegIndex+1); next >= 0 {
			d.CurrentLegIndex = next
			d.SyncLegToFlat(next)
			d.Checkout = models.CheckoutState{}
			d.Coupon = nil
			d.PaymentChoice = models.PayFull
			d.Step = models.StepVehicle
			return true
		}
	}
	d.Step = models.StepConfirmation
	return false
}

// enterLeg re-fetches pricing and extras for the leg completeLeg moved to.
// When the leg can no longer be priced the customer goes back to Route.
func (c *Controller) enterLeg(ctx context.Context, s *session.Store) *models.Draft {
	snap := s.GetAll()
	step, err := c.resolve(ctx, snap)
	if err != nil {
		c.logger.Warn().Err(err).
			Str("session_id", snap.SessionID).
			Int("leg", snap.CurrentLegIndex).
			Msg("Next leg needs attention")
	}

	d, _ := c.commit(ctx, s, func(d *models.Draft) error {
		if d.Step != models.StepVehicle || d.CurrentLegIndex != snap.CurrentLegIndex {
			return nil
		}
		if step != nil {
			applyVehicleStep(d, step)
		}
		if err != nil {
			d.Step = models.StepRoute
		}
		d.SaveFlatToLeg(d.CurrentLegIndex)
		return nil
	})
	return d
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
