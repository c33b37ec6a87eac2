package wizard

import (
	"time"

	"transferbook/internal/models"
	"transferbook/internal/pricing"
)

type LegSummary struct {
	Index       int        `json:"index"`
	Pickup      string     `json:"pickup"`
	Dropoff     string     `json:"dropoff"`
	PickupAt    *time.Time `json:"pickup_datetime,omitempty"`
	Vehicle     string     `json:"vehicle,omitempty"`
	BookingRef  string     `json:"booking_ref,omitempty"`
	PaymentRef  string     `json:"payment_ref,omitempty"`
	Total       float64    `json:"total"`
	IsReturnLeg bool       `json:"is_return_leg,omitempty"`
	Current     bool       `json:"current,omitempty"`
}

// Summary is what a client renders. It is derived from the draft and never stored.
type Summary struct {
	SessionID     string               `json:"session_id"`
	BookingType   models.BookingType   `json:"booking_type"`
	Step          string               `json:"step"`
	StepNumber    int                  `json:"step_number"`
	Mode          models.Mode          `json:"mode"`
	Legs          []LegSummary         `json:"legs"`
	Breakdown     pricing.Breakdown    `json:"breakdown"`
	Total         string               `json:"total"`
	Deposit       string               `json:"deposit,omitempty"`
	PaymentChoice models.PaymentChoice `json:"payment_choice"`
	Coupon        *models.Coupon       `json:"coupon,omitempty"`
	Quote         *models.Quote        `json:"quote,omitempty"`
	ClientNotice  string               `json:"client_notice,omitempty"`
	BookingRefs   []string             `json:"booking_refs"`
	Stage         models.CheckoutStage `json:"stage,omitempty"`
	Gateway       string               `json:"gateway,omitempty"`
	ClientSecret  string               `json:"client_secret,omitempty"`
	RedirectURL   string               `json:"redirect_url,omitempty"`
	Failure       *models.Failure      `json:"failure,omitempty"`
	Notice        string               `json:"notice,omitempty"`
}

func (c *Controller) Summary(d *models.Draft) Summary {
	out := Summary{
		SessionID:     d.SessionID,
		BookingType:   d.BookingType,
		Step:          d.Step.String(),
		StepNumber:    int(d.Step),
		Mode:          d.Mode,
		PaymentChoice: d.PaymentChoice,
		Coupon:        d.Coupon,
		Quote:         d.Quote,
		Stage:         d.Checkout.Stage,
		Gateway:       d.Checkout.Gateway,
		ClientSecret:  d.Checkout.ClientSecret,
		RedirectURL:   d.Checkout.RedirectURL,
		Failure:       d.Checkout.Failure,
		BookingRefs:   []string{},
	}
	if d.Pricing != nil {
		out.ClientNotice = d.Pricing.ClientNotice
	}

	if d.BookingType == models.BookingTransfer {
		out.Breakdown = pricing.Compute(d)
	} else {
		out.Breakdown = pricing.Breakdown{Multiplier: 1, Total: d.Checkout.Total, Currency: d.Currency}
	}
	if out.Breakdown.Currency == "" {
		out.Breakdown.Currency = d.Currency
	}
	out.Total = pricing.FormatPrice(out.Breakdown.Total, out.Breakdown.Currency, c.cfg.CurrencyPosition)
	if out.Breakdown.DepositOffered {
		out.Deposit = pricing.FormatPrice(out.Breakdown.Deposit, out.Breakdown.Currency, c.cfg.CurrencyPosition)
	}
	if d.Checkout.Reconciling {
		out.Notice = c.messages.Reconciling
	}

	for i := range d.Legs {
		state := d.Legs[i].LegState
		if i == d.CurrentLegIndex {
			state = d.LegState
		}
		leg := LegSummary{
			Index:       i,
			Pickup:      state.PickupAddress,
			Dropoff:     state.DropoffAddress,
			PickupAt:    state.PickupAt,
			BookingRef:  state.BookingRef,
			PaymentRef:  state.PaymentRef,
			Total:       state.TotalPrice,
			IsReturnLeg: d.Legs[i].IsReturnLeg,
			Current:     i == d.CurrentLegIndex,
		}
		if state.SelectedVehicle != nil {
			leg.Vehicle = state.SelectedVehicle.CategoryName
		}
		if state.BookingRef != "" {
			out.BookingRefs = append(out.BookingRefs, state.BookingRef)
		}
		out.Legs = append(out.Legs, leg)
	}
	return out
}
