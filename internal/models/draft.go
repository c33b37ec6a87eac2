package models

import (
	"fmt"
	"time"
)

type Step int

const (
	StepRoute Step = iota + 1
	StepVehicle
	StepPayment
	StepConfirmation
)

func (s Step) String() string {
	switch s {
	case StepRoute:
		return "route"
	case StepVehicle:
		return "vehicle"
	case StepPayment:
		return "payment"
	case StepConfirmation:
		return "confirmation"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

func (s Step) Valid() bool { return s >= StepRoute && s <= StepConfirmation }

type Mode string

const (
	ModeOneWay    Mode = "one-way"
	ModeRoundTrip Mode = "round-trip"
	ModeMultiCity Mode = "multi-city"
)

func (m Mode) Valid() bool {
	return m == ModeOneWay || m == ModeRoundTrip || m == ModeMultiCity
}

type BookingType string

const (
	BookingTransfer BookingType = "transfer"
	BookingTrip     BookingType = "trip"
	BookingRental   BookingType = "rental"
)

type PaymentChoice string

const (
	PayFull    PaymentChoice = "full"
	PayDeposit PaymentChoice = "deposit"
)

// Route is the geographic part of a leg.
type Route struct {
	TransferType   string     `json:"transfer_type,omitempty"`
	PickupAddress  string     `json:"pickup_address"`
	PickupLat      *float64   `json:"pickup_lat"`
	PickupLng      *float64   `json:"pickup_lng"`
	DropoffAddress string     `json:"dropoff_address"`
	DropoffLat     *float64   `json:"dropoff_lat"`
	DropoffLng     *float64   `json:"dropoff_lng"`
	PickupAt       *time.Time `json:"pickup_datetime,omitempty"`
	FlightNumber   string     `json:"flight_number,omitempty"`
}

func (r Route) HasCoords() bool {
	return r.PickupLat != nil && r.PickupLng != nil && r.DropoffLat != nil && r.DropoffLng != nil
}

func (r Route) clone() Route {
	out := r
	out.PickupLat = cloneFloat(r.PickupLat)
	out.PickupLng = cloneFloat(r.PickupLng)
	out.DropoffLat = cloneFloat(r.DropoffLat)
	out.DropoffLng = cloneFloat(r.DropoffLng)
	out.PickupAt = cloneTime(r.PickupAt)
	return out
}

// Ticket holds the identifiers the backend hands out during checkout.
type Ticket struct {
	BookingID  RefID  `json:"booking_id,omitempty"`
	BookingRef string `json:"booking_ref,omitempty"`
	PaymentRef string `json:"payment_ref,omitempty"`
}

func (t Ticket) Booked() bool { return !t.BookingID.IsZero() }

// LegState is everything that belongs to a single transfer leg. The draft
// keeps one flat working copy; legs[] keeps the archived ones.
type LegState struct {
	Route
	Pricing         *Pricing        `json:"pricing_data,omitempty"`
	VehicleOptions  []VehicleOption `json:"vehicle_options,omitempty"`
	SelectedVehicle *VehicleOption  `json:"selected_vehicle,omitempty"`
	SelectedExtras  []SelectedExtra `json:"selected_extras,omitempty"`
	Quote           *Quote          `json:"quote_data,omitempty"`
	Ticket
	TotalPrice float64 `json:"total_price"`
}

func (l LegState) Clone() LegState {
	out := l
	out.Route = l.Route.clone()
	if l.Pricing != nil {
		p := *l.Pricing
		p.VehicleOptions = cloneOptions(l.Pricing.VehicleOptions)
		out.Pricing = &p
	}
	out.VehicleOptions = cloneOptions(l.VehicleOptions)
	if l.SelectedVehicle != nil {
		v := *l.SelectedVehicle
		v.Features = append([]string(nil), l.SelectedVehicle.Features...)
		out.SelectedVehicle = &v
	}
	if l.SelectedExtras != nil {
		out.SelectedExtras = append([]SelectedExtra(nil), l.SelectedExtras...)
	}
	if l.Quote != nil {
		q := *l.Quote
		out.Quote = &q
	}
	return out
}

type Leg struct {
	LegState
	IsReturnLeg bool `json:"is_return_leg,omitempty"`
}

type CheckoutStage string

const (
	StageAwaitingBooking        CheckoutStage = "awaiting_booking"
	StageAwaitingPayment        CheckoutStage = "awaiting_payment"
	StageAwaitingGatewayConfirm CheckoutStage = "awaiting_gateway_confirm"
	StageAwaitingBackendConfirm CheckoutStage = "awaiting_backend_confirm"
	StageDone                   CheckoutStage = "done"
	StageFailed                 CheckoutStage = "failed"
)

// Failure records why a checkout stopped and where it resumes.
type Failure struct {
	Stage   CheckoutStage `json:"stage"`
	Kind    string        `json:"kind"`
	Message string        `json:"message"`
}

type CheckoutState struct {
	Stage        CheckoutStage `json:"stage,omitempty"`
	Gateway      string        `json:"gateway,omitempty"`
	ClientSecret string        `json:"client_secret,omitempty"`
	RedirectURL  string        `json:"redirect_url,omitempty"`
	// PaymentStale forces a fresh create_payment on the next attempt.
	PaymentStale bool     `json:"payment_stale,omitempty"`
	Reconciling  bool     `json:"reconciling,omitempty"`
	Failure      *Failure `json:"failure,omitempty"`
	// Total and Currency are what the backend charged for the booking.
	Total    float64 `json:"total,omitempty"`
	Currency string  `json:"currency,omitempty"`
}

// Draft is the whole state of one booking session.
type Draft struct {
	SessionID       string      `json:"session_id"`
	BookingType     BookingType `json:"booking_type"`
	Step            Step        `json:"step"`
	Mode            Mode        `json:"mode"`
	CurrentLegIndex int         `json:"current_leg_index"`
	Legs            []Leg       `json:"legs"`
	ReturnToStart   bool        `json:"return_to_start,omitempty"`

	LegState

	Passengers    int           `json:"passengers"`
	Luggage       int           `json:"luggage"`
	IsRoundTrip   bool          `json:"is_round_trip"`
	ReturnAt      *time.Time    `json:"return_datetime,omitempty"`
	Extras        []Extra       `json:"extras,omitempty"`
	Coupon        *Coupon       `json:"coupon,omitempty"`
	Customer      Customer      `json:"customer"`
	Driver        *Driver       `json:"driver,omitempty"`
	Currency      string        `json:"currency"`
	PaymentChoice PaymentChoice `json:"payment_choice,omitempty"`
	Checkout      CheckoutState `json:"checkout"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// NewDraft returns the initial state of a session.
func NewDraft(sessionID string) *Draft {
	return &Draft{
		SessionID:     sessionID,
		BookingType:   BookingTransfer,
		Step:          StepRoute,
		Mode:          ModeOneWay,
		Legs:          []Leg{{}},
		Passengers:    1,
		Luggage:       1,
		Currency:      DefaultCurrency,
		PaymentChoice: PayFull,
	}
}

// Normalize repairs fields that older or damaged snapshots may lack.
func (d *Draft) Normalize() {
	if !d.Step.Valid() {
		d.Step = StepRoute
	}
	if !d.Mode.Valid() {
		d.Mode = ModeOneWay
	}
	if d.BookingType == "" {
		d.BookingType = BookingTransfer
	}
	if len(d.Legs) == 0 {
		d.Legs = []Leg{{}}
	}
	if d.CurrentLegIndex < 0 || d.CurrentLegIndex >= len(d.Legs) {
		d.CurrentLegIndex = 0
	}
	if d.Passengers < 1 {
		d.Passengers = 1
	}
	if d.Luggage < 0 {
		d.Luggage = 0
	}
	if d.Currency == "" {
		d.Currency = DefaultCurrency
	}
	if d.PaymentChoice == "" {
		d.PaymentChoice = PayFull
	}
}

// SyncLegToFlat loads leg i into the working fields.
func (d *Draft) SyncLegToFlat(i int) bool {
	if i < 0 || i >= len(d.Legs) {
		return false
	}
	d.LegState = d.Legs[i].LegState.Clone()
	return true
}

// SaveFlatToLeg archives the working fields into leg i.
func (d *Draft) SaveFlatToLeg(i int) bool {
	if i < 0 || i >= len(d.Legs) {
		return false
	}
	d.Legs[i].LegState = d.LegState.Clone()
	return true
}

func (d *Draft) RegularLegCount() int {
	n := 0
	for _, leg := range d.Legs {
		if !leg.IsReturnLeg {
			n++
		}
	}
	return n
}

// ReturnLegIndex returns -1 when there is no return-to-start leg.
func (d *Draft) ReturnLegIndex() int {
	for i, leg := range d.Legs {
		if leg.IsReturnLeg {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy that shares no memory with d.
func (d *Draft) Clone() *Draft {
	if d == nil {
		return nil
	}
	out := *d
	out.LegState = d.LegState.Clone()
	if d.Legs != nil {
		out.Legs = make([]Leg, len(d.Legs))
		for i, leg := range d.Legs {
			out.Legs[i] = Leg{LegState: leg.LegState.Clone(), IsReturnLeg: leg.IsReturnLeg}
		}
	}
	out.ReturnAt = cloneTime(d.ReturnAt)
	if d.Extras != nil {
		out.Extras = append([]Extra(nil), d.Extras...)
	}
	if d.Coupon != nil {
		c := *d.Coupon
		out.Coupon = &c
	}
	if d.Driver != nil {
		drv := *d.Driver
		out.Driver = &drv
	}
	if d.Checkout.Failure != nil {
		f := *d.Checkout.Failure
		out.Checkout.Failure = &f
	}
	return &out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneOptions(in []VehicleOption) []VehicleOption {
	if in == nil {
		return nil
	}
	out := make([]VehicleOption, len(in))
	for i, o := range in {
		o.Features = append([]string(nil), o.Features...)
		out[i] = o
	}
	return out
}

func Float(v float64) *float64 { return &v }
