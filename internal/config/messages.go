package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Messages holds the customer-facing strings. Missing keys keep their
// English defaults.
type Messages struct {
	Generic          string `yaml:"generic"`
	NoRoute          string `yaml:"no_route"`
	MinBookingTime   string `yaml:"min_booking_time"`
	InvalidCoupon    string `yaml:"invalid_coupon"`
	PayPalSetup      string `yaml:"paypal_setup_failed"`
	StripeSetup      string `yaml:"stripe_setup_failed"`
	CardDeclined     string `yaml:"card_declined"`
	BookingFailed    string `yaml:"booking_failed"`
	InFlight         string `yaml:"in_flight"`
	Reconciling      string `yaml:"reconciling"`
	InvalidName      string `yaml:"invalid_name"`
	InvalidEmail     string `yaml:"invalid_email"`
	InvalidPhone     string `yaml:"invalid_phone"`
	InvalidGateway   string `yaml:"invalid_gateway"`
	LicenseRequired  string `yaml:"license_required"`
	TermsRequired    string `yaml:"terms_required"`
	MissingCoords    string `yaml:"missing_coords"`
	PickupTooSoon    string `yaml:"pickup_too_soon"`
	PickupRequired   string `yaml:"pickup_required"`
	ReturnBeforeTrip string `yaml:"return_before_pickup"`
	VehicleRequired  string `yaml:"vehicle_required"`
	TooManyLegs      string `yaml:"too_many_legs"`
	TooFewLegs       string `yaml:"too_few_legs"`
}

func DefaultMessages() Messages {
	return Messages{
		Generic:          "An error occurred. Please try again.",
		NoRoute:          "We could not find a fixed price for this route. Please contact us for a quote.",
		MinBookingTime:   "We can only accept bookings for this route with a minimum of {hours} hours notice.",
		InvalidCoupon:    "Invalid coupon code",
		PayPalSetup:      "PayPal setup failed",
		StripeSetup:      "Card payment could not be started",
		CardDeclined:     "Your card was declined.",
		BookingFailed:    "Booking could not be created",
		InFlight:         "Your booking is already being processed.",
		Reconciling:      "Payment received. Your confirmation will follow shortly.",
		InvalidName:      "Please enter your full name",
		InvalidEmail:     "Please enter a valid email address",
		InvalidPhone:     "Please enter a valid phone number",
		InvalidGateway:   "Please choose a payment method",
		LicenseRequired:  "Driver license number, expiry and date of birth are required",
		TermsRequired:    "Please accept the rental terms",
		MissingCoords:    "Please select pickup and drop-off from the suggestions",
		PickupTooSoon:    "Pickup time is too soon",
		PickupRequired:   "Please choose a pickup date and time",
		ReturnBeforeTrip: "Return must be after pickup",
		VehicleRequired:  "Please select a vehicle",
		TooManyLegs:      "You can book up to {legs} transfers at once",
		TooFewLegs:       "A multi-city trip needs at least two transfers",
	}
}

// LoadMessages reads a YAML catalog over the defaults. An empty path
// returns the defaults.
func LoadMessages(path string) (Messages, error) {
	msgs := DefaultMessages()
	if path == "" {
		return msgs, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return msgs, fmt.Errorf("failed to read messages file: %w", err)
	}

	var loaded Messages
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return msgs, fmt.Errorf("failed to parse messages file: %w", err)
	}
	msgs.merge(loaded)
	return msgs, nil
}

func (m *Messages) merge(o Messages) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&m.Generic, o.Generic)
	set(&m.NoRoute, o.NoRoute)
	set(&m.MinBookingTime, o.MinBookingTime)
	set(&m.InvalidCoupon, o.InvalidCoupon)
	set(&m.PayPalSetup, o.PayPalSetup)
	set(&m.StripeSetup, o.StripeSetup)
	set(&m.CardDeclined, o.CardDeclined)
	set(&m.BookingFailed, o.BookingFailed)
	set(&m.InFlight, o.InFlight)
	set(&m.Reconciling, o.Reconciling)
	set(&m.InvalidName, o.InvalidName)
	set(&m.InvalidEmail, o.InvalidEmail)
	set(&m.InvalidPhone, o.InvalidPhone)
	set(&m.InvalidGateway, o.InvalidGateway)
	set(&m.LicenseRequired, o.LicenseRequired)
	set(&m.TermsRequired, o.TermsRequired)
	set(&m.MissingCoords, o.MissingCoords)
	set(&m.PickupTooSoon, o.PickupTooSoon)
	set(&m.PickupRequired, o.PickupRequired)
	set(&m.ReturnBeforeTrip, o.ReturnBeforeTrip)
	set(&m.VehicleRequired, o.VehicleRequired)
	set(&m.TooManyLegs, o.TooManyLegs)
	set(&m.TooFewLegs, o.TooFewLegs)
}
