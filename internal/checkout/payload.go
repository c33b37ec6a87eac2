package checkout

import (
	"strings"
	"time"

	"transferbook/internal/models"
	"transferbook/internal/pricing"
)

// TransferPayload builds the create_booking body for the working leg of d.
// Customer fields are added by the orchestrator.
func TransferPayload(d *models.Draft) map[string]any {
	transferType := d.TransferType
	if transferType == "" {
		transferType = pricing.InferTransferType(d.PickupAddress, d.DropoffAddress)
	}
	luggage := d.Luggage
	if luggage == 0 {
		luggage = d.Passengers
	}

	p := map[string]any{
		"transfer_type":   transferType,
		"pickup_address":  d.PickupAddress,
		"dropoff_address": d.DropoffAddress,
		"passengers":      d.Passengers,
		"luggage":         luggage,
		"flight_number":   d.FlightNumber,
		"is_round_trip":   d.IsRoundTrip,
	}
	setFloat(p, "pickup_latitude", d.PickupLat)
	setFloat(p, "pickup_longitude", d.PickupLng)
	setFloat(p, "dropoff_latitude", d.DropoffLat)
	setFloat(p, "dropoff_longitude", d.DropoffLng)
	if d.PickupAt != nil {
		p["pickup_datetime"] = d.PickupAt.Format(time.RFC3339)
	}
	if d.IsRoundTrip && d.ReturnAt != nil {
		p["return_datetime"] = d.ReturnAt.Format(time.RFC3339)
	}
	if d.SelectedVehicle != nil {
		p["vehicle_category_id"] = d.SelectedVehicle.CategoryID
	}

	extras := make([]map[string]any, 0, len(d.SelectedExtras))
	for _, e := range d.SelectedExtras {
		extras = append(extras, map[string]any{"extra_id": e.ID, "quantity": e.Quantity})
	}
	p["extras"] = extras

	if d.Coupon != nil {
		p["coupon_code"] = d.Coupon.Code
	}
	return p
}

func setFloat(p map[string]any, key string, v *float64) {
	if v != nil {
		p[key] = *v
	}
}

// TripRequest is the trip checkout form: the tour context plus party size.
type TripRequest struct {
	TripID        int     `json:"trip_id"`
	Date          string  `json:"date"`
	Adults        int     `json:"adults"`
	Children      int     `json:"children"`
	IsPrivate     bool    `json:"is_private"`
	PickupAddress string  `json:"pickup_address,omitempty"`
	Price         float64 `json:"price,omitempty"`
	Currency      string  `json:"currency,omitempty"`
}

func (r TripRequest) Payload() map[string]any {
	date := r.Date
	if i := strings.IndexByte(date, 'T'); i >= 0 {
		date = date[:i]
	}
	return map[string]any{
		"trip_id":        r.TripID,
		"trip_date":      date,
		"adults":         r.Adults,
		"children":       r.Children,
		"is_private":     r.IsPrivate,
		"pickup_address": r.PickupAddress,
	}
}

// Check validates the tour context before the customer form is looked at.
func (r TripRequest) Check() FieldErrors {
	var errs FieldErrors
	if r.TripID <= 0 {
		errs = append(errs, FieldError{Field: "trip_id", Message: "trip is required"})
	}
	if strings.TrimSpace(r.Date) == "" {
		errs = append(errs, FieldError{Field: "date", Message: "date is required"})
	}
	if r.Adults+r.Children < 1 {
		errs = append(errs, FieldError{Field: "adults", Message: "at least one traveller is required"})
	}
	return errs
}

// RentalRequest is the rental checkout form.
type RentalRequest struct {
	VehicleID    models.RefID   `json:"vehicle_id"`
	City         string         `json:"city"`
	PickupDate   string         `json:"pickup_date"`
	ReturnDate   string         `json:"return_date"`
	FlightNumber string         `json:"flight_number,omitempty"`
	InsuranceID  models.RefID   `json:"insurance_id,omitempty"`
	Extras       []models.RefID `json:"extras,omitempty"`
	Driver       models.Driver  `json:"driver"`
	Price        float64        `json:"price,omitempty"`
	Currency     string         `json:"currency,omitempty"`
}

func (r RentalRequest) Payload(gatewayType, couponCode string) map[string]any {
	p := map[string]any{
		"vehicle_id":      r.VehicleID,
		"city":            r.City,
		"pickup_date":     r.PickupDate,
		"return_date":     r.ReturnDate,
		"flight_number":   r.FlightNumber,
		"license_number":  r.Driver.LicenseNumber,
		"license_expiry":  r.Driver.LicenseExpiry,
		"date_of_birth":   r.Driver.DateOfBirth,
		"insurance_id":    nil,
		"extras":          r.Extras,
		"coupon_code":     nil,
		"payment_gateway": gatewayType,
	}
	if !r.InsuranceID.IsZero() {
		p["insurance_id"] = r.InsuranceID
	}
	if r.Extras == nil {
		p["extras"] = []models.RefID{}
	}
	if couponCode != "" {
		p["coupon_code"] = couponCode
	}
	return p
}

func (r RentalRequest) Check() FieldErrors {
	var errs FieldErrors
	if r.VehicleID.IsZero() {
		errs = append(errs, FieldError{Field: "vehicle_id", Message: "vehicle is required"})
	}
	if strings.TrimSpace(r.PickupDate) == "" || strings.TrimSpace(r.ReturnDate) == "" {
		errs = append(errs, FieldError{Field: "pickup_date", Message: "rental dates are required"})
	}
	return errs
}
