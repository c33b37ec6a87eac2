package checkout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transferbook/internal/models"
)

func TestTransferPayload(t *testing.T) {
	pickup := time.Date(2026, 11, 2, 9, 30, 0, 0, time.UTC)
	ret := pickup.Add(72 * time.Hour)

	d := models.NewDraft("s1")
	d.PickupAddress = "Marrakech Menara Airport (RAK)"
	d.DropoffAddress = "Riad Yasmine, Marrakech"
	d.PickupLat, d.PickupLng = models.Float(31.6069), models.Float(-8.0363)
	d.PickupAt = &pickup
	d.Passengers = 3
	d.Luggage = 0
	d.IsRoundTrip = true
	d.ReturnAt = &ret
	d.SelectedVehicle = &models.VehicleOption{CategoryID: "4", CategoryName: "Van"}
	d.SelectedExtras = []models.SelectedExtra{{Extra: models.Extra{ID: "9"}, Quantity: 2}}
	d.Coupon = &models.Coupon{Code: "WELCOME"}

	p := TransferPayload(d)
	assert.Equal(t, models.TransferAirportPickup, p["transfer_type"])
	assert.Equal(t, "2026-11-02T09:30:00Z", p["pickup_datetime"])
	assert.Equal(t, "2026-11-05T09:30:00Z", p["return_datetime"])
	assert.Equal(t, 3, p["luggage"])
	assert.Equal(t, 31.6069, p["pickup_latitude"])
	assert.NotContains(t, p, "dropoff_latitude")
	assert.Equal(t, models.RefID("4"), p["vehicle_category_id"])
	assert.Equal(t, "WELCOME", p["coupon_code"])

	extras, ok := p["extras"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, extras, 1)
	assert.Equal(t, 2, extras[0]["quantity"])
}

func TestTransferPayloadOneWay(t *testing.T) {
	d := models.NewDraft("s1")
	d.TransferType = models.TransferCityToCity
	d.PickupAddress = "Fes"
	d.DropoffAddress = "Chefchaouen"
	ret := time.Now()
	d.ReturnAt = &ret

	p := TransferPayload(d)
	assert.Equal(t, models.TransferCityToCity, p["transfer_type"])
	assert.NotContains(t, p, "return_datetime")
	assert.NotContains(t, p, "coupon_code")
	assert.Equal(t, []map[string]any{}, p["extras"])
}

func TestTripRequest(t *testing.T) {
	r := TripRequest{TripID: 12, Date: "2026-12-01T00:00:00Z", Adults: 2, Children: 1}
	assert.Empty(t, r.Check())
	assert.Equal(t, "2026-12-01", r.Payload()["trip_date"])

	bad := TripRequest{}
	errs := bad.Check()
	require.Len(t, errs, 3)
	assert.Equal(t, "trip_id", errs[0].Field)
}

func TestRentalRequest(t *testing.T) {
	r := RentalRequest{
		VehicleID:  "17",
		City:       "Agadir",
		PickupDate: "2026-11-10",
		ReturnDate: "2026-11-14",
		Driver:     models.Driver{LicenseNumber: "AB-99", LicenseExpiry: "2030-05-01", DateOfBirth: "1988-03-03"},
	}
	assert.Empty(t, r.Check())

	p := r.Payload(models.GatewayStripe, "")
	assert.Nil(t, p["insurance_id"])
	assert.Nil(t, p["coupon_code"])
	assert.Equal(t, []models.RefID{}, p["extras"])
	assert.Equal(t, "AB-99", p["license_number"])
	assert.Equal(t, models.GatewayStripe, p["payment_gateway"])

	r.InsuranceID = "3"
	p = r.Payload(models.GatewayCash, "SUMMER")
	assert.Equal(t, models.RefID("3"), p["insurance_id"])
	assert.Equal(t, "SUMMER", p["coupon_code"])

	assert.Len(t, RentalRequest{}.Check(), 2)
}

func TestFieldErrorsString(t *testing.T) {
	errs := FieldErrors{{Field: "name", Message: "required"}, {Field: "email", Message: "invalid"}}
	assert.Equal(t, "invalid fields: name: required; email: invalid", errs.Error())
}
