package wizard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transferbook/internal/checkout"
	"transferbook/internal/config"
	"transferbook/internal/coupon"
	"transferbook/internal/gateway"
	"transferbook/internal/gateway/gatewaytest"
	"transferbook/internal/models"
	"transferbook/internal/pricing"
	"transferbook/internal/repository"
	"transferbook/internal/session"
)

var testBooking = config.BookingConfig{
	Currency:           "MAD",
	CurrencyPosition:   "before",
	EnableRoundTrip:    true,
	EnableFlightNumber: true,
	MinLeadTime:        time.Hour,
	MaxLegs:            5,
}

type fixture struct {
	stub  *gatewaytest.Stub
	ctrl  *Controller
	repo  *repository.MemoryDraftRepository
	store *session.Store
}

func newFixture(t *testing.T, stub *gatewaytest.Stub, opts ...checkout.Option) *fixture {
	t.Helper()
	msgs := config.DefaultMessages()
	logger := zerolog.Nop()

	orch := checkout.New(stub, config.CheckoutConfig{ReturnURL: "https://example.ma/checkout/"}, msgs, &logger, opts...)
	ctrl := New(
		pricing.NewResolver(stub, testBooking, msgs, &logger),
		coupon.NewResolver(stub, msgs.InvalidCoupon, &logger),
		orch, testBooking, msgs, &logger,
	)
	repo := repository.NewMemoryDraftRepository(time.Hour)
	return &fixture{stub: stub, ctrl: ctrl, repo: repo, store: session.NewStore(repo, "sess-w", &logger)}
}

func pricingFixed() map[string]any {
	return map[string]any{
		"pricing_type":       "fixed",
		"deposit_percentage": "30.00",
		"vehicle_options": []map[string]any{
			{"category_id": 1, "category_name": "Sedan", "price": "500.00", "passengers": 3},
			{"category_id": 2, "category_name": "Van", "price": "800.00", "passengers": 7},
		},
	}
}

func extrasList() []map[string]any {
	return []map[string]any{
		{"id": 11, "name": "Child seat", "price": "100", "is_per_item": true},
		{"id": 12, "name": "Meet and greet", "price": "50", "is_per_item": false},
	}
}

func catalogStub() *gatewaytest.Stub {
	return gatewaytest.New().
		On("get_pricing", pricingFixed()).
		On("get_extras", extrasList()).
		On("get_quote", map[string]any{"total_price": "700.00", "currency": "MAD"})
}

func marrakechEssaouira(pickup time.Time) RouteInput {
	return RouteInput{
		Route: models.Route{
			PickupAddress:  "Marrakech, Jemaa el-Fna",
			PickupLat:      models.Float(31.6258),
			PickupLng:      models.Float(-7.9891),
			DropoffAddress: "Essaouira, Medina",
			DropoffLat:     models.Float(31.5125),
			DropoffLng:     models.Float(-9.7700),
			PickupAt:       &pickup,
		},
		Passengers: 2,
	}
}

// toVehicle fills the route and enters the Vehicle step.
func (f *fixture) toVehicle(t *testing.T) *models.Draft {
	t.Helper()
	ctx := context.Background()
	_, err := f.ctrl.SetRoute(ctx, f.store, 0, marrakechEssaouira(time.Now().Add(72*time.Hour)))
	require.NoError(t, err)
	d, err := f.ctrl.SubmitRoute(ctx, f.store)
	require.NoError(t, err)
	require.Equal(t, models.StepVehicle, d.Step)
	return d
}

// toPayment selects Sedan plus two child seats and enters Payment.
func (f *fixture) toPayment(t *testing.T) *models.Draft {
	t.Helper()
	ctx := context.Background()
	f.toVehicle(t)
	_, err := f.ctrl.SelectVehicle(ctx, f.store, "1")
	require.NoError(t, err)
	_, err = f.ctrl.ToggleExtra(ctx, f.store, "11")
	require.NoError(t, err)
	_, err = f.ctrl.SetExtraQuantity(ctx, f.store, "11", 2)
	require.NoError(t, err)
	d, err := f.ctrl.ToPayment(ctx, f.store)
	require.NoError(t, err)
	_, err = f.ctrl.SetCustomer(ctx, f.store, models.Customer{Name: "Amina Alaoui", Email: "amina@example.ma", Phone: "+212 600 123 456"})
	require.NoError(t, err)
	return d
}

func TestVehicleSelectionTotals(t *testing.T) {
	f := newFixture(t, catalogStub())
	ctx := context.Background()

	d := f.toVehicle(t)
	assert.Len(t, d.VehicleOptions, 2)
	assert.Len(t, d.Extras, 2)
	assert.Equal(t, float64(2), f.stub.Calls("get_pricing")[0].Params["passengers"])

	_, err := f.ctrl.SelectVehicle(ctx, f.store, "1")
	require.NoError(t, err)
	assert.Equal(t, float64(1), f.stub.Calls("get_extras")[1].Params["vehicle_category_id"])

	_, err = f.ctrl.ToggleExtra(ctx, f.store, "11")
	require.NoError(t, err)
	d, err = f.ctrl.SetExtraQuantity(ctx, f.store, "11", 2)
	require.NoError(t, err)

	assert.Equal(t, 700.0, d.TotalPrice)
	require.NotNil(t, d.Quote)
	assert.Equal(t, 700.0, d.Quote.TotalPrice.Float())

	sum := f.ctrl.Summary(d)
	assert.Equal(t, "MAD 700", sum.Total)
	assert.Equal(t, "MAD 210", sum.Deposit)
	assert.Equal(t, "vehicle", sum.Step)

	// quantity is clamped
	d, err = f.ctrl.SetExtraQuantity(ctx, f.store, "11", 40)
	require.NoError(t, err)
	assert.Equal(t, models.MaxExtraQuantity, d.SelectedExtras[0].Quantity)
}

func TestCouponApplyAndRemove(t *testing.T) {
	stub := catalogStub().
		On("validate_coupon", map[string]any{"valid": true, "discount_amount": 70}).
		On("validate_coupon", map[string]any{"valid": false, "message": "Coupon expired"})
	f := newFixture(t, stub)
	ctx := context.Background()
	f.toPayment(t)

	d, err := f.ctrl.ApplyCoupon(ctx, f.store, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 630.0, d.TotalPrice)
	params := stub.Calls("validate_coupon")[0].Params
	assert.Equal(t, "SAVE10", params["code"])
	assert.Equal(t, 700.0, params["amount"])
	assert.Equal(t, "transfer", params["booking_type"])

	d, err = f.ctrl.ApplyCoupon(ctx, f.store, "OLDCODE")
	assert.Equal(t, "Coupon expired", gateway.Message(err, ""))
	require.NotNil(t, d.Coupon)
	assert.Equal(t, "SAVE10", d.Coupon.Code)
	assert.Equal(t, 630.0, f.store.GetAll().TotalPrice)

	d, err = f.ctrl.RemoveCoupon(ctx, f.store)
	require.NoError(t, err)
	assert.Nil(t, d.Coupon)
	assert.Equal(t, 700.0, d.TotalPrice)
}

func TestQuoteFailureKeepsPricingTotal(t *testing.T) {
	stub := gatewaytest.New().
		On("get_pricing", pricingFixed()).
		On("get_extras", extrasList()).
		Fail("get_quote", gateway.NewError(gateway.KindTransport, "An error occurred. Please try again."))
	f := newFixture(t, stub)
	ctx := context.Background()
	f.toVehicle(t)

	d, err := f.ctrl.SelectVehicle(ctx, f.store, "1")
	require.NoError(t, err)
	_, err = f.ctrl.ToggleExtra(ctx, f.store, "11")
	require.NoError(t, err)
	d, err = f.ctrl.SetExtraQuantity(ctx, f.store, "11", 2)
	require.NoError(t, err)

	assert.Nil(t, d.Quote)
	assert.Equal(t, 700.0, d.TotalPrice)
	assert.Equal(t, "MAD 700", f.ctrl.Summary(d).Total)
	assert.GreaterOrEqual(t, stub.Count("get_quote"), 1)
}

func TestStepGates(t *testing.T) {
	ctx := context.Background()

	t.Run("PaymentNeedsVehicle", func(t *testing.T) {
		f := newFixture(t, catalogStub())
		f.toVehicle(t)
		d, err := f.ctrl.ToPayment(ctx, f.store)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, "Please select a vehicle", gateway.Message(err, ""))
		assert.Equal(t, models.StepVehicle, d.Step)
	})

	t.Run("MinimumLeadTime", func(t *testing.T) {
		f := newFixture(t, catalogStub())
		_, err := f.ctrl.SetRoute(ctx, f.store, 0, marrakechEssaouira(time.Now().Add(30*time.Minute)))
		require.NoError(t, err)
		d, err := f.ctrl.SubmitRoute(ctx, f.store)
		require.Error(t, err)
		assert.Contains(t, gateway.Message(err, ""), "1 hours")
		assert.Equal(t, models.StepRoute, d.Step)
		assert.Empty(t, f.stub.Operations())
	})

	t.Run("RouteMinimumHours", func(t *testing.T) {
		p := pricingFixed()
		p["min_booking_hours"] = 24
		f := newFixture(t, gatewaytest.New().On("get_pricing", p).On("get_extras", extrasList()))
		_, err := f.ctrl.SetRoute(ctx, f.store, 0, marrakechEssaouira(time.Now().Add(3*time.Hour)))
		require.NoError(t, err)
		d, err := f.ctrl.SubmitRoute(ctx, f.store)
		var lt *pricing.LeadTimeError
		require.True(t, errors.As(err, &lt))
		assert.Contains(t, err.Error(), "24 hours")
		assert.Equal(t, models.StepRoute, d.Step)
	})

	t.Run("MissingCoordinates", func(t *testing.T) {
		f := newFixture(t, catalogStub())
		in := marrakechEssaouira(time.Now().Add(72 * time.Hour))
		in.DropoffLat = nil
		_, err := f.ctrl.SetRoute(ctx, f.store, 0, in)
		require.NoError(t, err)
		_, err = f.ctrl.SubmitRoute(ctx, f.store)
		assert.Equal(t, config.DefaultMessages().MissingCoords, gateway.Message(err, ""))
		assert.Empty(t, f.stub.Operations())
	})

	t.Run("ReturnBeforePickup", func(t *testing.T) {
		f := newFixture(t, catalogStub())
		_, err := f.ctrl.SetMode(ctx, f.store, models.ModeRoundTrip)
		require.NoError(t, err)
		in := marrakechEssaouira(time.Now().Add(72 * time.Hour))
		earlier := time.Now().Add(48 * time.Hour)
		in.ReturnAt = &earlier
		_, err = f.ctrl.SetRoute(ctx, f.store, 0, in)
		require.NoError(t, err)
		_, err = f.ctrl.SubmitRoute(ctx, f.store)
		assert.Equal(t, config.DefaultMessages().ReturnBeforeTrip, gateway.Message(err, ""))
	})

	t.Run("NoRouteNotice", func(t *testing.T) {
		stub := gatewaytest.New().
			On("get_pricing", map[string]any{"pricing_type": "calculated", "vehicle_options": []any{}}).
			On("get_extras", []any{})
		f := newFixture(t, stub)
		f.ctrl.pricing = pricing.NewResolver(stub, config.BookingConfig{ShowNoRouteMessage: true}, config.DefaultMessages(), nil)
		_, err := f.ctrl.SetRoute(ctx, f.store, 0, marrakechEssaouira(time.Now().Add(72*time.Hour)))
		require.NoError(t, err)
		_, err = f.ctrl.SubmitRoute(ctx, f.store)
		assert.ErrorIs(t, err, pricing.ErrNoRoute)
	})

	t.Run("RouteEditOnlyAtRouteStep", func(t *testing.T) {
		f := newFixture(t, catalogStub())
		f.toVehicle(t)
		_, err := f.ctrl.SetRoute(ctx, f.store, 0, marrakechEssaouira(time.Now().Add(96*time.Hour)))
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestRoundTripDoublesBase(t *testing.T) {
	f := newFixture(t, catalogStub())
	ctx := context.Background()

	_, err := f.ctrl.SetMode(ctx, f.store, models.ModeRoundTrip)
	require.NoError(t, err)
	in := marrakechEssaouira(time.Now().Add(72 * time.Hour))
	back := time.Now().Add(120 * time.Hour)
	in.ReturnAt = &back
	_, err = f.ctrl.SetRoute(ctx, f.store, 0, in)
	require.NoError(t, err)
	_, err = f.ctrl.SubmitRoute(ctx, f.store)
	require.NoError(t, err)
	_, err = f.ctrl.SelectVehicle(ctx, f.store, "1")
	require.NoError(t, err)
	d, err := f.ctrl.ToggleExtra(ctx, f.store, "12")
	require.NoError(t, err)

	assert.True(t, d.IsRoundTrip)
	assert.Equal(t, 1050.0, d.TotalPrice)
}

func TestCategoryChangeClearsExtras(t *testing.T) {
	f := newFixture(t, catalogStub())
	ctx := context.Background()
	f.toVehicle(t)

	_, err := f.ctrl.SelectVehicle(ctx, f.store, "1")
	require.NoError(t, err)
	d, err := f.ctrl.ToggleExtra(ctx, f.store, "11")
	require.NoError(t, err)
	require.Len(t, d.SelectedExtras, 1)

	d, err = f.ctrl.SelectVehicle(ctx, f.store, "2")
	require.NoError(t, err)
	assert.Empty(t, d.SelectedExtras)
	assert.Equal(t, 800.0, d.TotalPrice)
	calls := f.stub.Calls("get_extras")
	assert.Equal(t, float64(2), calls[len(calls)-1].Params["vehicle_category_id"])

	_, err = f.ctrl.SelectVehicle(ctx, f.store, "99")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// same category again does not refetch
	before := f.stub.Count("get_extras")
	_, err = f.ctrl.SelectVehicle(ctx, f.store, "2")
	require.NoError(t, err)
	assert.Equal(t, before, f.stub.Count("get_extras"))
}

func TestBackKeepsSelections(t *testing.T) {
	f := newFixture(t, catalogStub())
	ctx := context.Background()
	f.toPayment(t)

	d, err := f.ctrl.Back(ctx, f.store)
	require.NoError(t, err)
	assert.Equal(t, models.StepVehicle, d.Step)
	require.NotNil(t, d.SelectedVehicle)

	d, err = f.ctrl.Back(ctx, f.store)
	require.NoError(t, err)
	assert.Equal(t, models.StepRoute, d.Step)

	_, err = f.ctrl.Back(ctx, f.store)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	d, err = f.ctrl.SubmitRoute(ctx, f.store)
	require.NoError(t, err)
	require.NotNil(t, d.SelectedVehicle)
	assert.Equal(t, models.RefID("1"), d.SelectedVehicle.CategoryID)
	require.Len(t, d.SelectedExtras, 1)
	assert.Equal(t, 2, d.SelectedExtras[0].Quantity)
	assert.Equal(t, 700.0, d.TotalPrice)
	assert.Equal(t, "Amina Alaoui", d.Customer.Name)
}

func bookingStub() *gatewaytest.Stub {
	return catalogStub().
		On("create_booking", map[string]any{"id": 41, "booking_ref": "TR-0041", "total_price": "700.00", "currency": "MAD"}).
		On("create_payment", map[string]any{"payment_ref": "PAY-1"}).
		On("confirm_payment", nil)
}

func TestCashSubmitReachesConfirmation(t *testing.T) {
	f := newFixture(t, bookingStub())
	ctx := context.Background()
	f.toPayment(t)

	d, err := f.ctrl.Submit(ctx, f.store, models.GatewayCash, "")
	require.NoError(t, err)
	assert.Equal(t, models.StepConfirmation, d.Step)

	sum := f.ctrl.Summary(d)
	assert.Equal(t, []string{"TR-0041"}, sum.BookingRefs)
	assert.Equal(t, models.StageDone, sum.Stage)

	booking := f.stub.Calls("create_booking")[0].Params
	assert.Equal(t, "Marrakech, Jemaa el-Fna", booking["pickup_address"])
	assert.Equal(t, float64(1), booking["vehicle_category_id"])
	assert.Equal(t, "Amina Alaoui", booking["customer_name"])

	// a second submit after confirmation books nothing
	_, err = f.ctrl.Submit(ctx, f.store, models.GatewayCash, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, f.stub.Count("create_booking"))

	// the confirmation survives a reload
	reloaded := session.NewStore(f.repo, "sess-w", f.ctrl.logger).Load(ctx)
	assert.Equal(t, models.StepConfirmation, reloaded.Step)
	assert.Equal(t, "TR-0041", reloaded.BookingRef)
}

func TestOverlappingSubmitsBookOnce(t *testing.T) {
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	stub := bookingStub().Before("create_booking", func() {
		once.Do(func() { close(entered) })
		<-proceed
	})
	f := newFixture(t, stub)
	ctx := context.Background()
	f.toPayment(t)

	first := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Submit(ctx, f.store, models.GatewayCash, "")
		first <- err
	}()
	<-entered

	// второй запрос той же сессии, пока первый ждёт бэкенд
	d, err := f.ctrl.Submit(ctx, f.store, models.GatewayCash, "")
	assert.ErrorIs(t, err, checkout.ErrInFlight)
	assert.Equal(t, models.StepPayment, d.Step)

	close(proceed)
	require.NoError(t, <-first)

	// the slot is held until the ticket is stored, so a retry sees the booking
	d, err = f.ctrl.Submit(ctx, f.store, models.GatewayCash, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, models.StepConfirmation, d.Step)
	assert.Equal(t, 1, stub.Count("create_booking"))
	assert.Equal(t, 1, stub.Count("create_payment"))
}

func TestSubmitValidationKeepsPaymentStep(t *testing.T) {
	f := newFixture(t, bookingStub())
	ctx := context.Background()
	f.toPayment(t)
	_, err := f.ctrl.SetCustomer(ctx, f.store, models.Customer{Name: "Amina", Email: "not-an-email", Phone: "+212 600 123 456"})
	require.NoError(t, err)

	d, err := f.ctrl.Submit(ctx, f.store, models.GatewayCash, "")
	assert.Equal(t, "Please enter a valid email address", gateway.Message(err, ""))
	assert.Equal(t, models.StepPayment, d.Step)
	assert.Zero(t, f.stub.Count("create_booking"))
}

type okCards struct{ declineFirst bool }

func (c *okCards) ConfirmCardPayment(ctx context.Context, clientSecret, paymentMethod string) error {
	if c.declineFirst {
		c.declineFirst = false
		return &gateway.ErrorInfo{Kind: gateway.KindGateway, Message: "Your card has insufficient funds."}
	}
	return nil
}

func TestCardPaymentThroughWizard(t *testing.T) {
	stub := catalogStub().
		On("create_booking", map[string]any{"id": 41, "booking_ref": "TR-0041"}).
		On("create_payment", map[string]any{"payment_ref": "PAY-1", "client_secret": "pi_1_secret_x"}).
		On("confirm_payment", nil)
	f := newFixture(t, stub, checkout.WithCardConfirmer(&okCards{declineFirst: true}))
	ctx := context.Background()
	f.toPayment(t)

	d, err := f.ctrl.Submit(ctx, f.store, models.GatewayStripe, "")
	require.NoError(t, err)
	assert.Equal(t, models.StepPayment, d.Step)
	assert.Equal(t, "pi_1_secret_x", f.ctrl.Summary(d).ClientSecret)

	d, err = f.ctrl.ConfirmCard(ctx, f.store, "pm_1")
	assert.Equal(t, "Your card has insufficient funds.", gateway.Message(err, ""))
	assert.Equal(t, models.StepPayment, d.Step)
	require.NotNil(t, d.Checkout.Failure)

	d, err = f.ctrl.ConfirmCard(ctx, f.store, "pm_2")
	require.NoError(t, err)
	assert.Equal(t, models.StepConfirmation, d.Step)
	assert.Equal(t, 1, stub.Count("create_booking"))
	assert.Equal(t, 1, stub.Count("create_payment"))
}

func TestPayPalReturnOnFreshSession(t *testing.T) {
	stub := gatewaytest.New().
		On("get_booking_by_ref", map[string]any{"id": 77, "booking_ref": "TR-0077"}).
		On("confirm_payment", nil)
	f := newFixture(t, stub)

	d, err := f.ctrl.ResumeRedirect(context.Background(), f.store, "TR-0077", "PAYER-5")
	require.NoError(t, err)
	assert.Equal(t, models.StepConfirmation, d.Step)
	assert.Equal(t, []string{"TR-0077"}, f.ctrl.Summary(d).BookingRefs)
	assert.Equal(t, "PAYER-5", stub.Calls("confirm_payment")[0].Params["payer_id"])
}

func TestStartOver(t *testing.T) {
	f := newFixture(t, bookingStub())
	ctx := context.Background()
	f.toPayment(t)
	_, err := f.ctrl.Submit(ctx, f.store, models.GatewayCash, "")
	require.NoError(t, err)

	d := f.ctrl.StartOver(ctx, f.store)
	assert.Equal(t, models.StepRoute, d.Step)
	assert.Len(t, d.Legs, 1)
	assert.Empty(t, d.BookingRef)

	reloaded := session.NewStore(f.repo, "sess-w", f.ctrl.logger).Load(ctx)
	assert.Equal(t, models.StepRoute, reloaded.Step)
}

func TestTripCheckout(t *testing.T) {
	stub := gatewaytest.New().
		On("create_trip_booking", map[string]any{"id": 5, "booking_ref": "TRIP-5", "total_price": "1200.00"}).
		On("create_payment", map[string]any{"payment_ref": "PAY-T"}).
		On("confirm_payment", nil)
	f := newFixture(t, stub)
	ctx := context.Background()

	in := TripCheckout{
		TripRequest: checkout.TripRequest{TripID: 3, Date: "2026-12-01", Adults: 2, Price: 1200},
		Customer:    models.Customer{Name: "Youssef", Email: "y@example.ma", Phone: "0600000000"},
		Gateway:     models.GatewayCash,
	}
	d, err := f.ctrl.CheckoutTrip(ctx, f.store, in)
	require.NoError(t, err)
	assert.Equal(t, models.BookingTrip, d.BookingType)
	assert.Equal(t, models.StepConfirmation, d.Step)
	assert.Equal(t, 1200.0, d.TotalPrice)
	assert.Equal(t, "MAD 1200", f.ctrl.Summary(d).Total)
	assert.Equal(t, "trip", stub.Calls("create_payment")[0].Params["booking_type"])

	// repeated submit of a finished trip books nothing
	_, err = f.ctrl.CheckoutTrip(ctx, f.store, in)
	require.NoError(t, err)
	assert.Equal(t, 1, stub.Count("create_trip_booking"))

	_, err = f.ctrl.CheckoutTrip(ctx, f.store, TripCheckout{})
	assert.True(t, gateway.IsKind(err, gateway.KindValidation))
}

func TestRentalCheckoutNeedsDriver(t *testing.T) {
	stub := gatewaytest.New()
	f := newFixture(t, stub)

	in := RentalCheckout{
		RentalRequest: checkout.RentalRequest{
			VehicleID:  "17",
			City:       "Agadir",
			PickupDate: "2026-11-10",
			ReturnDate: "2026-11-14",
			Driver:     models.Driver{LicenseNumber: "AB-99", LicenseExpiry: "2030-05-01", DateOfBirth: "1988-03-03"},
		},
		Customer: models.Customer{Name: "Sara", Email: "sara@example.ma", Phone: "+212 611 222 333"},
		Gateway:  models.GatewayCash,
	}
	_, err := f.ctrl.CheckoutRental(context.Background(), f.store, in)
	assert.Equal(t, "Please accept the rental terms", gateway.Message(err, ""))
	assert.Empty(t, stub.Operations())
}

func TestRentalCheckout(t *testing.T) {
	stub := gatewaytest.New().
		On("rental_create", map[string]any{"id": 8, "reference": "RC-8", "total_price": 2400}).
		On("create_payment", map[string]any{"payment_ref": "PAY-R"}).
		On("confirm_payment", nil)
	f := newFixture(t, stub)

	in := RentalCheckout{
		RentalRequest: checkout.RentalRequest{
			VehicleID:  "17",
			City:       "Agadir",
			PickupDate: "2026-11-10",
			ReturnDate: "2026-11-14",
			Driver:     models.Driver{LicenseNumber: "AB-99", LicenseExpiry: "2030-05-01", DateOfBirth: "1988-03-03", TermsAccepted: true},
		},
		Customer:   models.Customer{Name: "Sara", Email: "sara@example.ma", Phone: "+212 611 222 333"},
		Gateway:    models.GatewayCash,
		CouponCode: "SUMMER",
	}
	d, err := f.ctrl.CheckoutRental(context.Background(), f.store, in)
	require.NoError(t, err)
	assert.Equal(t, models.StepConfirmation, d.Step)
	assert.Equal(t, "RC-8", d.BookingRef)
	require.NotNil(t, d.Driver)
	assert.Equal(t, "AB-99", d.Driver.LicenseNumber)

	create := stub.Calls("rental_create")[0].Params
	assert.Equal(t, "SUMMER", create["coupon_code"])
	assert.Equal(t, "cash", create["payment_gateway"])
	assert.Equal(t, "SUMMER", stub.Calls("create_payment")[0].Params["coupon_code"])
}

func TestMultiCityTwoLegs(t *testing.T) {
	stub := catalogStub().
		On("create_booking", map[string]any{"id": 1, "booking_ref": "TR-1"}).
		On("create_booking", map[string]any{"id": 2, "booking_ref": "TR-2"}).
		On("create_payment", map[string]any{"payment_ref": "PAY-1"}).
		On("confirm_payment", nil)
	f := newFixture(t, stub)
	ctx := context.Background()

	_, err := f.ctrl.SetRoute(ctx, f.store, 0, marrakechEssaouira(time.Now().Add(72*time.Hour)))
	require.NoError(t, err)
	d, err := f.ctrl.SetMode(ctx, f.store, models.ModeMultiCity)
	require.NoError(t, err)
	require.Len(t, d.Legs, 2)
	assert.Equal(t, "Essaouira, Medina", d.Legs[1].PickupAddress)

	second := time.Now().Add(120 * time.Hour)
	_, err = f.ctrl.SetRoute(ctx, f.store, 1, RouteInput{Route: models.Route{
		PickupAddress:  "Essaouira, Medina",
		PickupLat:      models.Float(31.5125),
		PickupLng:      models.Float(-9.7700),
		DropoffAddress: "Agadir, Marina",
		DropoffLat:     models.Float(30.4202),
		DropoffLng:     models.Float(-9.6326),
		PickupAt:       &second,
	}})
	require.NoError(t, err)

	// leg limits
	for i := 0; i < 3; i++ {
		_, err = f.ctrl.AddLeg(ctx, f.store)
		require.NoError(t, err)
	}
	_, err = f.ctrl.AddLeg(ctx, f.store)
	assert.Equal(t, "You can book up to 5 transfers at once", gateway.Message(err, ""))
	for i := 0; i < 3; i++ {
		_, err = f.ctrl.RemoveLeg(ctx, f.store, 2)
		require.NoError(t, err)
	}
	_, err = f.ctrl.RemoveLeg(ctx, f.store, 1)
	assert.Equal(t, config.DefaultMessages().TooFewLegs, gateway.Message(err, ""))

	// return to start follows the first pickup
	d, err = f.ctrl.SetReturnToStart(ctx, f.store, true)
	require.NoError(t, err)
	require.Len(t, d.Legs, 3)
	assert.True(t, d.Legs[2].IsReturnLeg)
	assert.Equal(t, "Agadir, Marina", d.Legs[2].PickupAddress)
	assert.Equal(t, "Marrakech, Jemaa el-Fna", d.Legs[2].DropoffAddress)
	d, err = f.ctrl.SetReturnToStart(ctx, f.store, false)
	require.NoError(t, err)
	require.Len(t, d.Legs, 2)

	d, err = f.ctrl.SubmitRoute(ctx, f.store)
	require.NoError(t, err)
	assert.Equal(t, 0, d.CurrentLegIndex)

	pay := func() *models.Draft {
		_, err := f.ctrl.SelectVehicle(ctx, f.store, "1")
		require.NoError(t, err)
		_, err = f.ctrl.ToPayment(ctx, f.store)
		require.NoError(t, err)
		_, err = f.ctrl.SetCustomer(ctx, f.store, models.Customer{Name: "Amina Alaoui", Email: "amina@example.ma", Phone: "+212 600 123 456"})
		require.NoError(t, err)
		d, err := f.ctrl.Submit(ctx, f.store, models.GatewayCash, "")
		require.NoError(t, err)
		return d
	}

	d = pay()
	assert.Equal(t, models.StepVehicle, d.Step)
	assert.Equal(t, 1, d.CurrentLegIndex)
	assert.Equal(t, "Agadir, Marina", d.DropoffAddress)
	assert.Len(t, d.VehicleOptions, 2)
	assert.Equal(t, 2, stub.Count("get_pricing"))

	// a booked leg is frozen
	_, err = f.ctrl.Back(ctx, f.store)
	require.NoError(t, err)
	_, err = f.ctrl.SetRoute(ctx, f.store, 0, marrakechEssaouira(time.Now().Add(96*time.Hour)))
	assert.Equal(t, "This transfer is already booked", gateway.Message(err, ""))
	d, err = f.ctrl.SubmitRoute(ctx, f.store)
	require.NoError(t, err)
	assert.Equal(t, 1, d.CurrentLegIndex)

	d = pay()
	assert.Equal(t, models.StepConfirmation, d.Step)
	assert.Equal(t, []string{"TR-1", "TR-2"}, f.ctrl.Summary(d).BookingRefs)
	assert.Equal(t, 2, stub.Count("create_booking"))
	assert.Equal(t, "Agadir, Marina", stub.Calls("create_booking")[1].Params["dropoff_address"])
}
