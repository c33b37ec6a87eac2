package checkout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"transferbook/internal/config"
	"transferbook/internal/events"
	"transferbook/internal/gateway"
	"transferbook/internal/gateway/gatewaytest"
	"transferbook/internal/models"
	"transferbook/internal/pricing"
)

type mockCards struct{ mock.Mock }

func (m *mockCards) ConfirmCardPayment(ctx context.Context, clientSecret, paymentMethod string) error {
	args := m.Called(ctx, clientSecret, paymentMethod)
	return args.Error(0)
}

type mockReconciler struct{ mock.Mock }

func (m *mockReconciler) EnqueueConfirm(ctx context.Context, bookingRef string, payload models.ConfirmPayload) error {
	args := m.Called(ctx, bookingRef, payload)
	return args.Error(0)
}

func (m *mockReconciler) EnqueueSheetsAppend(ctx context.Context, bookingRef string) error {
	args := m.Called(ctx, bookingRef)
	return args.Error(0)
}

type mockJournal struct{ mock.Mock }

func (m *mockJournal) RecordBooking(ctx context.Context, rec *models.BookingRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *mockJournal) UpdatePayment(ctx context.Context, bookingRef, paymentRef, gw string, paidAmount float64) error {
	args := m.Called(ctx, bookingRef, paymentRef, gw, paidAmount)
	return args.Error(0)
}

func (m *mockJournal) UpdateStatus(ctx context.Context, bookingRef, status string) error {
	args := m.Called(ctx, bookingRef, status)
	return args.Error(0)
}

func (m *mockJournal) GetBookingByRef(ctx context.Context, bookingRef string) (*models.BookingRecord, error) {
	args := m.Called(ctx, bookingRef)
	rec, _ := args.Get(0).(*models.BookingRecord)
	return rec, args.Error(1)
}

func (m *mockJournal) ListBookings(ctx context.Context, from, to time.Time) ([]*models.BookingRecord, error) {
	args := m.Called(ctx, from, to)
	recs, _ := args.Get(0).([]*models.BookingRecord)
	return recs, args.Error(1)
}

type recorder struct {
	mu    sync.Mutex
	types []string
}

func (r *recorder) attach(bus *events.EventBus) {
	for _, t := range events.CheckoutTypes {
		bus.Subscribe(t, func(ev *events.Event) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.types = append(r.types, ev.Type)
			return nil
		})
	}
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

var testCheckoutCfg = config.CheckoutConfig{
	ReturnURL:                "https://example.ma/checkout/",
	CancelURL:                "https://example.ma/checkout/?cancelled=1",
	RecreatePaymentOnDecline: map[string]bool{},
}

func newOrder(gw string) *Order {
	return &Order{
		SessionID:   "sess-1",
		BookingType: models.BookingTransfer,
		Customer:    models.Customer{Name: "Amina Alaoui", Email: "amina@example.ma", Phone: "+212 600 123 456"},
		Gateway:     gw,
		Choice:      models.PayFull,
		Amounts:     pricing.Breakdown{Total: 700, Currency: "MAD"},
		Payload:     map[string]any{"pickup_address": "Marrakech", "dropoff_address": "Essaouira"},
		Pickup:      "Marrakech",
		Dropoff:     "Essaouira",
	}
}

func bookingOK() map[string]any {
	return map[string]any{"id": 41, "booking_ref": "TR-0041", "total_price": "700.00", "currency": "MAD"}
}

func TestCashCheckout(t *testing.T) {
	stub := gatewaytest.New().
		On("create_booking", bookingOK()).
		On("create_payment", map[string]any{"payment_ref": "PAY-1"}).
		On("confirm_payment", map[string]any{"status": "confirmed"})

	journal := &mockJournal{}
	journal.On("RecordBooking", mock.Anything, mock.MatchedBy(func(r *models.BookingRecord) bool {
		return r.BookingRef == "TR-0041" && r.Status == models.StatusCreated && r.TotalPrice == 700
	})).Return(nil)
	journal.On("UpdatePayment", mock.Anything, "TR-0041", "PAY-1", "cash", 700.0).Return(nil)
	journal.On("UpdateStatus", mock.Anything, "TR-0041", models.StatusConfirmed).Return(nil)

	rec := &mockReconciler{}
	rec.On("EnqueueSheetsAppend", mock.Anything, "TR-0041").Return(nil)

	bus := events.NewEventBus(nil)
	seen := &recorder{}
	seen.attach(bus)

	o := New(stub, testCheckoutCfg, config.DefaultMessages(), nil,
		WithJournal(journal), WithReconciler(rec), WithEvents(bus))

	var ticket models.Ticket
	var st models.CheckoutState
	require.NoError(t, o.Submit(context.Background(), newOrder(models.GatewayCash), &ticket, &st, ""))

	assert.Equal(t, []string{"create_booking", "create_payment", "confirm_payment"}, stub.Operations())
	assert.Equal(t, 1, stub.Count("create_booking"))
	assert.Equal(t, 1, stub.Count("create_payment"))
	assert.Equal(t, models.StageDone, st.Stage)
	assert.Equal(t, "TR-0041", ticket.BookingRef)
	assert.Equal(t, models.RefID("41"), ticket.BookingID)
	assert.Equal(t, "PAY-1", ticket.PaymentRef)
	assert.Equal(t, 700.0, st.Total)
	assert.False(t, st.Reconciling)
	assert.Equal(t, []string{events.EventBookingCreated, events.EventPaymentCreated, events.EventPaymentConfirmed}, seen.seen())

	booking := stub.Calls("create_booking")[0].Params
	assert.Equal(t, "Amina Alaoui", booking["customer_name"])
	assert.Equal(t, "Marrakech", booking["pickup_address"])

	payment := stub.Calls("create_payment")[0].Params
	assert.Equal(t, "transfer", payment["booking_type"])
	assert.Equal(t, float64(41), payment["booking_id"])
	assert.Equal(t, "https://example.ma/checkout/?paypal_return=1&ref=TR-0041", payment["return_url"])
	assert.NotContains(t, payment, "payment_amount")

	journal.AssertExpectations(t)
	rec.AssertExpectations(t)

	// a completed checkout is not driven again
	require.NoError(t, o.Submit(context.Background(), newOrder(models.GatewayCash), &ticket, &st, ""))
	assert.Equal(t, 1, stub.Count("create_booking"))
}

func TestStripeDeclineThenRetry(t *testing.T) {
	stub := gatewaytest.New().
		On("create_booking", bookingOK()).
		On("create_payment", map[string]any{"payment_ref": "PAY-7", "client_secret": "pi_7_secret_x"}).
		On("confirm_payment", nil)

	cards := &mockCards{}
	cards.On("ConfirmCardPayment", mock.Anything, "pi_7_secret_x", "pm_bad").
		Return(&gateway.ErrorInfo{Kind: gateway.KindGateway, Message: "Your card has insufficient funds."}).Once()
	cards.On("ConfirmCardPayment", mock.Anything, "pi_7_secret_x", "pm_good").Return(nil).Once()

	o := New(stub, testCheckoutCfg, config.DefaultMessages(), nil, WithCardConfirmer(cards))
	order := newOrder(models.GatewayStripe)
	var ticket models.Ticket
	var st models.CheckoutState

	// first pass stops for card entry
	require.NoError(t, o.Submit(context.Background(), order, &ticket, &st, ""))
	assert.Equal(t, models.StageAwaitingGatewayConfirm, st.Stage)
	assert.Equal(t, "pi_7_secret_x", st.ClientSecret)

	err := o.Submit(context.Background(), order, &ticket, &st, "pm_bad")
	require.Error(t, err)
	assert.Equal(t, "Your card has insufficient funds.", gateway.Message(err, ""))
	assert.True(t, gateway.IsKind(err, gateway.KindGateway))
	assert.Equal(t, models.StageFailed, st.Stage)
	require.NotNil(t, st.Failure)
	assert.Equal(t, models.StageAwaitingGatewayConfirm, st.Failure.Stage)

	require.NoError(t, o.Submit(context.Background(), order, &ticket, &st, "pm_good"))
	assert.Equal(t, models.StageDone, st.Stage)
	assert.Nil(t, st.Failure)
	assert.Empty(t, st.ClientSecret)

	assert.Equal(t, 1, stub.Count("create_booking"))
	assert.Equal(t, 1, stub.Count("create_payment"))
	assert.Equal(t, "PAY-7", stub.Calls("confirm_payment")[0].Params["payment_ref"])
	cards.AssertExpectations(t)
}

func TestStripeDeclineRecreatesPaymentWhenConfigured(t *testing.T) {
	stub := gatewaytest.New().
		On("create_booking", bookingOK()).
		On("create_payment", map[string]any{"payment_ref": "PAY-1", "client_secret": "pi_1_secret_a"}).
		On("create_payment", map[string]any{"payment_ref": "PAY-2", "client_secret": "pi_2_secret_b"}).
		On("confirm_payment", nil)

	cards := &mockCards{}
	cards.On("ConfirmCardPayment", mock.Anything, "pi_1_secret_a", "pm_1").
		Return(&gateway.ErrorInfo{Kind: gateway.KindGateway, Message: "Your card was declined."})
	cards.On("ConfirmCardPayment", mock.Anything, "pi_2_secret_b", "pm_2").Return(nil)

	cfg := testCheckoutCfg
	cfg.RecreatePaymentOnDecline = map[string]bool{models.GatewayStripe: true}
	o := New(stub, cfg, config.DefaultMessages(), nil, WithCardConfirmer(cards))

	order := newOrder(models.GatewayStripe)
	var ticket models.Ticket
	var st models.CheckoutState

	assert.Error(t, o.Submit(context.Background(), order, &ticket, &st, "pm_1"))
	assert.True(t, st.PaymentStale)

	require.NoError(t, o.Submit(context.Background(), order, &ticket, &st, "pm_2"))
	assert.Equal(t, 1, stub.Count("create_booking"))
	assert.Equal(t, 2, stub.Count("create_payment"))
	assert.Equal(t, "PAY-2", ticket.PaymentRef)
	assert.Equal(t, models.StageDone, st.Stage)
}

func TestStripeWithoutClientSecret(t *testing.T) {
	stub := gatewaytest.New().
		On("create_booking", bookingOK()).
		On("create_payment", map[string]any{"payment_ref": "PAY-1"})

	o := New(stub, testCheckoutCfg, config.DefaultMessages(), nil, WithCardConfirmer(&mockCards{}))
	var ticket models.Ticket
	var st models.CheckoutState
	err := o.Submit(context.Background(), newOrder(models.GatewayStripe), &ticket, &st, "pm_1")
	assert.True(t, gateway.IsKind(err, gateway.KindGateway))
	assert.Equal(t, config.DefaultMessages().StripeSetup, gateway.Message(err, ""))
}

func TestPayPalRedirectAndReturn(t *testing.T) {
	stub := gatewaytest.New().
		On("create_booking", bookingOK()).
		On("create_payment", map[string]any{"reference": "PAY-PP", "approval_url": "https://paypal.test/approve?token=EC-1"}).
		On("get_booking_by_ref", map[string]any{"id": 41, "booking_ref": "TR-0041"}).
		On("confirm_payment", nil)

	o := New(stub, testCheckoutCfg, config.DefaultMessages(), nil)
	order := newOrder(models.GatewayPayPal)
	var ticket models.Ticket
	var st models.CheckoutState

	require.NoError(t, o.Submit(context.Background(), order, &ticket, &st, ""))
	assert.Equal(t, models.StageAwaitingGatewayConfirm, st.Stage)
	assert.Equal(t, "https://paypal.test/approve?token=EC-1", st.RedirectURL)
	assert.Equal(t, "PAY-PP", ticket.PaymentRef)

	require.NoError(t, o.ResumeRedirect(context.Background(), order, &ticket, &st, "TR-0041", "PAYER-9"))
	assert.Equal(t, models.StageDone, st.Stage)

	lookup := stub.Calls("get_booking_by_ref")[0].Params
	assert.Equal(t, "TR-0041", lookup[gateway.PathSuffixParam])

	confirm := stub.Calls("confirm_payment")[0].Params
	assert.Equal(t, "PAY-PP", confirm["payment_ref"])
	assert.Equal(t, "PAYER-9", confirm["payer_id"])
	assert.Equal(t, 1, stub.Count("create_booking"))
}

func TestPayPalReturnWithFreshSession(t *testing.T) {
	stub := gatewaytest.New().
		On("get_booking_by_ref", map[string]any{"id": 41, "booking_ref": "TR-0041"}).
		On("confirm_payment", nil)

	o := New(stub, testCheckoutCfg, config.DefaultMessages(), nil)
	var ticket models.Ticket
	var st models.CheckoutState

	require.NoError(t, o.ResumeRedirect(context.Background(), &Order{SessionID: "fresh"}, &ticket, &st, "TR-0041", "PAYER-1"))
	assert.Equal(t, "TR-0041", stub.Calls("confirm_payment")[0].Params["payment_ref"])
	assert.Equal(t, models.RefID("41"), ticket.BookingID)
	assert.Equal(t, models.GatewayPayPal, st.Gateway)
}

func TestPayPalMissingRedirect(t *testing.T) {
	stub := gatewaytest.New().
		On("create_booking", bookingOK()).
		On("create_payment", map[string]any{"payment_ref": "PAY-1"})

	o := New(stub, testCheckoutCfg, config.DefaultMessages(), nil)
	var ticket models.Ticket
	var st models.CheckoutState
	err := o.Submit(context.Background(), newOrder(models.GatewayPayPal), &ticket, &st, "")
	assert.True(t, gateway.IsKind(err, gateway.KindGateway))
	assert.Equal(t, "PayPal setup failed", gateway.Message(err, ""))
}

func TestResumeRedirectValidation(t *testing.T) {
	stub := gatewaytest.New()
	o := New(stub, testCheckoutCfg, config.DefaultMessages(), nil)
	var ticket models.Ticket
	var st models.CheckoutState

	err := o.ResumeRedirect(context.Background(), newOrder(models.GatewayPayPal), &ticket, &st, "  ", "P")
	assert.True(t, gateway.IsKind(err, gateway.KindValidation))
	assert.Empty(t, stub.Operations())
}

func TestBackendConfirmFailureIsReconciled(t *testing.T) {
	stub := gatewaytest.New().
		On("create_booking", bookingOK()).
		On("create_payment", map[string]any{"payment_ref": "PAY-1"}).
		Fail("confirm_payment", gateway.NewError(gateway.KindTransport, "An error occurred. Please try again."))

	journal := &mockJournal{}
	journal.On("RecordBooking", mock.Anything, mock.Anything).Return(nil)
	journal.On("UpdatePayment", mock.Anything, "TR-0041", "PAY-1", "cash", 700.0).Return(nil)
	journal.On("UpdateStatus", mock.Anything, "TR-0041", models.StatusReconciling).Return(nil)

	rec := &mockReconciler{}
	rec.On("EnqueueConfirm", mock.Anything, "TR-0041", models.ConfirmPayload{PaymentRef: "PAY-1"}).Return(nil)
	rec.On("EnqueueSheetsAppend", mock.Anything, "TR-0041").Return(nil)

	bus := events.NewEventBus(nil)
	seen := &recorder{}
	seen.attach(bus)

	o := New(stub, testCheckoutCfg, config.DefaultMessages(), nil,
		WithJournal(journal), WithReconciler(rec), WithEvents(bus))
	var ticket models.Ticket
	var st models.CheckoutState

	require.NoError(t, o.Submit(context.Background(), newOrder(models.GatewayCash), &ticket, &st, ""))
	assert.Equal(t, models.StageDone, st.Stage)
	assert.True(t, st.Reconciling)
	assert.Contains(t, seen.seen(), events.EventReconciliationPending)
	assert.NotContains(t, seen.seen(), events.EventCheckoutFailed)
	journal.AssertExpectations(t)
	rec.AssertExpectations(t)
}

func TestBookingFailureLeavesTicketEmpty(t *testing.T) {
	stub := gatewaytest.New().
		Fail("create_booking", &gateway.ErrorInfo{Kind: gateway.KindApplication, Message: "Pickup must be in the future."}).
		On("create_booking", bookingOK()).
		On("create_payment", map[string]any{"payment_ref": "PAY-1"}).
		On("confirm_payment", nil)

	bus := events.NewEventBus(nil)
	seen := &recorder{}
	seen.attach(bus)

	o := New(stub, testCheckoutCfg, config.DefaultMessages(), nil, WithEvents(bus))
	var ticket models.Ticket
	var st models.CheckoutState

	err := o.Submit(context.Background(), newOrder(models.GatewayCash), &ticket, &st, "")
	assert.Equal(t, "Pickup must be in the future.", gateway.Message(err, ""))
	assert.False(t, ticket.Booked())
	assert.Empty(t, ticket.BookingRef)
	assert.Equal(t, models.StageAwaitingBooking, st.Failure.Stage)
	assert.Equal(t, []string{events.EventCheckoutFailed}, seen.seen())

	require.NoError(t, o.Submit(context.Background(), newOrder(models.GatewayCash), &ticket, &st, ""))
	assert.Equal(t, 2, stub.Count("create_booking"))
	assert.Equal(t, models.StageDone, st.Stage)
}

func TestBookingResponseWithoutID(t *testing.T) {
	stub := gatewaytest.New().On("create_booking", map[string]any{"booking_ref": "TR-X"})
	o := New(stub, testCheckoutCfg, config.DefaultMessages(), nil)
	var ticket models.Ticket
	var st models.CheckoutState

	err := o.Submit(context.Background(), newOrder(models.GatewayCash), &ticket, &st, "")
	assert.True(t, gateway.IsKind(err, gateway.KindTransport))
	assert.False(t, ticket.Booked())
	assert.Empty(t, ticket.BookingRef)
	assert.Zero(t, stub.Count("create_payment"))
}

func TestBookingResponseWithoutRef(t *testing.T) {
	stub := gatewaytest.New().
		On("create_booking", map[string]any{"id": 77}).
		On("create_payment", map[string]any{"payment_ref": "PAY-77"}).
		On("confirm_payment", nil)

	journal := &mockJournal{}
	journal.On("RecordBooking", mock.Anything, mock.MatchedBy(func(r *models.BookingRecord) bool {
		return r.BookingRef == "77"
	})).Return(nil)
	journal.On("UpdatePayment", mock.Anything, "77", "PAY-77", "cash", 700.0).Return(nil)
	journal.On("UpdateStatus", mock.Anything, "77", models.StatusConfirmed).Return(nil)

	o := New(stub, testCheckoutCfg, config.DefaultMessages(), nil, WithJournal(journal))
	var ticket models.Ticket
	var st models.CheckoutState

	require.NoError(t, o.Submit(context.Background(), newOrder(models.GatewayCash), &ticket, &st, ""))
	assert.Equal(t, "77", ticket.BookingRef)
	assert.Equal(t, "https://example.ma/checkout/?paypal_return=1&ref=77", stub.Calls("create_payment")[0].Params["return_url"])
	journal.AssertExpectations(t)
}

func TestPaymentFailureDoesNotRebook(t *testing.T) {
	stub := gatewaytest.New().
		On("create_booking", bookingOK()).
		Fail("create_payment", gateway.NewError(gateway.KindApplication, "Gateway not available")).
		On("create_payment", map[string]any{"payment_ref": "PAY-1"}).
		On("confirm_payment", nil)

	o := New(stub, testCheckoutCfg, config.DefaultMessages(), nil)
	var ticket models.Ticket
	var st models.CheckoutState

	err := o.Submit(context.Background(), newOrder(models.GatewayCash), &ticket, &st, "")
	assert.Equal(t, "Gateway not available", gateway.Message(err, ""))
	assert.True(t, ticket.Booked())
	assert.Empty(t, ticket.PaymentRef)

	require.NoError(t, o.Submit(context.Background(), newOrder(models.GatewayCash), &ticket, &st, ""))
	assert.Equal(t, 1, stub.Count("create_booking"))
	assert.Equal(t, 2, stub.Count("create_payment"))
}

func TestGatewaySwitchRecreatesPayment(t *testing.T) {
	stub := gatewaytest.New().
		On("create_booking", bookingOK()).
		On("create_payment", map[string]any{"payment_ref": "PAY-PP"}).
		On("create_payment", map[string]any{"payment_ref": "PAY-CASH"}).
		On("confirm_payment", nil)

	o := New(stub, testCheckoutCfg, config.DefaultMessages(), nil)
	var ticket models.Ticket
	var st models.CheckoutState

	// paypal without a redirect url fails at the gateway step
	assert.Error(t, o.Submit(context.Background(), newOrder(models.GatewayPayPal), &ticket, &st, ""))
	require.NoError(t, o.Submit(context.Background(), newOrder(models.GatewayCash), &ticket, &st, ""))

	assert.Equal(t, 2, stub.Count("create_payment"))
	assert.Equal(t, "cash", stub.Calls("create_payment")[1].Params["gateway_type"])
	assert.Equal(t, "PAY-CASH", stub.Calls("confirm_payment")[0].Params["payment_ref"])
}

func TestDepositAmountIsSent(t *testing.T) {
	stub := gatewaytest.New().
		On("create_booking", bookingOK()).
		On("create_payment", map[string]any{"payment_ref": "PAY-1", "client_secret": "pi_1_secret_z"})

	o := New(stub, testCheckoutCfg, config.DefaultMessages(), nil, WithCardConfirmer(&mockCards{}))
	order := newOrder(models.GatewayStripe)
	order.Choice = models.PayDeposit
	order.CouponCode = "SAVE10"
	order.Amounts = pricing.Breakdown{Total: 700, Deposit: 210, DepositOffered: true}

	var ticket models.Ticket
	var st models.CheckoutState
	require.NoError(t, o.Submit(context.Background(), order, &ticket, &st, ""))

	params := stub.Calls("create_payment")[0].Params
	assert.Equal(t, 210.0, params["payment_amount"])
	assert.Equal(t, "SAVE10", params["coupon_code"])
}

func TestValidationMakesNoCalls(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(o *Order)
		field   string
		wantMsg string
	}{
		{name: "empty name", mutate: func(o *Order) { o.Customer.Name = "  " }, field: "name", wantMsg: "Please enter your full name"},
		{name: "bad email", mutate: func(o *Order) { o.Customer.Email = "amina@" }, field: "email", wantMsg: "Please enter a valid email address"},
		{name: "short phone", mutate: func(o *Order) { o.Customer.Phone = "12345" }, field: "phone", wantMsg: "Please enter a valid phone number"},
		{name: "letters in phone", mutate: func(o *Order) { o.Customer.Phone = "call me maybe" }, field: "phone", wantMsg: "Please enter a valid phone number"},
		{name: "unknown gateway", mutate: func(o *Order) { o.Gateway = "bitcoin" }, field: "gateway", wantMsg: "Please choose a payment method"},
		{name: "rental without license", mutate: func(o *Order) {
			o.BookingType = models.BookingRental
			o.Driver = &models.Driver{TermsAccepted: true}
		}, field: "license_number", wantMsg: "Driver license number, expiry and date of birth are required"},
		{name: "rental without terms", mutate: func(o *Order) {
			o.BookingType = models.BookingRental
			o.Driver = &models.Driver{LicenseNumber: "AB123", LicenseExpiry: "2030-01-01", DateOfBirth: "1990-01-01"}
		}, field: "terms", wantMsg: "Please accept the rental terms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := gatewaytest.New()
			o := New(stub, testCheckoutCfg, config.DefaultMessages(), nil)
			order := newOrder(models.GatewayCash)
			tt.mutate(order)

			var ticket models.Ticket
			var st models.CheckoutState
			err := o.Submit(context.Background(), order, &ticket, &st, "")
			require.Error(t, err)
			assert.True(t, gateway.IsKind(err, gateway.KindValidation))
			assert.Equal(t, tt.wantMsg, gateway.Message(err, ""))

			var fields FieldErrors
			require.True(t, errors.As(err, &fields))
			assert.Equal(t, tt.field, fields[0].Field)
			assert.Empty(t, stub.Operations())
		})
	}
}

func TestBookingOperationPerType(t *testing.T) {
	tests := []struct {
		bookingType models.BookingType
		op          string
	}{
		{models.BookingTransfer, "create_booking"},
		{models.BookingTrip, "create_trip_booking"},
		{models.BookingRental, "rental_create"},
	}
	for _, tt := range tests {
		t.Run(string(tt.bookingType), func(t *testing.T) {
			stub := gatewaytest.New().
				On(tt.op, bookingOK()).
				On("create_payment", map[string]any{"payment_ref": "PAY-1"}).
				On("confirm_payment", nil)
			o := New(stub, testCheckoutCfg, config.DefaultMessages(), nil)

			order := newOrder(models.GatewayCash)
			order.BookingType = tt.bookingType
			order.Driver = &models.Driver{LicenseNumber: "L1", LicenseExpiry: "2031-01-01", DateOfBirth: "1985-02-02", TermsAccepted: true}

			var ticket models.Ticket
			var st models.CheckoutState
			require.NoError(t, o.Submit(context.Background(), order, &ticket, &st, ""))
			assert.Equal(t, []string{tt.op, "create_payment", "confirm_payment"}, stub.Operations())
			assert.Equal(t, string(tt.bookingType), stub.Calls("create_payment")[0].Params["booking_type"])
		})
	}
}

func TestConcurrentSubmitIsRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	stub := gatewaytest.New().
		On("create_booking", bookingOK()).
		On("create_payment", map[string]any{"payment_ref": "PAY-1"}).
		On("confirm_payment", nil).
		Before("create_booking", func() {
			once.Do(func() { close(started) })
			<-release
		})

	o := New(stub, testCheckoutCfg, config.DefaultMessages(), nil)

	var ticket models.Ticket
	var st models.CheckoutState
	done := make(chan error, 1)
	go func() {
		done <- o.Submit(context.Background(), newOrder(models.GatewayCash), &ticket, &st, "")
	}()
	<-started

	var otherTicket models.Ticket
	var otherState models.CheckoutState
	err := o.Submit(context.Background(), newOrder(models.GatewayCash), &otherTicket, &otherState, "")
	assert.ErrorIs(t, err, ErrInFlight)
	assert.Equal(t, config.DefaultMessages().InFlight, gateway.Message(err, ""))

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, stub.Count("create_booking"))

	// the guard is released afterwards
	require.NoError(t, o.Submit(context.Background(), newOrder(models.GatewayCash), &ticket, &st, ""))
}

func TestReconcilePendingCarriesPlainErrors(t *testing.T) {
	stub := gatewaytest.New().
		On("create_booking", bookingOK()).
		On("create_payment", map[string]any{"payment_ref": "PAY-1"}).
		Fail("confirm_payment", errors.New("connection reset by peer"))

	bus := events.NewEventBus(nil)
	var got events.CheckoutEventPayload
	bus.Subscribe(events.EventReconciliationPending, func(ev *events.Event) error {
		return ev.Decode(&got)
	})

	o := New(stub, testCheckoutCfg, config.DefaultMessages(), nil, WithEvents(bus))
	var ticket models.Ticket
	var st models.CheckoutState

	require.NoError(t, o.Submit(context.Background(), newOrder(models.GatewayCash), &ticket, &st, ""))
	assert.True(t, st.Reconciling)
	assert.Equal(t, string(gateway.KindTransport), got.Kind)
	assert.Equal(t, config.DefaultMessages().Generic, got.Message)
	assert.Equal(t, "TR-0041", got.BookingRef)
}

func TestSlotHoldsSessionUntilReleased(t *testing.T) {
	stub := gatewaytest.New().
		On("create_booking", bookingOK()).
		On("create_payment", map[string]any{"payment_ref": "PAY-1"}).
		On("confirm_payment", nil)
	o := New(stub, testCheckoutCfg, config.DefaultMessages(), nil)

	slot, err := o.Acquire("sess-1")
	require.NoError(t, err)

	var ticket models.Ticket
	var st models.CheckoutState
	require.NoError(t, slot.Submit(context.Background(), newOrder(models.GatewayCash), &ticket, &st, ""))
	assert.Equal(t, models.StageDone, st.Stage)

	// the run is over but the slot is still held
	var other models.Ticket
	var otherState models.CheckoutState
	err = o.Submit(context.Background(), newOrder(models.GatewayCash), &other, &otherState, "")
	assert.ErrorIs(t, err, ErrInFlight)
	_, err = o.Acquire("sess-1")
	assert.ErrorIs(t, err, ErrInFlight)

	slot.Release()
	slot.Release()
	again, err := o.Acquire("sess-1")
	require.NoError(t, err)
	again.Release()
	assert.Equal(t, 1, stub.Count("create_booking"))
}
