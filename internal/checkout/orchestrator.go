package checkout

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"transferbook/internal/config"
	"transferbook/internal/domain"
	"transferbook/internal/events"
	"transferbook/internal/gateway"
	"transferbook/internal/metrics"
	"transferbook/internal/models"
	"transferbook/internal/pricing"
)

// ErrInFlight rejects a second submit for a session whose checkout is still running.
var ErrInFlight = errors.New("checkout already in progress")

// Order is the immutable input of one checkout attempt. Progress lives in
// the caller's Ticket and CheckoutState so it survives reloads.
type Order struct {
	SessionID   string
	BookingType models.BookingType
	Customer    models.Customer
	Gateway     string
	Choice      models.PaymentChoice
	CouponCode  string
	Amounts     pricing.Breakdown
	// Payload is the booking body without customer fields.
	Payload  map[string]any
	Driver   *models.Driver
	Pickup   string
	Dropoff  string
	PickupAt *time.Time
}

type bookingResponse struct {
	ID         models.RefID  `json:"id"`
	BookingRef string        `json:"booking_ref"`
	Reference  string        `json:"reference"`
	PaymentRef string        `json:"payment_ref"`
	TotalPrice models.Amount `json:"total_price"`
	Currency   string        `json:"currency"`
}

func (b bookingResponse) ref() string {
	if b.BookingRef != "" {
		return b.BookingRef
	}
	return b.Reference
}

type paymentResponse struct {
	PaymentRef   string `json:"payment_ref"`
	Reference    string `json:"reference"`
	ClientSecret string `json:"client_secret"`
	RedirectURL  string `json:"redirect_url"`
	ApprovalURL  string `json:"approval_url"`
}

// Orchestrator drives the booking → payment → gateway → backend confirm pipeline.
type Orchestrator struct {
	api        domain.APICaller
	cards      domain.CardConfirmer
	journal    domain.Journal
	reconciler domain.Reconciler
	events     domain.EventPublisher
	cfg        config.CheckoutConfig
	messages   config.Messages
	logger     *zerolog.Logger
	now        func() time.Time

	inFlight sync.Map
}

type Option func(*Orchestrator)

func WithCardConfirmer(c domain.CardConfirmer) Option {
	return func(o *Orchestrator) { o.cards = c }
}

func WithJournal(j domain.Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

func WithReconciler(r domain.Reconciler) Option {
	return func(o *Orchestrator) { o.reconciler = r }
}

func WithEvents(p domain.EventPublisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

func New(api domain.APICaller, cfg config.CheckoutConfig, messages config.Messages, logger *zerolog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	o := &Orchestrator{api: api, cfg: cfg, messages: messages, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) acquire(sessionID string) error {
	if _, busy := o.inFlight.LoadOrStore(sessionID, struct{}{}); busy {
		return &gateway.ErrorInfo{Kind: gateway.KindValidation, Message: o.messages.InFlight, Err: ErrInFlight}
	}
	return nil
}

func (o *Orchestrator) release(sessionID string) { o.inFlight.Delete(sessionID) }

// Slot is the claimed checkout of one session. Callers that read the draft
// before the run and write it back afterwards hold the slot across both and
// release it once the result is stored.
type Slot struct {
	o         *Orchestrator
	sessionID string
	once      sync.Once
}

// Acquire claims the session's checkout or fails with ErrInFlight.
func (o *Orchestrator) Acquire(sessionID string) (*Slot, error) {
	if err := o.acquire(sessionID); err != nil {
		return nil, err
	}
	return &Slot{o: o, sessionID: sessionID}, nil
}

func (s *Slot) Release() {
	s.once.Do(func() { s.o.release(s.sessionID) })
}

func (s *Slot) Submit(ctx context.Context, order *Order, t *models.Ticket, st *models.CheckoutState, paymentMethod string) error {
	return s.o.submit(ctx, order, t, st, paymentMethod)
}

func (s *Slot) ResumeRedirect(ctx context.Context, order *Order, t *models.Ticket, st *models.CheckoutState, ref, payerID string) error {
	return s.o.resumeRedirect(ctx, order, t, st, ref, payerID)
}

// Submit validates the order and runs the pipeline from wherever t and st
// say it stopped. It returns nil both on completion and when the flow is
// suspended waiting for the customer (card entry or PayPal approval); st.Stage
// tells which. paymentMethod is a Stripe payment method id and may be empty.
func (o *Orchestrator) Submit(ctx context.Context, order *Order, t *models.Ticket, st *models.CheckoutState, paymentMethod string) error {
	slot, err := o.Acquire(order.SessionID)
	if err != nil {
		return err
	}
	defer slot.Release()
	return slot.Submit(ctx, order, t, st, paymentMethod)
}

func (o *Orchestrator) submit(ctx context.Context, order *Order, t *models.Ticket, st *models.CheckoutState, paymentMethod string) error {
	if st.Stage == models.StageDone {
		return nil
	}
	if err := Validate(order, o.messages); err != nil {
		return err
	}

	if st.Gateway != "" && st.Gateway != order.Gateway && t.PaymentRef != "" {
		st.PaymentStale = true
	}
	if st.Gateway != order.Gateway {
		st.ClientSecret, st.RedirectURL = "", ""
	}
	st.Gateway = order.Gateway
	st.Stage = resumeStage(t, st)

	return o.drive(ctx, order, t, st, paymentMethod, "")
}

// ResumeRedirect finishes a redirect-based payment once the customer comes
// back with the booking reference and payer id.
func (o *Orchestrator) ResumeRedirect(ctx context.Context, order *Order, t *models.Ticket, st *models.CheckoutState, ref, payerID string) error {
	slot, err := o.Acquire(order.SessionID)
	if err != nil {
		return err
	}
	defer slot.Release()
	return slot.ResumeRedirect(ctx, order, t, st, ref, payerID)
}

func (o *Orchestrator) resumeRedirect(ctx context.Context, order *Order, t *models.Ticket, st *models.CheckoutState, ref, payerID string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return gateway.NewError(gateway.KindValidation, o.messages.Generic)
	}
	if st.Stage == models.StageDone && t.BookingRef == ref {
		return nil
	}

	op := "get_booking_by_ref"
	if order.BookingType == models.BookingRental {
		op = "rental_by_ref"
	}
	var found bookingResponse
	if err := o.api.Call(ctx, op, map[string]any{gateway.PathSuffixParam: ref}, &found); err != nil {
		return o.fail(order, t, st, models.StageAwaitingBackendConfirm, err)
	}

	if !t.Booked() {
		t.BookingID = found.ID
	}
	if t.BookingRef == "" {
		t.BookingRef = ref
	}
	if t.PaymentRef == "" {
		t.PaymentRef = found.PaymentRef
	}
	if t.PaymentRef == "" {
		t.PaymentRef = ref
	}
	if st.Gateway == "" {
		st.Gateway = models.GatewayPayPal
	}
	st.Stage = models.StageAwaitingBackendConfirm

	return o.drive(ctx, order, t, st, "", payerID)
}

func resumeStage(t *models.Ticket, st *models.CheckoutState) models.CheckoutStage {
	switch {
	case !t.Booked():
		return models.StageAwaitingBooking
	case t.PaymentRef == "" || st.PaymentStale:
		return models.StageAwaitingPayment
	case st.Stage == models.StageAwaitingBackendConfirm,
		st.Failure != nil && st.Failure.Stage == models.StageAwaitingBackendConfirm:
		return models.StageAwaitingBackendConfirm
	default:
		return models.StageAwaitingGatewayConfirm
	}
}

func (o *Orchestrator) drive(ctx context.Context, order *Order, t *models.Ticket, st *models.CheckoutState, paymentMethod, payerID string) error {
	for {
		stage := st.Stage
		var err error
		switch stage {
		case models.StageAwaitingBooking:
			err = o.createBooking(ctx, order, t, st)
		case models.StageAwaitingPayment:
			err = o.createPayment(ctx, order, t, st)
		case models.StageAwaitingGatewayConfirm:
			var suspended bool
			suspended, err = o.gatewayStep(ctx, order, st, paymentMethod)
			if err == nil && suspended {
				metrics.IncCheckoutStage(string(stage), "suspended")
				st.Failure = nil
				return nil
			}
		case models.StageAwaitingBackendConfirm:
			o.confirmOnBackend(ctx, order, t, st, payerID)
		case models.StageDone:
			return nil
		default:
			st.Stage = resumeStage(t, st)
			continue
		}
		if err != nil {
			return o.fail(order, t, st, stage, err)
		}
		metrics.IncCheckoutStage(string(stage), "ok")
		if st.Stage == stage {
			st.Stage = nextStage(stage)
		}
	}
}

// nextStage is the stage that follows a successful step.
func nextStage(stage models.CheckoutStage) models.CheckoutStage {
	switch stage {
	case models.StageAwaitingBooking:
		return models.StageAwaitingPayment
	case models.StageAwaitingPayment:
		return models.StageAwaitingGatewayConfirm
	case models.StageAwaitingGatewayConfirm:
		return models.StageAwaitingBackendConfirm
	default:
		return models.StageDone
	}
}

func (o *Orchestrator) createBooking(ctx context.Context, order *Order, t *models.Ticket, st *models.CheckoutState) error {
	op := "create_booking"
	switch order.BookingType {
	case models.BookingTrip:
		op = "create_trip_booking"
	case models.BookingRental:
		op = "rental_create"
	}

	params := make(map[string]any, len(order.Payload)+4)
	for k, v := range order.Payload {
		params[k] = v
	}
	params["customer_name"] = strings.TrimSpace(order.Customer.Name)
	params["customer_email"] = strings.TrimSpace(order.Customer.Email)
	params["customer_phone"] = strings.TrimSpace(order.Customer.Phone)
	params["special_requests"] = order.Customer.SpecialRequests

	var resp bookingResponse
	if err := o.api.Call(ctx, op, params, &resp); err != nil {
		return err
	}
	if resp.ID.IsZero() {
		return &gateway.ErrorInfo{Kind: gateway.KindTransport, Message: o.messages.BookingFailed, Op: op,
			Err: errors.New("booking response has no id")}
	}

	t.BookingID = resp.ID
	t.BookingRef = resp.ref()
	if t.BookingRef == "" {
		t.BookingRef = resp.ID.String()
	}
	st.Total = resp.TotalPrice.Float()
	if st.Total == 0 {
		st.Total = order.Amounts.Total
	}
	st.Currency = resp.Currency
	if st.Currency == "" {
		st.Currency = order.Amounts.Currency
	}

	o.logger.Info().
		Str("session_id", order.SessionID).
		Str("booking_ref", t.BookingRef).
		Str("booking_type", string(order.BookingType)).
		Msg("Booking created")

	if o.journal != nil {
		rec := &models.BookingRecord{
			SessionID:      order.SessionID,
			BookingType:    order.BookingType,
			BackendID:      t.BookingID.String(),
			BookingRef:     t.BookingRef,
			Gateway:        order.Gateway,
			Status:         models.StatusCreated,
			CustomerName:   order.Customer.Name,
			CustomerEmail:  order.Customer.Email,
			CustomerPhone:  order.Customer.Phone,
			PickupAddress:  order.Pickup,
			DropoffAddress: order.Dropoff,
			PickupAt:       order.PickupAt,
			TotalPrice:     st.Total,
			Currency:       st.Currency,
		}
		if err := o.journal.RecordBooking(ctx, rec); err != nil {
			o.logger.Error().Err(err).Str("booking_ref", t.BookingRef).Msg("Failed to journal booking")
		}
	}
	o.publish(events.EventBookingCreated, order, t, st, nil)
	return nil
}

func (o *Orchestrator) createPayment(ctx context.Context, order *Order, t *models.Ticket, st *models.CheckoutState) error {
	params := map[string]any{
		"booking_type": string(order.BookingType),
		"booking_id":   t.BookingID,
		"gateway_type": order.Gateway,
	}
	amount, partial := pricing.PaymentAmount(order.Amounts, order.Choice, order.Gateway)
	if partial {
		params["payment_amount"] = amount
	}
	if u := o.returnURL(t.BookingRef); u != "" {
		params["return_url"] = u
	}
	if o.cfg.CancelURL != "" {
		params["cancel_url"] = o.cfg.CancelURL
	}
	if order.CouponCode != "" {
		params["coupon_code"] = order.CouponCode
	}

	var resp paymentResponse
	if err := o.api.Call(ctx, "create_payment", params, &resp); err != nil {
		return err
	}

	ref := resp.PaymentRef
	if ref == "" {
		ref = resp.Reference
	}
	if ref == "" {
		return &gateway.ErrorInfo{Kind: gateway.KindTransport, Message: o.messages.Generic, Op: "create_payment",
			Err: errors.New("payment response has no reference")}
	}
	t.PaymentRef = ref
	st.ClientSecret = resp.ClientSecret
	st.RedirectURL = resp.RedirectURL
	if st.RedirectURL == "" {
		st.RedirectURL = resp.ApprovalURL
	}
	st.PaymentStale = false

	if !partial {
		amount = st.Total
	}
	if o.journal != nil {
		if err := o.journal.UpdatePayment(ctx, t.BookingRef, ref, order.Gateway, amount); err != nil {
			o.logger.Error().Err(err).Str("booking_ref", t.BookingRef).Msg("Failed to journal payment")
		}
	}
	o.publish(events.EventPaymentCreated, order, t, st, nil)
	return nil
}

// gatewayStep reports suspended=true when the customer has to act before
// the flow can go on.
func (o *Orchestrator) gatewayStep(ctx context.Context, order *Order, st *models.CheckoutState, paymentMethod string) (bool, error) {
	switch order.Gateway {
	case models.GatewayCash:
		return false, nil

	case models.GatewayPayPal:
		if st.RedirectURL == "" {
			return false, &gateway.ErrorInfo{Kind: gateway.KindGateway, Message: o.messages.PayPalSetup, Op: "paypal"}
		}
		return true, nil

	case models.GatewayStripe:
		if st.ClientSecret == "" || o.cards == nil {
			return false, &gateway.ErrorInfo{Kind: gateway.KindGateway, Message: o.messages.StripeSetup, Op: "stripe"}
		}
		if paymentMethod == "" {
			return true, nil
		}
		if err := o.cards.ConfirmCardPayment(ctx, st.ClientSecret, paymentMethod); err != nil {
			info, ok := gateway.AsErrorInfo(err)
			if !ok {
				info = &gateway.ErrorInfo{Kind: gateway.KindGateway, Message: o.messages.CardDeclined, Op: "stripe", Err: err}
			}
			if info.Kind == gateway.KindGateway && o.cfg.RecreatePaymentOnDecline[order.Gateway] {
				st.PaymentStale = true
			}
			return false, info
		}
		st.ClientSecret = ""
		return false, nil
	}
	return false, gateway.NewError(gateway.KindValidation, o.messages.InvalidGateway)
}

// confirmOnBackend never fails the checkout: money has already moved, so a
// backend error is handed to the reconciler.
func (o *Orchestrator) confirmOnBackend(ctx context.Context, order *Order, t *models.Ticket, st *models.CheckoutState, payerID string) {
	params := map[string]any{"payment_ref": t.PaymentRef}
	if payerID != "" {
		params["payer_id"] = payerID
	}
	err := o.api.Call(ctx, "confirm_payment", params, nil)

	st.Stage = models.StageDone
	st.Failure = nil
	st.ClientSecret = ""

	if err == nil {
		st.Reconciling = false
		o.setStatus(ctx, t.BookingRef, models.StatusConfirmed)
		o.publish(events.EventPaymentConfirmed, order, t, st, nil)
	} else {
		st.Reconciling = true
		o.logger.Warn().Err(err).
			Str("booking_ref", t.BookingRef).
			Str("payment_ref", t.PaymentRef).
			Msg("Backend confirm failed, queued for reconciliation")
		o.setStatus(ctx, t.BookingRef, models.StatusReconciling)
		if o.reconciler != nil {
			payload := models.ConfirmPayload{PaymentRef: t.PaymentRef, PayerID: payerID}
			if qerr := o.reconciler.EnqueueConfirm(ctx, t.BookingRef, payload); qerr != nil {
				o.logger.Error().Err(qerr).Str("booking_ref", t.BookingRef).Msg("Failed to enqueue reconciliation")
			}
		}
		info, ok := gateway.AsErrorInfo(err)
		if !ok {
			info = &gateway.ErrorInfo{Kind: gateway.KindTransport, Message: o.messages.Generic, Op: "confirm_payment", Err: err}
		}
		o.publish(events.EventReconciliationPending, order, t, st, info)
	}

	if o.reconciler != nil {
		if qerr := o.reconciler.EnqueueSheetsAppend(ctx, t.BookingRef); qerr != nil {
			o.logger.Warn().Err(qerr).Str("booking_ref", t.BookingRef).Msg("Failed to enqueue sheets mirror")
		}
	}
}

func (o *Orchestrator) setStatus(ctx context.Context, bookingRef, status string) {
	if o.journal == nil {
		return
	}
	if err := o.journal.UpdateStatus(ctx, bookingRef, status); err != nil {
		o.logger.Error().Err(err).Str("booking_ref", bookingRef).Str("status", status).Msg("Failed to update journal status")
	}
}

// fail records where the flow stopped and returns a displayable error.
func (o *Orchestrator) fail(order *Order, t *models.Ticket, st *models.CheckoutState, stage models.CheckoutStage, err error) error {
	info, ok := gateway.AsErrorInfo(err)
	if !ok {
		info = &gateway.ErrorInfo{Kind: gateway.KindTransport, Err: err}
	}
	if strings.TrimSpace(info.Message) == "" {
		info.Message = o.messages.Generic
		if info.Kind == gateway.KindGateway {
			info.Message = o.messages.CardDeclined
		}
	}

	st.Stage = models.StageFailed
	st.Failure = &models.Failure{Stage: stage, Kind: string(info.Kind), Message: info.Message}
	metrics.IncCheckoutStage(string(stage), "error")

	o.logger.Warn().Err(err).
		Str("session_id", order.SessionID).
		Str("stage", string(stage)).
		Str("kind", string(info.Kind)).
		Msg("Checkout stage failed")
	o.publish(events.EventCheckoutFailed, order, t, st, info)
	return info
}

func (o *Orchestrator) publish(eventType string, order *Order, t *models.Ticket, st *models.CheckoutState, info *gateway.ErrorInfo) {
	if o.events == nil {
		return
	}
	payload := events.CheckoutEventPayload{
		SessionID:   order.SessionID,
		BookingType: string(order.BookingType),
		BookingID:   t.BookingID.String(),
		BookingRef:  t.BookingRef,
		PaymentRef:  t.PaymentRef,
		Gateway:     order.Gateway,
		Amount:      st.Total,
		Currency:    st.Currency,
		Customer:    order.Customer.Name,
		Stage:       string(st.Stage),
		OccurredAt:  o.now(),
	}
	if st.Failure != nil {
		payload.Stage = string(st.Failure.Stage)
	}
	if info != nil {
		payload.Kind = string(info.Kind)
		payload.Message = info.Message
	}
	if err := o.events.PublishJSON(eventType, payload); err != nil {
		o.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish event")
	}
}

func (o *Orchestrator) returnURL(bookingRef string) string {
	if o.cfg.ReturnURL == "" {
		return ""
	}
	u, err := url.Parse(o.cfg.ReturnURL)
	if err != nil {
		return o.cfg.ReturnURL
	}
	q := u.Query()
	q.Set("paypal_return", "1")
	q.Set("ref", bookingRef)
	u.RawQuery = q.Encode()
	return u.String()
}
