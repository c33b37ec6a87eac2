package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"transferbook/internal/config"
	"transferbook/internal/domain"
	"transferbook/internal/models"
)

// ErrNoRoute means the backend has no fixed tariff for the route and the
// site asks customers to get in touch instead.
var ErrNoRoute = errors.New("no fixed route")

// NoRouteError carries the contact channels shown with the no-route notice.
type NoRouteError struct {
	Message  string
	Phone    string
	Email    string
	WhatsApp string
}

func (e *NoRouteError) Error() string { return e.Message }

func (e *NoRouteError) Is(target error) bool { return target == ErrNoRoute }

func (e *NoRouteError) WhatsAppURL() string {
	if e.WhatsApp == "" {
		return ""
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, e.WhatsApp)
	return "https://wa.me/" + digits
}

// LeadTimeError rejects a pickup inside the route's minimum notice window.
type LeadTimeError struct {
	Hours   float64
	Message string
}

func (e *LeadTimeError) Error() string {
	return strings.ReplaceAll(e.Message, "{hours}", strconv.FormatFloat(e.Hours, 'f', -1, 64))
}

type PricingRequest struct {
	OriginLat      float64
	OriginLng      float64
	DestinationLat float64
	DestinationLng float64
	Passengers     int
}

// RequestFor builds the pricing request of the draft's working leg.
func RequestFor(d *models.Draft) (PricingRequest, bool) {
	if !d.HasCoords() {
		return PricingRequest{}, false
	}
	return PricingRequest{
		OriginLat:      *d.PickupLat,
		OriginLng:      *d.PickupLng,
		DestinationLat: *d.DropoffLat,
		DestinationLng: *d.DropoffLng,
		Passengers:     d.Passengers,
	}, true
}

type QuoteExtra struct {
	ExtraID  models.RefID `json:"extra_id"`
	Quantity int          `json:"quantity"`
}

type QuoteRequest struct {
	PickupAddress     string       `json:"pickup_address"`
	PickupLatitude    float64      `json:"pickup_latitude"`
	PickupLongitude   float64      `json:"pickup_longitude"`
	DropoffAddress    string       `json:"dropoff_address"`
	DropoffLatitude   float64      `json:"dropoff_latitude"`
	DropoffLongitude  float64      `json:"dropoff_longitude"`
	VehicleCategoryID models.RefID `json:"vehicle_category_id"`
	Passengers        int          `json:"passengers"`
	IsRoundTrip       bool         `json:"is_round_trip"`
	Extras            []QuoteExtra `json:"extras"`
}

// QuoteFor returns false when the draft has no vehicle or coordinates yet.
func QuoteFor(d *models.Draft) (QuoteRequest, bool) {
	if d.SelectedVehicle == nil || !d.HasCoords() {
		return QuoteRequest{}, false
	}
	req := QuoteRequest{
		PickupAddress:     d.PickupAddress,
		PickupLatitude:    *d.PickupLat,
		PickupLongitude:   *d.PickupLng,
		DropoffAddress:    d.DropoffAddress,
		DropoffLatitude:   *d.DropoffLat,
		DropoffLongitude:  *d.DropoffLng,
		VehicleCategoryID: d.SelectedVehicle.CategoryID,
		Passengers:        d.Passengers,
		IsRoundTrip:       d.IsRoundTrip,
		Extras:            make([]QuoteExtra, 0, len(d.SelectedExtras)),
	}
	for _, e := range d.SelectedExtras {
		req.Extras = append(req.Extras, QuoteExtra{ExtraID: e.ID, Quantity: e.Quantity})
	}
	return req, true
}

// Resolver fetches prices, extras and quotes from the backend.
type Resolver struct {
	api      domain.APICaller
	cfg      config.BookingConfig
	messages config.Messages
	logger   *zerolog.Logger
	now      func() time.Time
}

func NewResolver(api domain.APICaller, cfg config.BookingConfig, messages config.Messages, logger *zerolog.Logger) *Resolver {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Resolver{api: api, cfg: cfg, messages: messages, logger: logger, now: time.Now}
}

func (r *Resolver) GetPricing(ctx context.Context, req PricingRequest) (*models.Pricing, error) {
	params := map[string]any{
		"origin_lat":      req.OriginLat,
		"origin_lng":      req.OriginLng,
		"destination_lat": req.DestinationLat,
		"destination_lng": req.DestinationLng,
		"passengers":      req.Passengers,
	}
	var p models.Pricing
	if err := r.api.Call(ctx, "get_pricing", params, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetExtras accepts either a bare list or a paginated {results: [...]}.
func (r *Resolver) GetExtras(ctx context.Context, categoryID models.RefID) ([]models.Extra, error) {
	params := map[string]any{}
	if !categoryID.IsZero() {
		params["vehicle_category_id"] = categoryID
	}

	var raw json.RawMessage
	if err := r.api.Call(ctx, "get_extras", params, &raw); err != nil {
		return nil, err
	}
	return decodeList[models.Extra](raw)
}

// GetQuote asks the backend for an authoritative total. Callers treat a
// failure as non-fatal.
func (r *Resolver) GetQuote(ctx context.Context, req QuoteRequest) (*models.Quote, error) {
	var q models.Quote
	if err := r.api.Call(ctx, "get_quote", req, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// CheckRoute applies the no-route and minimum-notice rules to a pricing answer.
func (r *Resolver) CheckRoute(p *models.Pricing, pickupAt *time.Time) error {
	if p == nil {
		return nil
	}
	if p.PricingType == models.PricingTypeCalculated && r.cfg.ShowNoRouteMessage {
		return r.noRoute()
	}
	if p.MinBookingHours > 0 && pickupAt != nil {
		until := pickupAt.Sub(r.now()).Hours()
		if until < p.MinBookingHours {
			return &LeadTimeError{Hours: p.MinBookingHours, Message: r.messages.MinBookingTime}
		}
	}
	return nil
}

func (r *Resolver) noRoute() *NoRouteError {
	return &NoRouteError{
		Message:  r.messages.NoRoute,
		Phone:    r.cfg.Contact.Phone,
		Email:    r.cfg.Contact.Email,
		WhatsApp: r.cfg.Contact.WhatsApp,
	}
}

// ResolveRoute loads the Vehicle step for a route and applies CheckRoute.
// With the no-route notice enabled a failed pricing lookup is reported as
// no-route. On a rule violation the loaded step is returned with the error.
func (r *Resolver) ResolveRoute(ctx context.Context, req PricingRequest, pickupAt *time.Time, categoryID models.RefID) (*VehicleStep, error) {
	step, err := r.LoadVehicleStep(ctx, req, categoryID)
	if err != nil {
		if r.cfg.ShowNoRouteMessage {
			r.logger.Warn().Err(err).Msg("Pricing lookup failed, showing no-route notice")
			return nil, r.noRoute()
		}
		return nil, err
	}
	if err := r.CheckRoute(step.Pricing, pickupAt); err != nil {
		return step, err
	}
	return step, nil
}

// VehicleStep is what the Vehicle step needs to render.
type VehicleStep struct {
	Pricing *models.Pricing
	Extras  []models.Extra
}

// LoadVehicleStep fetches pricing and extras concurrently. Extras are
// optional: their failure is logged and an empty list is returned.
func (r *Resolver) LoadVehicleStep(ctx context.Context, req PricingRequest, categoryID models.RefID) (*VehicleStep, error) {
	var (
		out       VehicleStep
		extrasErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := r.GetPricing(gctx, req)
		if err != nil {
			return err
		}
		out.Pricing = p
		return nil
	})
	g.Go(func() error {
		extras, err := r.GetExtras(gctx, categoryID)
		if err != nil {
			extrasErr = err
			return nil
		}
		out.Extras = extras
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if extrasErr != nil {
		r.logger.Warn().Err(extrasErr).Msg("Failed to load extras")
		out.Extras = []models.Extra{}
	}
	return &out, nil
}

// Gateways lists active payment methods. Cash is offered when the backend
// returns nothing usable.
func (r *Resolver) Gateways(ctx context.Context) []models.Gateway {
	var raw json.RawMessage
	if err := r.api.Call(ctx, "get_gateways", nil, &raw); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to load payment gateways")
		return []models.Gateway{cashGateway()}
	}
	all, err := decodeList[models.Gateway](raw)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Unexpected gateways payload")
		return []models.Gateway{cashGateway()}
	}
	active := make([]models.Gateway, 0, len(all))
	for _, g := range all {
		if g.IsActive && g.GatewayType != "" {
			active = append(active, g)
		}
	}
	if len(active) == 0 {
		return []models.Gateway{cashGateway()}
	}
	return active
}

func cashGateway() models.Gateway {
	return models.Gateway{GatewayType: models.GatewayCash, IsActive: true, DisplayName: "Cash"}
}

func decodeList[T any](raw json.RawMessage) ([]T, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return []T{}, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []T
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decode list: %w", err)
		}
		return list, nil
	}
	var page struct {
		Results []T `json:"results"`
	}
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	if page.Results == nil {
		return []T{}, nil
	}
	return page.Results, nil
}
