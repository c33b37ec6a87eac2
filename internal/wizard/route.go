package wizard

import (
	"context"
	"strconv"
	"strings"
	"time"

	"transferbook/internal/models"
	"transferbook/internal/pricing"
	"transferbook/internal/session"
)

// RouteInput is the Route step form for one leg. Passengers and Luggage
// apply to the whole draft; zero keeps the current value.
type RouteInput struct {
	models.Route
	Passengers int        `json:"passengers"`
	Luggage    int        `json:"luggage"`
	ReturnAt   *time.Time `json:"return_datetime,omitempty"`
}

// SetRoute edits leg i. Outside multi-city mode only leg 0 exists. For the
// return-to-start leg only the pickup time and flight number are taken.
func (c *Controller) SetRoute(ctx context.Context, s *session.Store, leg int, in RouteInput) (*models.Draft, error) {
	return c.commit(ctx, s, func(d *models.Draft) error {
		if err := requireStep(d, "editing the route", models.StepRoute); err != nil {
			return err
		}
		if leg < 0 || leg >= len(d.Legs) || (d.Mode != models.ModeMultiCity && leg != 0) {
			return invalid("Unknown transfer")
		}

		d.SaveFlatToLeg(d.CurrentLegIndex)
		target := &d.Legs[leg]
		if target.Booked() {
			return invalid("This transfer is already booked")
		}

		route := normalizeRoute(in.Route)
		if !c.cfg.EnableFlightNumber {
			route.FlightNumber = ""
		}
		if target.IsReturnLeg {
			target.PickupAt = route.PickupAt
			target.FlightNumber = route.FlightNumber
		} else {
			if routeChanged(target.Route, route) {
				clearPricing(&target.LegState)
			}
			target.Route = route
		}

		if in.Passengers > 0 && in.Passengers != d.Passengers {
			d.Passengers = in.Passengers
			for i := range d.Legs {
				if !d.Legs[i].Booked() {
					clearPricing(&d.Legs[i].LegState)
				}
			}
		}
		if in.Luggage > 0 {
			d.Luggage = in.Luggage
		}
		if d.IsRoundTrip {
			d.ReturnAt = in.ReturnAt
		}

		syncReturnLeg(d)
		d.SyncLegToFlat(d.CurrentLegIndex)
		return nil
	})
}

// SetMode switches between one-way, round-trip and multi-city.
func (c *Controller) SetMode(ctx context.Context, s *session.Store, mode models.Mode) (*models.Draft, error) {
	return c.commit(ctx, s, func(d *models.Draft) error {
		if err := requireStep(d, "changing the trip type", models.StepRoute); err != nil {
			return err
		}
		if !mode.Valid() {
			return invalid("Unknown trip type")
		}
		if mode == models.ModeRoundTrip && !c.cfg.EnableRoundTrip {
			return invalid("Round trips are not available")
		}

		d.SaveFlatToLeg(d.CurrentLegIndex)
		switch mode {
		case models.ModeOneWay, models.ModeRoundTrip:
			first := d.Legs[0]
			first.IsReturnLeg = false
			d.Legs = []models.Leg{first}
			d.ReturnToStart = false
			d.CurrentLegIndex = 0
			d.IsRoundTrip = mode == models.ModeRoundTrip
			if !d.IsRoundTrip {
				d.ReturnAt = nil
			}
		case models.ModeMultiCity:
			d.IsRoundTrip = false
			d.ReturnAt = nil
			for d.RegularLegCount() < 2 {
				appendLeg(d)
			}
		}
		d.Mode = mode
		d.SyncLegToFlat(d.CurrentLegIndex)
		return nil
	})
}

// AddLeg appends a multi-city leg starting at the previous dropoff.
func (c *Controller) AddLeg(ctx context.Context, s *session.Store) (*models.Draft, error) {
	return c.commit(ctx, s, func(d *models.Draft) error {
		if err := c.requireMultiCity(d, "adding a transfer"); err != nil {
			return err
		}
		if d.RegularLegCount() >= c.cfg.MaxLegs {
			return invalid(strings.ReplaceAll(c.messages.TooManyLegs, "{legs}", strconv.Itoa(c.cfg.MaxLegs)))
		}
		d.SaveFlatToLeg(d.CurrentLegIndex)
		appendLeg(d)
		syncReturnLeg(d)
		d.SyncLegToFlat(d.CurrentLegIndex)
		return nil
	})
}

// RemoveLeg drops regular leg i. Two regular legs is the minimum.
func (c *Controller) RemoveLeg(ctx context.Context, s *session.Store, i int) (*models.Draft, error) {
	return c.commit(ctx, s, func(d *models.Draft) error {
		if err := c.requireMultiCity(d, "removing a transfer"); err != nil {
			return err
		}
		if i < 0 || i >= len(d.Legs) || d.Legs[i].IsReturnLeg {
			return invalid("Unknown transfer")
		}
		if d.RegularLegCount() <= 2 {
			return invalid(c.messages.TooFewLegs)
		}
		if d.Legs[i].Booked() {
			return invalid("This transfer is already booked")
		}

		d.SaveFlatToLeg(d.CurrentLegIndex)
		d.Legs = append(d.Legs[:i], d.Legs[i+1:]...)
		switch {
		case d.CurrentLegIndex == i:
			d.CurrentLegIndex = 0
		case d.CurrentLegIndex > i:
			d.CurrentLegIndex--
		}
		syncReturnLeg(d)
		d.SyncLegToFlat(d.CurrentLegIndex)
		return nil
	})
}

// SetReturnToStart adds or drops the leg from the last dropoff back to the
// first pickup.
func (c *Controller) SetReturnToStart(ctx context.Context, s *session.Store, on bool) (*models.Draft, error) {
	return c.commit(ctx, s, func(d *models.Draft) error {
		if err := c.requireMultiCity(d, "returning to start"); err != nil {
			return err
		}
		d.SaveFlatToLeg(d.CurrentLegIndex)

		idx := d.ReturnLegIndex()
		switch {
		case on && idx < 0:
			d.Legs = append(d.Legs, models.Leg{IsReturnLeg: true})
		case !on && idx >= 0:
			if d.Legs[idx].Booked() {
				return invalid("This transfer is already booked")
			}
			d.Legs = append(d.Legs[:idx], d.Legs[idx+1:]...)
			if d.CurrentLegIndex >= len(d.Legs) {
				d.CurrentLegIndex = 0
			}
		}
		d.ReturnToStart = on
		syncReturnLeg(d)
		d.SyncLegToFlat(d.CurrentLegIndex)
		return nil
	})
}

func (c *Controller) requireMultiCity(d *models.Draft, action string) error {
	if err := requireStep(d, action, models.StepRoute); err != nil {
		return err
	}
	if d.Mode != models.ModeMultiCity {
		return invalid(action + " needs the multi-city trip type")
	}
	return nil
}

// SubmitRoute checks the route guards and enters the Vehicle step. In
// multi-city mode it starts at the first leg that is not booked yet.
func (c *Controller) SubmitRoute(ctx context.Context, s *session.Store) (*models.Draft, error) {
	snap := s.GetAll()
	if err := requireStep(snap, "continuing", models.StepRoute); err != nil {
		return snap, err
	}
	snap.SaveFlatToLeg(snap.CurrentLegIndex)

	start := 0
	if snap.Mode == models.ModeMultiCity {
		if snap.RegularLegCount() < 2 {
			return snap, invalid(c.messages.TooFewLegs)
		}
		start = firstOpenLeg(snap)
		if start < 0 {
			return c.commit(ctx, s, func(d *models.Draft) error {
				d.Step = models.StepConfirmation
				return nil
			})
		}
		for i := start; i < len(snap.Legs); i++ {
			if snap.Legs[i].Booked() {
				continue
			}
			if err := c.checkRoute(snap.Legs[i].Route); err != nil {
				return snap, err
			}
		}
	} else {
		if err := c.checkRoute(snap.Route); err != nil {
			return snap, err
		}
		if snap.IsRoundTrip && (snap.ReturnAt == nil || !snap.ReturnAt.After(*snap.PickupAt)) {
			return snap, invalid(c.messages.ReturnBeforeTrip)
		}
	}

	snap.SyncLegToFlat(start)
	step, err := c.resolve(ctx, snap)
	if err != nil {
		return snap, err
	}

	return c.commit(ctx, s, func(d *models.Draft) error {
		if err := requireStep(d, "continuing", models.StepRoute); err != nil {
			return err
		}
		d.SaveFlatToLeg(d.CurrentLegIndex)
		d.CurrentLegIndex = start
		d.SyncLegToFlat(start)
		applyVehicleStep(d, step)
		d.Step = models.StepVehicle
		d.SaveFlatToLeg(start)
		return nil
	})
}

// checkRoute applies the local Route→Vehicle guards to one leg.
func (c *Controller) checkRoute(r models.Route) error {
	if !r.HasCoords() {
		return invalid(c.messages.MissingCoords)
	}
	if r.PickupAt == nil {
		return invalid(c.messages.PickupRequired)
	}
	until := r.PickupAt.Sub(c.now())
	if until <= 0 {
		return invalid(c.messages.PickupTooSoon)
	}
	if until < c.cfg.MinLeadTime {
		lt := &pricing.LeadTimeError{Hours: c.cfg.MinLeadTime.Hours(), Message: c.messages.MinBookingTime}
		return invalid(lt.Error())
	}
	return nil
}

// resolve loads pricing and extras for the draft's working leg.
func (c *Controller) resolve(ctx context.Context, d *models.Draft) (*pricing.VehicleStep, error) {
	req, ok := pricing.RequestFor(d)
	if !ok {
		return nil, invalid(c.messages.MissingCoords)
	}
	var category models.RefID
	if d.SelectedVehicle != nil {
		category = d.SelectedVehicle.CategoryID
	}
	return c.pricing.ResolveRoute(ctx, req, d.PickupAt, category)
}

// applyVehicleStep installs fresh pricing. A previously selected category
// that is still offered stays selected at its new price.
func applyVehicleStep(d *models.Draft, step *pricing.VehicleStep) {
	d.Pricing = step.Pricing
	d.VehicleOptions = step.Pricing.VehicleOptions
	if step.Pricing.Currency != "" {
		d.Currency = step.Pricing.Currency
	}
	d.Extras = step.Extras
	d.Quote = nil

	if d.SelectedVehicle != nil {
		if opt := findOption(d.VehicleOptions, d.SelectedVehicle.CategoryID); opt != nil {
			d.SelectedVehicle = opt
		} else {
			d.SelectedVehicle = nil
			d.SelectedExtras = nil
		}
	}
	d.SelectedExtras = keepOffered(d.SelectedExtras, d.Extras)
	refreshTotal(d)
}

func keepOffered(selected []models.SelectedExtra, offered []models.Extra) []models.SelectedExtra {
	if len(selected) == 0 {
		return selected
	}
	out := selected[:0]
	for _, se := range selected {
		if e := findExtra(offered, se.ID); e != nil {
			out = append(out, models.SelectedExtra{Extra: *e, Quantity: se.Quantity})
		}
	}
	return out
}

// firstOpenLeg returns the first leg whose checkout has not finished, or -1.
func firstOpenLeg(d *models.Draft) int {
	return nextOpenLeg(d, 0)
}

func nextOpenLeg(d *models.Draft, from int) int {
	for i := from; i < len(d.Legs); i++ {
		if !legDone(d, i) {
			return i
		}
	}
	return -1
}

// legDone: archived legs are done once booked; the working leg needs its
// checkout to have finished.
func legDone(d *models.Draft, i int) bool {
	if !d.Legs[i].Booked() {
		return false
	}
	if i == d.CurrentLegIndex {
		return d.Checkout.Stage == models.StageDone
	}
	return true
}

func appendLeg(d *models.Draft) int {
	var route models.Route
	if last := lastRegularLeg(d); last >= 0 {
		prev := d.Legs[last].Route
		route = models.Route{
			PickupAddress: prev.DropoffAddress,
			PickupLat:     copyFloat(prev.DropoffLat),
			PickupLng:     copyFloat(prev.DropoffLng),
		}
	}
	leg := models.Leg{LegState: models.LegState{Route: route}}

	if idx := d.ReturnLegIndex(); idx >= 0 {
		d.Legs = append(d.Legs[:idx], append([]models.Leg{leg}, d.Legs[idx:]...)...)
		return idx
	}
	d.Legs = append(d.Legs, leg)
	return len(d.Legs) - 1
}

func lastRegularLeg(d *models.Draft) int {
	for i := len(d.Legs) - 1; i >= 0; i-- {
		if !d.Legs[i].IsReturnLeg {
			return i
		}
	}
	return -1
}

// syncReturnLeg keeps the return leg going from the last dropoff to the first pickup.
func syncReturnLeg(d *models.Draft) {
	idx := d.ReturnLegIndex()
	last := lastRegularLeg(d)
	if idx < 0 || last < 0 {
		return
	}
	ret := &d.Legs[idx]
	if ret.Booked() {
		return
	}
	first, final := d.Legs[0].Route, d.Legs[last].Route
	route := models.Route{
		PickupAddress:  final.DropoffAddress,
		PickupLat:      copyFloat(final.DropoffLat),
		PickupLng:      copyFloat(final.DropoffLng),
		DropoffAddress: first.PickupAddress,
		DropoffLat:     copyFloat(first.PickupLat),
		DropoffLng:     copyFloat(first.PickupLng),
		PickupAt:       ret.PickupAt,
		FlightNumber:   ret.FlightNumber,
	}
	if routeChanged(ret.Route, route) {
		clearPricing(&ret.LegState)
	}
	ret.Route = route
}

func normalizeRoute(r models.Route) models.Route {
	r.PickupAddress = strings.TrimSpace(r.PickupAddress)
	r.DropoffAddress = strings.TrimSpace(r.DropoffAddress)
	r.FlightNumber = strings.ToUpper(strings.TrimSpace(r.FlightNumber))
	r.TransferType = strings.TrimSpace(r.TransferType)
	return r
}

func routeChanged(a, b models.Route) bool {
	return a.PickupAddress != b.PickupAddress ||
		a.DropoffAddress != b.DropoffAddress ||
		!sameFloat(a.PickupLat, b.PickupLat) || !sameFloat(a.PickupLng, b.PickupLng) ||
		!sameFloat(a.DropoffLat, b.DropoffLat) || !sameFloat(a.DropoffLng, b.DropoffLng)
}

func clearPricing(l *models.LegState) {
	l.Pricing = nil
	l.VehicleOptions = nil
	l.SelectedVehicle = nil
	l.SelectedExtras = nil
	l.Quote = nil
	l.TotalPrice = 0
}

func sameFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
