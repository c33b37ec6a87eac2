package wizard

import (
	"context"

	"transferbook/internal/models"
	"transferbook/internal/pricing"
	"transferbook/internal/session"
)

// SelectVehicle picks a category from the offered options. A different
// category clears the selected extras and loads that category's extras.
func (c *Controller) SelectVehicle(ctx context.Context, s *session.Store, categoryID models.RefID) (*models.Draft, error) {
	snap := s.GetAll()
	if err := requireStep(snap, "choosing a vehicle", models.StepVehicle); err != nil {
		return snap, err
	}
	if findOption(snap.VehicleOptions, categoryID) == nil {
		return snap, invalid(c.messages.VehicleRequired)
	}

	var extras []models.Extra
	if snap.SelectedVehicle == nil || snap.SelectedVehicle.CategoryID != categoryID {
		var err error
		extras, err = c.pricing.GetExtras(ctx, categoryID)
		if err != nil {
			c.logger.Warn().Err(err).Str("category_id", categoryID.String()).Msg("Failed to load extras")
			extras = []models.Extra{}
		}
	}

	return c.vehicleEdit(ctx, s, snap, "choosing a vehicle", func(d *models.Draft) error {
		opt := findOption(d.VehicleOptions, categoryID)
		if opt == nil {
			return invalid(c.messages.VehicleRequired)
		}
		if d.SelectedVehicle == nil || d.SelectedVehicle.CategoryID != categoryID {
			d.SelectedExtras = nil
			if extras != nil {
				d.Extras = extras
			}
		}
		d.SelectedVehicle = opt
		return nil
	})
}

// ToggleExtra adds an offered extra with quantity 1, or removes it.
func (c *Controller) ToggleExtra(ctx context.Context, s *session.Store, extraID models.RefID) (*models.Draft, error) {
	return c.vehicleEdit(ctx, s, s.GetAll(), "choosing extras", func(d *models.Draft) error {
		for i, se := range d.SelectedExtras {
			if se.ID == extraID {
				d.SelectedExtras = append(d.SelectedExtras[:i:i], d.SelectedExtras[i+1:]...)
				return nil
			}
		}
		e := findExtra(d.Extras, extraID)
		if e == nil {
			return invalid("This extra is not available")
		}
		d.SelectedExtras = append(d.SelectedExtras, models.SelectedExtra{Extra: *e, Quantity: 1})
		return nil
	})
}

// SetExtraQuantity sets the quantity of a selected extra, clamped to 1..10.
func (c *Controller) SetExtraQuantity(ctx context.Context, s *session.Store, extraID models.RefID, qty int) (*models.Draft, error) {
	return c.vehicleEdit(ctx, s, s.GetAll(), "choosing extras", func(d *models.Draft) error {
		for i := range d.SelectedExtras {
			if d.SelectedExtras[i].ID == extraID {
				d.SelectedExtras[i].Quantity = pricing.ClampQuantity(qty)
				return nil
			}
		}
		return invalid("This extra is not selected")
	})
}

// vehicleEdit runs fn on a snapshot to build a best-effort quote, then
// applies fn again to the live draft together with that quote.
func (c *Controller) vehicleEdit(ctx context.Context, s *session.Store, snap *models.Draft, action string, fn func(d *models.Draft) error) (*models.Draft, error) {
	if err := requireStep(snap, action, models.StepVehicle); err != nil {
		return snap, err
	}
	if err := fn(snap); err != nil {
		return s.GetAll(), err
	}
	q := c.quote(ctx, snap)

	return c.commit(ctx, s, func(d *models.Draft) error {
		if err := requireStep(d, action, models.StepVehicle); err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
		d.Quote = q
		refreshTotal(d)
		return nil
	})
}

// ToPayment moves Vehicle→Payment. A vehicle must be selected.
func (c *Controller) ToPayment(ctx context.Context, s *session.Store) (*models.Draft, error) {
	return c.commit(ctx, s, func(d *models.Draft) error {
		if err := requireStep(d, "continuing to payment", models.StepVehicle); err != nil {
			return err
		}
		if d.SelectedVehicle == nil {
			return invalid(c.messages.VehicleRequired)
		}
		refreshTotal(d)
		d.Step = models.StepPayment
		d.SaveFlatToLeg(d.CurrentLegIndex)
		return nil
	})
}

func findOption(opts []models.VehicleOption, id models.RefID) *models.VehicleOption {
	for _, o := range opts {
		if o.CategoryID == id {
			opt := o
			opt.Features = append([]string(nil), o.Features...)
			return &opt
		}
	}
	return nil
}

func findExtra(extras []models.Extra, id models.RefID) *models.Extra {
	for _, e := range extras {
		if e.ID == id {
			found := e
			return &found
		}
	}
	return nil
}
