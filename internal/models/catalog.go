package models

// Pricing is the get_pricing answer for one route.
type Pricing struct {
	PricingType              string          `json:"pricing_type"`
	MinBookingHours          float64         `json:"min_booking_hours,omitempty"`
	VehicleOptions           []VehicleOption `json:"vehicle_options"`
	DistanceKm               Amount          `json:"distance_km,omitempty"`
	EstimatedDurationMinutes int             `json:"estimated_duration_minutes,omitempty"`
	DepositPercentage        Amount          `json:"deposit_percentage,omitempty"`
	DepositAmount            Amount          `json:"deposit_amount,omitempty"`
	ClientNotice             string          `json:"client_notice,omitempty"`
	Currency                 string          `json:"currency,omitempty"`
}

// PricingTypeCalculated marks a price estimated by distance rather than a fixed route tariff.
const PricingTypeCalculated = "calculated"

type VehicleOption struct {
	CategoryID   RefID    `json:"category_id"`
	CategoryName string   `json:"category_name"`
	VehicleName  string   `json:"vehicle_name,omitempty"`
	Price        Amount   `json:"price"`
	Passengers   int      `json:"passengers,omitempty"`
	Luggage      int      `json:"luggage,omitempty"`
	Features     []string `json:"features,omitempty"`
	CategoryIcon string   `json:"category_icon,omitempty"`
}

type Extra struct {
	ID          RefID  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Price       Amount `json:"price"`
	IsPerItem   bool   `json:"is_per_item"`
	Icon        string `json:"icon,omitempty"`
}

type SelectedExtra struct {
	Extra
	Quantity int `json:"quantity"`
}

// LineTotal is price*quantity for per-item extras and the flat price otherwise.
func (e SelectedExtra) LineTotal() float64 {
	if e.IsPerItem {
		return e.Price.Float() * float64(e.Quantity)
	}
	return e.Price.Float()
}

type Quote struct {
	TotalPrice  Amount `json:"total_price"`
	Currency    string `json:"currency,omitempty"`
	BasePrice   Amount `json:"base_price,omitempty"`
	ExtrasTotal Amount `json:"extras_total,omitempty"`
}

type Coupon struct {
	Code           string `json:"code"`
	DiscountAmount Amount `json:"discount_amount"`
	Message        string `json:"message,omitempty"`
}

type Customer struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Phone           string `json:"phone"`
	SpecialRequests string `json:"special_requests,omitempty"`
}

// Driver is the extra identity a rental requires.
type Driver struct {
	LicenseNumber string `json:"license_number"`
	LicenseExpiry string `json:"license_expiry"`
	DateOfBirth   string `json:"date_of_birth"`
	TermsAccepted bool   `json:"terms_accepted"`
}

// Gateway describes one payment method offered by the backend.
type Gateway struct {
	GatewayType string `json:"gateway_type"`
	IsActive    bool   `json:"is_active"`
	DisplayName string `json:"display_name,omitempty"`
	Name        string `json:"name,omitempty"`
}

func (g Gateway) Label() string {
	if g.DisplayName != "" {
		return g.DisplayName
	}
	if g.Name != "" {
		return g.Name
	}
	return g.GatewayType
}
