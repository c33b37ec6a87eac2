package pricing

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"transferbook/internal/models"
)

// Breakdown is the price summary shown at the payment step.
type Breakdown struct {
	Base              float64 `json:"base"`
	Multiplier        int     `json:"multiplier"`
	ExtrasTotal       float64 `json:"extras_total"`
	Subtotal          float64 `json:"subtotal"`
	Discount          float64 `json:"discount"`
	Total             float64 `json:"total"`
	DepositPercentage float64 `json:"deposit_percentage"`
	Deposit           float64 `json:"deposit"`
	DepositOffered    bool    `json:"deposit_offered"`
	Remaining         float64 `json:"remaining"`
	Currency          string  `json:"currency"`
}

func ExtrasTotal(extras []models.SelectedExtra) float64 {
	sum := 0.0
	for _, e := range extras {
		sum += e.LineTotal()
	}
	return sum
}

// Total charges the base fare twice on a round trip and extras once.
// The result never goes below zero.
func Total(base float64, roundTrip bool, extras, discount float64) float64 {
	mult := 1.0
	if roundTrip {
		mult = 2
	}
	return math.Max(0, base*mult+extras-discount)
}

// DepositAmount returns round(total*pct/100) and whether a deposit can be
// offered at all: it must be positive and below the total.
func DepositAmount(total, pct float64) (float64, bool) {
	if pct <= 0 || total <= 0 {
		return 0, false
	}
	deposit := math.Round(total * pct / 100)
	if deposit <= 0 || deposit >= total {
		return 0, false
	}
	return deposit, true
}

// Compute derives the breakdown from the working leg of d.
func Compute(d *models.Draft) Breakdown {
	b := Breakdown{Multiplier: 1, Currency: d.Currency}
	if d.SelectedVehicle != nil {
		b.Base = d.SelectedVehicle.Price.Float()
	}
	if d.IsRoundTrip {
		b.Multiplier = 2
	}
	b.ExtrasTotal = ExtrasTotal(d.SelectedExtras)
	b.Subtotal = b.Base*float64(b.Multiplier) + b.ExtrasTotal
	if d.Coupon != nil {
		b.Discount = ClampDiscount(d.Coupon.DiscountAmount.Float(), b.Subtotal)
	}
	b.Total = Total(b.Base, d.IsRoundTrip, b.ExtrasTotal, b.Discount)

	if d.Pricing != nil {
		b.DepositPercentage = d.Pricing.DepositPercentage.Float()
	}
	b.Deposit, b.DepositOffered = DepositAmount(b.Total, b.DepositPercentage)
	if b.DepositOffered {
		b.Remaining = b.Total - b.Deposit
	}
	return b
}

// ClampDiscount keeps a discount within [0, subtotal].
func ClampDiscount(discount, subtotal float64) float64 {
	if discount < 0 || math.IsNaN(discount) {
		return 0
	}
	return math.Min(discount, math.Max(0, subtotal))
}

// PaymentAmount returns the amount to send with create_payment. ok is false
// when the full amount is charged and no explicit amount should be sent.
func PaymentAmount(b Breakdown, choice models.PaymentChoice, gateway string) (float64, bool) {
	if gateway == models.GatewayCash || choice != models.PayDeposit || !b.DepositOffered {
		return 0, false
	}
	return b.Deposit, true
}

func ClampQuantity(q int) int {
	if q < 1 {
		return 1
	}
	if q > models.MaxExtraQuantity {
		return models.MaxExtraQuantity
	}
	return q
}

// FormatPrice renders "MAD 500" or "500 MAD" depending on position.
func FormatPrice(amount float64, currency, position string) string {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return "--"
	}
	n := strconv.FormatFloat(math.Round(amount), 'f', 0, 64)
	if n == "-0" {
		n = "0"
	}
	if position == "after" {
		return n + " " + currency
	}
	return currency + " " + n
}

var (
	airportPattern = regexp.MustCompile(`(?i)airport|aéroport|aeroport|menara|mohammed v|ibn battouta|al massira|saiss`)
	portPattern    = regexp.MustCompile(`(?i)port|marina|harbour|harbor`)
)

// InferTransferType classifies a leg by its addresses.
func InferTransferType(pickup, dropoff string) string {
	pickup, dropoff = strings.TrimSpace(pickup), strings.TrimSpace(dropoff)
	switch {
	case airportPattern.MatchString(pickup):
		return models.TransferAirportPickup
	case airportPattern.MatchString(dropoff):
		return models.TransferAirportDropoff
	case portPattern.MatchString(pickup) || portPattern.MatchString(dropoff):
		return models.TransferPort
	default:
		return models.TransferCityToCity
	}
}
