package models

import "time"

// BookingRecord is the local journal row for a booking created through checkout.
type BookingRecord struct {
	ID             int64       `json:"id"`
	SessionID      string      `json:"session_id"`
	BookingType    BookingType `json:"booking_type"`
	BackendID      string      `json:"backend_id"`
	BookingRef     string      `json:"booking_ref"`
	PaymentRef     string      `json:"payment_ref,omitempty"`
	Gateway        string      `json:"gateway"`
	Status         string      `json:"status"`
	CustomerName   string      `json:"customer_name"`
	CustomerEmail  string      `json:"customer_email"`
	CustomerPhone  string      `json:"customer_phone"`
	PickupAddress  string      `json:"pickup_address,omitempty"`
	DropoffAddress string      `json:"dropoff_address,omitempty"`
	PickupAt       *time.Time  `json:"pickup_at,omitempty"`
	TotalPrice     float64     `json:"total_price"`
	PaidAmount     float64     `json:"paid_amount"`
	Currency       string      `json:"currency"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Summary is a one-line description used in notifications and sheets.
func (b *BookingRecord) Summary() string {
	if b.PickupAddress == "" && b.DropoffAddress == "" {
		return string(b.BookingType)
	}
	return b.PickupAddress + " → " + b.DropoffAddress
}
