package models

import "time"

const (
	TaskConfirmPayment = "confirm_payment"
	TaskSheetsAppend   = "sheets_append"
)

// ReconcileTask is a queued follow-up for a booking whose checkout finished
// without the backend acknowledging it.
type ReconcileTask struct {
	ID          int64      `json:"id"`
	TaskType    string     `json:"task_type"`
	BookingRef  string     `json:"booking_ref"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	LastError   *string    `json:"last_error"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at"`
	NextRetryAt *time.Time `json:"next_retry_at"`
}

// ConfirmPayload is the body of a confirm_payment task.
type ConfirmPayload struct {
	PaymentRef string `json:"payment_ref"`
	PayerID    string `json:"payer_id,omitempty"`
}
