package domain

import (
	"context"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"transferbook/internal/models"
)

// DraftRepository persists booking drafts per session.
type DraftRepository interface {
	GetDraft(ctx context.Context, sessionID string) (*models.Draft, error)
	SaveDraft(ctx context.Context, draft *models.Draft) error
	DeleteDraft(ctx context.Context, sessionID string) error
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// APICaller invokes a named backend operation. out may be nil.
type APICaller interface {
	Call(ctx context.Context, operation string, params any, out any) error
}

// CardConfirmer confirms a card payment intent with the card network.
type CardConfirmer interface {
	ConfirmCardPayment(ctx context.Context, clientSecret, paymentMethod string) error
}

type Journal interface {
	RecordBooking(ctx context.Context, rec *models.BookingRecord) error
	UpdatePayment(ctx context.Context, bookingRef, paymentRef, gateway string, paidAmount float64) error
	UpdateStatus(ctx context.Context, bookingRef, status string) error
	GetBookingByRef(ctx context.Context, bookingRef string) (*models.BookingRecord, error)
	ListBookings(ctx context.Context, from, to time.Time) ([]*models.BookingRecord, error)
}

type TaskQueue interface {
	CreateTask(ctx context.Context, task *models.ReconcileTask) error
	GetPendingTasks(ctx context.Context, limit int) ([]*models.ReconcileTask, error)
	UpdateTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error
	GetFailedTasks(ctx context.Context, limit int) ([]*models.ReconcileTask, error)
}

// Reconciler accepts follow-up work for bookings the backend has not acknowledged.
type Reconciler interface {
	EnqueueConfirm(ctx context.Context, bookingRef string, payload models.ConfirmPayload) error
	EnqueueSheetsAppend(ctx context.Context, bookingRef string) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type SheetsWriter interface {
	AppendBooking(ctx context.Context, booking *models.BookingRecord) error
}
