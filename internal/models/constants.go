package models

// Journal statuses.
const (
	StatusCreated        = "created"
	StatusPaymentPending = "payment_pending"
	StatusConfirmed      = "confirmed"
	StatusReconciling    = "reconciling"
	StatusFailed         = "failed"
)

// Reconcile task statuses.
const (
	TaskPending   = "pending"
	TaskRetry     = "retry"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

const (
	ParseModeMarkdown = "Markdown"
)

const (
	GatewayStripe = "stripe"
	GatewayPayPal = "paypal"
	GatewayCash   = "cash"
)

const (
	TransferAirportPickup  = "airport_pickup"
	TransferAirportDropoff = "airport_dropoff"
	TransferPort           = "port_transfer"
	TransferCityToCity     = "city_to_city"
)

const (
	// DefaultCurrency валюта по умолчанию
	DefaultCurrency = "MAD"

	// StateStorageKey префикс ключа состояния сессии
	StateStorageKey = "tb_booking_state"

	// MaxExtraQuantity верхняя граница количества одной опции
	MaxExtraQuantity = 10

	// WorkerQueueSize размер очереди воркера
	WorkerQueueSize = 128
)
