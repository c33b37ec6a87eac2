package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"transferbook/internal/models"
)

const bookingColumns = `id, session_id, booking_type, backend_id, booking_ref, payment_ref, gateway, status,
        customer_name, customer_email, customer_phone, pickup_address, dropoff_address, pickup_at,
        total_price, paid_amount, currency, created_at, updated_at`

// RecordBooking journals a booking the backend has just created. Recording
// the same reference twice refreshes the row.
func (db *DB) RecordBooking(ctx context.Context, rec *models.BookingRecord) error {
	if rec.Status == "" {
		rec.Status = models.StatusCreated
	}
	now := time.Now().UTC()
	query := `INSERT INTO bookings (
                session_id, booking_type, backend_id, booking_ref, payment_ref, gateway, status,
                customer_name, customer_email, customer_phone, pickup_address, dropoff_address, pickup_at,
                total_price, paid_amount, currency, created_at, updated_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT(booking_ref) DO UPDATE SET
                backend_id = excluded.backend_id,
                gateway = excluded.gateway,
                status = excluded.status,
                total_price = excluded.total_price,
                currency = excluded.currency,
                updated_at = excluded.updated_at
            RETURNING id`

	err := db.QueryRowContext(ctx, query,
		rec.SessionID,
		string(rec.BookingType),
		rec.BackendID,
		rec.BookingRef,
		rec.PaymentRef,
		rec.Gateway,
		rec.Status,
		rec.CustomerName,
		rec.CustomerEmail,
		rec.CustomerPhone,
		rec.PickupAddress,
		rec.DropoffAddress,
		nullTime(rec.PickupAt),
		rec.TotalPrice,
		rec.PaidAmount,
		rec.Currency,
		now,
		now,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to record booking %s: %w", rec.BookingRef, err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return nil
}

// UpdatePayment stores the payment reference and the amount being charged.
func (db *DB) UpdatePayment(ctx context.Context, bookingRef, paymentRef, gateway string, paidAmount float64) error {
	query := `UPDATE bookings SET payment_ref = ?, gateway = ?, paid_amount = ?, status = ?, updated_at = ?
              WHERE booking_ref = ?`
	res, err := db.ExecContext(ctx, query, paymentRef, gateway, paidAmount, models.StatusPaymentPending, time.Now().UTC(), bookingRef)
	if err != nil {
		return fmt.Errorf("failed to update payment for %s: %w", bookingRef, err)
	}
	return expectRow(res, bookingRef)
}

func (db *DB) UpdateStatus(ctx context.Context, bookingRef, status string) error {
	res, err := db.ExecContext(ctx, `UPDATE bookings SET status = ?, updated_at = ? WHERE booking_ref = ?`,
		status, time.Now().UTC(), bookingRef)
	if err != nil {
		return fmt.Errorf("failed to update status for %s: %w", bookingRef, err)
	}
	return expectRow(res, bookingRef)
}

func (db *DB) GetBookingByRef(ctx context.Context, bookingRef string) (*models.BookingRecord, error) {
	row := db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE booking_ref = ?`, bookingRef)
	rec, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", bookingRef, ErrBookingNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking %s: %w", bookingRef, err)
	}
	return rec, nil
}

// ListBookings returns bookings created in [from, to), oldest first.
func (db *DB) ListBookings(ctx context.Context, from, to time.Time) ([]*models.BookingRecord, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
              WHERE created_at >= ? AND created_at < ?
              ORDER BY created_at, id`
	rows, err := db.QueryContext(ctx, query, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	defer rows.Close()

	var out []*models.BookingRecord
	for rows.Next() {
		rec, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	return out, nil
}

// CountByStatus is used by the admin summary.
func (db *DB) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM bookings GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count bookings: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(s rowScanner) (*models.BookingRecord, error) {
	var (
		rec      models.BookingRecord
		bt       string
		pickupAt sql.NullTime
	)
	err := s.Scan(
		&rec.ID,
		&rec.SessionID,
		&bt,
		&rec.BackendID,
		&rec.BookingRef,
		&rec.PaymentRef,
		&rec.Gateway,
		&rec.Status,
		&rec.CustomerName,
		&rec.CustomerEmail,
		&rec.CustomerPhone,
		&rec.PickupAddress,
		&rec.DropoffAddress,
		&pickupAt,
		&rec.TotalPrice,
		&rec.PaidAmount,
		&rec.Currency,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.BookingType = models.BookingType(bt)
	if pickupAt.Valid {
		t := pickupAt.Time
		rec.PickupAt = &t
	}
	return &rec, nil
}

func expectRow(res sql.Result, bookingRef string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", bookingRef, ErrBookingNotFound)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
