// Package google mirrors the booking journal into a Google Sheets table.
package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"transferbook/internal/config"
	"transferbook/internal/models"
)

const (
	lastColumn = "P"
	timeLayout = "2006-01-02 15:04:05"
)

var errRowNotFound = errors.New("booking row not found")

var headerRow = []interface{}{
	"Booking Ref", "Type", "Backend ID", "Status", "Gateway", "Payment Ref",
	"Customer", "Email", "Phone", "Route", "Pickup At",
	"Total", "Paid", "Currency", "Created At", "Updated At",
}

// SheetsService writes one row per booking, keyed by booking reference in
// column A.
type SheetsService struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	logger        *zerolog.Logger

	rowCache map[string]int
	cacheMu  sync.RWMutex
}

func NewSheetsService(ctx context.Context, cfg config.GoogleConfig, logger *zerolog.Logger) (*SheetsService, error) {
	// Читаем файл учетных данных сервисного аккаунта
	credentialsJSON, err := os.ReadFile(cfg.GoogleCredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	jwtCfg, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(jwtCfg.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %w", err)
	}
	return newWithService(srv, cfg.BookingSpreadSheetID, cfg.SheetName, logger), nil
}

func newWithService(srv *sheets.Service, spreadsheetID, sheetName string, logger *zerolog.Logger) *SheetsService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if sheetName == "" {
		sheetName = "Bookings"
	}
	return &SheetsService{
		service:       srv,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		logger:        logger,
		rowCache:      make(map[string]int),
	}
}

// TestConnection reads the header cell.
func (s *SheetsService) TestConnection(ctx context.Context) error {
	_, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A1").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// EnsureHeader writes the column titles into row 1.
func (s *SheetsService) EnsureHeader(ctx context.Context) error {
	rng := fmt.Sprintf("%s!A1:%s1", s.sheetName, lastColumn)
	_, err := s.service.Spreadsheets.Values.Update(s.spreadsheetID, rng, &sheets.ValueRange{
		Values: [][]interface{}{headerRow},
	}).ValueInputOption("RAW").Context(ctx).Do()
	return err
}

// WarmUpCache loads the reference column into the row index cache.
func (s *SheetsService) WarmUpCache(ctx context.Context) error {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A:A").Context(ctx).Do()
	if err != nil {
		return err
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.rowCache = make(map[string]int)
	for i, row := range resp.Values {
		if ref := cellString(row); ref != "" {
			s.rowCache[ref] = i + 1
		}
	}
	return nil
}

// AppendBooking writes the booking row, updating it in place when the
// reference is already in the sheet. Retrying is safe.
func (s *SheetsService) AppendBooking(ctx context.Context, booking *models.BookingRecord) error {
	if booking == nil || booking.BookingRef == "" {
		return errors.New("booking ref is required")
	}

	rowIdx, err := s.FindBookingRow(ctx, booking.BookingRef)
	switch {
	case err == nil:
		rng := fmt.Sprintf("%s!A%d:%s%d", s.sheetName, rowIdx, lastColumn, rowIdx)
		_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, rng, &sheets.ValueRange{
			Values: [][]interface{}{bookingRow(booking)},
		}).ValueInputOption("RAW").Context(ctx).Do()
		return err
	case !errors.Is(err, errRowNotFound):
		return err
	}

	resp, err := s.service.Spreadsheets.Values.Append(s.spreadsheetID, s.sheetName+"!A:A", &sheets.ValueRange{
		Values: [][]interface{}{bookingRow(booking)},
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return err
	}

	if resp.Updates != nil {
		if row, ok := firstRow(resp.Updates.UpdatedRange); ok {
			s.setCachedRow(booking.BookingRef, row)
		}
	}
	s.logger.Debug().Str("booking_ref", booking.BookingRef).Msg("Booking appended to sheet")
	return nil
}

// UpdateBookingStatus rewrites the status and updated-at cells.
func (s *SheetsService) UpdateBookingStatus(ctx context.Context, bookingRef, status string) error {
	rowIdx, err := s.FindBookingRow(ctx, bookingRef)
	if err != nil {
		return err
	}

	statusRange := fmt.Sprintf("%s!D%d:D%d", s.sheetName, rowIdx, rowIdx)
	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, statusRange, &sheets.ValueRange{
		Values: [][]interface{}{{status}},
	}).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return err
	}

	updatedRange := fmt.Sprintf("%s!%s%d:%s%d", s.sheetName, lastColumn, rowIdx, lastColumn, rowIdx)
	_, err = s.service.Spreadsheets.Values.Update(s.spreadsheetID, updatedRange, &sheets.ValueRange{
		Values: [][]interface{}{{time.Now().UTC().Format(timeLayout)}},
	}).ValueInputOption("RAW").Context(ctx).Do()
	return err
}

// FindBookingRow returns the 1-based row holding bookingRef.
func (s *SheetsService) FindBookingRow(ctx context.Context, bookingRef string) (int, error) {
	if bookingRef == "" {
		return 0, errors.New("booking ref is required")
	}
	if row, ok := s.getCachedRow(bookingRef); ok {
		return row, nil
	}

	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A:A").Context(ctx).Do()
	if err != nil {
		return 0, err
	}
	for i, row := range resp.Values {
		if cellString(row) == bookingRef {
			s.setCachedRow(bookingRef, i+1)
			return i + 1, nil
		}
	}
	return 0, errRowNotFound
}

func (s *SheetsService) getCachedRow(ref string) (int, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	row, ok := s.rowCache[ref]
	return row, ok
}

func (s *SheetsService) setCachedRow(ref string, row int) {
	s.cacheMu.Lock()
	s.rowCache[ref] = row
	s.cacheMu.Unlock()
}

func (s *SheetsService) ClearCache() {
	s.cacheMu.Lock()
	s.rowCache = make(map[string]int)
	s.cacheMu.Unlock()
}

func bookingRow(b *models.BookingRecord) []interface{} {
	pickup := ""
	if b.PickupAt != nil {
		pickup = b.PickupAt.UTC().Format(timeLayout)
	}
	return []interface{}{
		b.BookingRef,
		string(b.BookingType),
		b.BackendID,
		b.Status,
		b.Gateway,
		b.PaymentRef,
		b.CustomerName,
		b.CustomerEmail,
		b.CustomerPhone,
		b.Summary(),
		pickup,
		b.TotalPrice,
		b.PaidAmount,
		b.Currency,
		b.CreatedAt.UTC().Format(timeLayout),
		b.UpdatedAt.UTC().Format(timeLayout),
	}
}

func cellString(row []interface{}) string {
	if len(row) == 0 {
		return ""
	}
	switch v := row[0].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

var rangeRowRe = regexp.MustCompile(`![A-Z]+(\d+)`)

// firstRow extracts the row number from a range like "Bookings!A10:P10".
func firstRow(rng string) (int, bool) {
	m := rangeRowRe.FindStringSubmatch(rng)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	return n, err == nil
}
