// Package export renders the booking journal for operators: an xlsx
// workbook for a period and a PDF receipt per booking.
package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"transferbook/internal/domain"
	"transferbook/internal/models"
)

const journalSheet = "Journal"

var journalHeaders = []string{
	"Booking Ref", "Type", "Status", "Customer", "Email", "Phone", "Pickup", "Dropoff",
	"Pickup At", "Gateway", "Payment Ref", "Total", "Paid", "Currency", "Created At",
}

type Exporter struct {
	journal domain.Journal
	dir     string
	logger  *zerolog.Logger
}

func NewExporter(journal domain.Journal, dir string, logger *zerolog.Logger) *Exporter {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Exporter{journal: journal, dir: dir, logger: logger}
}

// WriteJournal writes the bookings created in [from, to) as an xlsx workbook.
func (e *Exporter) WriteJournal(ctx context.Context, w io.Writer, from, to time.Time) (int, error) {
	bookings, err := e.journal.ListBookings(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("error getting bookings: %w", err)
	}

	f, err := buildWorkbook(bookings, from, to)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return 0, fmt.Errorf("error writing workbook: %w", err)
	}
	return len(bookings), nil
}

// SaveJournal stores the workbook under the export directory and returns its path.
func (e *Exporter) SaveJournal(ctx context.Context, from, to time.Time) (string, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}
	fileName := fmt.Sprintf("journal_%s_to_%s.xlsx", from.Format("2006-01-02"), to.Format("2006-01-02"))
	path := filepath.Join(e.dir, fileName)

	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	n, werr := e.WriteJournal(ctx, out, from, to)
	if cerr := out.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(path)
		return "", werr
	}

	e.logger.Info().Str("file_path", path).Int("rows", n).Msg("Journal export created")
	return path, nil
}

func buildWorkbook(bookings []*models.BookingRecord, from, to time.Time) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(journalSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	// строка 1: период, строка 2: заголовки
	_ = f.SetCellValue(journalSheet, "A1", fmt.Sprintf("Period: %s - %s",
		from.Format("02.01.2006"), to.Format("02.01.2006")))
	lastCol, _ := excelize.ColumnNumberToName(len(journalHeaders))
	_ = f.MergeCell(journalSheet, "A1", lastCol+"1")
	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(journalSheet, "A1", "A1", titleStyle)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	for i, h := range journalHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		_ = f.SetCellValue(journalSheet, cell, h)
	}
	_ = f.SetCellStyle(journalSheet, "A2", lastCol+"2", headerStyle)

	failedStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#F8CBAD"}, Pattern: 1},
	})

	for i, b := range bookings {
		row := i + 3
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(journalSheet, cell, &[]interface{}{
			b.BookingRef,
			string(b.BookingType),
			b.Status,
			b.CustomerName,
			b.CustomerEmail,
			b.CustomerPhone,
			b.PickupAddress,
			b.DropoffAddress,
			formatTime(b.PickupAt),
			b.Gateway,
			b.PaymentRef,
			b.TotalPrice,
			b.PaidAmount,
			b.Currency,
			b.CreatedAt.UTC().Format("2006-01-02 15:04"),
		}); err != nil {
			f.Close()
			return nil, fmt.Errorf("error writing row %d: %w", row, err)
		}
		if b.Status == models.StatusFailed || b.Status == models.StatusReconciling {
			end, _ := excelize.CoordinatesToCellName(len(journalHeaders), row)
			_ = f.SetCellStyle(journalSheet, cell, end, failedStyle)
		}
	}

	_ = f.SetColWidth(journalSheet, "A", lastCol, 18)
	_ = f.SetColWidth(journalSheet, "G", "H", 30)
	return f, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04")
}
