package export

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/phpdave11/gofpdf"

	"transferbook/internal/models"
	"transferbook/internal/pricing"
)

// Receipt renders a one-page PDF receipt for the booking with bookingRef.
func (e *Exporter) Receipt(ctx context.Context, w io.Writer, bookingRef string) error {
	rec, err := e.journal.GetBookingByRef(ctx, bookingRef)
	if err != nil {
		return err
	}
	return renderReceipt(w, rec, time.Now())
}

func renderReceipt(w io.Writer, b *models.BookingRecord, issued time.Time) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	// core fonts are cp1252
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle("Receipt "+b.BookingRef, false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, "BOOKING RECEIPT")
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 12)
	pdf.Cell(0, 7, "Reference : "+b.BookingRef)
	pdf.Ln(7)
	pdf.Cell(0, 7, "Issued    : "+issued.Format("2006-01-02 15:04"))
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 7, "Customer")
	pdf.Ln(7)
	pdf.SetFont("Helvetica", "", 12)
	for _, s := range []string{
		"Name  : " + safe(b.CustomerName),
		"Email : " + safe(b.CustomerEmail),
		"Phone : " + safe(b.CustomerPhone),
	} {
		pdf.Cell(0, 7, tr(s))
		pdf.Ln(7)
	}
	pdf.Ln(3)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 7, "Details")
	pdf.Ln(8)
	pdf.SetFont("Helvetica", "", 11)
	pdf.MultiCell(0, 6, tr(describe(b)), "", "", false)
	if b.PickupAt != nil {
		pdf.Cell(0, 6, "Pickup: "+b.PickupAt.Format("2006-01-02 15:04"))
		pdf.Ln(6)
	}
	pdf.Cell(0, 6, "Payment: "+strings.ToUpper(safe(b.Gateway))+paymentRefSuffix(b.PaymentRef))
	pdf.Ln(10)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Total: "+pricing.FormatPrice(b.TotalPrice, b.Currency, "before"))
	pdf.Ln(8)
	if b.PaidAmount > 0 && b.PaidAmount < b.TotalPrice {
		pdf.SetFont("Helvetica", "", 11)
		pdf.Cell(0, 7, "Deposit paid: "+pricing.FormatPrice(b.PaidAmount, b.Currency, "before"))
		pdf.Ln(7)
		pdf.Cell(0, 7, "Balance due : "+pricing.FormatPrice(b.TotalPrice-b.PaidAmount, b.Currency, "before"))
		pdf.Ln(7)
	}

	pdf.Ln(6)
	pdf.SetFont("Helvetica", "I", 10)
	pdf.MultiCell(0, 6, "Status: "+b.Status, "", "", false)

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("render receipt %s: %w", b.BookingRef, err)
	}
	return nil
}

func describe(b *models.BookingRecord) string {
	kind := "Booking"
	if t := string(b.BookingType); t != "" {
		kind = strings.ToUpper(t[:1]) + t[1:]
	}
	if b.PickupAddress == "" && b.DropoffAddress == "" {
		return kind
	}
	return fmt.Sprintf("%s: %s - %s", kind, safe(b.PickupAddress), safe(b.DropoffAddress))
}

func paymentRefSuffix(ref string) string {
	if ref == "" {
		return ""
	}
	return " (" + ref + ")"
}

func safe(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
