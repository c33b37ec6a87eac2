package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"transferbook/internal/database"
	"transferbook/internal/models"
	"transferbook/internal/session"
	"transferbook/internal/wizard"
)

func (s *HTTPServer) reply(w http.ResponseWriter, d *models.Draft, err error) {
	if err != nil {
		var extra map[string]any
		if d != nil {
			extra = map[string]any{"summary": s.svc.Wizard.Summary(d)}
		}
		writeFailure(w, err, s.generic, extra)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": s.svc.Wizard.Summary(d)})
}

func (s *HTTPServer) badJSON(w http.ResponseWriter) {
	writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.svc.Checks))
	healthy := true
	for name, check := range s.svc.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}
	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *HTTPServer) handleGateways(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{"gateways": s.svc.Wizard.Gateways(r.Context())})
}

func (s *HTTPServer) issue(w http.ResponseWriter, store *session.Store, status int) {
	token, exp, err := s.svc.Tokens.Issue(store.SessionID())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to issue session token")
		writeError(w, http.StatusInternalServerError, "internal", s.generic)
		return
	}
	writeJSON(w, status, map[string]any{
		"session_id": store.SessionID(),
		"token":      token,
		"expires_at": exp.UTC(),
		"summary":    s.svc.Wizard.Summary(store.GetAll()),
	})
}

// handleCreateSession starts a fresh draft. The token doubles as the proxy nonce.
func (s *HTTPServer) handleCreateSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	store := s.svc.Sessions.Open(r.Context(), uuid.NewString())
	store.Save(r.Context())
	s.issue(w, store, http.StatusCreated)
}

func (s *HTTPServer) handleRefreshToken(w http.ResponseWriter, _ *http.Request, _ httprouter.Params, store *session.Store) {
	s.issue(w, store, http.StatusOK)
}

func (s *HTTPServer) handleSummary(w http.ResponseWriter, _ *http.Request, _ httprouter.Params, store *session.Store) {
	s.reply(w, store.GetAll(), nil)
}

func (s *HTTPServer) handleSetMode(w http.ResponseWriter, r *http.Request, _ httprouter.Params, store *session.Store) {
	var body struct {
		Mode models.Mode `json:"mode"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.badJSON(w)
		return
	}
	d, err := s.svc.Wizard.SetMode(r.Context(), store, body.Mode)
	s.reply(w, d, err)
}

func legParam(w http.ResponseWriter, ps httprouter.Params) (int, bool) {
	leg, err := strconv.Atoi(ps.ByName("leg"))
	if err != nil || leg < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid leg index")
		return 0, false
	}
	return leg, true
}

func (s *HTTPServer) handleSetRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params, store *session.Store) {
	leg, ok := legParam(w, ps)
	if !ok {
		return
	}
	var in wizard.RouteInput
	if err := decodeBody(r, &in); err != nil {
		s.badJSON(w)
		return
	}
	d, err := s.svc.Wizard.SetRoute(r.Context(), store, leg, in)
	s.reply(w, d, err)
}

func (s *HTTPServer) handleAddLeg(w http.ResponseWriter, r *http.Request, _ httprouter.Params, store *session.Store) {
	d, err := s.svc.Wizard.AddLeg(r.Context(), store)
	s.reply(w, d, err)
}

func (s *HTTPServer) handleRemoveLeg(w http.ResponseWriter, r *http.Request, ps httprouter.Params, store *session.Store) {
	leg, ok := legParam(w, ps)
	if !ok {
		return
	}
	d, err := s.svc.Wizard.RemoveLeg(r.Context(), store, leg)
	s.reply(w, d, err)
}

func (s *HTTPServer) handleReturnToStart(w http.ResponseWriter, r *http.Request, _ httprouter.Params, store *session.Store) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.badJSON(w)
		return
	}
	d, err := s.svc.Wizard.SetReturnToStart(r.Context(), store, body.Enabled)
	s.reply(w, d, err)
}

func (s *HTTPServer) handleSubmitRoute(w http.ResponseWriter, r *http.Request, _ httprouter.Params, store *session.Store) {
	d, err := s.svc.Wizard.SubmitRoute(r.Context(), store)
	s.reply(w, d, err)
}

func (s *HTTPServer) handleSelectVehicle(w http.ResponseWriter, r *http.Request, _ httprouter.Params, store *session.Store) {
	var body struct {
		CategoryID models.RefID `json:"category_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.badJSON(w)
		return
	}
	d, err := s.svc.Wizard.SelectVehicle(r.Context(), store, body.CategoryID)
	s.reply(w, d, err)
}

func (s *HTTPServer) handleToggleExtra(w http.ResponseWriter, r *http.Request, ps httprouter.Params, store *session.Store) {
	d, err := s.svc.Wizard.ToggleExtra(r.Context(), store, models.RefID(ps.ByName("id")))
	s.reply(w, d, err)
}

func (s *HTTPServer) handleExtraQuantity(w http.ResponseWriter, r *http.Request, ps httprouter.Params, store *session.Store) {
	var body struct {
		Quantity int `json:"quantity"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.badJSON(w)
		return
	}
	d, err := s.svc.Wizard.SetExtraQuantity(r.Context(), store, models.RefID(ps.ByName("id")), body.Quantity)
	s.reply(w, d, err)
}

func (s *HTTPServer) handleToPayment(w http.ResponseWriter, r *http.Request, _ httprouter.Params, store *session.Store) {
	d, err := s.svc.Wizard.ToPayment(r.Context(), store)
	s.reply(w, d, err)
}

func (s *HTTPServer) handleSetCustomer(w http.ResponseWriter, r *http.Request, _ httprouter.Params, store *session.Store) {
	var c models.Customer
	if err := decodeBody(r, &c); err != nil {
		s.badJSON(w)
		return
	}
	d, err := s.svc.Wizard.SetCustomer(r.Context(), store, c)
	s.reply(w, d, err)
}

func (s *HTTPServer) handlePaymentChoice(w http.ResponseWriter, r *http.Request, _ httprouter.Params, store *session.Store) {
	var body struct {
		Choice models.PaymentChoice `json:"choice"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.badJSON(w)
		return
	}
	d, err := s.svc.Wizard.SetPaymentChoice(r.Context(), store, body.Choice)
	s.reply(w, d, err)
}

func (s *HTTPServer) handleApplyCoupon(w http.ResponseWriter, r *http.Request, _ httprouter.Params, store *session.Store) {
	var body struct {
		Code string `json:"code"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.badJSON(w)
		return
	}
	d, err := s.svc.Wizard.ApplyCoupon(r.Context(), store, body.Code)
	s.reply(w, d, err)
}

func (s *HTTPServer) handleRemoveCoupon(w http.ResponseWriter, r *http.Request, _ httprouter.Params, store *session.Store) {
	d, err := s.svc.Wizard.RemoveCoupon(r.Context(), store)
	s.reply(w, d, err)
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request, _ httprouter.Params, store *session.Store) {
	var body struct {
		Gateway       string `json:"gateway"`
		PaymentMethod string `json:"payment_method"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.badJSON(w)
		return
	}
	d, err := s.svc.Wizard.Submit(r.Context(), store, body.Gateway, body.PaymentMethod)
	s.reply(w, d, err)
}

func (s *HTTPServer) handleConfirmCard(w http.ResponseWriter, r *http.Request, _ httprouter.Params, store *session.Store) {
	var body struct {
		PaymentMethod string `json:"payment_method"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.badJSON(w)
		return
	}
	d, err := s.svc.Wizard.ConfirmCard(r.Context(), store, body.PaymentMethod)
	s.reply(w, d, err)
}

// handlePayPalReturn takes the query PayPal appends to the return URL:
// paypal_return=1&ref=<booking_ref>&PayerID=<id>.
func (s *HTTPServer) handlePayPalReturn(w http.ResponseWriter, r *http.Request, _ httprouter.Params, store *session.Store) {
	q := r.URL.Query()
	if q.Get("paypal_return") != "1" || q.Get("ref") == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "paypal_return and ref are required")
		return
	}
	d, err := s.svc.Wizard.ResumeRedirect(r.Context(), store, q.Get("ref"), q.Get("PayerID"))
	s.reply(w, d, err)
}

func (s *HTTPServer) handleBack(w http.ResponseWriter, r *http.Request, _ httprouter.Params, store *session.Store) {
	d, err := s.svc.Wizard.Back(r.Context(), store)
	s.reply(w, d, err)
}

func (s *HTTPServer) handleStartOver(w http.ResponseWriter, r *http.Request, _ httprouter.Params, store *session.Store) {
	s.reply(w, s.svc.Wizard.StartOver(r.Context(), store), nil)
}

func (s *HTTPServer) handleTripCheckout(w http.ResponseWriter, r *http.Request, _ httprouter.Params, store *session.Store) {
	var in wizard.TripCheckout
	if err := decodeBody(r, &in); err != nil {
		s.badJSON(w)
		return
	}
	d, err := s.svc.Wizard.CheckoutTrip(r.Context(), store, in)
	s.reply(w, d, err)
}

func (s *HTTPServer) handleRentalCheckout(w http.ResponseWriter, r *http.Request, _ httprouter.Params, store *session.Store) {
	var in wizard.RentalCheckout
	if err := decodeBody(r, &in); err != nil {
		s.badJSON(w)
		return
	}
	d, err := s.svc.Wizard.CheckoutRental(r.Context(), store, in)
	s.reply(w, d, err)
}

func (s *HTTPServer) journalDisabled(w http.ResponseWriter) bool {
	if s.svc.Journal == nil || s.svc.Exporter == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "booking journal is disabled")
		return true
	}
	return false
}

// handleSessionReceipt serves receipts only for bookings made by the caller's session.
func (s *HTTPServer) handleSessionReceipt(w http.ResponseWriter, r *http.Request, ps httprouter.Params, store *session.Store) {
	if s.journalDisabled(w) {
		return
	}
	ref := ps.ByName("ref")
	rec, err := s.svc.Journal.GetBookingByRef(r.Context(), ref)
	if err != nil || rec.SessionID != store.SessionID() {
		writeError(w, http.StatusNotFound, "not_found", "booking not found")
		return
	}
	s.writeReceipt(w, r, ref)
}

func (s *HTTPServer) handleAdminReceipt(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.journalDisabled(w) {
		return
	}
	s.writeReceipt(w, r, ps.ByName("ref"))
}

func (s *HTTPServer) writeReceipt(w http.ResponseWriter, r *http.Request, ref string) {
	var buf bytes.Buffer
	if err := s.svc.Exporter.Receipt(r.Context(), &buf, ref); err != nil {
		if errors.Is(err, database.ErrBookingNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "booking not found")
			return
		}
		s.logger.Error().Err(err).Str("booking_ref", ref).Msg("receipt rendering failed")
		writeError(w, http.StatusInternalServerError, "internal", s.generic)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="receipt_`+ref+`.pdf"`)
	_, _ = w.Write(buf.Bytes())
}

func (s *HTTPServer) handleAdminBooking(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.journalDisabled(w) {
		return
	}
	rec, err := s.svc.Journal.GetBookingByRef(r.Context(), ps.ByName("ref"))
	if errors.Is(err, database.ErrBookingNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "booking not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("journal lookup failed")
		writeError(w, http.StatusInternalServerError, "internal", s.generic)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking": rec})
}

const dateLayout = "2006-01-02"

// handleExport streams the journal for [from, to] (dates, to inclusive).
// Without parameters the last 30 days are exported.
func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.journalDisabled(w) {
		return
	}
	q := r.URL.Query()
	today := time.Now().UTC().Truncate(24 * time.Hour)
	from, to := today.AddDate(0, 0, -30), today
	var err error
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(dateLayout, v); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid from date; expected YYYY-MM-DD")
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(dateLayout, v); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid to date; expected YYYY-MM-DD")
			return
		}
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "bad_request", "to is before from")
		return
	}

	var buf bytes.Buffer
	if _, err := s.svc.Exporter.WriteJournal(r.Context(), &buf, from, to.AddDate(0, 0, 1)); err != nil {
		s.logger.Error().Err(err).Msg("journal export failed")
		writeError(w, http.StatusInternalServerError, "internal", s.generic)
		return
	}
	name := "journal_" + from.Format(dateLayout) + "_to_" + to.Format(dateLayout) + ".xlsx"
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	_, _ = w.Write(buf.Bytes())
}

func (s *HTTPServer) handleFailedTasks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.svc.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "reconciliation is disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	tasks, err := s.svc.Tasks.GetFailedTasks(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed task listing failed")
		writeError(w, http.StatusInternalServerError, "internal", s.generic)
		return
	}
	if tasks == nil {
		tasks = []*models.ReconcileTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}
