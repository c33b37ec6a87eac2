package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"transferbook/internal/checkout"
	"transferbook/internal/gateway"
	"transferbook/internal/pricing"
)

const kindNoRoute = "no_route"

type errorBody struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
	WhatsApp string `json:"whatsapp_url,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError answers with a plain message. Used for transport level problems
// (auth, limits, bad JSON) that never reach the wizard.
func writeError(w http.ResponseWriter, statusCode int, kind, message string) {
	writeJSON(w, statusCode, map[string]any{"error": errorBody{Kind: kind, Message: message}})
}

// writeFailure maps a wizard or checkout error onto the HTTP status and the
// {"error": {...}} body. extra fields (like the summary) go next to it.
func writeFailure(w http.ResponseWriter, err error, fallback string, extra map[string]any) {
	status, body := classify(err, fallback)
	out := map[string]any{"error": body}
	for k, v := range extra {
		out[k] = v
	}
	writeJSON(w, status, out)
}

func classify(err error, fallback string) (int, errorBody) {
	var nr *pricing.NoRouteError
	if errors.As(err, &nr) {
		return http.StatusUnprocessableEntity, errorBody{
			Kind:     kindNoRoute,
			Message:  nr.Message,
			Phone:    nr.Phone,
			Email:    nr.Email,
			WhatsApp: nr.WhatsAppURL(),
		}
	}
	var lt *pricing.LeadTimeError
	if errors.As(err, &lt) {
		return http.StatusUnprocessableEntity, errorBody{Kind: string(gateway.KindValidation), Message: lt.Error()}
	}

	msg := gateway.Message(err, fallback)
	info, ok := gateway.AsErrorInfo(err)
	if !ok {
		return http.StatusInternalServerError, errorBody{Kind: "internal", Message: fallback}
	}
	if errors.Is(err, checkout.ErrInFlight) {
		return http.StatusConflict, errorBody{Kind: string(info.Kind), Message: msg}
	}
	return statusForKind(info.Kind), errorBody{Kind: string(info.Kind), Message: msg}
}

func statusForKind(k gateway.Kind) int {
	switch k {
	case gateway.KindValidation:
		return http.StatusUnprocessableEntity
	case gateway.KindApplication:
		return http.StatusBadRequest
	case gateway.KindGateway:
		return http.StatusPaymentRequired
	case gateway.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
