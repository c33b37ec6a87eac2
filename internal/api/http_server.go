package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"transferbook/internal/config"
	"transferbook/internal/domain"
	"transferbook/internal/export"
	"transferbook/internal/gateway"
	"transferbook/internal/metrics"
	"transferbook/internal/session"
	"transferbook/internal/wizard"
)

// Services is everything the HTTP API drives. Journal, Tasks and Exporter may
// be nil when the journal is disabled; the routes that need them answer 503.
type Services struct {
	Wizard   *wizard.Controller
	Sessions *session.Manager
	Tokens   *gateway.TokenIssuer
	Proxy    http.Handler
	Drafts   domain.DraftRepository
	Journal  domain.Journal
	Tasks    domain.TaskQueue
	Exporter *export.Exporter
	// Checks are run by /healthz, keyed by dependency name.
	Checks map[string]func(context.Context) error
}

// HTTPServer serves the session API the booking pages use, the proxy
// endpoint and the operator routes.
type HTTPServer struct {
	cfg     config.APIConfig
	svc     Services
	generic string
	keys    *keyAuth
	limiter *clientLimiter
	router  *httprouter.Router
	server  *http.Server
	logger  *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, svc Services, genericMessage string, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	s := &HTTPServer{
		cfg:     cfg,
		svc:     svc,
		generic: genericMessage,
		keys:    newKeyAuth(cfg.Auth),
		limiter: newClientLimiter(cfg.RateLimit),
		router:  httprouter.New(),
		logger:  logger,
	}
	s.routes()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	return s
}

func (s *HTTPServer) routes() {
	r := s.router
	r.HandleMethodNotAllowed = true
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "not found")
	})
	r.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	s.handle(http.MethodGet, "/healthz", s.handleHealth)
	s.handle(http.MethodGet, "/api/v1/gateways", s.handleGateways)
	if s.svc.Proxy != nil {
		s.handle(http.MethodPost, "/api/v1/proxy", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
			s.svc.Proxy.ServeHTTP(w, r)
		})
	}

	s.handle(http.MethodPost, "/api/v1/sessions", s.handleCreateSession)
	s.handle(http.MethodPost, "/api/v1/session/token", s.withSession(s.handleRefreshToken))
	s.handle(http.MethodGet, "/api/v1/session", s.withSession(s.handleSummary))

	// Route step
	s.handle(http.MethodPost, "/api/v1/session/mode", s.withSession(s.handleSetMode))
	s.handle(http.MethodPut, "/api/v1/session/legs/:leg/route", s.withSession(s.handleSetRoute))
	s.handle(http.MethodPost, "/api/v1/session/legs", s.withSession(s.handleAddLeg))
	s.handle(http.MethodDelete, "/api/v1/session/legs/:leg", s.withSession(s.handleRemoveLeg))
	s.handle(http.MethodPut, "/api/v1/session/return-to-start", s.withSession(s.handleReturnToStart))
	s.handle(http.MethodPost, "/api/v1/session/route/submit", s.withSession(s.handleSubmitRoute))

	// Vehicle step
	s.handle(http.MethodPut, "/api/v1/session/vehicle", s.withSession(s.handleSelectVehicle))
	s.handle(http.MethodPost, "/api/v1/session/extras/:id/toggle", s.withSession(s.handleToggleExtra))
	s.handle(http.MethodPut, "/api/v1/session/extras/:id", s.withSession(s.handleExtraQuantity))
	s.handle(http.MethodPost, "/api/v1/session/to-payment", s.withSession(s.handleToPayment))

	// Payment step
	s.handle(http.MethodPut, "/api/v1/session/customer", s.withSession(s.handleSetCustomer))
	s.handle(http.MethodPut, "/api/v1/session/payment-choice", s.withSession(s.handlePaymentChoice))
	s.handle(http.MethodPost, "/api/v1/session/coupon", s.withSession(s.handleApplyCoupon))
	s.handle(http.MethodDelete, "/api/v1/session/coupon", s.withSession(s.handleRemoveCoupon))
	s.handle(http.MethodPost, "/api/v1/session/submit", s.withSession(s.limitSubmit(s.handleSubmit)))
	s.handle(http.MethodPost, "/api/v1/session/card", s.withSession(s.limitSubmit(s.handleConfirmCard)))
	s.handle(http.MethodGet, "/api/v1/session/paypal-return", s.withSession(s.handlePayPalReturn))

	s.handle(http.MethodPost, "/api/v1/session/back", s.withSession(s.handleBack))
	s.handle(http.MethodPost, "/api/v1/session/start-over", s.withSession(s.handleStartOver))

	s.handle(http.MethodPost, "/api/v1/session/checkout/trip", s.withSession(s.limitSubmit(s.handleTripCheckout)))
	s.handle(http.MethodPost, "/api/v1/session/checkout/rental", s.withSession(s.limitSubmit(s.handleRentalCheckout)))
	s.handle(http.MethodGet, "/api/v1/session/receipts/:ref", s.withSession(s.handleSessionReceipt))

	// operators
	s.handle(http.MethodGet, "/api/v1/admin/bookings/:ref", s.withKey(permReadBookings, s.handleAdminBooking))
	s.handle(http.MethodGet, "/api/v1/admin/receipts/:ref", s.withKey(permReadBookings, s.handleAdminReceipt))
	s.handle(http.MethodGet, "/api/v1/admin/export", s.withKey(permExportJournal, s.handleExport))
	s.handle(http.MethodGet, "/api/v1/admin/reconcile/failed", s.withKey(permReadReconcile, s.handleFailedTasks))
}

// handle registers h and counts requests per route pattern.
func (s *HTTPServer) handle(method, path string, h httprouter.Handle) {
	s.router.Handle(method, path, func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		metrics.IncHTTP(method + " " + path)
		h(w, r, ps)
	})
}

// Handler is the full middleware chain; tests drive it through httptest.
func (s *HTTPServer) Handler() http.Handler {
	return s.requestLogger(s.cors(s.rateLimit(s.router)))
}

func (s *HTTPServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// PruneLimiters drops idle rate limit buckets until ctx is done.
func (s *HTTPServer) PruneLimiters(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.prune(interval)
		}
	}
}

func (s *HTTPServer) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" && !s.limiter.Allow(s.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey prefers the operator key, then the remote host.
func (s *HTTPServer) clientKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get(s.keys.keyHeader)); k != "" {
		return "key:" + k
	}
	return remoteHost(r)
}

func (s *HTTPServer) cors(next http.Handler) http.Handler {
	origin := strings.TrimSpace(s.cfg.HTTP.AllowedOrigin)
	if origin == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Vary", "Origin")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Accept-Language")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

const requestIDHeader = "X-Request-ID"

func (s *HTTPServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		ev := s.logger.Info()
		if recorder.status >= http.StatusInternalServerError {
			ev = s.logger.Warn()
		}
		ev.Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

type sessionHandle func(w http.ResponseWriter, r *http.Request, ps httprouter.Params, store *session.Store)

// withSession resolves the bearer token to the session store.
func (s *HTTPServer) withSession(h sessionHandle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		sessionID, err := s.svc.Tokens.Verify(bearerToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "session token is missing or expired")
			return
		}
		h(w, r, ps, s.svc.Sessions.Open(r.Context(), sessionID))
	}
}

func (s *HTTPServer) withKey(permission string, h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if status, err := s.keys.checkHTTP(r, permission); err != nil {
			writeError(w, status, "unauthorized", err.Error())
			return
		}
		h(w, r, ps)
	}
}

// limitSubmit caps checkout submissions per session per minute.
func (s *HTTPServer) limitSubmit(h sessionHandle) sessionHandle {
	limit := s.cfg.RateLimit.SubmitPerMinute
	if limit <= 0 || s.svc.Drafts == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params, store *session.Store) {
		ok, err := s.svc.Drafts.CheckRateLimit(r.Context(), "submit:"+store.SessionID(), limit, time.Minute)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", store.SessionID()).Msg("submit rate limit check failed")
		} else if !ok {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many attempts. Please wait a minute.")
			return
		}
		h(w, r, ps, store)
	}
}
