package api

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"transferbook/internal/config"
)

const (
	apiKeyHeaderDefault   = "x-api-key"
	apiExtraHeaderDefault = "x-api-extra"
	clientKeyUnknown      = "unknown"

	permReadBookings  = "read:bookings"
	permReadReconcile = "read:reconcile"
	permExportJournal = "export:journal"
)

var (
	errMissingKey       = errors.New("missing api key headers")
	errInvalidKey       = errors.New("invalid api key")
	errInvalidExtra     = errors.New("invalid extra header")
	errPermissionDenied = errors.New("permission denied")
)

// keyAuth checks operator API keys. The same table serves HTTP admin routes
// and gRPC metadata.
type keyAuth struct {
	enabled     bool
	keyHeader   string
	extraHeader string
	clients     map[string]config.APIClientKey
}

func newKeyAuth(cfg config.APIAuthConfig) *keyAuth {
	m := make(map[string]config.APIClientKey, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		m[k.Key] = k
	}
	keyHeader := strings.ToLower(strings.TrimSpace(cfg.HeaderAPIKey))
	if keyHeader == "" {
		keyHeader = apiKeyHeaderDefault
	}
	extraHeader := strings.ToLower(strings.TrimSpace(cfg.HeaderExtra))
	if extraHeader == "" {
		extraHeader = apiExtraHeaderDefault
	}
	return &keyAuth{enabled: cfg.Enabled, keyHeader: keyHeader, extraHeader: extraHeader, clients: m}
}

// check validates a key/extra pair and the permission it needs.
func (a *keyAuth) check(apiKey, extra, required string) error {
	if !a.enabled {
		return nil
	}
	apiKey, extra = strings.TrimSpace(apiKey), strings.TrimSpace(extra)
	if apiKey == "" || extra == "" {
		return errMissingKey
	}
	client, ok := a.clients[apiKey]
	if !ok {
		return errInvalidKey
	}
	if subtle.ConstantTimeCompare([]byte(client.Extra), []byte(extra)) != 1 {
		return errInvalidExtra
	}
	return checkPermission(client, required)
}

func checkPermission(client config.APIClientKey, required string) error {
	// пустой список прав = полный доступ
	if required == "" || len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

func (a *keyAuth) checkHTTP(r *http.Request, required string) (int, error) {
	err := a.check(r.Header.Get(a.keyHeader), r.Header.Get(a.extraHeader), required)
	switch {
	case err == nil:
		return http.StatusOK, nil
	case errors.Is(err, errPermissionDenied):
		return http.StatusForbidden, err
	default:
		return http.StatusUnauthorized, err
	}
}

// bearerToken reads the session token from the Authorization header or the
// token query parameter (payment provider redirects cannot set headers).
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}
