package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transferbook/internal/config"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   map[string]any
}

func newBackend(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var seen []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Header: r.Header.Clone()}
		if r.Body != nil {
			data, _ := io.ReadAll(r.Body)
			if len(data) > 0 {
				_ = json.Unmarshal(data, &rec.Body)
			}
		}
		seen = append(seen, rec)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func newProxy(t *testing.T, backendURL string) (*Proxy, *TokenIssuer) {
	t.Helper()
	logger := zerolog.Nop()
	tokens := NewTokenIssuer("secret", time.Hour)
	p := NewProxy(config.BackendConfig{
		BaseURL:  backendURL,
		APIKey:   "backend-key",
		Timeout:  5 * time.Second,
		Language: "fr",
	}, tokens, &logger)
	return p, tokens
}

func postForm(t *testing.T, h http.Handler, form url.Values, lang string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/proxy", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if lang != "" {
		req.Header.Set("Accept-Language", lang)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec, out
}

func proxyForm(token, endpoint, params string) url.Values {
	return url.Values{
		"action":   {ProxyAction},
		"nonce":    {token},
		"endpoint": {endpoint},
		"params":   {params},
	}
}

func TestProxyForwardsGET(t *testing.T) {
	backend, seen := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"pricing_type":"fixed","vehicle_options":[]}`))
	})
	p, tokens := newProxy(t, backend.URL)
	token, _, _ := tokens.Issue("s1")

	rec, out := postForm(t, p, proxyForm(token, "get_pricing",
		`{"origin_lat":31.6,"origin_lng":-8.0,"passengers":"2","note":"<b>hi</b>  there"}`), "en-GB,en;q=0.9")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "fixed", out["data"].(map[string]any)["pricing_type"])

	require.Len(t, *seen, 1)
	got := (*seen)[0]
	assert.Equal(t, http.MethodGet, got.Method)
	assert.Equal(t, "/api/v1/locations/routes/get_pricing/", got.Path)
	assert.Equal(t, "31.6", got.Query.Get("origin_lat"))
	assert.Equal(t, "2", got.Query.Get("passengers"))
	assert.Equal(t, "hi there", got.Query.Get("note"))
	assert.Equal(t, "backend-key", got.Header.Get("X-API-Key"))
	assert.Equal(t, "en", got.Header.Get("Accept-Language"))
	assert.Equal(t, "application/json", got.Header.Get("Accept"))
}

func TestProxyForwardsPOSTWithSanitizedBody(t *testing.T) {
	backend, seen := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":42,"booking_ref":"TR-42"}`))
	})
	p, tokens := newProxy(t, backend.URL)
	token, _, _ := tokens.Issue("s1")

	rec, out := postForm(t, p, proxyForm(token, "create_booking",
		`{"customer_email":"  Jane@Example.COM ","passengers":2,"is_round_trip":true,"extras":[{"extra_id":3,"quantity":2}]}`), "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])

	require.Len(t, *seen, 1)
	got := (*seen)[0]
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/api/v1/transfers/", got.Path)
	assert.Equal(t, "jane@example.com", got.Body["customer_email"])
	assert.Equal(t, float64(2), got.Body["passengers"])
	assert.Equal(t, true, got.Body["is_round_trip"])
	assert.Equal(t, "fr", got.Header.Get("Accept-Language"))
}

func TestProxyDynamicPathSuffix(t *testing.T) {
	backend, seen := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"booking_ref":"TR-1"}`))
	})
	p, tokens := newProxy(t, backend.URL)
	token, _, _ := tokens.Issue("s1")

	tests := []struct {
		suffix string
		want   string
	}{
		{suffix: "TR-1", want: "/api/v1/transfers/by-ref/TR-1/"},
		{suffix: "/TR 2?x=<y>", want: "/api/v1/transfers/by-ref/TR2xy/"},
		{suffix: "../../admin", want: "/api/v1/transfers/by-ref/admin/"},
		{suffix: "", want: "/api/v1/transfers/by-ref/"},
	}
	for _, tt := range tests {
		t.Run(tt.suffix, func(t *testing.T) {
			*seen = nil
			params, _ := json.Marshal(map[string]string{PathSuffixParam: tt.suffix})
			postForm(t, p, proxyForm(token, "get_booking_by_ref", string(params)), "")
			require.Len(t, *seen, 1)
			assert.Equal(t, tt.want, (*seen)[0].Path)
			assert.Empty(t, (*seen)[0].Query.Get(PathSuffixParam))
		})
	}
}

func TestProxyRejections(t *testing.T) {
	backend, seen := newBackend(t, func(w http.ResponseWriter, r *http.Request) {})
	p, tokens := newProxy(t, backend.URL)
	token, _, _ := tokens.Issue("s1")

	t.Run("UnknownEndpoint", func(t *testing.T) {
		rec, out := postForm(t, p, proxyForm(token, "drop_tables", `{}`), "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, false, out["success"])
		assert.Equal(t, "Invalid endpoint.", out["data"].(map[string]any)["message"])
	})

	t.Run("BadToken", func(t *testing.T) {
		rec, out := postForm(t, p, proxyForm("forged", "get_extras", `{}`), "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, false, out["success"])
	})

	t.Run("WrongAction", func(t *testing.T) {
		form := proxyForm(token, "get_extras", `{}`)
		form.Set("action", "something_else")
		rec, _ := postForm(t, p, form, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("InvalidParams", func(t *testing.T) {
		rec, _ := postForm(t, p, proxyForm(token, "get_extras", `{oops`), "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("GetNotAllowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proxy", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	assert.Empty(t, *seen, "rejected calls must not reach the backend")
}

func TestProxyBackendErrors(t *testing.T) {
	t.Run("ErrorBodyPassedThrough", func(t *testing.T) {
		backend, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"customer_email":["Enter a valid email address."]}`))
		})
		p, tokens := newProxy(t, backend.URL)
		token, _, _ := tokens.Issue("s1")

		rec, out := postForm(t, p, proxyForm(token, "create_booking", `{}`), "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, false, out["success"])
		assert.Contains(t, out["data"].(map[string]any), "customer_email")
	})

	t.Run("HTMLErrorBecomesGeneric", func(t *testing.T) {
		backend, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`<html>bad gateway</html>`))
		})
		p, tokens := newProxy(t, backend.URL)
		token, _, _ := tokens.Issue("s1")

		rec, out := postForm(t, p, proxyForm(token, "get_extras", `{}`), "")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, "API request failed.", out["data"].(map[string]any)["message"])
	})

	t.Run("BackendDown", func(t *testing.T) {
		backend, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {})
		p, tokens := newProxy(t, backend.URL)
		backend.Close()
		token, _, _ := tokens.Issue("s1")

		rec, out := postForm(t, p, proxyForm(token, "get_extras", `{}`), "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, false, out["success"])
		assert.NotEmpty(t, out["data"].(map[string]any)["message"])
	})
}

func TestProxyCachesReadMostlyOperations(t *testing.T) {
	var hits atomic.Int32
	backend, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`[{"gateway_type":"cash","is_active":true}]`))
	})
	p, tokens := newProxy(t, backend.URL)

	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()
	p.UseRedisCache(rdb, time.Minute)

	token, _, _ := tokens.Issue("s1")
	for i := 0; i < 3; i++ {
		rec, out := postForm(t, p, proxyForm(token, "get_gateways", `{}`), "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, out["success"])
	}
	assert.Equal(t, int32(1), hits.Load())

	// pricing is never cached
	for i := 0; i < 2; i++ {
		postForm(t, p, proxyForm(token, "get_pricing", `{}`), "")
	}
	assert.Equal(t, int32(3), hits.Load())
}

func TestProxyTestConnection(t *testing.T) {
	backend, seen := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "backend-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})
	p, _ := newProxy(t, backend.URL)
	require.NoError(t, p.TestConnection(context.Background()))
	assert.Equal(t, "/api/v1/payments/gateways/", (*seen)[0].Path)

	p.apiKey = "wrong"
	assert.Error(t, p.TestConnection(context.Background()))
}

func TestAcceptLanguage(t *testing.T) {
	assert.Equal(t, "fr", acceptLanguage("fr-FR,fr;q=0.9", "en"))
	assert.Equal(t, "ar", acceptLanguage("AR", "en"))
	assert.Equal(t, "en", acceptLanguage("", "en"))
	assert.Equal(t, "en", acceptLanguage("*", ""))
}
