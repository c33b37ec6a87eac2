package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"transferbook/internal/config"
	"transferbook/internal/metrics"
)

const (
	msgInvalidEndpoint = "Invalid endpoint."
	msgSecurityFailed  = "Security check failed."
	msgInvalidParams   = "Invalid parameters."
	msgRequestFailed   = "API request failed."

	testConnectionTimeout = 15 * time.Second
)

// TokenVerifier resolves a security token to its session id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Proxy forwards allow-listed operations to the backend API and wraps the
// answer in the {success, data} envelope.
type Proxy struct {
	baseURL    string
	apiKey     string
	language   string
	httpClient *http.Client
	tokens     TokenVerifier
	logger     *zerolog.Logger

	cache    *redis.Client
	cacheTTL time.Duration
}

func NewProxy(cfg config.BackendConfig, tokens TokenVerifier, logger *zerolog.Logger) *Proxy {
	return &Proxy{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		language:   cfg.Language,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tokens:     tokens,
		logger:     logger,
	}
}

// UseRedisCache enables caching of cacheable GET operations.
func (p *Proxy) UseRedisCache(client *redis.Client, ttl time.Duration) {
	p.cache = client
	p.cacheTTL = ttl
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeEnvelope(w, http.StatusMethodNotAllowed, false, messageBody("Method not allowed."))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeEnvelope(w, http.StatusBadRequest, false, messageBody(msgInvalidParams))
		return
	}
	if r.PostForm.Get("action") != ProxyAction {
		writeEnvelope(w, http.StatusBadRequest, false, messageBody("Invalid action."))
		return
	}

	sessionID, err := p.tokens.Verify(r.PostForm.Get("nonce"))
	if err != nil {
		p.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("proxy token rejected")
		writeEnvelope(w, http.StatusForbidden, false, messageBody(msgSecurityFailed))
		return
	}

	name := r.PostForm.Get("endpoint")
	op, ok := Lookup(name)
	if !ok {
		writeEnvelope(w, http.StatusBadRequest, false, messageBody(msgInvalidEndpoint))
		return
	}

	params := map[string]any{}
	if raw := strings.TrimSpace(r.PostForm.Get("params")); raw != "" {
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&params); err != nil {
			writeEnvelope(w, http.StatusBadRequest, false, messageBody(msgInvalidParams))
			return
		}
	}

	status, body, err := p.Forward(r.Context(), op, params, acceptLanguage(r.Header.Get("Accept-Language"), p.language))
	if err != nil {
		p.logger.Error().Err(err).Str("op", name).Str("session_id", sessionID).Msg("backend unreachable")
		metrics.IncGatewayCall(name, "proxy_transport")
		writeEnvelope(w, http.StatusInternalServerError, false, messageBody(err.Error()))
		return
	}

	if status >= 200 && status < 300 {
		writeEnvelope(w, http.StatusOK, true, body)
		return
	}
	p.logger.Info().Str("op", name).Int("status", status).Str("session_id", sessionID).Msg("backend returned error")
	if !json.Valid(body) || len(bytes.TrimSpace(body)) == 0 || string(bytes.TrimSpace(body)) == "null" {
		body = messageBody(msgRequestFailed)
	}
	writeEnvelope(w, status, false, body)
}

// Forward sends one operation to the backend and returns the raw status and body.
func (p *Proxy) Forward(ctx context.Context, op Operation, params map[string]any, lang string) (int, json.RawMessage, error) {
	path := op.Path
	if op.Dynamic {
		if suffix, ok := params[PathSuffixParam].(string); ok {
			path = joinSuffix(path, suffix)
		}
	}
	delete(params, PathSuffixParam)
	params = sanitizeParams(params, "").(map[string]any)

	endpoint := p.baseURL + APIPrefix + path
	var body io.Reader
	if op.Method == http.MethodGet {
		if q := encodeQuery(params); q != "" {
			endpoint += "?" + q
		}
	} else {
		data, err := json.Marshal(params)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(data)
	}

	cacheKey := ""
	if op.Cacheable && op.Method == http.MethodGet {
		cacheKey = "proxy:" + lang + ":" + endpoint
		if cached, ok := p.readCache(ctx, cacheKey); ok {
			return http.StatusOK, cached, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	p.addHeaders(req, lang)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, err
	}
	if cacheKey != "" && resp.StatusCode == http.StatusOK && json.Valid(data) {
		p.writeCache(ctx, cacheKey, data)
	}
	return resp.StatusCode, data, nil
}

// TestConnection checks that the backend answers with the configured credentials.
func (p *Proxy) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, testConnectionTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+APIPrefix+"/payments/gateways/", nil)
	if err != nil {
		return err
	}
	p.addHeaders(req, p.language)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("backend answered http %d", resp.StatusCode)
	}
	return nil
}

func (p *Proxy) addHeaders(req *http.Request, lang string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", lang)
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}
}

func (p *Proxy) readCache(ctx context.Context, key string) (json.RawMessage, bool) {
	if p.cache == nil || p.cacheTTL <= 0 {
		return nil, false
	}
	val, err := p.cache.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return val, true
}

func (p *Proxy) writeCache(ctx context.Context, key string, val []byte) {
	if p.cache == nil || p.cacheTTL <= 0 {
		return
	}
	if err := p.cache.Set(ctx, key, val, p.cacheTTL).Err(); err != nil {
		p.logger.Debug().Err(err).Str("key", key).Msg("proxy cache write failed")
	}
}

var suffixDisallowed = regexp.MustCompile(`[^a-zA-Z0-9\-_/.]`)

// joinSuffix appends a sanitized suffix to path. Dot segments are dropped.
func joinSuffix(path, suffix string) string {
	suffix = suffixDisallowed.ReplaceAllString(suffix, "")
	var segments []string
	for _, seg := range strings.Split(suffix, "/") {
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return path
	}
	return strings.TrimRight(path, "/") + "/" + strings.Join(segments, "/") + "/"
}

var (
	tagPattern   = regexp.MustCompile(`<[^>]*>`)
	spacePattern = regexp.MustCompile(`\s+`)
	keyPattern   = regexp.MustCompile(`[^a-z0-9_\-]`)
)

func sanitizeText(s string) string {
	s = tagPattern.ReplaceAllString(s, "")
	s = spacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func sanitizeParams(v any, key string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			clean := keyPattern.ReplaceAllString(strings.ToLower(k), "")
			if clean == "" {
				continue
			}
			out[clean] = sanitizeParams(val, clean)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sanitizeParams(val, key)
		}
		return out
	case string:
		if strings.HasSuffix(key, "email") {
			return strings.ToLower(strings.TrimSpace(tagPattern.ReplaceAllString(t, "")))
		}
		return sanitizeText(t)
	default:
		return t
	}
}

// encodeQuery flattens params into a stable query string. Lists repeat the
// key and nested objects are sent as JSON.
func encodeQuery(params map[string]any) string {
	values := url.Values{}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := params[k].(type) {
		case nil:
		case []any:
			for _, item := range v {
				values.Add(k, scalarString(item))
			}
		default:
			values.Set(k, scalarString(v))
		}
	}
	return values.Encode()
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	case nil:
		return ""
	case map[string]any, []any:
		data, _ := json.Marshal(t)
		return string(data)
	default:
		return fmt.Sprint(t)
	}
}

func acceptLanguage(header, fallback string) string {
	lang := strings.TrimSpace(strings.SplitN(header, ",", 2)[0])
	if len(lang) >= 2 {
		return strings.ToLower(lang[:2])
	}
	if fallback == "" {
		return "en"
	}
	return fallback
}

func messageBody(msg string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"message": msg})
	return data
}

func writeEnvelope(w http.ResponseWriter, status int, success bool, data json.RawMessage) {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelopeOut{Success: success, Data: data})
}

type envelopeOut struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}
