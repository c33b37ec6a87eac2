package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"transferbook/internal/metrics"
)

const maxResponseBytes = 4 << 20

// Client calls allow-listed backend operations through the proxy endpoint.
type Client struct {
	endpoint       string
	token          string
	httpClient     *http.Client
	genericMessage string
	language       string
	logger         *zerolog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func WithGenericMessage(msg string) ClientOption {
	return func(c *Client) { c.genericMessage = msg }
}

func WithLanguage(lang string) ClientOption {
	return func(c *Client) { c.language = lang }
}

func WithLogger(logger *zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func NewClient(endpoint, token string, opts ...ClientOption) *Client {
	nop := zerolog.Nop()
	c := &Client{
		endpoint:       endpoint,
		token:          token,
		httpClient:     &http.Client{Timeout: 35 * time.Second},
		genericMessage: "An error occurred. Please try again.",
		logger:         &nop,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// Call runs operation with params and decodes the envelope data into out.
// Every error it returns is an *ErrorInfo.
func (c *Client) Call(ctx context.Context, operation string, params any, out any) error {
	if _, ok := Lookup(operation); !ok {
		return &ErrorInfo{Kind: KindValidation, Message: c.genericMessage, Op: operation,
			Err: fmt.Errorf("unknown operation %q", operation)}
	}

	data, err := c.roundTrip(ctx, operation, params)
	if err != nil {
		metrics.IncGatewayCall(operation, outcomeOf(err))
		return err
	}
	if out != nil && len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, out); err != nil {
			c.logger.Warn().Err(err).Str("op", operation).Msg("unexpected response shape")
			metrics.IncGatewayCall(operation, string(KindTransport))
			return &ErrorInfo{Kind: KindTransport, Message: c.genericMessage, Op: operation, Err: err}
		}
	}
	metrics.IncGatewayCall(operation, "ok")
	return nil
}

func (c *Client) roundTrip(ctx context.Context, operation string, params any) (json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, &ErrorInfo{Kind: KindValidation, Message: c.genericMessage, Op: operation, Err: err}
	}

	form := url.Values{}
	form.Set("action", ProxyAction)
	form.Set("nonce", c.token)
	form.Set("endpoint", operation)
	form.Set("params", string(encoded))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &ErrorInfo{Kind: KindTransport, Message: c.genericMessage, Op: operation, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if c.language != "" {
		req.Header.Set("Accept-Language", c.language)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("op", operation).Msg("proxy request failed")
		return nil, &ErrorInfo{Kind: KindTransport, Message: c.genericMessage, Op: operation, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &ErrorInfo{Kind: KindTransport, Message: c.genericMessage, Op: operation, Status: resp.StatusCode, Err: err}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Success == nil {
		if err == nil {
			err = errors.New("response is not an envelope")
		}
		c.logger.Error().Err(err).Str("op", operation).Int("status", resp.StatusCode).Msg("malformed proxy response")
		return nil, &ErrorInfo{Kind: KindTransport, Message: c.genericMessage, Op: operation, Status: resp.StatusCode, Err: err}
	}

	if !*env.Success {
		msg := ExtractMessage(env.Data, c.genericMessage)
		c.logger.Info().Str("op", operation).Int("status", resp.StatusCode).Str("message", msg).Msg("backend rejected operation")
		return nil, &ErrorInfo{Kind: KindApplication, Message: msg, Op: operation, Status: resp.StatusCode}
	}
	return env.Data, nil
}

func outcomeOf(err error) string {
	if info, ok := AsErrorInfo(err); ok {
		return string(info.Kind)
	}
	return "error"
}
