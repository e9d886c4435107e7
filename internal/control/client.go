package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"factor-trader/internal/config"
)

const clientTimeout = 2 * time.Minute

// Response is a ControlResult as seen by the client. Data is left raw so
// callers decode only what they print.
type Response struct {
	Success bool            `json:"success"`
	Action  string          `json:"action"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals Data into v.
func (r *Response) Decode(v interface{}) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("response has no data")
	}
	return json.Unmarshal(r.Data, v)
}

// Client calls a running engine's control server.
type Client struct {
	http *resty.Client
}

// NewClient targets baseURL, e.g. http://127.0.0.1:8787.
func NewClient(baseURL, token string) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(clientTimeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		c.SetAuthToken(token)
	}
	return &Client{http: c}
}

// NewClientFromConfig targets the configured listen address.
func NewClientFromConfig(cfg config.ControlConfig) *Client {
	return NewClient("http://"+cfg.Listen, cfg.Token)
}

// Status fetches GET /status.
func (c *Client) Status(ctx context.Context) (*Response, error) {
	return c.do(ctx, http.MethodGet, "/status", nil)
}

func (c *Client) Start(ctx context.Context) (*Response, error) { return c.post(ctx, "/start") }
func (c *Client) Stop(ctx context.Context) (*Response, error)  { return c.post(ctx, "/stop") }
func (c *Client) Pause(ctx context.Context) (*Response, error) { return c.post(ctx, "/pause") }
func (c *Client) Resume(ctx context.Context) (*Response, error) {
	return c.post(ctx, "/resume")
}

func (c *Client) Rebalance(ctx context.Context) (*Response, error) {
	return c.post(ctx, "/rebalance")
}

func (c *Client) EmergencyStop(ctx context.Context, reason string) (*Response, error) {
	return c.do(ctx, http.MethodPost, "/emergency-stop", EmergencyRequest{Reason: reason})
}

func (c *Client) EmergencyClear(ctx context.Context) (*Response, error) {
	return c.post(ctx, "/emergency-clear")
}

func (c *Client) ClosePosition(ctx context.Context, symbol string) (*Response, error) {
	return c.post(ctx, "/positions/"+url.PathEscape(symbol)+"/close")
}

func (c *Client) CloseAll(ctx context.Context) (*Response, error) {
	return c.post(ctx, "/positions/close-all")
}

func (c *Client) ClearFailed(ctx context.Context) (*Response, error) {
	return c.post(ctx, "/orders/failed/clear")
}

func (c *Client) post(ctx context.Context, path string) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, nil)
}

// do sends the request. A 409 (refused) or 400 (bad argument) comes back
// as a Response with Success false; other non-2xx statuses are errors.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	var out Response
	req := c.http.R().SetContext(ctx).SetResult(&out).SetError(&out)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("control server unreachable: %w", err)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusConflict, code == http.StatusBadRequest, code < 300:
		return &out, nil
	case code == http.StatusUnauthorized:
		return nil, fmt.Errorf("control server rejected the token")
	default:
		return nil, fmt.Errorf("control server returned %s", resp.Status())
	}
}
