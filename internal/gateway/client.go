// Package gateway implements the synchronous delivery client for the CRM
// gateway's /query endpoint.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hyperengineering/pipesync/internal/config"
	"github.com/hyperengineering/pipesync/internal/types"
)

// MaintenanceMessage replaces the body message when the gateway answers
// 404 or 503 without one.
const MaintenanceMessage = "Servers are down for maintenance. Apologies for the inconvenience"

// Request is the delivery envelope posted to the gateway.
type Request struct {
	UserQueryID       int64        `json:"user_query_id"`
	DirectToPipedrive bool         `json:"direct_to_pipedrive"`
	APIKey            string       `json:"api_key"`
	Domain            string       `json:"domain"`
	UserQuery         QueryContext `json:"user_query"`
}

// QueryContext is the denormalized query payload the gateway consumes:
// the query itself, the user it concerns, and the CRM account parameters.
type QueryContext struct {
	Query               types.QueryView        `json:"query"`
	UserData            *types.UserData        `json:"user_data,omitempty"`
	PipedriveParameters PipedriveParameters    `json:"pipedrive_parameters"`
	SiteParameters      map[string]interface{} `json:"w2p_parameters,omitempty"`
}

// PipedriveParameters identifies the target CRM account.
type PipedriveParameters struct {
	Domain string `json:"domain"`
	APIKey string `json:"api_key"`
}

// ResponseBody is the gateway's JSON answer.
type ResponseBody struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Data    *ResponseData `json:"data,omitempty"`
}

// ResponseData carries the direct-delivery results: the CRM answer and the
// remote processing traceback.
type ResponseData struct {
	PipedriveResponse *types.CRMResponse `json:"pipedrive_response,omitempty"`
	Traceback         []RemoteTrace      `json:"Traceback,omitempty"`
	Method            string             `json:"method,omitempty"`
}

// RemoteTrace is one step recorded by the gateway while processing a query.
type RemoteTrace struct {
	Step      string `json:"step"`
	Success   bool   `json:"success"`
	Value     string `json:"value"`
	Data      any    `json:"data,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// Response is the structured outcome of one delivery attempt. Transport and
// HTTP failures are carried here instead of an error return so callers can
// record them in the query traceback.
type Response struct {
	StatusCode int
	Body       *ResponseBody
	Raw        json.RawMessage
	Err        error
}

// OK reports whether the gateway accepted the query.
func (r *Response) OK() bool {
	return r.Err == nil && (r.StatusCode == http.StatusOK || r.StatusCode == http.StatusCreated)
}

// Transient reports whether the failure is worth retrying: transport errors,
// maintenance answers, and 5xx statuses.
func (r *Response) Transient() bool {
	if r.OK() {
		return false
	}
	return r.Err != nil || r.StatusCode == http.StatusNotFound || r.StatusCode >= 500
}

// FailureMessage derives the human-readable failure reason: the body message
// when the gateway sent one, the maintenance notice for 404/503, the
// transport error, or an unknown-error fallback.
func (r *Response) FailureMessage() string {
	if r.Body != nil && strings.TrimSpace(r.Body.Message) != "" {
		return r.Body.Message
	}
	if r.StatusCode == http.StatusNotFound || r.StatusCode == http.StatusServiceUnavailable {
		return MaintenanceMessage
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return "Unknown error"
}

// Client posts queries to the gateway.
type Client struct {
	url    string
	apiKey string
	domain string
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a gateway client from config. The timeout bounds the
// whole request including body read; TLS verification stays on.
func NewClient(cfg config.GatewayConfig, logger *slog.Logger) *Client {
	timeout := time.Duration(cfg.Timeout)
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		url:    strings.TrimRight(cfg.URL, "/") + "/query",
		apiKey: cfg.APIKey,
		domain: cfg.Domain,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Deliver posts the request and returns the structured response. It never
// returns a Go error for delivery failures; inspect Response instead.
func (c *Client) Deliver(ctx context.Context, req Request) *Response {
	req.APIKey = c.apiKey
	req.Domain = c.domain

	body, err := json.Marshal(req)
	if err != nil {
		return &Response{Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return &Response{Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Warn("gateway delivery failed",
			"component", "gateway",
			"action", "deliver",
			"query_id", req.UserQueryID,
			"error", err)
		return &Response{Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return &Response{StatusCode: httpResp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	resp := &Response{StatusCode: httpResp.StatusCode, Raw: raw}
	if len(raw) > 0 {
		var parsed ResponseBody
		if err := json.Unmarshal(raw, &parsed); err == nil {
			resp.Body = &parsed
		}
	}

	c.logger.Debug("gateway delivery",
		"component", "gateway",
		"action", "deliver",
		"query_id", req.UserQueryID,
		"status", httpResp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	return resp
}
