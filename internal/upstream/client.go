// Package upstream implements the HTTP/SSE transport to the remote MCP
// service, the session id lifecycle, and the retry/backoff policy that
// sits between the two.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HeaderSessionID and HeaderSpaceID are the non-standard MCP headers the
// proxy sets on every outbound request (when the corresponding value is
// known).
const (
	HeaderSessionID = "Mcp-Session-Id"
	HeaderSpaceID   = "Current-Space-Id"
)

// Outcome is the raw result of one upstream POST, before any retry or
// classification logic looks at it.
type Outcome struct {
	StatusCode int
	Header     http.Header
	// Body holds the parsed single-shot JSON body. Nil when Stream is set.
	Body json.RawMessage
	// Stream holds an open SSE response body for the caller to drain via
	// SSEReader. The caller owns closing it.
	Stream io.ReadCloser
}

// IsSSE reports whether this outcome is an open SSE stream rather than a
// buffered JSON body.
func (o *Outcome) IsSSE() bool { return o.Stream != nil }

// HTTPTransport issues one POST per JSON-RPC message to a single fixed
// upstream URL. It does no retrying and no error classification — it
// returns the raw network or HTTP-layer outcome and lets the caller
// (the retry engine, via the coordinator) decide what to do next.
type HTTPTransport struct {
	url     string
	token   string
	spaceID string
	client  *http.Client
}

// NewHTTPTransport builds a transport bound to one upstream URL and
// bearer token, optionally scoped to a workspace.
func NewHTTPTransport(url, token, spaceID string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{url: url, token: token, spaceID: spaceID, client: client}
}

// Post sends one JSON-RPC message (request or notification) to the
// upstream and returns the raw outcome. sessionID, when non-empty, is
// carried on the Mcp-Session-Id header (spec invariant: every outbound
// request carries Authorization/Content-Type/Accept, plus
// Current-Space-Id and Mcp-Session-Id when set).
func (t *HTTPTransport) Post(ctx context.Context, payload any, sessionID string) (*Outcome, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if t.spaceID != "" {
		req.Header.Set(HeaderSpaceID, t.spaceID)
	}
	if sessionID != "" {
		req.Header.Set(HeaderSessionID, sessionID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}

	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "text/event-stream") {
		return &Outcome{StatusCode: resp.StatusCode, Header: resp.Header, Stream: resp.Body}, nil
	}

	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	return &Outcome{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}
