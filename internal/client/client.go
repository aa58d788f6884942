// Package client is a thin, one-off JSON-RPC caller against the same
// upstream the proxy talks to, without the stdio duplexing, cache, or
// health prober a long-running proxy session carries. It exists for
// liveness checks and integration tests that want to probe the
// upstream directly.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vaizcom/vaiz-mcp-proxy/internal/envconfig"
	"github.com/vaizcom/vaiz-mcp-proxy/internal/protocol"
	"github.com/vaizcom/vaiz-mcp-proxy/internal/upstream"
)

// Call issues a single JSON-RPC request against cfg's upstream and
// returns its result, retrying per the same backoff/re-mint policy the
// proxy itself uses. id is generated internally; callers only supply
// method and params.
func Call(ctx context.Context, cfg envconfig.Config, method string, params json.RawMessage) (json.RawMessage, error) {
	transport := upstream.NewHTTPTransport(cfg.APIURL, cfg.APIToken, cfg.SpaceID, &http.Client{})
	session := upstream.NewSession(cfg.APIToken, cfg.SpaceID, cfg.APIURL, transport)

	id := json.RawMessage(`"client-call"`)
	req := protocol.NewRequest(id, method, params)

	attempt := func(ctx context.Context) (*upstream.Outcome, error) {
		out, err := transport.Post(ctx, req, session.SessionID())
		if out != nil {
			session.CaptureSessionID(out.Header.Get(upstream.HeaderSessionID))
		}
		return out, err
	}
	reminter := func(ctx context.Context) error {
		_, err := session.Remint(ctx)
		return err
	}

	outcome, err := upstream.Do(ctx, attempt, session.ClearSessionID, reminter)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	if outcome.IsSSE() {
		var result json.RawMessage
		errResp, derr := upstream.NewSSEReader().Drain(outcome.Stream, id, func(obj json.RawMessage) {
			var candidate protocol.Response
			if json.Unmarshal(obj, &candidate) == nil && string(candidate.ID) == string(id) {
				result = candidate.Result
			}
		})
		if derr != nil {
			return nil, fmt.Errorf("call %s: %w", method, derr)
		}
		if errResp != nil {
			return nil, fmt.Errorf("call %s: %s", method, errResp.Error.Message)
		}
		return result, nil
	}

	var resp protocol.Response
	if err := json.Unmarshal(outcome.Body, &resp); err != nil {
		return nil, fmt.Errorf("call %s: unmarshal response: %w", method, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("call %s: rpc error %d: %s", method, resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}
