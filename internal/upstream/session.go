package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/vaizcom/vaiz-mcp-proxy/internal/protocol"
)

// Session holds the proxy's view of the upstream conversation: the
// immutable credentials fixed at startup, and the mutable session id /
// handshake state that the retry engine and coordinator mutate as the
// connection goes up and down.
type Session struct {
	// Immutable after construction.
	Token       string
	SpaceID     string
	UpstreamURL string

	transport *HTTPTransport

	mu             sync.Mutex
	sessionID      string
	initialized    bool
	lastInitParams json.RawMessage
	reminting      *remintCall // non-nil while a Remint is in flight
}

// remintCall is the shared result of one in-flight Remint, so concurrent
// callers wait on the same handshake instead of issuing a second one.
type remintCall struct {
	wg   sync.WaitGroup
	resp *protocol.Response
	err  error
}

// NewSession builds a Session bound to one upstream transport.
func NewSession(token, spaceID, upstreamURL string, transport *HTTPTransport) *Session {
	return &Session{Token: token, SpaceID: spaceID, UpstreamURL: upstreamURL, transport: transport}
}

// SessionID returns the currently known session id, or "" if none.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Initialized reports whether a successful initialize handshake has
// completed at least once.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// MarkInitialized flips the initialized flag, used when the local peer's
// own "notifications/initialized" arrives (the proxy doesn't need to
// have performed the handshake itself if the client already completed
// one against a previously healthy upstream).
func (s *Session) MarkInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

// CaptureInitParams records the params of the client's own "initialize"
// request, so a later re-mint can replay the same handshake instead of
// falling back to the default.
func (s *Session) CaptureInitParams(params json.RawMessage) {
	if len(params) == 0 {
		return
	}
	s.mu.Lock()
	s.lastInitParams = params
	s.mu.Unlock()
}

// CaptureSessionID overwrites the session id from a response header,
// when present. Called on every upstream response, success or failure.
func (s *Session) CaptureSessionID(sessionID string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	s.sessionID = sessionID
	s.mu.Unlock()
}

// ClearSessionID drops the current session id. Called on a caught
// transport-layer error while a session id is set, and whenever the
// coordinator marks the upstream down.
func (s *Session) ClearSessionID() {
	s.mu.Lock()
	s.sessionID = ""
	s.mu.Unlock()
}

// Remint performs a fresh initialize + notifications/initialized
// handshake and installs the resulting session id. Concurrent callers
// while a re-mint is already in flight wait for and share its result
// rather than issuing a second initialize POST. On success it returns
// the initialize response (for the caller to cache under "initialize");
// for an SSE handshake this is the streamed object whose id matches the
// re-init request, and it is nil if that object does not decode as a
// response.
func (s *Session) Remint(ctx context.Context) (*protocol.Response, error) {
	s.mu.Lock()
	if call := s.reminting; call != nil {
		s.mu.Unlock()
		call.wg.Wait()
		return call.resp, call.err
	}
	call := &remintCall{}
	call.wg.Add(1)
	s.reminting = call
	s.sessionID = ""
	s.initialized = false
	params := s.lastInitParams
	s.mu.Unlock()

	resp, err := s.doRemint(ctx, params)

	s.mu.Lock()
	if err == nil {
		s.initialized = true
	}
	s.reminting = nil
	s.mu.Unlock()

	call.resp, call.err = resp, err
	call.wg.Done()
	return resp, err
}

func (s *Session) doRemint(ctx context.Context, params json.RawMessage) (*protocol.Response, error) {
	if len(params) == 0 {
		params = json.RawMessage(protocol.DefaultInitializeParams)
	}

	reqID := json.RawMessage(fmt.Sprintf(`"_reinit_%s"`, uuid.NewString()))
	initReq := protocol.NewRequest(reqID, protocol.MethodInitialize, params)

	outcome, err := s.transport.Post(ctx, initReq, "")
	if err != nil {
		return nil, fmt.Errorf("re-init post: %w", err)
	}
	if sid := outcome.Header.Get(HeaderSessionID); sid != "" {
		s.CaptureSessionID(sid)
	}
	if outcome.StatusCode != 200 {
		return nil, fmt.Errorf("re-init http %d", outcome.StatusCode)
	}

	var resp *protocol.Response
	if outcome.IsSSE() {
		var forwarded *protocol.Response
		errResp, err := NewSSEReader().Drain(outcome.Stream, reqID, func(obj json.RawMessage) {
			var candidate protocol.Response
			if json.Unmarshal(obj, &candidate) == nil && sameID(obj, reqID) {
				forwarded = &candidate
			}
		})
		if err != nil {
			return nil, err
		}
		if errResp != nil {
			return nil, fmt.Errorf("re-init: %s", errResp.Error.Message)
		}
		resp = forwarded
	} else {
		resp = &protocol.Response{}
		if err := json.Unmarshal(outcome.Body, resp); err != nil {
			return nil, fmt.Errorf("unmarshal re-init response: %w", err)
		}
	}

	if resp != nil && resp.Error != nil {
		return nil, fmt.Errorf("re-init rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	// Fire-and-forget notifications/initialized; errors are swallowed.
	sid := s.SessionID()
	go func() {
		notif := protocol.NewNotification(protocol.MethodInitialized, nil)
		_, _ = s.transport.Post(context.Background(), notif, sid)
	}()

	return resp, nil
}
