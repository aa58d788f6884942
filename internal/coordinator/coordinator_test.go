package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vaizcom/vaiz-mcp-proxy/internal/protocol"
	"github.com/vaizcom/vaiz-mcp-proxy/internal/upstream"
)

func rpcMethod(r *http.Request) string {
	var req map[string]json.RawMessage
	_ = json.NewDecoder(r.Body).Decode(&req)
	var method string
	_ = json.Unmarshal(req["method"], &method)
	return method
}

func decodeLines(t *testing.T, out *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	for _, l := range strings.Split(strings.TrimRight(out.String(), "\n"), "\n") {
		if l == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(l), &m); err != nil {
			t.Fatalf("decode output line %q: %v", l, err)
		}
		lines = append(lines, m)
	}
	return lines
}

func TestCoordinator_HappyPath_ToolsListIsCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req["id"]) + `,"result":{"tools":[{"name":"foo"}]}}`))
	}))
	defer srv.Close()

	transport := upstream.NewHTTPTransport(srv.URL, "tok", "", nil)
	session := upstream.NewSession("tok", "", srv.URL, transport)
	c := New(session, transport)

	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n")
	var out bytes.Buffer

	if err := c.Run(context.Background(), in, &out); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	lines := decodeLines(t, &out)
	if len(lines) != 1 {
		t.Fatalf("got %d output lines, want 1", len(lines))
	}
	if lines[0]["id"].(float64) != 1 {
		t.Errorf("response id = %v, want 1", lines[0]["id"])
	}
	if _, ok := c.cache.Get(protocol.MethodToolsList); !ok {
		t.Error("tools/list response was not cached after a successful call")
	}
}

func TestCoordinator_ServesFromCacheWhenUpstreamDown(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req["id"]) + `,"result":{"tools":[{"name":"foo"}]}}`))
	}))
	defer srv.Close()

	transport := upstream.NewHTTPTransport(srv.URL, "tok", "", nil)
	session := upstream.NewSession("tok", "", srv.URL, transport)
	c := New(session, transport, WithProbeInterval(time.Hour))

	// First call warms the cache.
	in1 := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n")
	var out1 bytes.Buffer
	if err := c.Run(context.Background(), in1, &out1); err != nil {
		t.Fatalf("Run() (warm) error = %v", err)
	}

	fail.Store(true)

	in2 := strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n")
	var out2 bytes.Buffer
	if err := c.Run(context.Background(), in2, &out2); err != nil {
		t.Fatalf("Run() (down) error = %v", err)
	}

	lines := decodeLines(t, &out2)
	if len(lines) != 1 {
		t.Fatalf("got %d output lines, want 1", len(lines))
	}
	if _, hasError := lines[0]["error"]; hasError {
		t.Fatalf("response = %+v, want a cached success, not an error", lines[0])
	}
	result, ok := lines[0]["result"].(map[string]any)
	if !ok {
		t.Fatalf("response has no result: %+v", lines[0])
	}
	if _, ok := result["tools"]; !ok {
		t.Errorf("cached result missing tools: %+v", result)
	}

	snap := c.Snapshot()
	if snap.CacheServedDown != 1 {
		t.Errorf("CacheServedDown = %d, want 1", snap.CacheServedDown)
	}
	if snap.Healthy {
		t.Error("Healthy = true, want false after serving from cache during an outage")
	}
}

func TestCoordinator_ToolsListNoCacheAndUpstreamDownReturnsEmptyTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	transport := upstream.NewHTTPTransport(srv.URL, "tok", "", nil)
	session := upstream.NewSession("tok", "", srv.URL, transport)
	c := New(session, transport, WithProbeInterval(time.Hour))

	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n")
	var out bytes.Buffer
	if err := c.Run(context.Background(), in, &out); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	lines := decodeLines(t, &out)
	if len(lines) != 1 {
		t.Fatalf("got %d output lines, want 1", len(lines))
	}
	// tools/list must never surface an error downstream, cache hit or
	// not: with nothing cached it falls back to an empty tool list.
	if _, hasError := lines[0]["error"]; hasError {
		t.Fatalf("response = %+v, want no error for tools/list even with nothing cached", lines[0])
	}
	result, ok := lines[0]["result"].(map[string]any)
	if !ok {
		t.Fatalf("response has no result: %+v", lines[0])
	}
	tools, ok := result["tools"].([]any)
	if !ok {
		t.Fatalf("result.tools missing or wrong type: %+v", result)
	}
	if len(tools) != 0 {
		t.Errorf("tools = %v, want an empty list", tools)
	}
	if lines[0]["id"].(float64) != 1 {
		t.Errorf("response id = %v, want 1", lines[0]["id"])
	}
}

func TestCoordinator_NonCacheableMethodNoFallbackReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	transport := upstream.NewHTTPTransport(srv.URL, "tok", "", nil)
	session := upstream.NewSession("tok", "", srv.URL, transport)
	c := New(session, transport, WithProbeInterval(time.Hour))

	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}` + "\n")
	var out bytes.Buffer
	if err := c.Run(context.Background(), in, &out); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	lines := decodeLines(t, &out)
	if len(lines) != 1 {
		t.Fatalf("got %d output lines, want 1", len(lines))
	}
	if _, hasError := lines[0]["error"]; !hasError {
		t.Fatalf("response = %+v, want an error for a non-cacheable method with nothing to fall back to", lines[0])
	}
}

func TestCoordinator_RecoveryEmitsToolsListChanged(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req["id"]) + `,"result":{"ok":true}}`))
	}))
	defer srv.Close()

	transport := upstream.NewHTTPTransport(srv.URL, "tok", "", nil)
	session := upstream.NewSession("tok", "", srv.URL, transport)
	c := New(session, transport, WithProbeInterval(time.Hour))

	fail.Store(true)
	in1 := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"some/method"}` + "\n")
	var out1 bytes.Buffer
	if err := c.Run(context.Background(), in1, &out1); err != nil {
		t.Fatalf("Run() (down) error = %v", err)
	}
	if c.Snapshot().Healthy {
		t.Fatal("expected Healthy = false after retries exhaust")
	}

	fail.Store(false)
	in2 := strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"some/method"}` + "\n")
	var out2 bytes.Buffer
	if err := c.Run(context.Background(), in2, &out2); err != nil {
		t.Fatalf("Run() (recovered) error = %v", err)
	}

	lines := decodeLines(t, &out2)
	if len(lines) != 2 {
		t.Fatalf("got %d output lines, want 2 (recovery notification + response)", len(lines))
	}
	var sawNotif bool
	for _, l := range lines {
		if l["method"] == protocol.MethodToolsListChanged {
			sawNotif = true
			if _, hasID := l["id"]; hasID {
				t.Errorf("tools/list_changed notification must not carry an id: %+v", l)
			}
		}
	}
	if !sawNotif {
		t.Errorf("expected a tools/list_changed notification on recovery, got lines %+v", lines)
	}
	if !c.Snapshot().Healthy {
		t.Error("expected Healthy = true after a successful response")
	}
}

func TestCoordinator_RecoveryViaToolsListSuppressesNotification(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req["id"]) + `,"result":{"tools":[]}}`))
	}))
	defer srv.Close()

	transport := upstream.NewHTTPTransport(srv.URL, "tok", "", nil)
	session := upstream.NewSession("tok", "", srv.URL, transport)
	c := New(session, transport, WithProbeInterval(time.Hour))

	fail.Store(true)
	in1 := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n")
	var out1 bytes.Buffer
	if err := c.Run(context.Background(), in1, &out1); err != nil {
		t.Fatalf("Run() (down) error = %v", err)
	}

	fail.Store(false)
	in2 := strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n")
	var out2 bytes.Buffer
	if err := c.Run(context.Background(), in2, &out2); err != nil {
		t.Fatalf("Run() (recovered) error = %v", err)
	}

	lines := decodeLines(t, &out2)
	if len(lines) != 1 {
		t.Fatalf("got %d output lines, want exactly 1 (no recovery notification for tools/list itself): %+v", len(lines), lines)
	}
	if lines[0]["method"] == protocol.MethodToolsListChanged {
		t.Error("tools/list_changed must be suppressed when tools/list itself triggers recovery")
	}
}

func TestCoordinator_NotificationsAreNotReplied(t *testing.T) {
	var sawInitialized atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rpcMethod(r) == protocol.MethodInitialized {
			sawInitialized.Store(true)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	transport := upstream.NewHTTPTransport(srv.URL, "tok", "", nil)
	session := upstream.NewSession("tok", "", srv.URL, transport)
	c := New(session, transport)

	in := strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n")
	var out bytes.Buffer
	if err := c.Run(context.Background(), in, &out); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if out.Len() != 0 {
		t.Errorf("output = %q, want no reply to a notification", out.String())
	}
	if !session.Initialized() {
		t.Error("session was not marked initialized by notifications/initialized")
	}

	// Forwarding upstream happens on a best-effort goroutine; give it a
	// moment before asserting.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !sawInitialized.Load() {
		time.Sleep(5 * time.Millisecond)
	}
	if !sawInitialized.Load() {
		t.Error("notifications/initialized was never forwarded upstream")
	}
}

func TestCoordinator_Run_CancelledContextReturnsPromptlyWhileBlockedOnStdin(t *testing.T) {
	transport := upstream.NewHTTPTransport("http://example.invalid", "tok", "", nil)
	session := upstream.NewSession("tok", "", "http://example.invalid", transport)
	c := New(session, transport, WithProbeInterval(time.Hour))

	// An io.Pipe reader with nothing ever written to it blocks Scan()
	// forever; only ctx cancellation can unblock Run().
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, pr, &out) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on signal-driven shutdown", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return promptly after ctx was cancelled while blocked on stdin")
	}
}

func TestCoordinator_MalformedLineIsSkippedNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req["id"]) + `,"result":{"tools":[]}}`))
	}))
	defer srv.Close()

	transport := upstream.NewHTTPTransport(srv.URL, "tok", "", nil)
	session := upstream.NewSession("tok", "", srv.URL, transport)
	c := New(session, transport)

	in := strings.NewReader("not valid json\n" + `{"jsonrpc":"2.0","id":1,"method":"tools/list"}` + "\n")
	var out bytes.Buffer
	if err := c.Run(context.Background(), in, &out); err != nil {
		t.Fatalf("Run() error = %v, want a malformed line to be skipped, not fatal", err)
	}

	lines := decodeLines(t, &out)
	if len(lines) != 1 {
		t.Fatalf("got %d output lines, want 1 (the valid request's response)", len(lines))
	}
	if lines[0]["id"].(float64) != 1 {
		t.Errorf("response id = %v, want 1", lines[0]["id"])
	}
}
