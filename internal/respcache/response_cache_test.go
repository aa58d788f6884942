package respcache

import (
	"encoding/json"
	"testing"

	"github.com/vaizcom/vaiz-mcp-proxy/internal/protocol"
)

func TestGet_UnknownMethodAlwaysMisses(t *testing.T) {
	c := New()
	c.entries["tools/call"] = json.RawMessage(`{"ok":true}`)

	if _, ok := c.Get("tools/call"); ok {
		t.Fatal("Get(\"tools/call\") = ok, want miss for a non-cacheable method")
	}
}

func TestPutThenGet_RoundTrips(t *testing.T) {
	c := New()
	result := json.RawMessage(`{"tools":[{"name":"foo"}]}`)

	c.Put(protocol.MethodToolsList, result)

	got, ok := c.Get(protocol.MethodToolsList)
	if !ok {
		t.Fatal("Get after Put = miss, want hit")
	}
	if string(got) != string(result) {
		t.Errorf("Get = %s, want %s", got, result)
	}
}

func TestPut_OverwritesPreviousEntry(t *testing.T) {
	c := New()
	c.Put(protocol.MethodInitialize, json.RawMessage(`{"v":1}`))
	c.Put(protocol.MethodInitialize, json.RawMessage(`{"v":2}`))

	got, ok := c.Get(protocol.MethodInitialize)
	if !ok {
		t.Fatal("expected a cached entry")
	}
	if string(got) != `{"v":2}` {
		t.Errorf("Get = %s, want latest write %s", got, `{"v":2}`)
	}
}

func TestPut_IgnoresNonCacheableMethod(t *testing.T) {
	c := New()
	c.Put("tools/call", json.RawMessage(`{"v":1}`))

	if _, ok := c.Get("tools/call"); ok {
		t.Fatal("Put stored a non-cacheable method")
	}
}

func TestPutFromResponse_SkipsErrorResponses(t *testing.T) {
	c := New()
	c.Put(protocol.MethodInitialize, json.RawMessage(`{"stale":true}`))

	errResp := protocol.ErrorResponse(json.RawMessage(`1`), protocol.CodeUpstreamUnavailable, "boom")
	c.PutFromResponse(protocol.MethodInitialize, errResp)

	got, ok := c.Get(protocol.MethodInitialize)
	if !ok {
		t.Fatal("expected the prior good entry to survive a failed refresh")
	}
	if string(got) != `{"stale":true}` {
		t.Errorf("an error response clobbered the cache: got %s", got)
	}
}

func TestPutFromResponse_StoresSuccessResult(t *testing.T) {
	c := New()
	resp := protocol.ResultResponse(json.RawMessage(`1`), json.RawMessage(`{"tools":[]}`))

	c.PutFromResponse(protocol.MethodToolsList, resp)

	got, ok := c.Get(protocol.MethodToolsList)
	if !ok {
		t.Fatal("expected the successful result to be cached")
	}
	if string(got) != `{"tools":[]}` {
		t.Errorf("Get = %s, want %s", got, `{"tools":[]}`)
	}
}

func TestIsCacheable(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{protocol.MethodInitialize, true},
		{protocol.MethodToolsList, true},
		{"tools/call", false},
		{"notifications/initialized", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsCacheable(tt.method); got != tt.want {
			t.Errorf("IsCacheable(%q) = %v, want %v", tt.method, got, tt.want)
		}
	}
}
