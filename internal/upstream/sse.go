package upstream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/vaizcom/vaiz-mcp-proxy/internal/protocol"
)

// sseDoneSentinel is the literal payload some SSE emitters send before
// closing the stream; it carries no JSON and must be ignored rather than
// attempted as a parse.
const sseDoneSentinel = "[DONE]"

// SSEReader consumes a chunked text/event-stream body, forwarding every
// successfully parsed "data:" JSON object downstream as it arrives
// (streaming pass-through — never buffers the whole stream), while also
// watching for the one object whose id matches the request that started
// the stream.
//
// Per spec, this forwards *every* parsed event, not only the matching
// one: other in-flight server-pushed notifications may be interleaved in
// the same stream and the local peer is expected to see them.
type SSEReader struct{}

// NewSSEReader constructs an SSEReader. It holds no state of its own;
// all per-stream state lives in the call to Drain.
func NewSSEReader() *SSEReader { return &SSEReader{} }

// Drain reads stream until EOF or a read error, calling forward for every
// parsed JSON object. requestID is the id of the request that opened
// this stream; if no forwarded object carries a matching id by the time
// the stream ends, Drain returns a synthesized upstream error response
// instead of nil. stream is always closed before Drain returns.
func (r *SSEReader) Drain(stream io.ReadCloser, requestID json.RawMessage, forward func(json.RawMessage)) (*protocol.Response, error) {
	defer stream.Close()

	scanner := bufio.NewScanner(stream)
	// Widen past the 64KB default: MCP tool lists can exceed it.
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	matched := false
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if payload == sseDoneSentinel || payload == "" {
			continue
		}

		var obj json.RawMessage
		if err := json.Unmarshal([]byte(payload), &obj); err != nil {
			continue // malformed data: line, skip silently
		}

		forward(obj)

		if sameID(obj, requestID) {
			matched = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read sse stream: %w", err)
	}

	if matched {
		return nil, nil
	}
	return protocol.ErrorResponse(requestID, protocol.CodeUpstreamUnavailable,
		"No valid response received from SSE stream"), nil
}

// sameID reports whether a parsed SSE object carries an "id" field equal
// to requestID (byte-for-byte on the raw JSON, which is sufficient since
// both sides encode the same id value the same way within one request).
func sameID(obj json.RawMessage, requestID json.RawMessage) bool {
	if len(requestID) == 0 {
		return false
	}
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(obj, &probe); err != nil || len(probe.ID) == 0 {
		return false
	}
	return string(normalizeID(probe.ID)) == string(normalizeID(requestID))
}

// normalizeID strips surrounding whitespace so "1" and " 1 " compare
// equal; ids are otherwise compared as their raw JSON encoding.
func normalizeID(id json.RawMessage) []byte {
	return []byte(strings.TrimSpace(string(id)))
}
