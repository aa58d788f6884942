// Package framer implements the local stdio half of the proxy: reading
// newline-delimited JSON-RPC objects from the editor and writing replies
// back out, one JSON object per line, never interleaved.
package framer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// maxLineBytes bounds a single inbound line. MCP tool lists and call
// results can be large; this mirrors the teacher's widened scanner
// buffer for oversized downstream payloads.
const maxLineBytes = 4 * 1024 * 1024

// DecodedLine is one successfully parsed, non-blank inbound line,
// classified as a request or a notification purely by the presence of
// an "id" key.
type DecodedLine struct {
	Raw            json.RawMessage
	IsNotification bool
}

// Reader reads newline-delimited JSON from an underlying stream.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r for line-oriented JSON-RPC reads.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &Reader{scanner: s}
}

// Next returns the next non-blank line, parsed and classified. It
// returns io.EOF when the underlying stream is exhausted. A line that
// fails to parse as JSON is reported as a nil line with a non-nil err and
// the raw text, so the caller can log-and-continue per spec: invalid
// local input is never replied to (JSON-RPC gives no id to reply
// against).
func (r *Reader) Next() (line *DecodedLine, rawText []byte, err error) {
	for r.scanner.Scan() {
		b := r.scanner.Bytes()
		if len(b) == 0 {
			continue
		}
		// Bytes() is reused by the next Scan(); copy before returning.
		raw := make([]byte, len(b))
		copy(raw, b)

		if !json.Valid(raw) {
			return nil, raw, fmt.Errorf("invalid JSON")
		}
		return &DecodedLine{Raw: raw, IsNotification: isNotification(raw)}, raw, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, nil, err
	}
	return nil, nil, io.EOF
}

func isNotification(raw json.RawMessage) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, hasID := probe["id"]
	return !hasID
}

// Writer serializes all downstream writes so that no two outbound JSON
// objects ever interleave on the wire, regardless of how many goroutines
// are producing replies concurrently.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w for serialized line-oriented JSON-RPC writes.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteLine marshals v and writes it as a single line terminated by
// exactly one "\n", flushed immediately.
func (w *Writer) WriteLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(data)
	return err
}

// LogParseError logs a malformed inbound line to stderr via slog and
// otherwise does nothing: per spec there is no id to reply against.
func LogParseError(raw []byte, cause error) {
	slog.Error("discarding malformed local input line", "error", cause, "line", string(raw))
}
