// Package coordinator wires the local stdio framer, the upstream
// session/transport, the response cache, and the health prober into the
// single request-handling loop the proxy runs.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vaizcom/vaiz-mcp-proxy/internal/framer"
	"github.com/vaizcom/vaiz-mcp-proxy/internal/health"
	"github.com/vaizcom/vaiz-mcp-proxy/internal/protocol"
	"github.com/vaizcom/vaiz-mcp-proxy/internal/respcache"
	"github.com/vaizcom/vaiz-mcp-proxy/internal/upstream"
)

// Metrics is an in-memory, never-persisted snapshot of proxy activity,
// useful for a debug trace or a future status endpoint. It never leaves
// the process and carries no secrets.
type Metrics struct {
	RequestsTotal   int64
	RetriesTotal    int64
	CacheHits       int64
	CacheServedDown int64
	RemintsTotal    int64
	Healthy         bool
}

// Coordinator owns one local peer connection and its one upstream
// session for the lifetime of a Run call.
type Coordinator struct {
	session   *upstream.Session
	transport *upstream.HTTPTransport
	cache     *respcache.Cache
	prober    *health.Prober

	writer        *framer.Writer
	probeInterval time.Duration

	mu      sync.Mutex
	healthy bool

	requestsTotal   atomic.Int64
	retriesTotal    atomic.Int64
	cacheHits       atomic.Int64
	cacheServedDown atomic.Int64
	remintsTotal    atomic.Int64

	// notifMu guards suppressNextListChange, which suppresses the
	// recovery notification when the request that most recently went
	// down was itself a tools/list call: that caller is about to get a
	// fresh tools/list response directly and doesn't need telling it
	// changed.
	notifMu                sync.Mutex
	suppressNextListChange bool
}

// Option configures optional, rarely-changed Coordinator behavior.
type Option func(*Coordinator)

// WithProbeInterval overrides the background re-mint ticker interval,
// mainly so tests don't wait on health.DefaultInterval.
func WithProbeInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.probeInterval = d }
}

// New builds a Coordinator bound to one upstream session and transport.
func New(session *upstream.Session, transport *upstream.HTTPTransport, opts ...Option) *Coordinator {
	c := &Coordinator{
		session:       session,
		transport:     transport,
		cache:         respcache.New(),
		healthy:       true,
		probeInterval: health.DefaultInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.prober = health.New(c.backgroundRemint, c.onRecovered, c.probeInterval)
	return c
}

// lineResult is one framer.Reader.Next() outcome, ferried across a channel
// so Run's dispatch loop can select between it and ctx.Done() instead of
// blocking directly on a stdin read the context can't cancel.
type lineResult struct {
	line *framer.DecodedLine
	raw  []byte
	err  error
}

// Run reads newline-delimited JSON-RPC from r, dispatches each request
// concurrently against the upstream, and writes responses to w in the
// order they complete. It stops reading when r is exhausted or ctx is
// cancelled (SIGINT/SIGTERM via the caller's signal.NotifyContext), and
// returns once every dispatched request has finished; after a
// cancellation those requests see the cancelled context.
func (c *Coordinator) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	reader := framer.NewReader(r)
	c.writer = framer.NewWriter(w)

	// bufio.Scanner.Scan() on stdin has no way to be woken by ctx
	// cancellation, so it runs on its own goroutine and ferries results
	// over a channel; the dispatch loop below selects on that channel
	// and ctx.Done() together so a SIGINT/SIGTERM can interrupt it
	// immediately instead of waiting for the next input line or EOF.
	lines := make(chan lineResult)
	go func() {
		defer close(lines)
		for {
			line, raw, err := reader.Next()
			select {
			case lines <- lineResult{line: line, raw: raw, err: err}:
			case <-ctx.Done():
				return
			}
			// raw == nil distinguishes io.EOF and a genuine scanner I/O
			// error (both terminal: the scanner won't yield anything
			// more) from a single malformed JSON line, which carries its
			// raw text and is recoverable — the scanner itself is fine
			// and the next line should still be read.
			if err != nil && raw == nil {
				return
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	var loopErr error
readLoop:
	for {
		select {
		case <-ctx.Done():
			break readLoop
		case res, ok := <-lines:
			if !ok {
				break readLoop
			}
			if res.err == io.EOF {
				break readLoop
			}
			if res.err != nil {
				if res.raw == nil {
					loopErr = fmt.Errorf("read local input: %w", res.err)
					break readLoop
				}
				framer.LogParseError(res.raw, res.err)
				continue
			}

			if res.line.IsNotification {
				c.handleNotification(gctx, res.line.Raw)
				continue
			}

			req := res.line.Raw
			g.Go(func() error {
				c.handleRequest(gctx, req)
				return nil
			})
		}
	}

	err := g.Wait()
	c.prober.Stop()
	if loopErr != nil {
		return loopErr
	}
	if ctx.Err() != nil {
		// Stdin closing is reported as io.EOF, not ctx.Err(), so this
		// branch only fires on signal-driven shutdown — a clean exit per
		// spec.md §5, not a failure to report upstream.
		return nil
	}
	return err
}

// Snapshot returns a point-in-time copy of the coordinator's counters.
func (c *Coordinator) Snapshot() Metrics {
	c.mu.Lock()
	healthy := c.healthy
	c.mu.Unlock()
	return Metrics{
		RequestsTotal:   c.requestsTotal.Load(),
		RetriesTotal:    c.retriesTotal.Load(),
		CacheHits:       c.cacheHits.Load(),
		CacheServedDown: c.cacheServedDown.Load(),
		RemintsTotal:    c.remintsTotal.Load(),
		Healthy:         healthy,
	}
}

func (c *Coordinator) handleNotification(ctx context.Context, raw json.RawMessage) {
	var notif protocol.Notification
	if err := json.Unmarshal(raw, &notif); err != nil {
		slog.Warn("discarding malformed notification", "error", err)
		return
	}
	if notif.Method == protocol.MethodInitialized {
		c.session.MarkInitialized()
	}
	// Forward every local notification upstream too; best-effort, no
	// reply is ever expected.
	go func() {
		_, _ = c.transport.Post(context.Background(), &notif, c.session.SessionID())
	}()
}

func (c *Coordinator) handleRequest(ctx context.Context, raw json.RawMessage) {
	c.requestsTotal.Add(1)

	var req protocol.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		c.writeResponse(protocol.ErrorResponse(nil, protocol.CodeUpstreamUnavailable, "invalid request: "+err.Error()))
		return
	}

	if req.Method == protocol.MethodInitialize {
		c.session.CaptureInitParams(req.Params)
	}

	resp, alreadyWritten, retryErr := c.forward(ctx, &req)
	if retryErr == nil {
		c.markHealthy(req.Method)
		if respcache.IsCacheable(req.Method) {
			c.cache.PutFromResponse(req.Method, resp)
		}
		if !alreadyWritten {
			c.writeResponse(resp.WithID(req.ID))
		}
		return
	}

	// The upstream call failed: retries ran out, a fatal status or a
	// failed re-mint stopped them, or the upstream answered with a
	// JSON-RPC error. For the two cacheable methods, fall back to
	// whatever was last cached rather than surfacing the failure.
	if respcache.IsCacheable(req.Method) {
		if cached, ok := c.cache.Get(req.Method); ok {
			c.cacheHits.Add(1)
			c.cacheServedDown.Add(1)
			c.markDown(req.Method)
			c.writeResponse(protocol.ResultResponse(req.ID, cached))
			return
		}
	}

	c.markDown(req.Method)

	// tools/list must never surface an error downstream, cache or no
	// cache: with nothing cached yet, the local peer gets an empty tool
	// list rather than a failure it would have to handle specially.
	if req.Method == protocol.MethodToolsList {
		c.writeResponse(protocol.ResultResponse(req.ID, json.RawMessage(`{"tools":[]}`)))
		return
	}

	c.writeResponse(protocol.ErrorResponse(req.ID, protocol.CodeUpstreamUnavailable, retryErr.Error()))
}

// forward runs one request through the retry engine, draining an SSE
// response inline (forwarding every event to the local peer as it
// arrives) or unmarshaling a buffered JSON body. The second return value
// reports whether the matching response was already written to the
// local peer as part of draining an SSE stream, so the caller doesn't
// write it a second time.
func (c *Coordinator) forward(ctx context.Context, req *protocol.Request) (resp *protocol.Response, alreadyWritten bool, err error) {
	tries := 0
	attempt := func(ctx context.Context) (*upstream.Outcome, error) {
		if tries > 0 {
			c.retriesTotal.Add(1)
		}
		tries++
		out, err := c.transport.Post(ctx, req, c.session.SessionID())
		if out != nil {
			c.session.CaptureSessionID(out.Header.Get(upstream.HeaderSessionID))
		}
		return out, err
	}
	clearSession := c.session.ClearSessionID
	reminter := func(ctx context.Context) error {
		c.remintsTotal.Add(1)
		return c.backgroundRemint(ctx)
	}

	outcome, err := upstream.Do(ctx, attempt, clearSession, reminter)
	if err != nil {
		return nil, false, err
	}

	if outcome.IsSSE() {
		var forwarded *protocol.Response
		sseReader := upstream.NewSSEReader()
		errResp, derr := sseReader.Drain(outcome.Stream, req.ID, func(obj json.RawMessage) {
			if err := c.writer.WriteLine(obj); err != nil {
				slog.Error("write response to local peer", "error", err)
			}
			var candidate protocol.Response
			if json.Unmarshal(obj, &candidate) == nil && string(candidate.ID) == string(req.ID) {
				forwarded = &candidate
			}
		})
		if derr != nil {
			return nil, false, derr
		}
		if errResp != nil {
			return nil, false, fmt.Errorf("%s", errResp.Error.Message)
		}
		if forwarded == nil {
			return nil, false, fmt.Errorf("no response matched request id in SSE stream")
		}
		return forwarded, true, nil
	}

	result := &protocol.Response{}
	if err := json.Unmarshal(outcome.Body, result); err != nil {
		return nil, false, fmt.Errorf("unmarshal upstream response: %w", err)
	}
	if result.Error != nil {
		return nil, false, fmt.Errorf("upstream rpc error %d: %s", result.Error.Code, result.Error.Message)
	}
	return result, false, nil
}

func (c *Coordinator) writeResponse(resp *protocol.Response) {
	if resp == nil {
		return
	}
	if err := c.writer.WriteLine(resp); err != nil {
		slog.Error("write response to local peer", "error", err)
	}
}

// markHealthy records that a response succeeded. If the API was
// previously down, it stops the prober and pushes a tools/list_changed
// recovery notification — unless method is itself tools/list, since
// that caller is about to receive a fresh list directly (spec.md §4.H:
// "unless the current request is itself tools/list").
func (c *Coordinator) markHealthy(method string) {
	c.mu.Lock()
	wasDown := !c.healthy
	c.healthy = true
	c.mu.Unlock()
	if !wasDown {
		return
	}
	c.prober.Stop()

	// A background prober recovery may race this one; only one side
	// should emit the notification; the other's suppress flag will have
	// already been consumed or will be moot since healthy is now true.
	c.notifMu.Lock()
	c.suppressNextListChange = false
	c.notifMu.Unlock()

	if method == protocol.MethodToolsList {
		return
	}
	notif := protocol.NewNotification(protocol.MethodToolsListChanged, nil)
	if err := c.writer.WriteLine(notif); err != nil {
		slog.Error("write recovery notification", "error", err)
	}
}

func (c *Coordinator) markDown(method string) {
	c.mu.Lock()
	wasHealthy := c.healthy
	c.healthy = false
	c.mu.Unlock()
	c.session.ClearSessionID()
	if wasHealthy {
		c.notifMu.Lock()
		c.suppressNextListChange = method == protocol.MethodToolsList
		c.notifMu.Unlock()
		c.prober.Start(context.Background())
	}
}

// backgroundRemint re-mints the session and caches a successful
// initialize result, for both the prober and the stale-session retry.
func (c *Coordinator) backgroundRemint(ctx context.Context) error {
	resp, err := c.session.Remint(ctx)
	if err != nil {
		return err
	}
	c.cache.PutFromResponse(protocol.MethodInitialize, resp)
	return nil
}

// onRecovered runs once, off the request path, the first time a
// background re-mint brings the upstream back. It flips the health flag
// and pushes a tools/list_changed notification to the local peer, unless
// the request that most recently went down was itself a tools/list
// call — that caller is already about to see a fresh list.
func (c *Coordinator) onRecovered() {
	c.mu.Lock()
	wasDown := !c.healthy
	c.healthy = true
	c.mu.Unlock()
	if !wasDown {
		// An ordinary request already brought the API back and
		// markHealthy handled the notification.
		return
	}

	c.notifMu.Lock()
	suppress := c.suppressNextListChange
	c.suppressNextListChange = false
	c.notifMu.Unlock()
	if suppress {
		return
	}

	notif := protocol.NewNotification(protocol.MethodToolsListChanged, nil)
	if err := c.writer.WriteLine(notif); err != nil {
		slog.Error("write recovery notification", "error", err)
	}
}
