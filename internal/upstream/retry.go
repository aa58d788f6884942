package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// MaxRetries and RetryDelay implement the fixed backoff schedule of
// spec.md §4.E: up to MaxRetries retries (MaxRetries+1 attempts total),
// delay before attempt k (k>=1) is RetryDelay * 2^(k-1): 1s, 2s, 4s.
const (
	MaxRetries = 3
	RetryDelay = 1 * time.Second
)

// Classification is the outcome of looking at one failed attempt.
type Classification int

const (
	// ClassOK means the attempt succeeded; no classification needed.
	ClassOK Classification = iota
	// ClassTransient is a network-layer failure: clear the session, retry.
	ClassTransient
	// ClassRetryableStatus is a 5xx or 429: retry without touching the session.
	ClassRetryableStatus
	// ClassStaleSession is a 400 or 404: re-mint once, then retry.
	ClassStaleSession
	// ClassFatal is any other 4xx: stop immediately.
	ClassFatal
)

// transientSubstrings are matched case-insensitively against a network
// error's message when it isn't a recognizable net.Error/*url.Error, per
// spec.md §4.E and the Open Question in §9 about preferring a structured
// classification where one is available.
var transientSubstrings = []string{
	"fetch", "network", "econnrefused", "econnreset", "etimedout", "socket", "abort",
}

// Classify inspects the outcome of one attempt: a transport-layer error
// (err != nil, status is meaningless) or an HTTP status code from a
// response that was successfully received.
func Classify(err error, status int) Classification {
	if err != nil {
		if isStructuredNetworkError(err) || containsTransientSubstring(err.Error()) {
			return ClassTransient
		}
		// An error we can't classify as network-layer is still treated as
		// transient: the caller has nothing better to retry against, and
		// the alternative (treating unknown errors as fatal) would surface
		// spurious permanent failures for transient local conditions (e.g.
		// context deadline races) that "fetch/network/..." text matching
		// doesn't happen to cover.
		return ClassTransient
	}
	switch {
	case status == 400 || status == 404:
		return ClassStaleSession
	case status == 429 || status >= 500:
		return ClassRetryableStatus
	case status >= 400:
		return ClassFatal
	default:
		return ClassOK
	}
}

func isStructuredNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func containsTransientSubstring(msg string) bool {
	lower := strings.ToLower(msg)
	for _, s := range transientSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Attempt is one try at the upstream call under retry; it returns the
// outcome plus whatever transport-layer error Post itself returned.
type Attempt func(ctx context.Context) (*Outcome, error)

// Reminter performs a synchronous session re-mint; the retry loop calls
// it once on a ClassStaleSession classification before consuming another
// retry. Declared as a function type so retry.go does not depend
// directly on *Session.
type Reminter func(ctx context.Context) error

// Do runs attempt up to MaxRetries+1 times total, sleeping the fixed
// exponential backoff between tries, clearing the session on transient
// errors, and interjecting a synchronous re-mint when the upstream
// reports a stale session. The post-remint retry still counts against
// MaxRetries (it just skips the backoff sleep, since the synchronous
// remint already spent time) so a persistently-stale upstream exhausts
// after MaxRetries+1 attempts instead of looping forever. It returns the
// first successful outcome, or the last error/outcome if every attempt
// failed.
func Do(ctx context.Context, attempt Attempt, clearSession func(), reminter Reminter) (*Outcome, error) {
	var lastErr error
	var lastOutcome *Outcome

	for usedRetries := 0; ; {
		outcome, err := attempt(ctx)
		class := Classify(err, statusOf(outcome))

		skipBackoff := false
		switch class {
		case ClassOK:
			return outcome, nil
		case ClassFatal:
			return outcome, fatalErr(outcome)
		case ClassStaleSession:
			if rerr := reminter(ctx); rerr != nil {
				return nil, fmt.Errorf("re-mint after stale session: %w", rerr)
			}
			lastErr, lastOutcome = err, outcome
			skipBackoff = true
		case ClassTransient:
			clearSession()
			lastErr, lastOutcome = err, outcome
		case ClassRetryableStatus:
			lastErr, lastOutcome = err, outcome
		}

		if usedRetries >= MaxRetries {
			break
		}
		usedRetries++
		if skipBackoff {
			continue
		}
		if err := sleepBackoff(ctx, usedRetries); err != nil {
			return nil, err
		}
	}

	if lastErr != nil {
		return lastOutcome, lastErr
	}
	return lastOutcome, fatalErr(lastOutcome)
}

func statusOf(o *Outcome) int {
	if o == nil {
		return 0
	}
	return o.StatusCode
}

func fatalErr(o *Outcome) error {
	if o == nil {
		return fmt.Errorf("upstream request failed")
	}
	return fmt.Errorf("upstream http %d", o.StatusCode)
}

// sleepBackoff blocks for RetryDelay * 2^(k-1), or returns ctx.Err() if
// the context is cancelled first.
func sleepBackoff(ctx context.Context, k int) error {
	delay := RetryDelay * time.Duration(1<<uint(k-1))
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
