package pipeline

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// LLMInvoker runs one subprocess call: some model name, some prompt
// text in, raw text out. The subprocess mechanics themselves
// (discovering the binary, piping stdin/stdout, provider adapters)
// live behind this seam; a concrete implementation plugs in at daemon
// startup.
type LLMInvoker interface {
	Invoke(ctx context.Context, model, prompt string) (string, error)
}

// The subprocess gets its own timeout and a single retry; a wedged
// model call must never stall a capture worker indefinitely.
const (
	llmTimeout = 30 * time.Second
	llmRetries = 1
)

// subprocessLimiter rate-limits LLM-subprocess invocations from both
// the extractor and the relevance gate. A nil *rate.Limiter (the
// default when nothing calls SetSubprocessRate) imposes no throttling.
var subprocessLimiter *rate.Limiter

// SetSubprocessRate configures the shared LLM-subprocess rate limit;
// ratePerSec <= 0 disables throttling (the default). Nothing in the
// daemon calls it, so the limiter stays nil unless a caller sets it.
func SetSubprocessRate(ratePerSec float64, burst int) {
	if ratePerSec <= 0 {
		subprocessLimiter = nil
		return
	}
	if burst <= 0 {
		burst = 1
	}
	subprocessLimiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
}

// invokeWithRetry wraps one LLMInvoker call with the timeout and
// single retry, returning the last error if both attempts fail.
func invokeWithRetry(ctx context.Context, inv LLMInvoker, model, prompt string) (string, error) {
	if subprocessLimiter != nil {
		if err := subprocessLimiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	var lastErr error
	for attempt := 0; attempt <= llmRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, llmTimeout)
		out, err := inv.Invoke(callCtx, model, prompt)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return "", lastErr
}
