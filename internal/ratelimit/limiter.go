// Package ratelimit shapes the bandwidth the transport adapter spends on
// chunk transfer and artifact download (§5 "Transport operations
// impose a long timeout ... the downloader disables timeouts for streaming
// assembly" — rate limiting is the complementary knob: bound throughput
// rather than duration), adapted from restic's internal/backend/limiter.
package ratelimit

import (
	"io"
	"net/http"
)

// Limiter rate-limits I/O according to a configured policy.
type Limiter interface {
	// Upstream wraps r so reads from it (request bodies: chunk uploads)
	// are rate limited.
	Upstream(r io.Reader) io.Reader

	// Downstream wraps r so reads from it (response bodies: assembled
	// artifact downloads) are rate limited.
	Downstream(r io.Reader) io.Reader

	// Transport wraps rt so both directions of every request/response are
	// rate limited.
	Transport(rt http.RoundTripper) http.RoundTripper
}
