package ratelimit

import (
	"context"
	"io"
	"net/http"

	"golang.org/x/time/rate"
)

// Limits are the static upload/download caps, in kilobytes per second. Zero
// means unlimited.
type Limits struct {
	UploadKBs   int
	DownloadKBs int
}

type staticLimiter struct {
	upstream   *rate.Limiter
	downstream *rate.Limiter
}

// NewStaticLimiter builds a Limiter with a fixed upload/download rate cap.
func NewStaticLimiter(l Limits) Limiter {
	var upstream, downstream *rate.Limiter

	if l.UploadKBs > 0 {
		b := toByteRate(l.UploadKBs)
		upstream = rate.NewLimiter(rate.Limit(b), int(b))
	}
	if l.DownloadKBs > 0 {
		b := toByteRate(l.DownloadKBs)
		downstream = rate.NewLimiter(rate.Limit(b), int(b))
	}

	return staticLimiter{upstream: upstream, downstream: downstream}
}

func (l staticLimiter) Upstream(r io.Reader) io.Reader   { return limitReader(r, l.upstream) }
func (l staticLimiter) Downstream(r io.Reader) io.Reader { return limitReader(r, l.downstream) }

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// Transport wraps rt so chunk upload bodies are shaped by the upstream
// limit and artifact download bodies by the downstream limit.
func (l staticLimiter) Transport(rt http.RoundTripper) http.RoundTripper {
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		type readCloser struct {
			io.Reader
			io.Closer
		}

		if req.Body != nil {
			req.Body = &readCloser{Reader: l.Upstream(req.Body), Closer: req.Body}
		}

		res, err := rt.RoundTrip(req)
		if res != nil && res.Body != nil {
			res.Body = &readCloser{Reader: l.Downstream(res.Body), Closer: res.Body}
		}
		return res, err
	})
}

func limitReader(r io.Reader, b *rate.Limiter) io.Reader {
	if b == nil {
		return r
	}
	return &rateLimitedReader{r, b}
}

type rateLimitedReader struct {
	reader io.Reader
	bucket *rate.Limiter
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		if tErr := consumeTokens(n, r.bucket); tErr != nil {
			return n, tErr
		}
	}
	return n, err
}

func consumeTokens(tokens int, bucket *rate.Limiter) error {
	maxWait := bucket.Burst()
	for tokens > maxWait {
		if err := bucket.WaitN(context.Background(), maxWait); err != nil {
			return err
		}
		tokens -= maxWait
	}
	return bucket.WaitN(context.Background(), tokens)
}

func toByteRate(kbPerSec int) float64 {
	return float64(kbPerSec) * 1024.
}
