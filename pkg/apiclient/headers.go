package apiclient

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	headerRateLimitReset = "X-RateLimit-Reset"
	headerRetryAfter     = "Retry-After"
)

// resetDelay reads X-RateLimit-Reset (epoch seconds) or Retry-After
// (seconds or HTTP date). It returns 0 when neither is usable.
func resetDelay(h http.Header, now time.Time) time.Duration {
	reset, ok := resetTime(h, now)
	if !ok {
		return 0
	}

	return max(reset.Sub(now), MinResetDelay)
}

func resetTime(h http.Header, now time.Time) (time.Time, bool) {
	if raw := strings.TrimSpace(h.Get(headerRateLimitReset)); raw != "" {
		epoch, err := strconv.ParseInt(raw, 10, 64)
		if err == nil {
			return time.Unix(epoch, 0), true
		}
	}

	raw := strings.TrimSpace(h.Get(headerRetryAfter))
	if raw == "" {
		return time.Time{}, false
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		return now.Add(time.Duration(secs) * time.Second), true
	}

	if at, err := http.ParseTime(raw); err == nil {
		return at, true
	}

	return time.Time{}, false
}

// nextLink extracts the rel="next" URL from an RFC 8288 Link header.
func nextLink(header string) string {
	for part := range strings.SplitSeq(header, ",") {
		target, params, ok := strings.Cut(part, ";")
		if !ok {
			continue
		}

		for param := range strings.SplitSeq(params, ";") {
			if strings.TrimSpace(param) == `rel="next"` {
				return strings.Trim(strings.TrimSpace(target), "<>")
			}
		}
	}

	return ""
}
