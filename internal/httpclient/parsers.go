package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// DefaultHeaderParser reads the standard Retry-After header (seconds or
// HTTP-date), the only rate-limit signal a generic JSON-RPC tool server is
// expected to send.
func DefaultHeaderParser(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}
	retryAfter := headers.Get("Retry-After")
	if retryAfter == "" {
		return info
	}
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		info.RetryAfter = time.Duration(seconds) * time.Second
		return info
	}
	if when, err := http.ParseTime(retryAfter); err == nil {
		info.RetryAfter = time.Until(when)
	}
	return info
}
