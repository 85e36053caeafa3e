package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Response header names carrying bucket state.
const (
	HeaderBucket     = "X-RateLimit-Bucket"
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderResetAfter = "X-RateLimit-Reset-After"
	HeaderGlobal     = "X-RateLimit-Global"
	HeaderScope      = "X-RateLimit-Scope"
	HeaderRetryAfter = "Retry-After"
)

// Info is the parsed, possibly partial, rate limit state of one response.
// Absent headers leave the corresponding Has* flag false.
type Info struct {
	Bucket string

	Limit        int
	HasLimit     bool
	Remaining    int
	HasRemaining bool

	ResetAt    time.Time
	ResetAfter time.Duration
	HasReset   bool

	RetryAfter time.Duration
	Global     bool
	Scope      string
}

// Capped reports whether the response described a bucket at all.
func (i Info) Capped() bool {
	return i.HasRemaining && i.HasReset
}

// ParseHeaders reads rate limit headers defensively: malformed values are
// ignored rather than reported, since absence means "uncapped for this call".
func ParseHeaders(h http.Header, now time.Time) Info {
	var info Info
	info.Bucket = strings.TrimSpace(h.Get(HeaderBucket))
	info.Scope = strings.TrimSpace(h.Get(HeaderScope))
	info.Global = strings.EqualFold(strings.TrimSpace(h.Get(HeaderGlobal)), "true")

	if v, ok := parseInt(h.Get(HeaderLimit)); ok && v >= 0 {
		info.Limit, info.HasLimit = v, true
	}
	if v, ok := parseInt(h.Get(HeaderRemaining)); ok && v >= 0 {
		info.Remaining, info.HasRemaining = v, true
	}

	// Reset-After is relative and immune to clock skew, so it wins.
	if d, ok := parseSeconds(h.Get(HeaderResetAfter)); ok {
		info.ResetAfter = d
		info.ResetAt = now.Add(d)
		info.HasReset = true
	} else if secs, ok := parseFloat(h.Get(HeaderReset)); ok && secs > 0 {
		whole, frac := math.Modf(secs)
		info.ResetAt = time.Unix(int64(whole), int64(frac*1e9))
		info.ResetAfter = info.ResetAt.Sub(now)
		if info.ResetAfter < 0 {
			info.ResetAfter = 0
		}
		info.HasReset = true
	}

	if d, ok := parseSeconds(h.Get(HeaderRetryAfter)); ok {
		info.RetryAfter = d
	}
	return info
}

func parseInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func parseSeconds(s string) (time.Duration, bool) {
	v, ok := parseFloat(s)
	if !ok || v < 0 {
		return 0, false
	}
	return time.Duration(v * float64(time.Second)), true
}
