package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discord-gateway-core/internal/backoff"
	"discord-gateway-core/internal/errs"
	"discord-gateway-core/internal/ratelimit"
)

func newTestClient(t *testing.T, h http.Handler, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := Config{
		Token:               "abc",
		BaseURL:             srv.URL,
		MaxRateLimitRetries: 3,
		MaxRetries:          2,
		Backoff:             backoff.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
	}
	opts = append([]Option{WithBuckets(ratelimit.NewStore(ratelimit.WithGlobalPerSecond(0)))}, opts...)
	return New(cfg, opts...), srv
}

func TestRouteKeyStripsParameters(t *testing.T) {
	a := NewRoute("get", TmplChannelMessage, 111, 222)
	b := NewRoute("GET", TmplChannelMessage, 111, 333)

	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, "GET /channels/{channel.id}/messages/{message.id}", a.Key())
	assert.Equal(t, "/channels/111/messages/222", a.Path())
	assert.Equal(t, "111", a.Major())

	assert.Equal(t, "", NewRoute("GET", TmplUser, 5).Major())
	assert.Equal(t, "9", NewRoute("GET", TmplGuildMember, 9, 10).Major())
}

func TestRouteFromPath(t *testing.T) {
	r := RouteFromPath("delete", "/channels/123/messages/456?x=1")
	assert.Equal(t, "DELETE /channels/{channel.id}/messages/{message.id}", r.Key())
	assert.Equal(t, "/channels/123/messages/456", r.Path())
	assert.Equal(t, "123", r.Major())
}

func TestAuthorizationHeader(t *testing.T) {
	var got atomic.Value
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))

	_, err := c.Do(context.Background(), Request{Route: NewRoute("GET", TmplUser, 1)})
	require.NoError(t, err)
	assert.Equal(t, "Bot abc", got.Load())
}

func TestRetryAfterDelaysNextSend(t *testing.T) {
	var hits atomic.Int32
	var first, gap atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n == 1 {
			first.Store(time.Now().UnixNano())
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"message":"You are being rate limited.","retry_after":0.2,"global":false}`)
			return
		}
		gap.Store(time.Now().UnixNano() - first.Load())
		fmt.Fprint(w, `{"id":"1"}`)
	}))

	resp, err := c.Do(context.Background(), Request{Route: NewRoute("POST", TmplMessages, 42)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, int32(2), hits.Load())
	assert.GreaterOrEqual(t, time.Duration(gap.Load()), 200*time.Millisecond)
}

func TestRateLimitCeilingSurfacesError(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"retry_after":0.01}`)
	}))

	_, err := c.Do(context.Background(), Request{Route: NewRoute("GET", TmplChannel, 7)})
	require.Error(t, err)

	var rl *errs.RateLimited
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 4, rl.Attempts)
	assert.Equal(t, int32(4), hits.Load())
	assert.Equal(t, errs.ClassRateLimited, errs.Classify(err))
	assert.True(t, IsRateLimited(err))
}

func TestGlobal429BlocksOtherRoutes(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set(ratelimit.HeaderGlobal, "true")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"retry_after":0.15,"global":true}`)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	zero := 0
	_, err := c.Do(context.Background(), Request{Route: NewRoute("GET", TmplChannel, 1), Retries: &zero})
	require.Error(t, err)

	start := time.Now()
	_, err = c.Do(context.Background(), Request{Route: NewRoute("GET", TmplUser, 2)})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

type flakyTransport struct {
	fails atomic.Int32
	calls atomic.Int32
	base  http.RoundTripper
}

func (f *flakyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	f.calls.Add(1)
	if f.fails.Add(-1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return f.base.RoundTrip(r)
}

func TestNetworkRetryOnlyForIdempotentMethods(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("GET is retried", func(t *testing.T) {
		ft := &flakyTransport{base: http.DefaultTransport}
		ft.fails.Store(2)
		c, _ := newTestClient(t, handler, WithHTTPClient(&http.Client{Transport: ft}))

		_, err := c.Do(context.Background(), Request{Route: NewRoute("GET", TmplChannel, 1)})
		require.NoError(t, err)
		assert.Equal(t, int32(3), ft.calls.Load())
	})

	t.Run("POST fails immediately", func(t *testing.T) {
		ft := &flakyTransport{base: http.DefaultTransport}
		ft.fails.Store(1)
		c, _ := newTestClient(t, handler, WithHTTPClient(&http.Client{Transport: ft}))

		_, err := c.Do(context.Background(), Request{Route: NewRoute("POST", TmplMessages, 1), Body: map[string]string{"content": "hi"}})
		require.Error(t, err)
		var te *errs.TransportError
		assert.True(t, errors.As(err, &te))
		assert.Equal(t, int32(1), ft.calls.Load())
	})

	t.Run("GET gives up at the cap", func(t *testing.T) {
		ft := &flakyTransport{base: http.DefaultTransport}
		ft.fails.Store(10)
		c, _ := newTestClient(t, handler, WithHTTPClient(&http.Client{Transport: ft}))

		_, err := c.Do(context.Background(), Request{Route: NewRoute("GET", TmplChannel, 1)})
		assert.Equal(t, errs.ClassTransport, errs.Classify(err))
		assert.Equal(t, int32(3), ft.calls.Load())
	})
}

func TestBucketHeaderAliasesRoute(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(ratelimit.HeaderBucket, "deadbeef")
		w.Header().Set(ratelimit.HeaderLimit, "5")
		w.Header().Set(ratelimit.HeaderRemaining, "3")
		w.Header().Set(ratelimit.HeaderResetAfter, "1")
		w.WriteHeader(http.StatusNoContent)
	}))

	route := NewRoute("GET", TmplChannelMessage, 123, 1)
	_, err := c.Do(context.Background(), Request{Route: route})
	require.NoError(t, err)

	key := c.Buckets().Key(route.Key(), route.Major())
	assert.Equal(t, "deadbeef:123", key)

	b, ok := c.Buckets().Lookup(key)
	require.True(t, ok)
	snap := b.Snapshot()
	assert.Equal(t, 3, snap.Remaining)
	assert.Equal(t, 5, snap.Limit)
}

func TestClientErrorIsTyped(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Unknown Channel","code":10003}`)
	}))

	_, err := c.Channel(context.Background(), 99)
	require.Error(t, err)

	var re *errs.RESTError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 10003, re.Code)
	assert.Equal(t, "Unknown Channel", re.Message)
	assert.True(t, errs.IsNotFound(err))
}

func TestGatewayBot(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gateway/bot", r.URL.Path)
		fmt.Fprint(w, `{"url":"wss://gateway.example","shards":4,"session_start_limit":{"total":1000,"remaining":999,"reset_after":1000,"max_concurrency":2}}`)
	}))

	gb, err := c.GatewayBot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wss://gateway.example", gb.URL)
	assert.Equal(t, 4, gb.Shards)
	assert.Equal(t, 2, gb.SessionStartLimit.MaxConcurrency)
}

func TestDoCancelledWhileWaiting(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	route := NewRoute("GET", TmplChannel, 5)
	c.Buckets().Limited(c.Buckets().Key(route.Key(), route.Major()), time.Minute, false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Do(ctx, Request{Route: route})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
