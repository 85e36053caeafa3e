package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("GATEWAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GATEWAY_TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), Config{Addr: addr, Prefix: "test:" + t.Name() + ":"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestJSONRoundTripAndMiss(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	type blob struct{ A int }
	require.NoError(t, c.SetJSON(ctx, "k", blob{A: 3}, time.Minute))

	var got blob
	require.NoError(t, c.GetJSON(ctx, "k", &got))
	assert.Equal(t, 3, got.A)

	require.NoError(t, c.Del(ctx, "k"))
	assert.ErrorIs(t, c.GetJSON(ctx, "k", &got), ErrMiss)

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}
