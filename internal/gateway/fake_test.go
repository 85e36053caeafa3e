package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type fakeMsg struct {
	typ  int
	data []byte
	err  error
}

// fakeConn is an in-memory socket; the test plays the server.
type fakeConn struct {
	in     chan fakeMsg
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	closeCode atomic.Int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan fakeMsg, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.in:
		if m.err != nil {
			return 0, nil, m.err
		}
		return m.typ, m.data, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed conn")
	default:
	}
	select {
	case c.out <- append([]byte(nil), data...):
		return nil
	case <-c.closed:
		return errors.New("write on closed conn")
	}
}

func (c *fakeConn) WriteClose(code int) error {
	c.closeCode.Store(int32(code))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// server helpers

func (c *fakeConn) push(t *testing.T, op Opcode, d any, seq int64, typ string) {
	t.Helper()
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	p := Payload{Op: op, D: raw, T: typ}
	if seq > 0 {
		p.S = &seq
	}
	data, err := json.Marshal(p)
	require.NoError(t, err)
	c.in <- fakeMsg{typ: websocket.TextMessage, data: data}
}

func (c *fakeConn) hello(t *testing.T, interval time.Duration) {
	c.push(t, OpHello, hello{HeartbeatInterval: interval.Milliseconds()}, 0, "")
}

func (c *fakeConn) closeWith(code int) {
	c.in <- fakeMsg{err: &websocket.CloseError{Code: code}}
}

type sent struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d"`
}

// expect reads client frames until one with op arrives, skipping heartbeats
// unless op is OpHeartbeat.
func (c *fakeConn) expect(t *testing.T, op Opcode) sent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-c.out:
			var s sent
			require.NoError(t, json.Unmarshal(data, &s))
			if s.Op == op {
				return s
			}
			if s.Op != OpHeartbeat {
				t.Fatalf("expected op %d, got op %d: %s", op, s.Op, data)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for op %d", op)
			return sent{}
		}
	}
}

type fakeDialer struct {
	dialed chan *fakeConn
	count  atomic.Int32
	urls   chan string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 16), urls: make(chan string, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.count.Add(1)
	c := newFakeConn()
	d.urls <- url
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}
