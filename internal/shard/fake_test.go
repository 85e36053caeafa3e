package shard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"discord-gateway-core/internal/gateway"
)

// fakeGateway answers every connection like a healthy server: hello on
// connect, READY after identify, RESUMED after resume, acks for heartbeats.
// reject, if set, can refuse an identify with a close code. delay, if set,
// stalls the nth dial (counted from 1) like a slow network.
type fakeGateway struct {
	dials  atomic.Int32
	reject func(shardID, attempt int) int
	delay  func(dial int) time.Duration

	mu       sync.Mutex
	attempts map[int]int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{attempts: make(map[int]int)}
}

func (g *fakeGateway) Dial(ctx context.Context, _ string) (gateway.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := g.dials.Add(1)
	if g.delay != nil {
		t := time.NewTimer(g.delay(int(n)))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
	c := &fakeConn{gw: g, in: make(chan fakeMsg, 64), closed: make(chan struct{})}
	c.push(gateway.OpHello, map[string]int{"heartbeat_interval": 60000}, 0, "")
	return c, nil
}

type fakeMsg struct {
	data []byte
	err  error
}

type fakeConn struct {
	gw     *fakeGateway
	in     chan fakeMsg
	closed chan struct{}
	once   sync.Once
	seq    int64
}

func (c *fakeConn) push(op gateway.Opcode, d any, seq int64, typ string) {
	raw, _ := json.Marshal(d)
	p := gateway.Payload{Op: op, D: raw, T: typ}
	if seq > 0 {
		p.S = &seq
	}
	data, _ := json.Marshal(p)
	c.in <- fakeMsg{data: data}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.in:
		if m.err != nil {
			return 0, nil, m.err
		}
		return websocket.TextMessage, m.data, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("closed")
	default:
	}
	var msg struct {
		Op gateway.Opcode  `json:"op"`
		D  json.RawMessage `json:"d"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	switch msg.Op {
	case gateway.OpHeartbeat:
		c.push(gateway.OpHeartbeatACK, nil, 0, "")
	case gateway.OpIdentify:
		var id struct {
			Shard [2]int `json:"shard"`
		}
		_ = json.Unmarshal(msg.D, &id)
		shardID := id.Shard[0]

		c.gw.mu.Lock()
		attempt := c.gw.attempts[shardID]
		c.gw.attempts[shardID]++
		c.gw.mu.Unlock()

		if c.gw.reject != nil {
			if code := c.gw.reject(shardID, attempt); code != 0 {
				c.in <- fakeMsg{err: &websocket.CloseError{Code: code}}
				return nil
			}
		}
		c.seq++
		c.push(gateway.OpDispatch, map[string]any{
			"session_id":         fmt.Sprintf("s%d-%d", shardID, attempt),
			"resume_gateway_url": "wss://resume.test",
			"shard":              id.Shard,
		}, c.seq, "READY")
	case gateway.OpResume:
		c.seq++
		c.push(gateway.OpDispatch, map[string]any{}, c.seq, "RESUMED")
	}
	return nil
}

func (c *fakeConn) WriteClose(int) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeInfo struct {
	resp  discordgo.GatewayBotResponse
	calls atomic.Int32
}

func (f *fakeInfo) GatewayBot(context.Context) (*discordgo.GatewayBotResponse, error) {
	f.calls.Add(1)
	r := f.resp
	return &r, nil
}
