// Package gateway runs one shard's persistent connection: the identify and
// resume handshake, heartbeating, frame decoding, and reconnects.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"discord-gateway-core/internal/backoff"
	"discord-gateway-core/internal/errs"
	"discord-gateway-core/internal/events"
	"discord-gateway-core/internal/logging"
	"discord-gateway-core/internal/metrics"
	"discord-gateway-core/internal/pool"
)

const libraryName = "discord-gateway-core"

var (
	errZombie             = errors.New("heartbeat ack missed")
	errReconnectRequested = errors.New("server requested reconnect")
	errHelloTimeout       = errors.New("no hello received")
)

// ErrNotConnected is wrapped by sends made while the shard has no live
// connection.
var ErrNotConnected = errors.New("not connected")

// Gate admits identify handshakes. The shard coordinator supplies one that
// enforces the server's max concurrency.
type Gate interface {
	Acquire(ctx context.Context, shardID int) (release func(), err error)
}

// Config for one session.
type Config struct {
	Token          string
	ShardID        int
	ShardCount     int
	Intents        discordgo.Intent
	LargeThreshold int
	Compress       bool
	Presence       *discordgo.UpdateStatusData

	// URL is a fixed gateway URL; otherwise the resolver option is used.
	URL string

	MaxReconnects int           // 0 means unlimited
	ResumeWindow  time.Duration // descriptors older than this are not resumed
	Backoff       backoff.Config
	HelloTimeout  time.Duration
	EventBuffer   int

	// InvalidSessionMin and InvalidSessionMax bound the wait before
	// re-identifying after a non-resumable invalid session.
	InvalidSessionMin time.Duration
	InvalidSessionMax time.Duration

	// KeepSessionOnClose closes with a non-normal code on shutdown so the
	// stored descriptor stays resumable by the next process.
	KeepSessionOnClose bool

	// Rand returns a value in [0,1) for jitter; defaults to math/rand/v2.
	Rand func() float64
}

func (c *Config) defaults() {
	if c.ShardCount <= 0 {
		c.ShardCount = 1
	}
	if c.ResumeWindow == 0 {
		c.ResumeWindow = 2 * time.Minute
	}
	if c.Backoff.Initial == 0 {
		c.Backoff = backoff.Default()
	}
	if c.HelloTimeout == 0 {
		c.HelloTimeout = 20 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.InvalidSessionMin == 0 {
		c.InvalidSessionMin = time.Second
	}
	if c.InvalidSessionMax < c.InvalidSessionMin {
		c.InvalidSessionMax = c.InvalidSessionMin + 4*time.Second
	}
}

// Option configures a Session.
type Option func(*Session)

func WithDialer(d Dialer) Option { return func(s *Session) { s.dialer = d } }
func WithStore(st SessionStore) Option { return func(s *Session) { s.store = st } }
func WithGate(g Gate) Option { return func(s *Session) { s.gate = g } }
func WithLogger(l *zap.Logger) Option { return func(s *Session) { s.log = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Session) { s.metrics = m } }
func WithLifecycle(b *events.Bus[LifecycleEvent]) Option {
	return func(s *Session) { s.lifecycle = b }
}

// WithURLResolver sets how the first connect finds the gateway URL.
func WithURLResolver(fn func(ctx context.Context) (string, error)) Option {
	return func(s *Session) { s.resolve = fn }
}

// Session owns one gateway connection at a time for one shard.
type Session struct {
	cfg       Config
	dialer    Dialer
	store     SessionStore
	gate      Gate
	resolve   func(ctx context.Context) (string, error)
	log       *zap.Logger
	metrics   *metrics.Metrics
	lifecycle *events.Bus[LifecycleEvent]
	limiter   *rate.Limiter

	events chan Event

	mu      sync.Mutex
	state   State
	desc    *Descriptor
	conn    Conn
	latency time.Duration
	// connSession is the session the live connection speaks for: the
	// resumed one, or the one its READY announced.
	connSession string

	writeMu sync.Mutex
	running atomic.Bool
}

// New creates a session in the Disconnected state.
func New(cfg Config, opts ...Option) *Session {
	cfg.defaults()
	s := &Session{
		cfg:    cfg,
		dialer: WebsocketDialer{},
		store:  NewMemoryStore(),
		// Two frames a second with a burst of 110 keeps us under 120 per
		// minute with room for heartbeats, which bypass it.
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 110),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.OrNop(s.log).Named("gateway").With(zap.Int("shard", cfg.ShardID))
	s.events = make(chan Event, cfg.EventBuffer)
	return s
}

// ShardID returns the shard this session serves.
func (s *Session) ShardID() int { return s.cfg.ShardID }

// Events is closed when Run returns.
func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Descriptor returns a copy of the current session descriptor, or nil.
func (s *Session) Descriptor() *Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.desc == nil {
		return nil
	}
	d := *s.desc
	return &d
}

// Latency is the round trip of the last acknowledged heartbeat.
func (s *Session) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency
}

func (s *Session) signal(sig Signal) State {
	s.mu.Lock()
	next, err := Transition(s.state, sig)
	if err != nil {
		cur := s.state
		s.mu.Unlock()
		s.log.Debug("ignored transition", zap.Stringer("state", cur), zap.Stringer("signal", sig))
		return cur
	}
	s.state = next
	s.mu.Unlock()
	s.metrics.SetShardState(s.cfg.ShardID, int(next))
	return next
}

func (s *Session) publish(kind LifecycleKind, err error) {
	if s.lifecycle == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.lifecycle.Publish(ctx, LifecycleEvent{
		Shard: s.cfg.ShardID,
		Kind:  kind,
		State: s.State(),
		Err:   err,
		At:    time.Now(),
	})
}

func (s *Session) random() float64 {
	if s.cfg.Rand != nil {
		return s.cfg.Rand()
	}
	return rand.Float64()
}

// Run connects and keeps the shard connected until ctx is cancelled or a
// permanent failure occurs. Clean shutdown returns nil.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("gateway: session already running")
	}
	defer close(s.events)

	s.loadDescriptor(ctx)

	attempt := 0
	for {
		s.signal(SigDial)
		err := s.runConn(ctx, &attempt)
		if ctx.Err() != nil {
			s.signal(SigShutdown)
			s.publish(Closed, nil)
			s.log.Info("gateway session closed")
			return nil
		}

		var pf *errs.PermanentFailure
		if errors.As(err, &pf) {
			s.signal(SigFatal)
			s.publish(Failed, err)
			s.log.Error("gateway session failed permanently", zap.Error(err))
			return err
		}

		s.signal(signalFor(err))
		s.metrics.Reconnect(s.cfg.ShardID, reasonFor(err))
		s.publish(Disconnected, err)

		if s.cfg.MaxReconnects > 0 && attempt >= s.cfg.MaxReconnects {
			pf := &errs.PermanentFailure{
				Shard:  s.cfg.ShardID,
				Reason: fmt.Sprintf("gave up after %d reconnects", attempt),
				Err:    fmt.Errorf("%w: %v", errs.ErrReconnectExhausted, err),
			}
			s.signal(SigFatal)
			s.publish(Failed, pf)
			return pf
		}

		delay := s.cfg.Backoff.Delay(attempt)
		attempt++
		s.log.Warn("gateway disconnected",
			zap.Error(err), zap.Int("attempt", attempt), zap.Duration("retry_in", delay))
		s.publish(Reconnecting, err)
		if err := backoff.Sleep(ctx, delay); err != nil {
			s.signal(SigShutdown)
			s.publish(Closed, nil)
			return nil
		}
	}
}

func signalFor(err error) Signal {
	var si *errs.SessionInvalidated
	var pe *errs.ProtocolError
	switch {
	case errors.Is(err, errReconnectRequested):
		return SigReconnectRequested
	case errors.As(err, &si):
		return SigInvalidResumable
	case errors.As(err, &pe):
		return SigDecodeFailed
	}
	return SigTransportLost
}

func reasonFor(err error) string {
	var ce *websocket.CloseError
	switch {
	case errors.Is(err, errZombie):
		return "zombie"
	case errors.Is(err, errReconnectRequested):
		return "reconnect_requested"
	case errors.As(err, &ce):
		return "close_" + strconv.Itoa(ce.Code)
	}
	return errs.Classify(err).String()
}

func (s *Session) canResume(d *Descriptor) bool {
	return d.Valid() && d.Matches(s.cfg.ShardID, s.cfg.ShardCount) &&
		!d.Expired(time.Now(), s.cfg.ResumeWindow)
}

// runConn drives a single connection from dial to disconnect.
func (s *Session) runConn(ctx context.Context, attempt *int) error {
	desc := s.Descriptor()
	resuming := s.canResume(desc)

	var release func()
	if !resuming {
		if desc != nil {
			s.clearDescriptor(ctx)
		}
		r, err := s.acquireGate(ctx)
		if err != nil {
			return err
		}
		release = r
		defer func() {
			if release != nil {
				release()
			}
		}()
	}

	target, err := s.target(ctx, desc, resuming)
	if err != nil {
		return err
	}

	conn, err := s.dialer.Dial(ctx, target)
	if err != nil {
		return &errs.TransportError{Op: "dial", Err: err}
	}
	s.log.Debug("dialed gateway", zap.String("url", target), zap.Bool("resume", resuming))

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.setConn(conn)
	s.mu.Lock()
	s.connSession = ""
	if resuming {
		s.connSession = desc.SessionID
	}
	s.mu.Unlock()
	defer func() {
		s.setConn(nil)
		if ctx.Err() != nil {
			s.closeForShutdown(conn)
		}
		conn.Close()
	}()

	frames := make(chan frame, 32)
	go s.readLoop(conn, frames, connCtx.Done())

	p, err := s.awaitHello(connCtx, frames)
	if err != nil {
		return err
	}
	var h hello
	if err := json.Unmarshal(p.D, &h); err != nil || h.HeartbeatInterval <= 0 {
		return &errs.ProtocolError{Reason: "bad hello", Err: err}
	}

	hb := newHeartbeater(time.Duration(h.HeartbeatInterval)*time.Millisecond,
		func() error { return s.sendHeartbeat(conn) }, s.cfg.Rand)
	go func() {
		if err := hb.run(connCtx); err != nil {
			s.log.Debug("heartbeat stopped", zap.Error(err))
		}
	}()

	if resuming {
		s.signal(SigHelloResume)
		s.log.Info("resuming session", zap.String("session_id", desc.SessionID), zap.Int64("seq", desc.Seq))
		err = s.send(connCtx, conn, OpResume, resume{
			Token:     gatewayToken(s.cfg.Token),
			SessionID: desc.SessionID,
			Seq:       desc.Seq,
		})
	} else {
		s.signal(SigHelloFresh)
		err = s.sendIdentify(connCtx, conn)
		release()
		release = nil
	}
	if err != nil {
		return err
	}

	return s.loop(connCtx, conn, frames, hb, attempt)
}

type grant struct {
	release func()
	err     error
}

func (s *Session) loop(ctx context.Context, conn Conn, frames <-chan frame, hb *heartbeater, attempt *int) error {
	var (
		identifyAfter <-chan time.Time
		granted       chan grant
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-hb.Zombie():
			s.signal(SigAckMissed)
			s.publish(Zombied, errZombie)
			return &errs.TransportError{Op: "heartbeat", Err: errZombie}

		case <-identifyAfter:
			identifyAfter = nil
			granted = make(chan grant)
			go func(out chan<- grant) {
				release, err := s.acquireGate(ctx)
				select {
				case out <- grant{release: release, err: err}:
				case <-ctx.Done():
					if release != nil {
						release()
					}
				}
			}(granted)

		case g := <-granted:
			granted = nil
			if g.err != nil {
				return g.err
			}
			err := s.sendIdentify(ctx, conn)
			g.release()
			if err != nil {
				return err
			}

		case f := <-frames:
			if f.err != nil {
				return s.closeError(ctx, f.err)
			}
			wait, err := s.handle(ctx, f.p, hb, attempt)
			if err != nil {
				return err
			}
			if wait > 0 {
				identifyAfter = time.After(wait)
			}
		}
	}
}

// handle processes one frame. A positive duration schedules a fresh identify.
func (s *Session) handle(ctx context.Context, p *Payload, hb *heartbeater, attempt *int) (time.Duration, error) {
	switch p.Op {
	case OpDispatch:
		return 0, s.dispatch(ctx, p, attempt)

	case OpHeartbeat:
		hb.Beat()

	case OpHeartbeatACK:
		if lat := hb.Ack(); lat > 0 {
			s.mu.Lock()
			s.latency = lat
			s.mu.Unlock()
			s.metrics.Heartbeat(s.cfg.ShardID, lat)
		}
		s.persist(ctx)

	case OpReconnect:
		s.log.Info("server requested reconnect")
		return 0, errReconnectRequested

	case OpInvalidSession:
		var resumable bool
		_ = json.Unmarshal(p.D, &resumable)
		if resumable {
			return 0, &errs.SessionInvalidated{Resumable: true}
		}
		s.signal(SigInvalidNonResumable)
		s.clearDescriptor(ctx)
		wait := s.cfg.InvalidSessionMin +
			time.Duration(s.random()*float64(s.cfg.InvalidSessionMax-s.cfg.InvalidSessionMin))
		s.log.Warn("session invalidated, identifying again", zap.Duration("wait", wait))
		s.publish(Disconnected, &errs.SessionInvalidated{})
		return wait, nil

	case OpHello:
		// Only meaningful as the first frame.

	default:
		s.log.Debug("unhandled opcode", zap.Int("op", int(p.Op)))
	}
	return 0, nil
}

func (s *Session) dispatch(ctx context.Context, p *Payload, attempt *int) error {
	var seq int64
	if p.S != nil {
		seq = *p.S
	}
	now := time.Now()

	switch p.T {
	case "READY":
		var r ready
		if err := json.Unmarshal(p.D, &r); err != nil {
			return &errs.ProtocolError{Reason: "decode READY", Err: err}
		}
		s.mu.Lock()
		s.desc = &Descriptor{
			SessionID:  r.SessionID,
			ResumeURL:  r.ResumeGatewayURL,
			Seq:        seq,
			ShardID:    s.cfg.ShardID,
			ShardCount: s.cfg.ShardCount,
			UpdatedAt:  now,
		}
		s.connSession = r.SessionID
		s.mu.Unlock()
		s.signal(SigReady)
		*attempt = 0
		s.persist(ctx)
		s.log.Info("shard ready", zap.String("session_id", r.SessionID))
		s.publish(Connected, nil)

	case "RESUMED":
		if err := s.advance(seq, now); err != nil {
			return &errs.ProtocolError{Reason: "RESUMED", Err: err}
		}
		s.signal(SigResumed)
		*attempt = 0
		s.persist(ctx)
		s.log.Info("session resumed")
		s.publish(Resumed, nil)

	default:
		if err := s.advance(seq, now); err != nil {
			return &errs.ProtocolError{Reason: "dispatch " + p.T, Err: err}
		}
	}

	s.metrics.Dispatch(s.cfg.ShardID, p.T)
	ev := Event{
		Shard:    s.cfg.ShardID,
		Seq:      seq,
		Type:     p.T,
		Data:     p.D,
		Received: now,
	}
	if d := s.Descriptor(); d != nil {
		ev.SessionID = d.SessionID
	}
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) advance(seq int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.desc == nil || seq == 0 {
		return nil
	}
	return s.desc.Advance(s.connSession, seq, now)
}

func (s *Session) closeError(ctx context.Context, err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ActionFor(ce.Code) {
		case CloseFatal:
			return &errs.PermanentFailure{Shard: s.cfg.ShardID, Code: ce.Code, Reason: ce.Text, Err: err}
		case CloseIdentify:
			s.clearDescriptor(ctx)
		}
	}
	return err
}

func (s *Session) awaitHello(ctx context.Context, frames <-chan frame) (*Payload, error) {
	timer := time.NewTimer(s.cfg.HelloTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, &errs.TransportError{Op: "hello", Err: errHelloTimeout}
	case f := <-frames:
		if f.err != nil {
			return nil, s.closeError(ctx, f.err)
		}
		if f.p.Op != OpHello {
			return nil, &errs.ProtocolError{Reason: fmt.Sprintf("expected hello, got op %d", f.p.Op)}
		}
		return f.p, nil
	}
}

type frame struct {
	p   *Payload
	err error
}

// readLoop turns socket messages into payloads until the socket fails or
// done is closed.
func (s *Session) readLoop(conn Conn, out chan<- frame, done <-chan struct{}) {
	push := func(f frame) bool {
		select {
		case out <- f:
			return true
		case <-done:
			return false
		}
	}

	var sd *streamDecoder
	if s.cfg.Compress {
		sd = newStreamDecoder()
		defer sd.Close()
		go func() {
			err := sd.run(func(p *Payload) bool { return push(frame{p: p}) })
			if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) &&
				!errors.Is(err, io.ErrClosedPipe) {
				push(frame{err: &errs.ProtocolError{Reason: "zlib-stream", Err: err}})
			}
		}()
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			push(frame{err: &errs.TransportError{Op: "read", Err: err}})
			return
		}
		if mt == websocket.BinaryMessage {
			if sd == nil {
				push(frame{err: &errs.ProtocolError{Reason: "binary frame without compression"}})
				return
			}
			if err := sd.Write(data); err != nil {
				return
			}
			continue
		}
		var p Payload
		if err := json.Unmarshal(data, &p); err != nil {
			push(frame{err: &errs.ProtocolError{Reason: "decode frame", Err: err}})
			return
		}
		if !push(frame{p: &p}) {
			return
		}
	}
}

func (s *Session) acquireGate(ctx context.Context) (func(), error) {
	if s.gate == nil {
		return func() {}, nil
	}
	return s.gate.Acquire(ctx, s.cfg.ShardID)
}

func (s *Session) target(ctx context.Context, desc *Descriptor, resuming bool) (string, error) {
	var base string
	switch {
	case resuming && desc.ResumeURL != "":
		base = desc.ResumeURL
	case s.cfg.URL != "":
		base = s.cfg.URL
	case s.resolve != nil:
		u, err := s.resolve(ctx)
		if err != nil {
			return "", err
		}
		base = u
	default:
		return "", &errs.PermanentFailure{Shard: s.cfg.ShardID, Reason: "no gateway url configured"}
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", &errs.ProtocolError{Reason: "gateway url", Err: err}
	}
	q := u.Query()
	q.Set("v", strconv.Itoa(Version))
	q.Set("encoding", "json")
	if s.cfg.Compress {
		q.Set("compress", "zlib-stream")
	} else {
		q.Del("compress")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Session) sendIdentify(ctx context.Context, conn Conn) error {
	id := identify{
		Token: gatewayToken(s.cfg.Token),
		Properties: identifyProperties{
			OS:      runtime.GOOS,
			Browser: libraryName,
			Device:  libraryName,
		},
		LargeThreshold: s.cfg.LargeThreshold,
		Shard:          &[2]int{s.cfg.ShardID, s.cfg.ShardCount},
		Presence:       s.cfg.Presence,
		Intents:        s.cfg.Intents,
	}
	s.log.Info("identifying", zap.Int("shard_count", s.cfg.ShardCount))
	return s.send(ctx, conn, OpIdentify, id)
}

func (s *Session) sendHeartbeat(conn Conn) error {
	var seq *int64
	if d := s.Descriptor(); d != nil && d.Seq > 0 {
		seq = &d.Seq
	}
	return s.write(conn, OpHeartbeat, seq)
}

func (s *Session) send(ctx context.Context, conn Conn, op Opcode, d any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.write(conn, op, d)
}

func (s *Session) write(conn Conn, op Opcode, d any) error {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	if err := json.NewEncoder(buf).Encode(outgoing{Op: op, D: d}); err != nil {
		return err
	}
	data := bytes.TrimRight(buf.Bytes(), "\n")

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &errs.TransportError{Op: "write", Err: err}
	}
	return nil
}

func (s *Session) closeForShutdown(conn Conn) {
	code := websocket.CloseNormalClosure
	if s.cfg.KeepSessionOnClose {
		code = CloseUnknownError
	}
	s.writeMu.Lock()
	_ = conn.WriteClose(code)
	s.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if s.cfg.KeepSessionOnClose {
		s.persist(ctx)
	} else {
		s.clearDescriptor(ctx)
	}
}

func (s *Session) setConn(c Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *Session) currentConn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) loadDescriptor(ctx context.Context) {
	d, err := s.store.Load(ctx, s.cfg.ShardID, s.cfg.ShardCount)
	if err != nil {
		s.log.Warn("failed to load session descriptor", zap.Error(err))
		return
	}
	if d == nil || !d.Matches(s.cfg.ShardID, s.cfg.ShardCount) {
		return
	}
	s.mu.Lock()
	s.desc = d
	s.mu.Unlock()
}

func (s *Session) persist(ctx context.Context) {
	d := s.Descriptor()
	if d == nil {
		return
	}
	if err := s.store.Save(ctx, *d); err != nil {
		s.log.Warn("failed to save session descriptor", zap.Error(err))
	}
}

func (s *Session) clearDescriptor(ctx context.Context) {
	s.mu.Lock()
	s.desc = nil
	s.mu.Unlock()
	if err := s.store.Clear(ctx, s.cfg.ShardID, s.cfg.ShardCount); err != nil {
		s.log.Warn("failed to clear session descriptor", zap.Error(err))
	}
}

// sendCurrent writes through the live connection, if any.
func (s *Session) sendCurrent(ctx context.Context, op Opcode, d any) error {
	conn := s.currentConn()
	if conn == nil {
		return &errs.TransportError{Op: "send", Err: ErrNotConnected}
	}
	return s.send(ctx, conn, op, d)
}

// UpdatePresence sends op 3.
func (s *Session) UpdatePresence(ctx context.Context, p discordgo.UpdateStatusData) error {
	return s.sendCurrent(ctx, OpPresenceUpdate, p)
}

// UpdateVoiceState sends op 4. Only the signalling half is supported.
func (s *Session) UpdateVoiceState(ctx context.Context, v VoiceStateUpdate) error {
	return s.sendCurrent(ctx, OpVoiceStateUpdate, v)
}

// RequestGuildMembers sends op 8 and returns the nonce the matching
// GUILD_MEMBERS_CHUNK events will carry.
func (s *Session) RequestGuildMembers(ctx context.Context, req RequestGuildMembers) (string, error) {
	if req.Nonce == "" {
		req.Nonce = uuid.NewString()
	}
	if req.Query == nil && len(req.UserIDs) == 0 {
		empty := ""
		req.Query = &empty
	}
	return req.Nonce, s.sendCurrent(ctx, OpRequestGuildMembers, req)
}

func gatewayToken(token string) string {
	return strings.TrimPrefix(token, "Bot ")
}
