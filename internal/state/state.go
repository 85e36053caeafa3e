// Package state keeps a local copy of remote entities in step with the
// gateway event stream and answers lookups, falling back to REST on a miss.
package state

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"discord-gateway-core/internal/cache"
	"discord-gateway-core/internal/events"
	"discord-gateway-core/internal/gateway"
	"discord-gateway-core/internal/logging"
	"discord-gateway-core/internal/metrics"
	"discord-gateway-core/internal/snowflake"
)

// ChangeOp classifies a Change.
type ChangeOp int

const (
	Created ChangeOp = iota
	Updated
	Deleted
	Invalidated
)

func (o ChangeOp) String() string {
	switch o {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	case Invalidated:
		return "invalidated"
	}
	return "unknown"
}

// Change is published for every entity the cache creates, updates or
// removes. Before is nil for creations and After is nil for deletions.
type Change struct {
	Kind   Kind
	Op     ChangeOp
	ID     snowflake.ID
	Parent snowflake.ID
	Guild  snowflake.ID
	Before *Entity
	After  *Entity
	Event  string
	Shard  int
}

// Result reports what Apply did with an event.
type Result int

const (
	Applied   Result = iota
	Stale            // sequence at or below the shard's watermark
	Ignored          // no rule for the event type
	Unknown          // patch or delete for an entity that is not cached
	Malformed        // payload did not match its rule
)

func (r Result) String() string {
	return [...]string{"applied", "stale", "ignored", "unknown", "malformed"}[r]
}

type watermark struct {
	session string
	seq     int64
}

// Option configures a State.
type Option func(*State)

func WithSemantics(s Semantics) Option        { return func(st *State) { st.rules = s } }
func WithLogger(l *zap.Logger) Option         { return func(st *State) { st.log = l } }
func WithMetrics(m *metrics.Metrics) Option   { return func(st *State) { st.metrics = m } }
func WithFetcher(f Fetcher) Option            { return func(st *State) { st.fetcher = f } }
func WithUserCache(c *cache.Cache[json.RawMessage]) Option {
	return func(st *State) { st.users = c }
}

// WithMessageRing sets how many recent messages are kept per channel.
func WithMessageRing(n int) Option { return func(st *State) { st.ringSize = n } }

// WithFetchOnMiss toggles the REST fallback for every lookup.
func WithFetchOnMiss(on bool) Option { return func(st *State) { st.fetchOnMiss = on } }

// WithFetchTimeout bounds one REST fallback, which runs detached from the
// context of whichever caller started it.
func WithFetchTimeout(d time.Duration) Option { return func(st *State) { st.fetchTimeout = d } }

// DefaultFetchTimeout covers a fetch including its rate limit waits.
const DefaultFetchTimeout = 30 * time.Second

// State is the entity cache.
type State struct {
	rules       Semantics
	log         *zap.Logger
	metrics     *metrics.Metrics
	fetcher     Fetcher
	users       *cache.Cache[json.RawMessage]
	ringSize     int
	fetchOnMiss  bool
	fetchTimeout time.Duration

	entities *entityStore
	messages *messageStore
	changes  *events.Bus[Change]
	fetches  singleflight.Group

	wmMu       sync.Mutex
	watermarks map[int]watermark

	applied, stale, ignored, unknown, malformed atomic.Uint64
	misses, fetched                             atomic.Uint64
}

func New(opts ...Option) *State {
	s := &State{
		ringSize:     100,
		fetchOnMiss:  true,
		fetchTimeout: DefaultFetchTimeout,
		watermarks:   make(map[int]watermark),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fetchTimeout <= 0 {
		s.fetchTimeout = DefaultFetchTimeout
	}
	if s.rules == nil {
		s.rules = DefaultSemantics()
	}
	s.log = logging.OrNop(s.log).Named("state")
	s.entities = newEntityStore()
	s.messages = newMessageStore(s.ringSize)
	s.changes = events.New[Change](func() { s.metrics.Dropped("subscriber_full") })
	return s
}

// Changes is the bus entity change notifications are published on.
func (s *State) Changes() *events.Bus[Change] { return s.changes }

// Run applies events until ctx is done or in is closed. Each shard gets its
// own worker with a 256-event queue, and events of a single shard are
// applied strictly in arrival order. A stalled shard delays the others only
// once its queue is full, since every shard shares the input channel.
func (s *State) Run(ctx context.Context, in <-chan gateway.Event) error {
	workers := make(map[int]chan gateway.Event)
	var wg sync.WaitGroup
	defer func() {
		for _, ch := range workers {
			close(ch)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			ch, exists := workers[ev.Shard]
			if !exists {
				ch = make(chan gateway.Event, 256)
				workers[ev.Shard] = ch
				wg.Add(1)
				go func() {
					defer wg.Done()
					for ev := range ch {
						s.Apply(ctx, ev)
					}
				}()
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Apply folds one dispatch into the cache. It never panics on bad input:
// problems are logged, counted and reported through the Result.
func (s *State) Apply(ctx context.Context, ev gateway.Event) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic applying event", zap.String("event", ev.Type), zap.Any("panic", r))
			res = Malformed
		}
		s.count(ev.Type, res)
	}()

	if !s.advance(ev) {
		return Stale
	}
	rule, ok := s.rules[ev.Type]
	if !ok {
		return Ignored
	}
	if !gjson.ValidBytes(ev.Data) {
		s.log.Warn("invalid payload", zap.String("event", ev.Type), zap.Int64("seq", ev.Seq))
		return Malformed
	}

	a := applier{s: s, ctx: ctx, ev: ev, rule: rule, data: ev.Data}
	return a.run()
}

// advance checks ev against its shard's (session, seq) watermark and moves
// the watermark forward. A new session id starts a new watermark.
func (s *State) advance(ev gateway.Event) bool {
	if ev.Seq <= 0 {
		return true
	}
	s.wmMu.Lock()
	defer s.wmMu.Unlock()
	wm, ok := s.watermarks[ev.Shard]
	if ok && wm.session == ev.SessionID && ev.Seq <= wm.seq {
		return false
	}
	s.watermarks[ev.Shard] = watermark{session: ev.SessionID, seq: ev.Seq}
	return true
}

func (s *State) count(event string, res Result) {
	switch res {
	case Applied:
		s.applied.Add(1)
		return
	case Stale:
		s.stale.Add(1)
	case Ignored:
		s.ignored.Add(1)
		s.log.Debug("no rule for event", zap.String("event", event))
		return
	case Unknown:
		s.unknown.Add(1)
	case Malformed:
		s.malformed.Add(1)
	}
	s.metrics.Dropped(res.String())
}

func (s *State) publish(ctx context.Context, c Change) {
	if err := s.changes.Publish(ctx, c); err != nil {
		s.log.Debug("change not delivered", zap.String("event", c.Event), zap.Error(err))
	}
}

// Stats is a snapshot of cache contents and counters.
type Stats struct {
	Entities  map[Kind]int
	Applied   uint64
	Stale     uint64
	Ignored   uint64
	Unknown   uint64
	Malformed uint64
	Misses    uint64
	Fetches   uint64
}

func (s *State) Stats() Stats {
	counts := make(map[Kind]int)
	s.entities.counts(counts)
	if n := s.messages.count(); n > 0 {
		counts[KindMessage] = n
	}
	return Stats{
		Entities:  counts,
		Applied:   s.applied.Load(),
		Stale:     s.stale.Load(),
		Ignored:   s.ignored.Load(),
		Unknown:   s.unknown.Load(),
		Malformed: s.malformed.Load(),
		Misses:    s.misses.Load(),
		Fetches:   s.fetched.Load(),
	}
}

// applier carries one event through its rule.
type applier struct {
	s     *State
	ctx   context.Context
	ev    gateway.Event
	rule  Rule
	data  []byte
	guild snowflake.ID
}

func (a *applier) run() Result {
	r := a.rule
	if r.Guild != "" {
		a.guild = a.resolve(a.data, r.Guild, 0)
	}

	res := Applied
	if r.Op != OpFanout {
		res = a.apply()
	}
	if res == Malformed {
		return res
	}
	for _, c := range r.Children {
		a.children(c)
	}
	return res
}

// resolve reads an id from obj at path, honouring the $id and $guild
// placeholders.
func (a *applier) resolve(obj []byte, path string, self snowflake.ID) snowflake.ID {
	switch path {
	case "":
		return 0
	case refID:
		return self
	case refGuild:
		return a.guild
	}
	return idOf(gjson.GetBytes(obj, path))
}

func idOf(r gjson.Result) snowflake.ID {
	if !r.Exists() {
		return 0
	}
	return snowflake.ParseFast(r.String())
}

func (a *applier) apply() Result {
	r := a.rule
	idRes := gjson.GetBytes(a.data, r.ID)
	if !idRes.Exists() {
		a.s.log.Warn("event without id", zap.String("event", a.ev.Type), zap.String("path", r.ID))
		return Malformed
	}
	parent := a.resolve(a.data, r.Parent, 0)

	if r.Op == OpDelete && idRes.IsArray() {
		res := Unknown
		for _, id := range idRes.Array() {
			if a.remove(r.Kind, parent, idOf(id)) {
				res = Applied
			}
		}
		return res
	}

	id := idOf(idRes)
	if id == 0 {
		return Malformed
	}
	if r.Guild == refID {
		a.guild = id
	}

	switch r.Op {
	case OpDelete:
		if !a.remove(r.Kind, parent, id) {
			return Unknown
		}
		return Applied
	case OpInvalidate:
		return a.invalidate(id)
	}

	obj := a.data
	if r.Source != "" {
		src := gjson.GetBytes(a.data, r.Source)
		if !src.IsObject() {
			return Malformed
		}
		obj = []byte(src.Raw)
	}
	fields, err := decodeFields(obj, r.Strip)
	if err != nil {
		a.s.log.Warn("undecodable payload", zap.String("event", a.ev.Type), zap.Error(err))
		return Malformed
	}

	e := &Entity{Kind: r.Kind, ID: id, Parent: parent, Guild: a.guild, Fields: fields}
	if r.Op == OpPatch {
		if !a.patch(e, r.Strip) {
			a.s.log.Debug("patch for uncached entity",
				zap.String("event", a.ev.Type), zap.Stringer("id", id))
			return Unknown
		}
		return Applied
	}
	a.put(e)
	return Applied
}

func (a *applier) put(e *Entity) {
	var before *Entity
	if e.Kind == KindMessage {
		var evicted *Entity
		before, evicted = a.s.messages.put(e)
		if evicted != nil {
			a.s.metrics.Dropped("message_evicted")
		}
	} else {
		before = a.s.entities.put(e)
	}
	kind := Created
	if before != nil {
		kind = Updated
	}
	a.change(kind, e, before, e)
}

func (a *applier) patch(e *Entity, strip []string) bool {
	var before, after *Entity
	var ok bool
	if e.Kind == KindMessage {
		before, after, ok = a.s.messages.patch(e.Parent, e.ID, e.Fields, strip)
	} else {
		before, after, ok = a.s.entities.patch(e.key(), e.Fields, strip)
	}
	if ok {
		a.change(Updated, after, before, after)
	}
	return ok
}

func (a *applier) remove(kind Kind, parent, id snowflake.ID) bool {
	var before *Entity
	if kind == KindMessage {
		before = a.s.messages.delete(parent, id)
	} else {
		before = a.s.entities.delete(key{kind: kind, parent: parent, id: id})
		if kind == KindChannel && before != nil {
			a.s.messages.dropChannel(id)
		}
	}
	if before == nil {
		return false
	}
	a.change(Deleted, before, before, nil)
	return true
}

// invalidate drops everything scoped to a guild. The guild itself is kept
// and marked when the server reports it unavailable, else removed.
func (a *applier) invalidate(guild snowflake.ID) Result {
	gk := key{kind: KindGuild, id: guild}
	removed := a.s.entities.dropGuild(guild, gk)
	msgs := a.s.messages.dropGuild(guild)
	for _, e := range removed {
		if e.Kind == KindChannel {
			msgs += a.s.messages.dropChannel(e.ID)
		}
	}

	unavailable := a.rule.Unavailable != "" && gjson.GetBytes(a.data, a.rule.Unavailable).Bool()
	a.s.log.Info("guild invalidated",
		zap.Stringer("guild", guild), zap.Int("entities", len(removed)),
		zap.Int("messages", msgs), zap.Bool("unavailable", unavailable))

	if unavailable {
		before, after, ok := a.s.entities.patch(gk,
			map[string]json.RawMessage{a.rule.Unavailable: json.RawMessage("true")}, nil)
		if ok {
			a.change(Invalidated, after, before, after)
		}
		return Applied
	}
	if before := a.s.entities.delete(gk); before != nil {
		a.change(Deleted, before, before, nil)
	}
	return Applied
}

// children stores nested objects named by c. The path may hold an array
// or a single object.
func (a *applier) children(c Child) {
	res := gjson.GetBytes(a.data, c.Path)
	if !res.Exists() {
		return
	}
	items := []gjson.Result{res}
	if res.IsArray() {
		items = res.Array()
	}
	for _, item := range items {
		if !item.IsObject() {
			continue
		}
		obj := []byte(item.Raw)
		id := idOf(gjson.GetBytes(obj, c.ID))
		if id == 0 {
			a.s.log.Debug("child without id", zap.String("event", a.ev.Type), zap.String("path", c.Path))
			continue
		}
		fields, err := decodeFields(obj, nil)
		if err != nil {
			continue
		}
		e := &Entity{
			Kind:   c.Kind,
			ID:     id,
			Parent: a.resolve(obj, c.Parent, id),
			Guild:  a.resolve(obj, c.Guild, id),
			Fields: fields,
		}
		a.put(e)
	}
}

func (a *applier) change(op ChangeOp, e, before, after *Entity) {
	a.s.publish(a.ctx, Change{
		Kind:   e.Kind,
		Op:     op,
		ID:     e.ID,
		Parent: e.Parent,
		Guild:  e.Guild,
		Before: before,
		After:  after,
		Event:  a.ev.Type,
		Shard:  a.ev.Shard,
	})
}

func (k Kind) String() string { return string(k) }
