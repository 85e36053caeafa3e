package state

import (
	"sync"

	"github.com/goccy/go-json"

	"discord-gateway-core/internal/ring"
	"discord-gateway-core/internal/snowflake"
)

const stripeCount = 64

func stripeFor(kind Kind, parent, id snowflake.ID) uint64 {
	h := uint64(id) ^ uint64(parent)<<1
	for i := 0; i < len(kind); i++ {
		h = h*31 + uint64(kind[i])
	}
	// Fibonacci hashing; the top six bits pick the stripe.
	return (h * 0x9E3779B97F4A7C15) >> 58
}

type stripe struct {
	mu sync.RWMutex
	m  map[key]*Entity
}

// entityStore keeps every non-message entity, striped so writers to
// different keys do not contend.
type entityStore struct {
	stripes [stripeCount]stripe
}

func newEntityStore() *entityStore {
	s := &entityStore{}
	for i := range s.stripes {
		s.stripes[i].m = make(map[key]*Entity)
	}
	return s
}

func (s *entityStore) stripe(k key) *stripe {
	return &s.stripes[stripeFor(k.kind, k.parent, k.id)]
}

func (s *entityStore) get(k key) *Entity {
	st := s.stripe(k)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.m[k]
}

// put stores e and returns what it replaced.
func (s *entityStore) put(e *Entity) *Entity {
	k := e.key()
	st := s.stripe(k)
	st.mu.Lock()
	defer st.mu.Unlock()
	before := st.m[k]
	st.m[k] = e
	return before
}

// add stores e unless the key is already present, and returns whichever
// entity the store now holds.
func (s *entityStore) add(e *Entity) *Entity {
	k := e.key()
	st := s.stripe(k)
	st.mu.Lock()
	defer st.mu.Unlock()
	if cur, ok := st.m[k]; ok {
		return cur
	}
	st.m[k] = e
	return e
}

// patch merges fields into an existing entity. ok is false if there was
// nothing to patch.
func (s *entityStore) patch(k key, fields map[string]json.RawMessage, strip []string) (before, after *Entity, ok bool) {
	st := s.stripe(k)
	st.mu.Lock()
	defer st.mu.Unlock()
	before, ok = st.m[k]
	if !ok {
		return nil, nil, false
	}
	after = before.patched(fields, strip)
	st.m[k] = after
	return before, after, true
}

func (s *entityStore) delete(k key) *Entity {
	st := s.stripe(k)
	st.mu.Lock()
	defer st.mu.Unlock()
	before, ok := st.m[k]
	if ok {
		delete(st.m, k)
	}
	return before
}

// dropGuild removes every entity scoped to guild except keep.
func (s *entityStore) dropGuild(guild snowflake.ID, keep key) []*Entity {
	var removed []*Entity
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.Lock()
		for k, e := range st.m {
			if e.Guild == guild && k != keep {
				removed = append(removed, e)
				delete(st.m, k)
			}
		}
		st.mu.Unlock()
	}
	return removed
}

func (s *entityStore) counts(out map[Kind]int) {
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.RLock()
		for k := range st.m {
			out[k.kind]++
		}
		st.mu.RUnlock()
	}
}

// messageStore keeps a bounded ring of recent messages per channel.
type messageStore struct {
	capacity int
	stripes  [stripeCount]struct {
		mu    sync.RWMutex
		rings map[snowflake.ID]*ring.Buffer[*Entity]
	}
}

func newMessageStore(capacity int) *messageStore {
	if capacity < 1 {
		capacity = 100
	}
	s := &messageStore{capacity: capacity}
	for i := range s.stripes {
		s.stripes[i].rings = make(map[snowflake.ID]*ring.Buffer[*Entity])
	}
	return s
}

func (s *messageStore) stripeOf(channel snowflake.ID) int {
	return int(stripeFor(KindMessage, channel, 0))
}

func sameID(id snowflake.ID) func(*Entity) bool {
	return func(e *Entity) bool { return e.ID == id }
}

func (s *messageStore) get(channel, id snowflake.ID) *Entity {
	st := &s.stripes[s.stripeOf(channel)]
	st.mu.RLock()
	defer st.mu.RUnlock()
	r, ok := st.rings[channel]
	if !ok {
		return nil
	}
	e, _ := r.Find(sameID(id))
	return e
}

// put stores a message, replacing an existing copy in place. It returns the
// replaced message, and the message evicted to make room, if any.
func (s *messageStore) put(e *Entity) (before, evicted *Entity) {
	st := &s.stripes[s.stripeOf(e.Parent)]
	st.mu.Lock()
	defer st.mu.Unlock()
	r, ok := st.rings[e.Parent]
	if !ok {
		r = ring.New[*Entity](s.capacity)
		st.rings[e.Parent] = r
	}
	if r.Update(sameID(e.ID), func(p **Entity) { before, *p = *p, e }) {
		return before, nil
	}
	evicted, _ = r.Push(e)
	return nil, evicted
}

// add is put for a message not already in its ring.
func (s *messageStore) add(e *Entity) *Entity {
	st := &s.stripes[s.stripeOf(e.Parent)]
	st.mu.Lock()
	defer st.mu.Unlock()
	r, ok := st.rings[e.Parent]
	if !ok {
		r = ring.New[*Entity](s.capacity)
		st.rings[e.Parent] = r
	}
	if cur, found := r.Find(sameID(e.ID)); found {
		return cur
	}
	r.Push(e)
	return e
}

func (s *messageStore) patch(channel, id snowflake.ID, fields map[string]json.RawMessage, strip []string) (before, after *Entity, ok bool) {
	st := &s.stripes[s.stripeOf(channel)]
	st.mu.Lock()
	defer st.mu.Unlock()
	r, found := st.rings[channel]
	if !found {
		return nil, nil, false
	}
	ok = r.Update(sameID(id), func(p **Entity) {
		before = *p
		after = before.patched(fields, strip)
		*p = after
	})
	return before, after, ok
}

func (s *messageStore) delete(channel, id snowflake.ID) *Entity {
	st := &s.stripes[s.stripeOf(channel)]
	st.mu.Lock()
	defer st.mu.Unlock()
	r, ok := st.rings[channel]
	if !ok {
		return nil
	}
	before, _ := r.Find(sameID(id))
	if before != nil {
		r.Remove(sameID(id))
	}
	return before
}

func (s *messageStore) recent(channel snowflake.ID, n int) []*Entity {
	st := &s.stripes[s.stripeOf(channel)]
	st.mu.RLock()
	defer st.mu.RUnlock()
	r, ok := st.rings[channel]
	if !ok {
		return nil
	}
	if n <= 0 {
		return r.Items()
	}
	return r.Last(n)
}

func (s *messageStore) dropChannel(channel snowflake.ID) int {
	st := &s.stripes[s.stripeOf(channel)]
	st.mu.Lock()
	defer st.mu.Unlock()
	r, ok := st.rings[channel]
	if !ok {
		return 0
	}
	delete(st.rings, channel)
	return r.Len()
}

// dropGuild removes every message tagged with guild.
func (s *messageStore) dropGuild(guild snowflake.ID) int {
	n := 0
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.Lock()
		for ch, r := range st.rings {
			n += r.Remove(func(e *Entity) bool { return e.Guild == guild })
			if r.Len() == 0 {
				delete(st.rings, ch)
			}
		}
		st.mu.Unlock()
	}
	return n
}

func (s *messageStore) count() int {
	n := 0
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.RLock()
		for _, r := range st.rings {
			n += r.Len()
		}
		st.mu.RUnlock()
	}
	return n
}
