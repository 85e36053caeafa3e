package state

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"discord-gateway-core/internal/errs"
	"discord-gateway-core/internal/rest"
	"discord-gateway-core/internal/snowflake"
)

// Fetcher performs the REST fallback on a cache miss. *rest.Client
// satisfies it.
type Fetcher interface {
	Raw(ctx context.Context, route rest.Route) (json.RawMessage, error)
}

type getOptions struct {
	noFetch bool
}

// GetOption adjusts a single lookup.
type GetOption func(*getOptions)

// NoFetch answers from the cache only; a miss returns errs.ErrNotFound.
func NoFetch() GetOption { return func(o *getOptions) { o.noFetch = true } }

// Get returns a copy of the entity (kind, parent, id). Parent is the guild
// for members and roles, the channel for messages, and zero otherwise.
func (s *State) Get(ctx context.Context, kind Kind, parent, id snowflake.ID, opts ...GetOption) (*Entity, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}

	if e := s.lookup(kind, parent, id); e != nil {
		s.metrics.CacheLookup(string(kind), "hit")
		return e.Clone(), nil
	}
	s.misses.Add(1)
	s.metrics.CacheLookup(string(kind), "miss")

	if o.noFetch || !s.fetchOnMiss || s.fetcher == nil {
		return nil, fmt.Errorf("%s %s: %w", kind, id, errs.ErrNotFound)
	}

	// The shared fetch outlives any single caller's context; each caller
	// still stops waiting when its own context ends.
	sfKey := fmt.Sprintf("%s/%d/%d", kind, parent, id)
	ch := s.fetches.DoChan(sfKey, func() (interface{}, error) {
		// Another caller may have filled the entry while we queued.
		if e := s.lookup(kind, parent, id); e != nil {
			return e, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		return s.fetch(fctx, kind, parent, id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entity).Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *State) lookup(kind Kind, parent, id snowflake.ID) *Entity {
	if kind == KindMessage {
		return s.messages.get(parent, id)
	}
	return s.entities.get(key{kind: kind, parent: parent, id: id})
}

// fetch loads an entity over REST and caches it.
func (s *State) fetch(ctx context.Context, kind Kind, parent, id snowflake.ID) (*Entity, error) {
	s.fetched.Add(1)
	s.log.Debug("cache miss, fetching", zap.String("kind", string(kind)),
		zap.Stringer("parent", parent), zap.Stringer("id", id))

	var (
		raw   json.RawMessage
		err   error
		guild snowflake.ID
	)
	get := func(tmpl string, params ...any) (json.RawMessage, error) {
		return s.fetcher.Raw(ctx, rest.NewRoute(http.MethodGet, tmpl, params...))
	}

	switch kind {
	case KindGuild:
		raw, err = get(rest.TmplGuild, id)
		guild = id
	case KindChannel:
		raw, err = get(rest.TmplChannel, id)
	case KindMember:
		raw, err = get(rest.TmplGuildMember, parent, id)
		guild = parent
	case KindMessage:
		raw, err = get(rest.TmplChannelMessage, parent, id)
	case KindUser:
		raw, err = s.fetchUser(ctx, id)
	case KindRole:
		return s.fetchRole(ctx, parent, id)
	default:
		return nil, fmt.Errorf("state: no fetch route for kind %q", kind)
	}
	if err != nil {
		return nil, err
	}

	fields, err := decodeFields(raw, nil)
	if err != nil {
		return nil, &errs.ProtocolError{Reason: "decode " + string(kind), Err: err}
	}
	if guild == 0 {
		guild = idOf(gjson.GetBytes(raw, "guild_id"))
	}
	// A dispatch applied while the request was in flight is newer than the
	// REST copy, so it wins.
	return s.add(&Entity{Kind: kind, ID: id, Parent: parent, Guild: guild, Fields: fields}), nil
}

// fetchUser goes through the user cache when one is configured so repeated
// misses across restarts are served from Redis.
func (s *State) fetchUser(ctx context.Context, id snowflake.ID) (json.RawMessage, error) {
	load := func(ctx context.Context) (json.RawMessage, error) {
		return s.fetcher.Raw(ctx, rest.NewRoute(http.MethodGet, rest.TmplUser, id))
	}
	if s.users == nil {
		return load(ctx)
	}
	return s.users.Get(ctx, id.String(), load)
}

// fetchRole loads every role of the guild, since there is no single-role
// route, and caches them all.
func (s *State) fetchRole(ctx context.Context, guild, id snowflake.ID) (*Entity, error) {
	raw, err := s.fetcher.Raw(ctx, rest.NewRoute(http.MethodGet, rest.TmplGuildRoles, guild))
	if err != nil {
		return nil, err
	}
	var found *Entity
	for _, item := range gjson.ParseBytes(raw).Array() {
		fields, err := decodeFields([]byte(item.Raw), nil)
		if err != nil {
			continue
		}
		e := &Entity{Kind: KindRole, ID: idOf(item.Get("id")), Parent: guild, Guild: guild, Fields: fields}
		if e.ID == 0 {
			continue
		}
		// Never overwrite a role the gateway already delivered.
		e = s.add(e)
		if e.ID == id {
			found = e
		}
	}
	if found == nil {
		return nil, fmt.Errorf("role %s in guild %s: %w", id, guild, errs.ErrNotFound)
	}
	return found, nil
}

// add caches e unless an entry already exists and returns the cached one.
func (s *State) add(e *Entity) *Entity {
	if e.Kind == KindMessage {
		return s.messages.add(e)
	}
	return s.entities.add(e)
}

// Messages returns up to n of the most recent cached messages of a channel,
// oldest first. n <= 0 returns all of them.
func (s *State) Messages(channelID snowflake.ID, n int) []*Entity {
	items := s.messages.recent(channelID, n)
	out := make([]*Entity, len(items))
	for i, e := range items {
		out[i] = e.Clone()
	}
	return out
}

func decodeAs[T any](ctx context.Context, s *State, kind Kind, parent, id snowflake.ID, opts []GetOption) (*T, error) {
	e, err := s.Get(ctx, kind, parent, id, opts...)
	if err != nil {
		return nil, err
	}
	var v T
	if err := e.Decode(&v); err != nil {
		return nil, &errs.ProtocolError{Reason: "decode cached " + string(kind), Err: err}
	}
	return &v, nil
}

func (s *State) Guild(ctx context.Context, id snowflake.ID, opts ...GetOption) (*discordgo.Guild, error) {
	return decodeAs[discordgo.Guild](ctx, s, KindGuild, 0, id, opts)
}

func (s *State) Channel(ctx context.Context, id snowflake.ID, opts ...GetOption) (*discordgo.Channel, error) {
	return decodeAs[discordgo.Channel](ctx, s, KindChannel, 0, id, opts)
}

func (s *State) Role(ctx context.Context, guildID, id snowflake.ID, opts ...GetOption) (*discordgo.Role, error) {
	return decodeAs[discordgo.Role](ctx, s, KindRole, guildID, id, opts)
}

func (s *State) Message(ctx context.Context, channelID, id snowflake.ID, opts ...GetOption) (*discordgo.Message, error) {
	return decodeAs[discordgo.Message](ctx, s, KindMessage, channelID, id, opts)
}

func (s *State) User(ctx context.Context, id snowflake.ID, opts ...GetOption) (*discordgo.User, error) {
	return decodeAs[discordgo.User](ctx, s, KindUser, 0, id, opts)
}

// Member also fills GuildID, which member payloads usually omit.
func (s *State) Member(ctx context.Context, guildID, userID snowflake.ID, opts ...GetOption) (*discordgo.Member, error) {
	m, err := decodeAs[discordgo.Member](ctx, s, KindMember, guildID, userID, opts)
	if err != nil {
		return nil, err
	}
	if m.GuildID == "" {
		m.GuildID = guildID.String()
	}
	return m, nil
}
