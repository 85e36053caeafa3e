package state

import (
	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"discord-gateway-core/internal/snowflake"
)

// Entity is one cached object. Fields hold the raw top-level JSON members so
// partial updates can merge without knowing the schema.
//
// Entities handed out in Change notifications are shared snapshots and must
// not be modified; Get returns a private copy.
type Entity struct {
	Kind   Kind
	ID     snowflake.ID
	Parent snowflake.ID // guild for members and roles, channel for messages
	Guild  snowflake.ID
	Fields map[string]json.RawMessage
}

type key struct {
	kind   Kind
	parent snowflake.ID
	id     snowflake.ID
}

func (e *Entity) key() key { return key{kind: e.Kind, parent: e.Parent, id: e.ID} }

// Clone copies the entity and its field map.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Fields = make(map[string]json.RawMessage, len(e.Fields))
	for k, v := range e.Fields {
		c.Fields[k] = v
	}
	return &c
}

// Field returns one top-level member.
func (e *Entity) Field(name string) (json.RawMessage, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

// Raw re-encodes the entity as a JSON object.
func (e *Entity) Raw() json.RawMessage {
	data, err := json.Marshal(e.Fields)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// Path evaluates a gjson path against the entity.
func (e *Entity) Path(path string) gjson.Result {
	return gjson.GetBytes(e.Raw(), path)
}

// Decode unmarshals the entity into v, typically a discordgo struct.
func (e *Entity) Decode(v any) error {
	return json.Unmarshal(e.Raw(), v)
}

// patched returns a copy with fields overlaid and strip removed.
func (e *Entity) patched(fields map[string]json.RawMessage, strip []string) *Entity {
	c := e.Clone()
	for k, v := range fields {
		c.Fields[k] = v
	}
	for _, k := range strip {
		delete(c.Fields, k)
	}
	return c
}

func decodeFields(raw []byte, strip []string) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	for _, k := range strip {
		delete(fields, k)
	}
	return fields, nil
}
