// Package snowflake implements the 64-bit entity identifiers used as primary
// keys throughout the gateway, REST and cache layers.
package snowflake

import (
	"strconv"
	"time"
)

// Epoch is the platform epoch (2015-01-01T00:00:00Z) in Unix milliseconds.
const Epoch = 1420070400000

const timestampShift = 22

// ID is an immutable snowflake. The zero value means "no id".
type ID uint64

// Parse converts a decimal string into an ID.
func Parse(s string) (ID, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ID(v), nil
}

// MustParse is Parse for constants and tests. Invalid input yields zero.
func MustParse(s string) ID {
	id, _ := Parse(s)
	return id
}

// ParseFast converts a decimal string without error checking. Parsing stops
// at the first non-digit byte.
func ParseFast(s string) ID {
	var n uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + uint64(c-'0')
	}
	return ID(n)
}

// String returns the decimal form used on the wire.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool { return id == 0 }

// Time returns the creation timestamp embedded in the high bits.
func (id ID) Time() time.Time {
	ms := int64(uint64(id)>>timestampShift) + Epoch
	return time.UnixMilli(ms).UTC()
}

// MarshalJSON encodes the id as a JSON string, matching the platform's format.
func (id ID) MarshalJSON() ([]byte, error) {
	b := make([]byte, 0, 22)
	b = append(b, '"')
	b = strconv.AppendUint(b, uint64(id), 10)
	return append(b, '"'), nil
}

// UnmarshalJSON accepts a quoted string, a bare number or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == `""` {
		*id = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*id = v
	return nil
}
