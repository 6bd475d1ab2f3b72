package docid

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/jrepp/pfindex/pkg/search"
)

// Namespace scopes content identifiers so they never collide with UUIDs
// derived for other purposes from the same bytes.
var Namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/jrepp/pfindex/record"))

// ContentID is a deterministic identifier derived from record content.
type ContentID struct {
	value uuid.UUID
}

// FromRecord derives the identifier for a record.
func FromRecord(r search.Record) (ContentID, error) {
	canonical, err := Canonical(r)
	if err != nil {
		return ContentID{}, err
	}
	return FromBytes(canonical), nil
}

// FromBytes derives the identifier for an already canonical serialization.
func FromBytes(canonical []byte) ContentID {
	return ContentID{value: uuid.NewMD5(Namespace, canonical)}
}

// Canonical returns the canonical JSON serialization of a record.
// encoding/json sorts map keys, which makes the output independent of map
// iteration order.
func Canonical(r search.Record) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("record is nil")
	}
	data, err := json.Marshal(map[string]any(r))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize record: %w", err)
	}
	return data, nil
}

// String returns the identifier in lowercase hyphenated form.
func (c ContentID) String() string {
	return c.value.String()
}

// IsZero returns true for the zero identifier.
func (c ContentID) IsZero() bool {
	return c.value == uuid.Nil
}

// Equal returns true if two identifiers are equal.
func (c ContentID) Equal(other ContentID) bool {
	return c.value == other.value
}

// MarshalJSON implements json.Marshaler.
func (c ContentID) MarshalJSON() ([]byte, error) {
	if c.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(c.String())
}
