package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ID is the canonical form of every chat, message and user identifier.
// Servers send ids as plain strings, numbers, extended-JSON {"$oid": ...}
// objects or populated references ({"_id": ..., "name": ...}); all of them
// collapse into an ID at decode time so the rest of the package can compare
// with ==.
type ID string

func (id ID) String() string { return string(id) }

func (id ID) IsZero() bool { return id == "" }

func (id *ID) UnmarshalJSON(data []byte) error {
	v, err := NormalizeID(data)
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// NormalizeID is the single ingress point for identifiers.
func NormalizeID(raw json.RawMessage) (ID, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("decode id: %w", err)
		}
		return canonical(s), nil

	case '{':
		var obj struct {
			OID json.RawMessage `json:"$oid"`
			UID json.RawMessage `json:"_id"`
			ID  json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", fmt.Errorf("decode id object: %w", err)
		}
		switch {
		case len(obj.OID) > 0:
			var hex string
			if err := json.Unmarshal(obj.OID, &hex); err != nil {
				return "", fmt.Errorf("decode $oid: %w", err)
			}
			oid, err := primitive.ObjectIDFromHex(hex)
			if err != nil {
				return "", fmt.Errorf("invalid $oid %q: %w", hex, err)
			}
			return ID(oid.Hex()), nil
		case len(obj.UID) > 0:
			return NormalizeID(obj.UID)
		case len(obj.ID) > 0:
			return NormalizeID(obj.ID)
		}
		return "", fmt.Errorf("id object has no identifier field: %s", raw)

	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("unsupported id %s", raw)
		}
		return ID(n.String()), nil
	}
}

// canonical lower-cases strings that are ObjectID hex so "65AF..." and
// "65af..." do not end up as two keys.
func canonical(s string) ID {
	s = strings.TrimSpace(s)
	if oid, err := primitive.ObjectIDFromHex(strings.ToLower(s)); err == nil {
		return ID(oid.Hex())
	}
	return ID(s)
}

// ParseID normalizes an id given as a Go string (CLI input, config, claims).
func ParseID(s string) ID { return canonical(s) }
