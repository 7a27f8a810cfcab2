package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownRole indicates a stored role value outside the known set.
var ErrUnknownRole = errors.New("unknown turn role")

// Kind identifies who produced a turn. Tool invocations are two variants
// sharing one stored role: the start row carries the call's input, the end
// row its output or error.
type Kind int

const (
	KindUser Kind = iota + 1
	KindAssistant
	KindToolStart
	KindToolEnd
	KindSystem
)

// String returns the database representation of the kind. Both tool variants
// store as "tool"; ParseKind splits them back apart on payload presence.
func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindAssistant:
		return "assistant"
	case KindToolStart, KindToolEnd:
		return "tool"
	case KindSystem:
		return "system"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k >= KindUser && k <= KindSystem
}

// IsTool reports whether k is either tool variant.
func (k Kind) IsTool() bool {
	return k == KindToolStart || k == KindToolEnd
}

// MarshalJSON encodes the kind as its role string.
func (k Kind) MarshalJSON() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRole, int(k))
	}
	return []byte(`"` + k.String() + `"`), nil
}

// UnmarshalJSON decodes a role string. A bare "tool" cannot tell the variants
// apart and decodes to the start variant.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var role string
	if err := json.Unmarshal(data, &role); err != nil {
		return err
	}
	parsed, err := ParseKind(role, false)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind decodes a stored role value. The tool role resolves on payload
// presence: a row carrying output or an error is the call's end, anything
// else its start. Unknown values return ErrUnknownRole so a schema drift
// surfaces as an explicit error instead of a silent misclassification.
func ParseKind(role string, hasResult bool) (Kind, error) {
	switch role {
	case "user":
		return KindUser, nil
	case "assistant":
		return KindAssistant, nil
	case "tool":
		if hasResult {
			return KindToolEnd, nil
		}
		return KindToolStart, nil
	case "system":
		return KindSystem, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
}
