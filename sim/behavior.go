package sim

import (
	"fmt"
	"strings"
)

// BehaviorKind selects how a simulated node acts
type BehaviorKind uint8

const (
	// BehaviorHonest follows the protocol
	BehaviorHonest BehaviorKind = iota
	// BehaviorSilent neither sends nor processes anything, like a crashed node
	BehaviorSilent
	// BehaviorEquivocating signs conflicting proposals and votes
	BehaviorEquivocating
)

func (k BehaviorKind) String() string {
	switch k {
	case BehaviorHonest:
		return "honest"
	case BehaviorSilent:
		return "silent"
	case BehaviorEquivocating:
		return "equivocating"
	default:
		return fmt.Sprintf("behavior(%d)", uint8(k))
	}
}

// ParseBehaviorKind parses a behavior name as printed by String
func ParseBehaviorKind(s string) (BehaviorKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "honest":
		return BehaviorHonest, nil
	case "silent", "crash", "crashed":
		return BehaviorSilent, nil
	case "equivocating", "equivocate", "byzantine":
		return BehaviorEquivocating, nil
	default:
		return BehaviorHonest, fmt.Errorf("%w: unknown behavior %q", ErrInvalidConfig, s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (k BehaviorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *BehaviorKind) UnmarshalText(text []byte) error {
	parsed, err := ParseBehaviorKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
