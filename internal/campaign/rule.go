// Package campaign resolves recipient rules into recipient sets and fans a
// campaign's message out to them.
package campaign

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalidRule is returned for rules that cannot be resolved.
var ErrInvalidRule = errors.New("invalid recipient rule")

// Kind selects how a rule picks its recipients.
type Kind string

const (
	KindAllActive   Kind = "all_active"
	KindByGroup     Kind = "by_group"
	KindByRole      Kind = "by_role"
	KindByHierarchy Kind = "by_hierarchy"
	KindExplicit    Kind = "explicit_addresses"
)

// Hierarchy levels a by_hierarchy rule can target.
const (
	LevelChurch    = "church"
	LevelPastorate = "pastorate"
	LevelDiocese   = "diocese"
)

// Rule is a recipient rule as stored on a campaign.
type Rule struct {
	Kind      Kind       `json:"kind"`
	Group     string     `json:"group,omitempty"`
	Role      string     `json:"role,omitempty"`
	Level     string     `json:"level,omitempty"`
	NodeID    *uuid.UUID `json:"node_id,omitempty"`
	Addresses []string   `json:"addresses,omitempty"`
}

// ParseRule decodes and validates a stored rule.
func ParseRule(raw []byte) (Rule, error) {
	var r Rule
	if len(raw) == 0 {
		return r, fmt.Errorf("%w: empty rule", ErrInvalidRule)
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return r, r.Validate()
}

// Validate checks that the rule carries the parameters its kind needs.
func (r Rule) Validate() error {
	switch r.Kind {
	case KindAllActive, KindExplicit:
		return nil
	case KindByGroup:
		if r.Group == "" {
			return fmt.Errorf("%w: by_group requires group", ErrInvalidRule)
		}
	case KindByRole:
		if r.Role == "" {
			return fmt.Errorf("%w: by_role requires role", ErrInvalidRule)
		}
	case KindByHierarchy:
		switch r.Level {
		case LevelChurch, LevelPastorate, LevelDiocese:
		default:
			return fmt.Errorf("%w: unknown hierarchy level %q", ErrInvalidRule, r.Level)
		}
		if r.NodeID == nil || *r.NodeID == uuid.Nil {
			return fmt.Errorf("%w: by_hierarchy requires node_id", ErrInvalidRule)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, r.Kind)
	}
	return nil
}
