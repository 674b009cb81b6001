package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/flock/internal/db"
)

// ErrNoValidRecipients is returned when an explicit address list holds no
// address that is valid for the campaign's channel.
var ErrNoValidRecipients = errors.New("no valid recipients")

// Directory answers member queries. *db.Repository implements it.
type Directory interface {
	ListActiveMembers(ctx context.Context, filter db.MemberFilter) ([]*db.Member, error)
}

// Recipient is one resolved target of a campaign.
type Recipient struct {
	MemberID *uuid.UUID `json:"member_id,omitempty"`
	Name     string     `json:"name"`
	Address  string     `json:"address"`
}

// Resolver turns rules into recipient lists. Results are computed on every
// call from the directory's current state.
type Resolver struct {
	dir      Directory
	validate *validator.Validate
	logger   *zap.Logger
}

func NewResolver(dir Directory, logger *zap.Logger) *Resolver {
	return &Resolver{
		dir:      dir,
		validate: validator.New(),
		logger:   logger,
	}
}

// Resolve returns the recipients of rule on channel, without duplicates.
func (r *Resolver) Resolve(ctx context.Context, rule Rule, channel string) ([]Recipient, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if channel != db.ChannelEmail && channel != db.ChannelSMS {
		return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidRule, channel)
	}

	if rule.Kind == KindExplicit {
		return r.resolveExplicit(rule.Addresses, channel)
	}

	filter := db.MemberFilter{Channel: channel}
	switch rule.Kind {
	case KindByGroup:
		filter.Group = rule.Group
	case KindByRole:
		filter.Role = rule.Role
	case KindByHierarchy:
		switch rule.Level {
		case LevelChurch:
			filter.ChurchID = rule.NodeID
		case LevelPastorate:
			filter.PastorateID = rule.NodeID
		case LevelDiocese:
			filter.DioceseID = rule.NodeID
		}
	}

	members, err := r.dir.ListActiveMembers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	seen := make(map[string]bool, len(members))
	recipients := make([]Recipient, 0, len(members))
	for _, m := range members {
		if m.MembershipStatus != db.MemberActive {
			continue
		}
		addr := m.AddressFor(channel)
		if addr == "" {
			continue
		}
		key := addressKey(addr, channel)
		if seen[key] {
			continue
		}
		seen[key] = true

		id := m.ID
		recipients = append(recipients, Recipient{MemberID: &id, Name: m.FullName(), Address: addr})
	}

	return recipients, nil
}

func (r *Resolver) resolveExplicit(addresses []string, channel string) ([]Recipient, error) {
	tag := "required,email"
	if channel == db.ChannelSMS {
		tag = "required,e164"
	}

	seen := make(map[string]bool, len(addresses))
	var recipients []Recipient
	for _, raw := range addresses {
		addr := strings.TrimSpace(raw)
		if err := r.validate.Var(addr, tag); err != nil {
			r.logger.Warn("dropping invalid address",
				zap.String("address", raw),
				zap.String("channel", channel),
			)
			continue
		}
		key := addressKey(addr, channel)
		if seen[key] {
			continue
		}
		seen[key] = true
		recipients = append(recipients, Recipient{Address: addr})
	}

	if len(recipients) == 0 {
		return nil, ErrNoValidRecipients
	}
	return recipients, nil
}

// addressKey is the comparison form of an address; email is matched
// case-insensitively.
func addressKey(addr, channel string) string {
	if channel == db.ChannelEmail {
		return strings.ToLower(addr)
	}
	return addr
}
