package campaign

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/flock/internal/db"
)

type fakeDirectory struct {
	members []*db.Member
	calls   int
	filters []db.MemberFilter
}

func (f *fakeDirectory) ListActiveMembers(ctx context.Context, filter db.MemberFilter) ([]*db.Member, error) {
	f.calls++
	f.filters = append(f.filters, filter)

	var out []*db.Member
	for _, m := range f.members {
		if filter.Group != "" && m.Group != filter.Group {
			continue
		}
		if filter.ChurchID != nil && (m.HomeChurchID == nil || *m.HomeChurchID != *filter.ChurchID) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func member(first, email, phone string) *db.Member {
	return &db.Member{
		ID:               uuid.New(),
		FirstName:        first,
		LastName:         "Otieno",
		Email:            email,
		Phone:            phone,
		MembershipStatus: db.MemberActive,
	}
}

func TestResolve_MemberRuleExcludesMissingAddressAndInactive(t *testing.T) {
	inactive := member("Paul", "paul@example.com", "")
	inactive.MembershipStatus = "Inactive"

	dir := &fakeDirectory{members: []*db.Member{
		member("Grace", "grace@example.com", "+254700000001"),
		member("John", "", "+254700000002"),
		inactive,
	}}
	r := NewResolver(dir, zap.NewNop())

	got, err := r.Resolve(context.Background(), Rule{Kind: KindAllActive}, db.ChannelEmail)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Address != "grace@example.com" || got[0].Name != "Grace Otieno" {
		t.Fatalf("Resolve() = %+v", got)
	}
	if dir.filters[0].Channel != db.ChannelEmail {
		t.Errorf("filter channel = %q", dir.filters[0].Channel)
	}

	sms, err := r.Resolve(context.Background(), Rule{Kind: KindAllActive}, db.ChannelSMS)
	if err != nil {
		t.Fatal(err)
	}
	if len(sms) != 2 {
		t.Errorf("sms recipients = %d, want 2", len(sms))
	}
}

func TestResolve_HierarchyFilter(t *testing.T) {
	church := uuid.New()
	inChurch := member("Grace", "grace@example.com", "")
	inChurch.HomeChurchID = &church

	dir := &fakeDirectory{members: []*db.Member{inChurch, member("John", "john@example.com", "")}}
	r := NewResolver(dir, zap.NewNop())

	got, err := r.Resolve(context.Background(), Rule{Kind: KindByHierarchy, Level: LevelChurch, NodeID: &church}, db.ChannelEmail)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || *got[0].MemberID != inChurch.ID {
		t.Errorf("Resolve() = %+v", got)
	}
}

func TestResolve_DeduplicatesAddresses(t *testing.T) {
	dir := &fakeDirectory{members: []*db.Member{
		member("Grace", "grace@example.com", ""),
		member("Grace", "GRACE@example.com", ""),
	}}
	r := NewResolver(dir, zap.NewNop())

	got, err := r.Resolve(context.Background(), Rule{Kind: KindAllActive}, db.ChannelEmail)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("recipients = %d, want 1", len(got))
	}
}

func TestResolve_RecomputedEachCall(t *testing.T) {
	dir := &fakeDirectory{members: []*db.Member{member("Grace", "grace@example.com", "")}}
	r := NewResolver(dir, zap.NewNop())
	ctx := context.Background()

	first, _ := r.Resolve(ctx, Rule{Kind: KindAllActive}, db.ChannelEmail)
	dir.members = append(dir.members, member("John", "john@example.com", ""))
	second, _ := r.Resolve(ctx, Rule{Kind: KindAllActive}, db.ChannelEmail)

	if len(first) != 1 || len(second) != 2 || dir.calls != 2 {
		t.Errorf("first=%d second=%d calls=%d", len(first), len(second), dir.calls)
	}
}

func TestResolve_ExplicitAddresses(t *testing.T) {
	r := NewResolver(&fakeDirectory{}, zap.NewNop())
	ctx := context.Background()

	got, err := r.Resolve(ctx, Rule{Kind: KindExplicit, Addresses: []string{
		"a@example.com", "not-an-email", " b@example.com ", "a@example.com",
	}}, db.ChannelEmail)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].Address != "b@example.com" {
		t.Errorf("email recipients = %+v", got)
	}

	got, err = r.Resolve(ctx, Rule{Kind: KindExplicit, Addresses: []string{"+254700000001", "0700000001"}}, db.ChannelSMS)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Address != "+254700000001" {
		t.Errorf("sms recipients = %+v", got)
	}
}

func TestResolve_ExplicitNoneValid(t *testing.T) {
	r := NewResolver(&fakeDirectory{}, zap.NewNop())

	_, err := r.Resolve(context.Background(), Rule{Kind: KindExplicit, Addresses: []string{"nope", ""}}, db.ChannelEmail)
	if !errors.Is(err, ErrNoValidRecipients) {
		t.Errorf("err = %v, want ErrNoValidRecipients", err)
	}
}
