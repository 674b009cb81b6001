package db

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MarkStatus is the recorded attendance status of one member for one session.
type MarkStatus string

const (
	MarkPresent MarkStatus = "present"
	MarkApology MarkStatus = "apology"
	MarkAbsent  MarkStatus = "absent"
)

// Valid reports whether s is one of the known mark statuses.
func (s MarkStatus) Valid() bool {
	return s == MarkPresent || s == MarkApology || s == MarkAbsent
}

// Channel constants
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// Campaign status constants
const (
	CampaignDraft   = "draft"
	CampaignSending = "sending"
	CampaignSent    = "sent"
	CampaignFailed  = "failed"
)

// Delivery status constants
const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
	DeliveryBounced = "bounced"
)

// MemberActive is the membership status that makes a member reachable by campaigns.
const MemberActive = "Active"

// Member is the read-only projection of a member record the core consumes.
type Member struct {
	ID               uuid.UUID  `json:"id"`
	FirstName        string     `json:"first_name"`
	LastName         string     `json:"last_name"`
	Email            string     `json:"email"`
	Phone            string     `json:"phone"`
	Group            string     `json:"group"`
	Roles            []string   `json:"roles"`
	MembershipStatus string     `json:"membership_status"`
	HomeChurchID     *uuid.UUID `json:"home_church_id,omitempty"`
	HomePastorateID  *uuid.UUID `json:"home_pastorate_id,omitempty"`
	HomeDioceseID    *uuid.UUID `json:"home_diocese_id,omitempty"`
}

func (m *Member) FullName() string {
	return strings.TrimSpace(m.FirstName + " " + m.LastName)
}

// AddressFor returns the member's address on the given channel.
func (m *Member) AddressFor(channel string) string {
	switch channel {
	case ChannelEmail:
		return strings.TrimSpace(m.Email)
	case ChannelSMS:
		return strings.TrimSpace(m.Phone)
	default:
		return ""
	}
}

// MemberFilter narrows ListActiveMembers. Zero-valued fields do not filter.
type MemberFilter struct {
	Channel     string // require a non-empty address on this channel
	Group       string
	Role        string
	ChurchID    *uuid.UUID
	PastorateID *uuid.UUID
	DioceseID   *uuid.UUID
}

// AttendanceMark is the status applied for one (member, session) pair.
type AttendanceMark struct {
	MemberID   uuid.UUID  `json:"member_id"`
	SessionID  uuid.UUID  `json:"session_id"`
	LocationID uuid.UUID  `json:"location_id"`
	Status     MarkStatus `json:"status"`
	MarkDate   time.Time  `json:"mark_date"`
}

// AbsenceStreak counts consecutive absences of a member at a tracking location.
type AbsenceStreak struct {
	ID              uuid.UUID  `json:"id"`
	MemberID        uuid.UUID  `json:"member_id"`
	LocationID      uuid.UUID  `json:"location_id"`
	Count           int        `json:"count"`
	LastAbsenceDate *time.Time `json:"last_absence_date,omitempty"`
	LastPresentDate *time.Time `json:"last_present_date,omitempty"`
	Notified        bool       `json:"notified"`
	NotifiedDate    *time.Time `json:"notified_date,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Campaign is a bulk send of one message to a resolved recipient set.
type Campaign struct {
	ID              uuid.UUID       `json:"id"`
	Name            string          `json:"name"`
	Channel         string          `json:"channel"`
	Subject         string          `json:"subject"`
	Body            string          `json:"body"`
	Rule            json.RawMessage `json:"rule"`
	Status          string          `json:"status"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty"`
	TotalRecipients int             `json:"total_recipients"`
	SucceededCount  int             `json:"succeeded_count"`
	FailedCount     int             `json:"failed_count"`
	SentAt          *time.Time      `json:"sent_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// DeliveryRecord is the audit row for one attempted message to one recipient.
type DeliveryRecord struct {
	ID         uuid.UUID  `json:"id"`
	CampaignID *uuid.UUID `json:"campaign_id,omitempty"`
	Channel    string     `json:"channel"`
	Address    string     `json:"address"`
	Name       string     `json:"name"`
	Subject    string     `json:"subject"`
	Body       string     `json:"body"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	Attempts   int        `json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
}

// Terminal reports whether the record has a known outcome.
func (d *DeliveryRecord) Terminal() bool {
	return d.Status != DeliveryPending
}
