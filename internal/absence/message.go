package absence

import (
	"fmt"
	"html"

	"github.com/lalithlochan/flock/internal/db"
)

// FollowUp is the rendered content of an absence follow-up.
type FollowUp struct {
	Channel string
	Address string
	Subject string
	Body    string
}

// BuildFollowUp picks the member's channel (email first, then SMS) and renders
// the follow-up for it. ok is false when the member has no address at all.
func BuildFollowUp(m *db.Member, churchName string, count int) (FollowUp, bool) {
	name := m.FullName()

	if addr := m.AddressFor(db.ChannelEmail); addr != "" {
		church := html.EscapeString(churchName)
		body := fmt.Sprintf(`<h2>We've Missed You at %[1]s</h2>
<p>Dear %[2]s,</p>
<p>We've noticed that you haven't been able to join us for our recent services, and we wanted to let you know that you've been missed.</p>
<p><strong>Our records show you've been absent for %[3]d consecutive services.</strong></p>
<p>We understand that life gets busy and circumstances sometimes keep us away. We are thinking of you and praying for you.</p>
<h3>How Can We Help?</h3>
<p>If there is anything we can do to support you, or anything we can pray about with you, please reach out. We're here for you.</p>
<p>You are an important part of our church family and we'd love to see you back soon.</p>
<p>With love and prayers,<br><strong>%[1]s</strong></p>`,
			church, html.EscapeString(name), count)

		return FollowUp{
			Channel: db.ChannelEmail,
			Address: addr,
			Subject: fmt.Sprintf("We've Missed You - %s", churchName),
			Body:    body,
		}, true
	}

	if addr := m.AddressFor(db.ChannelSMS); addr != "" {
		return FollowUp{
			Channel: db.ChannelSMS,
			Address: addr,
			Body: fmt.Sprintf("Dear %s, we've missed you at %s for %d services in a row. We're praying for you and hope to see you soon.",
				m.FirstName, churchName, count),
		}, true
	}

	return FollowUp{}, false
}
