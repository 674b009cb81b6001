package dispatch

import (
	"bytes"
	"fmt"
	"html"
	"html/template"
	"regexp"
	"strings"
	"time"

	"github.com/lalithlochan/flock/internal/db"
)

// Branding is the site information shown in the email layout.
type Branding struct {
	SiteName     string
	SiteURL      string
	ContactEmail string
}

var layout = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Subject}}</title></head>
<body style="margin:0;padding:0;background:#f4f4f4;font-family:Arial,sans-serif;">
<table width="100%" cellpadding="0" cellspacing="0">
<tr><td align="center" style="padding:24px;">
<table width="600" cellpadding="0" cellspacing="0" style="background:#ffffff;">
<tr><td style="padding:24px;background:#1d3557;color:#ffffff;">
<h1 style="margin:0;font-size:20px;">{{.SiteName}}</h1>
</td></tr>
<tr><td style="padding:24px;color:#333333;line-height:1.5;">
{{.Content}}
</td></tr>
<tr><td style="padding:16px 24px;background:#f1f1f1;color:#777777;font-size:12px;">
&copy; {{.Year}} {{.SiteName}} &middot; <a href="{{.SiteURL}}">{{.SiteURL}}</a><br>
Questions? Write to <a href="mailto:{{.ContactEmail}}">{{.ContactEmail}}</a>
</td></tr>
</table>
</td></tr>
</table>
</body>
</html>
`))

var (
	tagPattern   = regexp.MustCompile(`(?s)<[^>]*>`)
	blankPattern = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)
)

// Renderer turns stored content into transport messages.
type Renderer struct {
	brand Branding
	now   func() time.Time
}

func NewRenderer(brand Branding) *Renderer {
	return &Renderer{brand: brand, now: time.Now}
}

// Personalize substitutes the recipient name tokens in s.
func Personalize(s, name string) string {
	if name == "" {
		name = "Friend"
	}
	return strings.NewReplacer(
		"{{recipient_name}}", name,
		"{{ recipient_name }}", name,
		"{{name}}", name,
		"{{ name }}", name,
	).Replace(s)
}

// Render produces the text and HTML bodies for a stored delivery. Email
// bodies are HTML fragments wrapped in the branded layout; SMS bodies are
// sent as they are.
func (r *Renderer) Render(channel, subject, body string) (text, htmlBody string, err error) {
	if channel != db.ChannelEmail {
		return body, "", nil
	}

	var buf bytes.Buffer
	err = layout.Execute(&buf, struct {
		Branding
		Subject string
		Content template.HTML
		Year    int
	}{
		Branding: r.brand,
		Subject:  subject,
		// Campaign and follow-up bodies are authored HTML.
		Content: template.HTML(body),
		Year:    r.now().Year(),
	})
	if err != nil {
		return "", "", fmt.Errorf("render layout: %w", err)
	}

	return StripTags(buf.String()), buf.String(), nil
}

// StripTags reduces an HTML document to readable plain text.
func StripTags(s string) string {
	s = tagPattern.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = blankPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
