// Package mailer renders the broker email template and builds the mailto:
// and tel: links the drawer opens. Nothing is sent from here; the
// dispatcher's own mail client does that.
package mailer

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/dispatchpilot/internal/model"
	"github.com/dispatchpilot/internal/posting"
)

// MailtoMaxLength caps subject and body separately so the URL stays under
// what mail clients accept.
const MailtoMaxLength = 1800

var varPattern = regexp.MustCompile(`{{\s*([a-zA-Z0-9_.]+)\s*}}`)

var printer = message.NewPrinter(language.AmericanEnglish)

// Context maps placeholder names to their values.
type Context map[string]string

// Render substitutes {{ name }} tokens with values from ctx. Unknown names
// render as an empty string.
func Render(tmpl string, ctx Context) string {
	return varPattern.ReplaceAllStringFunc(tmpl, func(token string) string {
		name := varPattern.FindStringSubmatch(token)[1]
		return ctx[name]
	})
}

// BuildContext collects the placeholder values for one posting.
func BuildContext(p posting.Posting, s *model.Settings, now time.Time) Context {
	var rate, miles string
	if p.Rate != nil {
		rate = "$" + printer.Sprint(number.Decimal(*p.Rate, number.MaxFractionDigits(2)))
	}
	if p.TotalMileage != nil {
		miles = posting.FormatNumber(*p.TotalMileage)
	}
	return Context{
		"origin_city":       p.Origin.City,
		"origin_state":      p.Origin.State,
		"destination_city":  p.Destination.City,
		"destination_state": p.Destination.State,
		"total_mileage":     miles,
		"rate":              rate,
		"date":              now.Format("1/2/2006"),
		"company":           s.Company.Name,
		"mc":                s.Company.MC,
		"phone":             s.Company.Phone,
		"broker_name":       p.Broker.Name,
		"broker_phone":      p.Broker.Phone,
		"broker_email":      p.Broker.Email,
	}
}

// RenderEmail fills the configured subject and body templates.
func RenderEmail(p posting.Posting, s *model.Settings, now time.Time) (subject, body string) {
	ctx := BuildContext(p, s, now)
	return Render(s.EmailTemplate.Subject, ctx), Render(s.EmailTemplate.Body, ctx)
}

// BuildMailto returns a mailto: URL addressed to the posting's broker,
// CC'ing the configured sender address when there is one.
func BuildMailto(p posting.Posting, s *model.Settings, now time.Time) string {
	subject, body := RenderEmail(p, s, now)
	subject = truncate(subject, MailtoMaxLength)
	body = truncate(body, MailtoMaxLength)

	var params []string
	if subject != "" {
		params = append(params, "subject="+url.QueryEscape(subject))
	}
	if body != "" {
		params = append(params, "body="+url.QueryEscape(body))
	}
	if s.Identity.SenderEmail != "" {
		params = append(params, "cc="+url.QueryEscape(s.Identity.SenderEmail))
	}

	link := "mailto:" + escapeComponent(p.Broker.Email)
	if len(params) > 0 {
		link += "?" + strings.Join(params, "&")
	}
	return link
}

func BuildTel(phone string) string {
	return "tel:" + escapeComponent(phone)
}

func escapeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
