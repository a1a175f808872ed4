package mailer

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dispatchpilot/internal/model"
	"github.com/dispatchpilot/internal/posting"
	"github.com/dispatchpilot/internal/schema"
)

func num(f float64) *float64 { return &f }

var now = time.Date(2024, time.May, 1, 9, 30, 0, 0, time.UTC)

func testPosting() posting.Posting {
	return posting.Posting{
		ID:              "row-1",
		Equipment:       "Van",
		Origin:          posting.Place{City: "Austin", State: "TX"},
		Destination:     posting.Place{City: "Atlanta", State: "GA"},
		TotalMileage:    num(980),
		DeadheadMileage: num(50),
		Rate:            num(2500),
		PickupDate:      "2024-05-01",
		DeliveryDate:    "2024-05-03",
		Broker:          posting.Broker{Name: "Speedy", Phone: "18005550123", Email: "ops@speedy.com", MCNumber: "123456"},
	}
}

func testSettings() *model.Settings {
	s := schema.Defaults()
	s.Company = model.CompanyProfile{Name: "LoadHarbour", MC: "MC123", Phone: "512-555-9000"}
	s.Identity = model.IdentityProfile{LoginEmail: "user@example.com", SenderEmail: "dispatch@example.com"}
	return s
}

func TestRender(t *testing.T) {
	ctx := BuildContext(testPosting(), testSettings(), now)

	require.Equal(t, "Load Austin to Atlanta", Render("Load {{origin_city}} to {{destination_city}}", ctx))
	require.Equal(t, "Load Austin", Render("Load {{  origin_city }}", ctx))
	require.Equal(t, "Missing  tokens", Render("Missing {{unknown}} tokens", ctx))
	require.Equal(t, "{{ not a token }}", Render("{{ not a token }}", ctx))
}

func TestBuildContext(t *testing.T) {
	ctx := BuildContext(testPosting(), testSettings(), now)

	require.Equal(t, "$2,500", ctx["rate"])
	require.Equal(t, "980", ctx["total_mileage"])
	require.Equal(t, "5/1/2024", ctx["date"])
	require.Equal(t, "LoadHarbour", ctx["company"])
	require.Equal(t, "MC123", ctx["mc"])
	require.Equal(t, "ops@speedy.com", ctx["broker_email"])
}

func TestBuildContext_RateFormatting(t *testing.T) {
	p := testPosting()
	p.Rate = num(1234.567)
	require.Equal(t, "$1,234.57", BuildContext(p, testSettings(), now)["rate"])

	p.Rate = num(950.5)
	require.Equal(t, "$950.5", BuildContext(p, testSettings(), now)["rate"])

	p.Rate = nil
	p.TotalMileage = nil
	ctx := BuildContext(p, testSettings(), now)
	require.Empty(t, ctx["rate"])
	require.Empty(t, ctx["total_mileage"])
}

func TestRenderEmail(t *testing.T) {
	subject, body := RenderEmail(testPosting(), testSettings(), now)
	require.Equal(t, "New load inquiry - Austin to Atlanta", subject)
	require.Contains(t, body, "Hello Speedy,")
	require.Contains(t, body, "Austin, TX to Atlanta, GA for $2,500 at 980 miles")
	require.Contains(t, body, "LoadHarbour (MC MC123)")
}

func TestBuildMailto(t *testing.T) {
	link := BuildMailto(testPosting(), testSettings(), now)

	require.True(t, strings.HasPrefix(link, "mailto:ops%40speedy.com?"), link)
	require.Contains(t, link, "subject=")
	require.Contains(t, link, "cc=dispatch%40example.com")

	u, err := url.Parse(link)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, "New load inquiry - Austin to Atlanta", q.Get("subject"))
	require.Contains(t, q.Get("body"), "Hello Speedy,")
}

func TestBuildMailto_NoCCWithoutSender(t *testing.T) {
	s := testSettings()
	s.Identity.SenderEmail = ""
	require.NotContains(t, BuildMailto(testPosting(), s, now), "cc=")
}

func TestBuildMailto_Truncates(t *testing.T) {
	s := testSettings()
	s.EmailTemplate.Body = strings.Repeat("é", 3000)

	u, err := url.Parse(BuildMailto(testPosting(), s, now))
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("é", MailtoMaxLength), u.Query().Get("body"))
}

func TestBuildTel(t *testing.T) {
	require.Equal(t, "tel:18005550123", BuildTel("18005550123"))
	require.Equal(t, "tel:%2B1%20800%20555", BuildTel("+1 800 555"))
}
