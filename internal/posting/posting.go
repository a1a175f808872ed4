// Package posting holds the load posting shape scraped from the
// marketplace page and the calculations the drawer offers on it.
package posting

import (
	"math"
	"strconv"
	"strings"
)

type Place struct {
	City  string `json:"city"`
	State string `json:"state"`
}

type Broker struct {
	Name     string `json:"name"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
	MCNumber string `json:"mcNumber,omitempty"`
}

// Posting is one visible load row. Numbers the page may not show are
// pointers; nil means the value was not present.
type Posting struct {
	ID              string   `json:"id,omitempty"`
	Equipment       string   `json:"equipment,omitempty"`
	Origin          Place    `json:"origin"`
	Destination     Place    `json:"destination"`
	TotalMileage    *float64 `json:"totalMileage"`
	DeadheadMileage *float64 `json:"deadheadMileage"`
	Rate            *float64 `json:"rate"`
	PickupDate      string   `json:"pickupDate,omitempty"`
	PickupTime      string   `json:"pickupTime,omitempty"`
	DeliveryDate    string   `json:"deliveryDate,omitempty"`
	DeliveryTime    string   `json:"deliveryTime,omitempty"`
	Weight          *float64 `json:"weight,omitempty"`
	PostedDate      string   `json:"postedDate,omitempty"`
	Broker          Broker   `json:"broker"`
	Notes           string   `json:"notes,omitempty"`
}

// ComputeRPM returns the rate per mile over loaded plus deadhead miles,
// rounded to cents. ok is false when the rate is missing or there are no
// miles to divide by. A non-finite deadhead counts as zero.
func ComputeRPM(p Posting, deadhead float64) (rpm float64, ok bool) {
	if p.Rate == nil {
		return 0, false
	}
	if math.IsNaN(deadhead) || math.IsInf(deadhead, 0) {
		deadhead = 0
	}
	miles := deadhead
	if p.TotalMileage != nil {
		miles += *p.TotalMileage
	}
	if !(miles > 0) {
		return 0, false
	}
	return math.Floor(*p.Rate/miles*100+0.5) / 100, true
}

// FormatText renders the posting as the plain text block placed on the
// clipboard.
func FormatText(p Posting) string {
	lines := []string{
		p.Origin.City + ", " + p.Origin.State + " → " + p.Destination.City + ", " + p.Destination.State,
	}
	if p.TotalMileage != nil {
		lines = append(lines, "Miles: "+FormatNumber(*p.TotalMileage))
	}
	if p.Rate != nil {
		lines = append(lines, "Rate: $"+FormatNumber(*p.Rate))
	}
	if p.Equipment != "" {
		lines = append(lines, "Equipment: "+p.Equipment)
	}
	lines = append(lines, "Broker: "+p.Broker.Name)
	if p.Broker.Phone != "" {
		lines = append(lines, "Phone: "+p.Broker.Phone)
	}
	if p.Broker.Email != "" {
		lines = append(lines, "Email: "+p.Broker.Email)
	}
	return strings.Join(lines, "\n")
}

// FormatNumber prints n in its shortest form: 900, 2.75.
func FormatNumber(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}
