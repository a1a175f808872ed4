package posting

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func num(f float64) *float64 { return &f }

func basePosting() Posting {
	return Posting{
		ID:           "p1",
		Equipment:    "Van",
		Origin:       Place{City: "Austin", State: "TX"},
		Destination:  Place{City: "Denver", State: "CO"},
		TotalMileage: num(900),
		Rate:         num(2700),
		Broker:       Broker{Name: "Broker", Phone: "555", Email: "broker@example.com"},
	}
}

func TestComputeRPM(t *testing.T) {
	p := basePosting()

	rpm, ok := ComputeRPM(p, 100)
	require.True(t, ok)
	require.InDelta(t, 2.7, rpm, 0.001)

	rpm, ok = ComputeRPM(p, 0)
	require.True(t, ok)
	require.Equal(t, 3.0, rpm)
}

func TestComputeRPM_RoundsToCents(t *testing.T) {
	p := basePosting()
	p.Rate = num(1000)
	p.TotalMileage = num(3)

	rpm, ok := ComputeRPM(p, 0)
	require.True(t, ok)
	require.Equal(t, 333.33, rpm)
}

func TestComputeRPM_NoMiles(t *testing.T) {
	p := basePosting()
	p.TotalMileage = num(0)
	_, ok := ComputeRPM(p, 0)
	require.False(t, ok)

	p.TotalMileage = nil
	_, ok = ComputeRPM(p, 0)
	require.False(t, ok)

	// Deadhead alone is still something to divide by.
	rpm, ok := ComputeRPM(p, 100)
	require.True(t, ok)
	require.Equal(t, 27.0, rpm)
}

func TestComputeRPM_MissingRate(t *testing.T) {
	p := basePosting()
	p.Rate = nil
	_, ok := ComputeRPM(p, 0)
	require.False(t, ok)
}

func TestComputeRPM_NonFiniteDeadhead(t *testing.T) {
	p := basePosting()
	for _, d := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		rpm, ok := ComputeRPM(p, d)
		require.True(t, ok)
		require.Equal(t, 3.0, rpm)
	}
}

func TestFormatText(t *testing.T) {
	text := FormatText(basePosting())
	require.Equal(t, strings.Join([]string{
		"Austin, TX → Denver, CO",
		"Miles: 900",
		"Rate: $2700",
		"Equipment: Van",
		"Broker: Broker",
		"Phone: 555",
		"Email: broker@example.com",
	}, "\n"), text)
}

func TestFormatText_SkipsMissingValues(t *testing.T) {
	p := Posting{
		Origin:      Place{City: "Austin", State: "TX"},
		Destination: Place{City: "Denver", State: "CO"},
		Rate:        num(1250.5),
		Broker:      Broker{Name: "Acme Logistics"},
	}
	require.Equal(t, "Austin, TX → Denver, CO\nRate: $1250.5\nBroker: Acme Logistics", FormatText(p))
}
