package schema

import "github.com/dispatchpilot/internal/model"

const (
	DefaultSubject = "New load inquiry - {{origin_city}} to {{destination_city}}"
	DefaultBody    = "Hello {{broker_name}},\n\nWe are interested in the load from {{origin_city}}, {{origin_state}} to {{destination_city}}, {{destination_state}} for {{rate}} at {{total_mileage}} miles.\n\nRegards,\n{{company}} (MC {{mc}})\n{{phone}}"

	DefaultAllowedHost    = "power.dat.com"
	DefaultDeadheadRadius = 50

	MaxDeadheadRadius = 500
	MaxSubjectLength  = 120
	MaxBodyLength     = 4000
)

// Defaults returns the fully populated settings used when nothing is stored.
func Defaults() *model.Settings {
	return &model.Settings{
		EmailTemplate: model.EmailTemplate{
			Subject: DefaultSubject,
			Body:    DefaultBody,
		},
		Operations: model.OperationsSettings{
			DeadheadRadius: DefaultDeadheadRadius,
		},
		AllowedHosts: []string{DefaultAllowedHost},
	}
}
