package model

// Storage keys used in the key-value persistence layer.
const (
	SettingsKey = "dispatcher_settings_v1"
	SaltKey     = "dispatcher_token_salt"
)

type Settings struct {
	Company          CompanyProfile     `json:"company"`
	Identity         IdentityProfile    `json:"identity"`
	EmailTemplate    EmailTemplate      `json:"emailTemplate"`
	Operations       OperationsSettings `json:"operations"`
	TMS              TMSSettings        `json:"tms"`
	AllowedHosts     []string           `json:"allowedHosts"`
	TelemetryEnabled bool               `json:"telemetryEnabled"`
}

type CompanyProfile struct {
	Name  string `json:"name"`
	MC    string `json:"mc"`
	Phone string `json:"phone"`
}

type IdentityProfile struct {
	LoginEmail  string `json:"loginEmail"`
	SenderEmail string `json:"senderEmail"` // CC'd on outbound broker email
}

type EmailTemplate struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type OperationsSettings struct {
	DeadheadRadius float64 `json:"deadheadRadius"`
}

type TMSSettings struct {
	URL   string          `json:"url"`
	Token *EncryptedToken `json:"token"`
}

// EncryptedToken is the at-rest form of the TMS bearer token. Ciphertext
// and IV are standard base64; CreatedAt is epoch milliseconds.
type EncryptedToken struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	CreatedAt  int64  `json:"createdAt"`
}

// PortableSettings is the export file shape. The TMS section carries the
// webhook URL only.
type PortableSettings struct {
	Company          CompanyProfile     `json:"company"`
	Identity         IdentityProfile    `json:"identity"`
	EmailTemplate    EmailTemplate      `json:"emailTemplate"`
	Operations       OperationsSettings `json:"operations"`
	TMS              PortableTMS        `json:"tms"`
	AllowedHosts     []string           `json:"allowedHosts"`
	TelemetryEnabled bool               `json:"telemetryEnabled"`
}

type PortableTMS struct {
	URL string `json:"url"`
}

// Clone returns a deep copy so callers can modify a snapshot without
// touching the original.
func (s *Settings) Clone() *Settings {
	c := *s
	c.AllowedHosts = cloneHosts(s.AllowedHosts)
	if s.TMS.Token != nil {
		t := *s.TMS.Token
		c.TMS.Token = &t
	}
	return &c
}

// Portable strips the encrypted token.
func (s *Settings) Portable() *PortableSettings {
	return &PortableSettings{
		Company:          s.Company,
		Identity:         s.Identity,
		EmailTemplate:    s.EmailTemplate,
		Operations:       s.Operations,
		TMS:              PortableTMS{URL: s.TMS.URL},
		AllowedHosts:     cloneHosts(s.AllowedHosts),
		TelemetryEnabled: s.TelemetryEnabled,
	}
}

func cloneHosts(hosts []string) []string {
	if hosts == nil {
		return nil
	}
	out := make([]string, len(hosts))
	copy(out, hosts)
	return out
}
