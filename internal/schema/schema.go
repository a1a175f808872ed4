// Package schema validates stored settings and fills in defaults field by
// field. Absent or null values take their default; present values of the
// wrong shape are reported, never silently replaced.
package schema

import (
	"bytes"
	"encoding/json"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/dispatchpilot/internal/model"
)

// Parse decodes raw settings JSON into a fully defaulted Settings value.
// Empty input is treated as an empty object. The returned error, if any,
// is a *ValidationErrors listing every offending field.
func Parse(raw []byte) (*model.Settings, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Defaults(), nil
	}

	errs := &ValidationErrors{}
	if !gjson.ValidBytes(raw) {
		errs.Add("", "malformed JSON")
		return nil, errs
	}
	raw, err := lastKeyWins(raw)
	if err != nil {
		errs.Add("", "malformed JSON")
		return nil, errs
	}

	root := gjson.ParseBytes(raw)
	s := Defaults()
	if absent(root) {
		return s, nil
	}
	if !root.IsObject() {
		errs.AddWithValue("", "expected object", root.Raw)
		return nil, errs
	}

	d := decoder{errs: errs}

	if obj, ok := d.object(root, "company"); ok {
		d.str(obj, "company", "name", &s.Company.Name)
		d.str(obj, "company", "mc", &s.Company.MC)
		d.str(obj, "company", "phone", &s.Company.Phone)
	}
	if obj, ok := d.object(root, "identity"); ok {
		d.str(obj, "identity", "loginEmail", &s.Identity.LoginEmail)
		d.str(obj, "identity", "senderEmail", &s.Identity.SenderEmail)
	}
	if obj, ok := d.object(root, "emailTemplate"); ok {
		d.str(obj, "emailTemplate", "subject", &s.EmailTemplate.Subject)
		d.str(obj, "emailTemplate", "body", &s.EmailTemplate.Body)
	}
	if obj, ok := d.object(root, "operations"); ok {
		d.num(obj, "operations", "deadheadRadius", &s.Operations.DeadheadRadius)
	}
	if obj, ok := d.object(root, "tms"); ok {
		d.str(obj, "tms", "url", &s.TMS.URL)
		s.TMS.Token = d.token(obj)
	}
	d.hosts(root, &s.AllowedHosts)
	d.boolean(root, "", "telemetryEnabled", &s.TelemetryEnabled)

	check(s, errs)
	if err := errs.AsError(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks an in-memory Settings value by the same rules Parse
// applies to stored JSON.
func Validate(s *model.Settings) error {
	_, err := Normalize(s)
	return err
}

// Normalize runs s through Parse, so unset fields (a nil AllowedHosts,
// a nil token) come back the way a stored document would.
func Normalize(s *model.Settings) (*model.Settings, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		errs := &ValidationErrors{}
		errs.Add("", err.Error())
		return nil, errs
	}
	return Parse(raw)
}

// lastKeyWins re-encodes raw so a repeated object key keeps its last
// value, as browser JSON.parse does. gjson alone would return the first.
func lastKeyWins(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func check(s *model.Settings, errs *ValidationErrors) {
	if s.Identity.LoginEmail != "" && !isEmail(s.Identity.LoginEmail) {
		errs.AddWithValue("identity.loginEmail", "invalid email", s.Identity.LoginEmail)
	}
	if s.Identity.SenderEmail != "" && !isEmail(s.Identity.SenderEmail) {
		errs.AddWithValue("identity.senderEmail", "invalid email", s.Identity.SenderEmail)
	}
	if n := utf8.RuneCountInString(s.EmailTemplate.Subject); n > MaxSubjectLength {
		errs.AddWithValue("emailTemplate.subject", "must be at most 120 characters", n)
	}
	if n := utf8.RuneCountInString(s.EmailTemplate.Body); n > MaxBodyLength {
		errs.AddWithValue("emailTemplate.body", "must be at most 4000 characters", n)
	}
	if r := s.Operations.DeadheadRadius; !(r >= 0 && r <= MaxDeadheadRadius) {
		errs.AddWithValue("operations.deadheadRadius", "must be between 0 and 500", r)
	}
	if s.TMS.URL != "" && !isAbsoluteURL(s.TMS.URL) {
		errs.AddWithValue("tms.url", "invalid url", s.TMS.URL)
	}
}

type decoder struct {
	errs *ValidationErrors
}

func absent(r gjson.Result) bool {
	return !r.Exists() || r.Type == gjson.Null
}

func join(section, key string) string {
	if section == "" {
		return key
	}
	return section + "." + key
}

func (d decoder) object(parent gjson.Result, key string) (gjson.Result, bool) {
	r := parent.Get(key)
	if absent(r) {
		return r, false
	}
	if !r.IsObject() {
		d.errs.AddWithValue(key, "expected object", r.Raw)
		return r, false
	}
	return r, true
}

func (d decoder) str(parent gjson.Result, section, key string, dst *string) {
	r := parent.Get(key)
	if absent(r) {
		return
	}
	if r.Type != gjson.String {
		d.errs.AddWithValue(join(section, key), "expected string", r.Raw)
		return
	}
	*dst = r.Str
}

func (d decoder) num(parent gjson.Result, section, key string, dst *float64) {
	r := parent.Get(key)
	if absent(r) {
		return
	}
	if r.Type != gjson.Number {
		d.errs.AddWithValue(join(section, key), "expected number", r.Raw)
		return
	}
	*dst = r.Float()
}

func (d decoder) boolean(parent gjson.Result, section, key string, dst *bool) {
	r := parent.Get(key)
	if absent(r) {
		return
	}
	if r.Type != gjson.True && r.Type != gjson.False {
		d.errs.AddWithValue(join(section, key), "expected boolean", r.Raw)
		return
	}
	*dst = r.Bool()
}

func (d decoder) hosts(root gjson.Result, dst *[]string) {
	r := root.Get("allowedHosts")
	if absent(r) {
		return
	}
	if !r.IsArray() {
		d.errs.AddWithValue("allowedHosts", "expected array", r.Raw)
		return
	}
	hosts := []string{}
	ok := true
	for i, item := range r.Array() {
		if item.Type != gjson.String {
			d.errs.AddWithValue("allowedHosts."+strconv.Itoa(i), "expected string", item.Raw)
			ok = false
			continue
		}
		hosts = append(hosts, item.Str)
	}
	if ok {
		*dst = hosts
	}
}

func (d decoder) token(tms gjson.Result) *model.EncryptedToken {
	r := tms.Get("token")
	if absent(r) {
		return nil
	}
	if !r.IsObject() {
		d.errs.AddWithValue("tms.token", "expected object", r.Raw)
		return nil
	}

	before := len(d.errs.Errors)
	t := &model.EncryptedToken{}
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"ciphertext", &t.Ciphertext},
		{"iv", &t.IV},
	} {
		v := r.Get(f.key)
		if v.Type != gjson.String {
			d.errs.AddWithValue("tms.token."+f.key, "expected string", v.Raw)
			continue
		}
		*f.dst = v.Str
	}
	created := r.Get("createdAt")
	if created.Type != gjson.Number {
		d.errs.AddWithValue("tms.token.createdAt", "expected number", created.Raw)
	} else {
		t.CreatedAt = created.Int()
	}
	if len(d.errs.Errors) > before {
		return nil
	}
	return t
}

func isAbsoluteURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" {
		return false
	}
	return u.Host != "" || u.Opaque != ""
}

func isEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Name != "" || addr.Address != s {
		return false
	}
	at := strings.LastIndexByte(s, '@')
	if at <= 0 {
		return false
	}
	domain := s[at+1:]
	return strings.Contains(domain, ".") && !strings.HasPrefix(domain, ".") && !strings.HasSuffix(domain, ".")
}
