package hipaa

import (
	"strings"
	"unicode"
)

type maskKind int

const (
	maskNone maskKind = iota
	maskSSN
	maskName
	maskDOB
	maskAddress
	maskPhone
	maskEmail
)

// phiFields maps normalized field names (lowercase, separators removed) to
// their masking rule.
var phiFields = map[string]maskKind{
	"ssn":                  maskSSN,
	"socialsecuritynumber": maskSSN,

	"name":          maskName,
	"firstname":     maskName,
	"lastname":      maskName,
	"middlename":    maskName,
	"fullname":      maskName,
	"preferredname": maskName,
	"patientname":   maskName,
	"guardianname":  maskName,

	"dob":         maskDOB,
	"dateofbirth": maskDOB,
	"birthdate":   maskDOB,

	"address":       maskAddress,
	"streetaddress": maskAddress,
	"street":        maskAddress,
	"addressline":   maskAddress,
	"address1":      maskAddress,
	"address2":      maskAddress,

	"phone":       maskPhone,
	"phonenumber": maskPhone,
	"mobile":      maskPhone,
	"cellphone":   maskPhone,
	"homephone":   maskPhone,

	"email":        maskEmail,
	"emailaddress": maskEmail,
}

const (
	redacted  = "[REDACTED]"
	dobMask   = "****-**-**"
	ssnMask   = "***-**-"
	phoneMask = "***-***-"
)

// SanitizePHI returns a copy of record with identifying fields masked for
// external export. Nested maps and slices are walked; the input is not
// modified.
func SanitizePHI(record map[string]any) map[string]any {
	if record == nil {
		return nil
	}
	out := make(map[string]any, len(record))
	for k, v := range record {
		kind := phiFields[normalizeField(k)]
		if kind == maskNone {
			out[k] = sanitizeValue(v)
			continue
		}
		out[k] = maskValue(kind, v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return SanitizePHI(t)
	case []any:
		cp := make([]any, len(t))
		for i := range t {
			cp[i] = sanitizeValue(t[i])
		}
		return cp
	case []map[string]any:
		cp := make([]map[string]any, len(t))
		for i := range t {
			cp[i] = SanitizePHI(t[i])
		}
		return cp
	default:
		return v
	}
}

// maskValue applies kind to v. Structured values under a name key (e.g.
// {"name": {"given": "Ada"}}) are masked leaf by leaf; other structured
// PHI values are replaced outright.
func maskValue(kind maskKind, v any) any {
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case string:
		return maskString(kind, t)
	case map[string]any:
		if kind != maskName {
			return redacted
		}
		cp := make(map[string]any, len(t))
		for k, inner := range t {
			cp[k] = maskValue(kind, inner)
		}
		return cp
	case []any:
		if kind != maskName {
			return redacted
		}
		cp := make([]any, len(t))
		for i := range t {
			cp[i] = maskValue(kind, t[i])
		}
		return cp
	default:
		return redacted
	}
}

func maskString(kind maskKind, s string) string {
	if s == "" {
		return ""
	}
	switch kind {
	case maskSSN:
		if last := lastDigits(s, 4); last != "" {
			return ssnMask + last
		}
		return ssnMask + "****"
	case maskName:
		r := []rune(strings.TrimSpace(s))
		if len(r) == 0 {
			return ""
		}
		return string(r[0]) + "***"
	case maskDOB:
		return dobMask
	case maskAddress:
		return redacted
	case maskPhone:
		if last := lastDigits(s, 4); last != "" {
			return phoneMask + last
		}
		return phoneMask + "****"
	case maskEmail:
		local, domain, ok := strings.Cut(s, "@")
		if !ok || local == "" || domain == "" {
			return "***"
		}
		return string([]rune(local)[0]) + "***@" + domain
	default:
		return s
	}
}

// lastDigits returns the final n digits of s, or "" when s has fewer.
func lastDigits(s string, n int) string {
	var digits []rune
	for _, r := range s {
		if unicode.IsDigit(r) {
			digits = append(digits, r)
		}
	}
	if len(digits) < n {
		return ""
	}
	return string(digits[len(digits)-n:])
}

func normalizeField(k string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(k) {
		if r == '_' || r == '-' || r == ' ' || r == '.' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
