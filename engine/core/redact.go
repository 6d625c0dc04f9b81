package core

import "regexp"

// Patterns covering the secret shapes that show up in session text: scheme
// URIs with embedded credentials, JSON credential fields, and bearer tokens.
var (
	connectionURIRe = regexp.MustCompile(
		`(?i)((postgres|postgresql|mysql|mongodb(\+srv)?|redis|rediss|amqp|amqps|https?)://)[^@\s/]+:[^@\s/]+@`,
	)
	jsonSecretRe = regexp.MustCompile(
		`(?i)("(?:password|api_key|service_role_key|secret|token|access_key)"\s*:\s*)"[^"]*"`,
	)
	yamlSecretRe = regexp.MustCompile(
		`(?i)\b(password|api_key|service_role_key)\s*[:=]\s*["']?[^"'\s,}]+["']?`,
	)
	bearerRe = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-\._~\+\/]+=*`)
)

// Redact scrubs credential-bearing substrings from arbitrary text. Applied by
// every tool that presents raw session contents to users.
func Redact(s string) string {
	s = connectionURIRe.ReplaceAllString(s, "$1"+MaskedValue+"@")
	s = jsonSecretRe.ReplaceAllString(s, `$1"`+MaskedValue+`"`)
	s = yamlSecretRe.ReplaceAllString(s, "$1="+MaskedValue)
	s = bearerRe.ReplaceAllString(s, "$1"+MaskedValue)
	return s
}

// RedactError applies Redact to an error's message, returning "" for nil.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return Redact(err.Error())
}
