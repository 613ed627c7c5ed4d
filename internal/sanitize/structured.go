package sanitize

import (
	"regexp"
	"strings"
)

// sensitiveKeys drive the structured scan: when a JSON, YAML, or env-style
// key contains one of these terms, its value is redacted regardless of
// shape, provided it is long enough to plausibly be a secret.
var sensitiveKeys = []string{
	"password", "passwd", "pwd", "secret", "token", "api_key", "apikey",
	"api-key", "access_key", "accesskey", "private_key", "privatekey",
	"client_secret", "auth", "credential", "session_id", "sessionid",
	"cookie", "csrf", "signature", "cert", "passphrase", "salt",
	"encryption_key", "master_key", "license_key", "webhook",
}

const minStructuredValueLen = 8

// kvPair matches key/value pairs across JSON ("key": "value"), YAML
// (key: value), and env/ini (KEY=value) shapes. The value group stops at
// quotes, commas, and whitespace so surrounding structure survives.
var kvPair = regexp.MustCompile(`(?i)["']?([A-Za-z0-9_.-]{2,64})["']?\s*[:=]\s*["']?([^"',\s}{\]]{1,400})`)

// scanStructured redacts values bound to sensitive keys. Returns the
// rewritten text plus detections positioned in the rewritten text.
func scanStructured(text string, version int) (string, []Detection, []edit) {
	var detections []Detection
	var edits []edit
	var out strings.Builder
	out.Grow(len(text))
	last := 0

	for _, m := range kvPair.FindAllStringSubmatchIndex(text, -1) {
		keyStart, keyEnd := m[2], m[3]
		valStart, valEnd := m[4], m[5]
		key := strings.ToLower(text[keyStart:keyEnd])
		val := text[valStart:valEnd]

		if !isSensitiveKey(key) || len(val) < minStructuredValueLen {
			continue
		}
		if strings.Contains(val, "[REDACTED_") || val == "null" || val == "undefined" {
			continue
		}

		placeholder := Placeholder(CategorySecret)
		out.WriteString(text[last:valStart])
		start := out.Len()
		out.WriteString(placeholder)
		detections = append(detections, Detection{
			Category:        CategorySecret,
			Placeholder:     placeholder,
			Start:           start,
			End:             start + len(placeholder),
			Confidence:      0.9,
			Detector:        "structured",
			DetectorVersion: version,
		})
		edits = append(edits, edit{start: valStart, end: valEnd, newLen: len(placeholder)})
		last = valEnd
	}
	if len(detections) == 0 {
		return text, nil, nil
	}
	out.WriteString(text[last:])
	return out.String(), detections, edits
}

func isSensitiveKey(key string) bool {
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}
