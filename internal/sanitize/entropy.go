package sanitize

import (
	"encoding/base64"
	"math"
	"regexp"
	"strings"
)

// entropyThreshold is measured in Shannon bits per character. Natural
// language and identifiers sit near 3-4; random key material sits near
// the alphabet ceiling (6 for base64).
const entropyThreshold = 4.5

// contextRadius bounds how far from a secret-suggesting keyword the
// entropy scan looks. Scanning everything would redact hashes, UUIDs in
// stack traces, and compressed blobs that are not secrets.
const contextRadius = 50

var secretContext = regexp.MustCompile(`(?i)\b(key|token|secret|password|credential|auth|bearer|private|cert|sign)`)

var entropyCandidate = regexp.MustCompile(`[A-Za-z0-9+/_-]{20,400}={0,2}`)

// Go's regexp caps counted repeats at 1000, so the 24..4096 run is
// split into greedy chunks that together cover the same range.
var base64Candidate = regexp.MustCompile(`[A-Za-z0-9+/]{24}[A-Za-z0-9+/]{0,1000}[A-Za-z0-9+/]{0,1000}[A-Za-z0-9+/]{0,1000}[A-Za-z0-9+/]{0,1000}[A-Za-z0-9+/]{0,72}={0,2}`)

// scanEntropy finds high-entropy runs near secret-suggesting context and
// replaces them. Returns rewritten text plus detections in the rewritten
// text.
func scanEntropy(text string, version int) (string, []Detection, []edit) {
	contexts := secretContext.FindAllStringIndex(text, -1)
	if len(contexts) == 0 {
		return text, nil, nil
	}

	var detections []Detection
	var edits []edit
	var out strings.Builder
	out.Grow(len(text))
	last := 0

	for _, m := range entropyCandidate.FindAllStringIndex(text, -1) {
		start, end := m[0], m[1]
		if start < last {
			continue
		}
		candidate := text[start:end]
		if strings.Contains(candidate, "REDACTED_") {
			continue
		}
		if !nearContext(contexts, start, end) {
			continue
		}
		if shannonEntropy(candidate) <= entropyThreshold {
			continue
		}
		// Base64 of ordinary text also scores high. scanEncoded already
		// vetted decodable blobs, so leave them alone here.
		if decoded, err := base64.StdEncoding.DecodeString(candidate); err == nil && mostlyPrintable(decoded) {
			continue
		}

		placeholder := Placeholder(CategorySecret)
		out.WriteString(text[last:start])
		pos := out.Len()
		out.WriteString(placeholder)
		detections = append(detections, Detection{
			Category:        CategorySecret,
			Placeholder:     placeholder,
			Start:           pos,
			End:             pos + len(placeholder),
			Confidence:      0.8,
			Detector:        "entropy",
			DetectorVersion: version,
		})
		edits = append(edits, edit{start: start, end: end, newLen: len(placeholder)})
		last = end
	}
	if len(detections) == 0 {
		return text, nil, nil
	}
	out.WriteString(text[last:])
	return out.String(), detections, edits
}

// scanEncoded decodes base64 runs near secret context and redacts the
// encoded blob when the plaintext inside it would itself be redacted.
func scanEncoded(text string, version int) (string, []Detection, []edit) {
	contexts := secretContext.FindAllStringIndex(text, -1)
	if len(contexts) == 0 {
		return text, nil, nil
	}

	var detections []Detection
	var edits []edit
	var out strings.Builder
	out.Grow(len(text))
	last := 0

	for _, m := range base64Candidate.FindAllStringIndex(text, -1) {
		start, end := m[0], m[1]
		if start < last || !nearContext(contexts, start, end) {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(text[start:end])
		if err != nil {
			continue
		}
		if !mostlyPrintable(decoded) || !containsSecretMaterial(string(decoded)) {
			continue
		}

		placeholder := Placeholder(CategoryEncodedSecret)
		out.WriteString(text[last:start])
		pos := out.Len()
		out.WriteString(placeholder)
		detections = append(detections, Detection{
			Category:        CategoryEncodedSecret,
			Placeholder:     placeholder,
			Start:           pos,
			End:             pos + len(placeholder),
			Confidence:      0.85,
			Detector:        "base64",
			DetectorVersion: version,
		})
		edits = append(edits, edit{start: start, end: end, newLen: len(placeholder)})
		last = end
	}
	if len(detections) == 0 {
		return text, nil, nil
	}
	out.WriteString(text[last:])
	return out.String(), detections, edits
}

// containsSecretMaterial runs the minimal pattern subset plus the
// structured key check against decoded plaintext.
func containsSecretMaterial(plaintext string) bool {
	for _, p := range minimalPatterns {
		if loc := p.re.FindStringIndex(plaintext); loc != nil {
			if p.validate == nil || p.validate(plaintext[loc[0]:loc[1]]) {
				return true
			}
		}
	}
	return false
}

func nearContext(contexts [][]int, start, end int) bool {
	for _, c := range contexts {
		if c[0] <= end+contextRadius && c[1] >= start-contextRadius {
			return true
		}
	}
	return false
}

func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	entropy := 0.0
	n := float64(len(s))
	for _, count := range freq {
		if count == 0 {
			continue
		}
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func mostlyPrintable(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	printable := 0
	for _, c := range b {
		if c >= 0x20 && c < 0x7F || c == '\n' || c == '\t' {
			printable++
		}
	}
	return float64(printable)/float64(len(b)) > 0.9
}
