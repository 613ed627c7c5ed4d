package sanitize

import (
	"sort"
	"sync"
	"time"
)

// Detection describes one redaction: what was found, where the
// placeholder landed in the sanitized text, and which detector found it.
// Raw matched content is never carried.
type Detection struct {
	Category        string  `json:"category"`
	Placeholder     string  `json:"placeholder"`
	Start           int     `json:"start"`
	End             int     `json:"end"`
	Confidence      float64 `json:"confidence"`
	Detector        string  `json:"detector"`
	DetectorVersion int     `json:"detector_version"`
}

// Result is the outcome of one Sanitize call. Text is safe to persist.
type Result struct {
	Text       string
	Detections []Detection
	Degraded   bool // true when a budget breach forced the minimal subset
	Duration   time.Duration
}

const (
	// perPatternBudget is a soft cap: a rule that exceeds it is disabled
	// and the run degrades to the minimal subset already applied.
	perPatternBudget = 10 * time.Millisecond
	// totalBudget is the hard cap for one Sanitize call. The hook has a
	// 100ms deadline overall; sanitization gets most of it.
	totalBudget = 80 * time.Millisecond
)

// Sanitizer runs the stage-1 pipeline: normalize, tier-1 credential
// patterns, encoded-blob inspection, the remaining pattern tiers, the
// structured key-value scan, and the entropy residue scan. Safe for
// concurrent use.
type Sanitizer struct {
	mu       sync.Mutex
	disabled map[string]bool
}

func New() *Sanitizer {
	return &Sanitizer{disabled: make(map[string]bool)}
}

// Sanitize redacts text and reports what was removed. It never returns
// an error: any internal failure yields ErrorPlaceholder with a
// synthetic detection, which callers treat as a successful (maximally
// conservative) sanitization.
func (s *Sanitizer) Sanitize(text string) (result Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			placeholder := ErrorPlaceholder
			result = Result{
				Text: placeholder,
				Detections: []Detection{{
					Category:        CategoryError,
					Placeholder:     placeholder,
					Start:           0,
					End:             len(placeholder),
					Confidence:      1.0,
					Detector:        "panic",
					DetectorVersion: DetectorVersion,
				}},
				Degraded: true,
				Duration: time.Since(start),
			}
		}
	}()

	text = Normalize(text)
	var detections []Detection
	degraded := false

	apply := func(newText string, newDetections []Detection, edits []edit) string {
		shiftDetections(detections, edits)
		detections = append(detections, newDetections...)
		return newText
	}

	// The minimal safe subset always runs to completion, budget or not.
	for _, p := range patterns {
		if !p.tier1 {
			continue
		}
		text = apply(applyPattern(text, p, DetectorVersion))
	}

	text = apply(scanEncoded(text, DetectorVersion))

	for _, p := range patterns {
		if p.tier1 || s.isDisabled(p.name) {
			continue
		}
		if time.Since(start) > totalBudget {
			degraded = true
			break
		}
		patternStart := time.Now()
		text = apply(applyPattern(text, p, DetectorVersion))
		if time.Since(patternStart) > perPatternBudget {
			s.disable(p.name)
			degraded = true
			break
		}
	}

	if !degraded {
		text = apply(scanStructured(text, DetectorVersion))
		text = apply(scanEntropy(text, DetectorVersion))
	}

	sort.Slice(detections, func(i, j int) bool {
		return detections[i].Start < detections[j].Start
	})
	return Result{
		Text:       text,
		Detections: detections,
		Degraded:   degraded,
		Duration:   time.Since(start),
	}
}

func (s *Sanitizer) isDisabled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled[name]
}

func (s *Sanitizer) disable(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled[name] = true
}

// DisabledPatterns reports rules switched off by budget breaches, for
// telemetry.
func (s *Sanitizer) DisabledPatterns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.disabled))
	for name := range s.disabled {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
