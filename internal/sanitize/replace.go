package sanitize

// edit records one span replacement in pre-rewrite coordinates so
// detections from earlier stages can be shifted into the new text.
type edit struct {
	start, end int // span in the text the stage was given
	newLen     int // length of the replacement written
}

func (e edit) delta() int {
	return e.newLen - (e.end - e.start)
}

// shiftDetections maps detections positioned in a stage's input text to
// positions in its output text, given the ordered edits the stage made.
// Stages never rewrite inside an existing placeholder, so a detection is
// only ever displaced, not split.
func shiftDetections(detections []Detection, edits []edit) {
	if len(edits) == 0 {
		return
	}
	for i := range detections {
		delta := 0
		for _, e := range edits {
			if e.end <= detections[i].Start {
				delta += e.delta()
			}
		}
		detections[i].Start += delta
		detections[i].End += delta
	}
}

// applyPattern runs one rule over text, replacing each vetted match (or
// its designated submatch) with the category placeholder. Returns the
// rewritten text, detections positioned in the rewritten text, and the
// edits made.
func applyPattern(text string, p pattern, version int) (string, []Detection, []edit) {
	matches := p.re.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil, nil
	}

	placeholder := Placeholder(p.category)
	var detections []Detection
	var edits []edit
	out := make([]byte, 0, len(text))
	last := 0

	for _, m := range matches {
		start, end := m[2*p.group], m[2*p.group+1]
		if start < 0 || start < last {
			continue
		}
		value := text[start:end]
		if p.validate != nil && !p.validate(value) {
			continue
		}

		out = append(out, text[last:start]...)
		pos := len(out)
		out = append(out, placeholder...)
		detections = append(detections, Detection{
			Category:        p.category,
			Placeholder:     placeholder,
			Start:           pos,
			End:             pos + len(placeholder),
			Confidence:      p.confidence,
			Detector:        p.detectorName(),
			DetectorVersion: version,
		})
		edits = append(edits, edit{start: start, end: end, newLen: len(placeholder)})
		last = end
	}
	if len(edits) == 0 {
		return text, nil, nil
	}
	out = append(out, text[last:]...)
	return string(out), detections, edits
}
