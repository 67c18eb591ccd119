package reporting

import (
	"maps"

	"github.com/ent0n29/callbridge/internal/policy"
)

// Redact masks PII in the transcript and variable values. The caller and
// called numbers are kept since they identify the call.
func Redact(r CallRecord) CallRecord {
	out := r
	changed := false
	if len(r.Transcript) > 0 {
		out.Transcript = make([]TranscriptLine, len(r.Transcript))
		for i, line := range r.Transcript {
			text, n := policy.RedactPII(line.Text)
			line.Text = text
			changed = changed || n > 0
			out.Transcript[i] = line
		}
	}
	if len(r.Variables) > 0 {
		out.Variables = maps.Clone(r.Variables)
		for k, v := range out.Variables {
			if k == "caller" || k == "called" {
				continue
			}
			red, n := policy.RedactPII(v)
			out.Variables[k] = red
			changed = changed || n > 0
		}
	}
	out.PIIRedacted = r.PIIRedacted || changed
	return out
}
