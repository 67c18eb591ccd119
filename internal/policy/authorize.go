package policy

import (
	"regexp"
	"strings"
)

// DestinationDecision is the verdict on a transfer destination requested by the agent.
type DestinationDecision struct {
	Allowed bool
	Reason  string
}

var (
	destinationPattern = regexp.MustCompile(`^\+?[0-9A-Za-z*#_\-.@]{1,64}$`)
	// Premium-rate and operator-assisted prefixes are never dialled on the agent's say-so.
	blockedDestinationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\+?1?900[0-9]{7}$`),
		regexp.MustCompile(`^\+?1?976[0-9]{7}$`),
		regexp.MustCompile(`^0{1,2}$`),
	}
)

// DecideDestination checks a transfer destination. An empty allowlist permits
// any well-formed destination that is not blocked; otherwise the destination
// must equal an entry or start with an entry ending in "*".
func DecideDestination(destination string, allowlist []string) DestinationDecision {
	dest := normalizeDestination(destination)
	if dest == "" {
		return DestinationDecision{Reason: "destination is empty"}
	}
	if !destinationPattern.MatchString(dest) {
		return DestinationDecision{Reason: "destination contains unsupported characters"}
	}
	dialled := strings.NewReplacer("-", "", ".", "").Replace(dest)
	for _, re := range blockedDestinationPatterns {
		if re.MatchString(dialled) {
			return DestinationDecision{Reason: "destination is blocked"}
		}
	}
	if len(allowlist) == 0 {
		return DestinationDecision{Allowed: true}
	}
	for _, entry := range allowlist {
		entry = normalizeDestination(entry)
		if entry == "" {
			continue
		}
		if prefix, ok := strings.CutSuffix(entry, "*"); ok {
			if strings.HasPrefix(dest, prefix) {
				return DestinationDecision{Allowed: true}
			}
			continue
		}
		if dest == entry {
			return DestinationDecision{Allowed: true}
		}
	}
	return DestinationDecision{Reason: "destination is not in the transfer allowlist"}
}

// normalizeDestination strips the separators people use when reading numbers aloud.
func normalizeDestination(raw string) string {
	raw = strings.TrimSpace(raw)
	return strings.NewReplacer(" ", "", "(", "", ")", "").Replace(raw)
}
