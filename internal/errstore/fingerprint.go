// Package errstore deduplicates tool and build failures by a stable
// fingerprint and serves stored resolutions and user corrections for
// prompt injection.
package errstore

import (
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var (
	digitRunRe   = regexp.MustCompile(`\d+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Normalize reduces error text to its template: the first non-empty
// line, lowercased, digit runs replaced with N, whitespace collapsed
// and trimmed.
func Normalize(errText string) string {
	var line string
	for _, candidate := range strings.Split(errText, "\n") {
		if strings.TrimSpace(candidate) != "" {
			line = candidate
			break
		}
	}
	line = strings.ToLower(line)
	line = digitRunRe.ReplaceAllString(line, "N")
	line = whitespaceRe.ReplaceAllString(line, " ")
	return strings.TrimSpace(line)
}

// Fingerprint hashes the normalized template with xxhash64. The same
// function runs in every process, so fingerprints are stable keys.
func Fingerprint(errText string) uint64 {
	return xxhash.Sum64String(Normalize(errText))
}

var errorishRe = regexp.MustCompile(`(?im)^.*?\b(error|panic|exception|failed|fatal|denied|not found|cannot|unable)\b.*$`)

// ExtractFingerprints pulls error-looking lines out of free text and
// fingerprints each, both as a whole line and from its first error
// keyword onward (so prose before the error does not hide a known
// pattern), deduplicated, capped at limit.
func ExtractFingerprints(text string, limit int) []uint64 {
	if limit <= 0 {
		limit = 5
	}
	seen := map[uint64]bool{}
	var out []uint64
	for _, m := range errorishRe.FindAllStringSubmatchIndex(text, -1) {
		candidates := []string{text[m[0]:m[1]]}
		if m[2] > m[0] {
			candidates = append(candidates, text[m[2]:m[1]])
		}
		for _, candidate := range candidates {
			fp := Fingerprint(candidate)
			if seen[fp] {
				continue
			}
			seen[fp] = true
			out = append(out, fp)
			if len(out) == limit {
				return out
			}
		}
	}
	return out
}
