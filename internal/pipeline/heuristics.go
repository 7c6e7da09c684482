package pipeline

import (
	"regexp"
	"strings"
)

var (
	codeFenceRe  = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\n")
	codeInlineRe = regexp.MustCompile(`\b(func|def|class|import|package|return|const|var|let|fn|impl|struct|interface)\b`)
	errorLineRe  = regexp.MustCompile(`(?im)^.*\b(error|panic|exception|traceback|fatal|failed|undefined reference|segmentation fault)\b.*$`)
	errorFileRe  = regexp.MustCompile(`([\w./-]+\.\w{1,4}):(\d+)`)
	langFenceRe  = regexp.MustCompile("```([a-zA-Z0-9_+-]+)")
)

var langKeywords = map[string][]string{
	"go":         {"func ", "package ", ":= ", "go.mod"},
	"rust":       {"fn ", "impl ", "let mut", "-> "},
	"python":     {"def ", "import ", "self.", "__init__"},
	"javascript": {"const ", "=> ", "function ", "console.log"},
	"typescript": {"interface ", ": string", ": number", "export type"},
	"sql":        {"select ", "insert into", "create table"},
	"shell":      {"#!/bin", "echo ", "grep ", "| "},
}

// detectCode reports whether content looks like code and guesses the
// language from fences or keyword density.
func detectCode(content string) (bool, string) {
	if m := langFenceRe.FindStringSubmatch(content); m != nil {
		lang := strings.ToLower(m[1])
		return true, lang
	}
	if codeFenceRe.MatchString(content) {
		return true, ""
	}
	hits := len(codeInlineRe.FindAllString(content, -1))
	if hits < 3 {
		return false, ""
	}
	lower := strings.ToLower(content)
	best, bestHits := "", 0
	for lang, markers := range langKeywords {
		n := 0
		for _, marker := range markers {
			n += strings.Count(lower, marker)
		}
		if n > bestHits {
			best, bestHits = lang, n
		}
	}
	return true, best
}

// detectError extracts the first error-looking line and an associated
// file reference, if any.
func detectError(content string) (bool, string, string, string) {
	line := errorLineRe.FindString(content)
	if line == "" {
		return false, "", "", ""
	}
	lower := strings.ToLower(line)
	errType := "error"
	severity := "error"
	switch {
	case strings.Contains(lower, "panic") || strings.Contains(lower, "fatal") || strings.Contains(lower, "segmentation"):
		errType = "crash"
		severity = "fatal"
	case strings.Contains(lower, "exception") || strings.Contains(lower, "traceback"):
		errType = "exception"
	case strings.Contains(lower, "failed"):
		errType = "failure"
	}
	file := ""
	if m := errorFileRe.FindStringSubmatch(content); m != nil {
		file = m[1]
	}
	return true, errType, severity, file
}

var salienceMarkers = map[string]float64{
	"remember":  2.0,
	"important": 1.5,
	"always":    1.0,
	"never":     1.0,
	"must":      0.8,
	"promise":   1.5,
	"todo":      0.8,
	"deadline":  1.2,
	"decided":   1.2,
	"decision":  1.2,
}

// heuristicSalience scores content on the 0-10 scale from length and
// marker words. Used when the LLM analyzer is unavailable.
func heuristicSalience(content string, isCode, isError bool) float64 {
	score := 3.0
	lower := strings.ToLower(content)
	for marker, bump := range salienceMarkers {
		if strings.Contains(lower, marker) {
			score += bump
		}
	}
	if isCode {
		score += 1.0
	}
	if isError {
		score += 1.5
	}
	if len(content) > 2000 {
		score += 0.5
	}
	if len(content) < 20 {
		score -= 1.0
	}
	if score > 10 {
		score = 10
	}
	if score < 0 {
		score = 0
	}
	return score
}

// heuristicTopics pulls capitalized tokens and path-like words as cheap
// topic candidates, capped at five.
func heuristicTopics(content string) []string {
	seen := map[string]bool{}
	var topics []string
	for _, word := range strings.Fields(content) {
		word = strings.Trim(word, ".,;:!?\"'()[]{}")
		if len(word) < 4 || len(word) > 40 {
			continue
		}
		if !strings.Contains(word, "/") && !strings.Contains(word, ".") &&
			(word[0] < 'A' || word[0] > 'Z') {
			continue
		}
		key := strings.ToLower(word)
		if seen[key] {
			continue
		}
		seen[key] = true
		topics = append(topics, word)
		if len(topics) == 5 {
			break
		}
	}
	return topics
}
