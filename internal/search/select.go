package search

import (
	"strings"
)

// SelectRelevant extracts the most query-relevant window of a document's text
// for prompt inclusion. The text is scanned in overlapping word windows and
// the one with the highest query-term overlap wins; ties go to the earliest
// window so output is deterministic.
func SelectRelevant(text, query string, windowWords int) string {
	if windowWords <= 0 {
		windowWords = 300
	}
	words := strings.Fields(text)
	if len(words) <= windowWords {
		return text
	}

	terms := make(map[string]bool)
	for _, t := range strings.Fields(strings.ToLower(query)) {
		t = strings.Trim(t, `.,!?"'`)
		if len(t) > 2 {
			terms[t] = true
		}
	}
	if len(terms) == 0 {
		return strings.Join(words[:windowWords], " ")
	}

	step := windowWords / 2
	bestStart, bestScore := 0, -1
	for start := 0; start < len(words); start += step {
		end := start + windowWords
		if end > len(words) {
			end = len(words)
		}
		score := 0
		for _, w := range words[start:end] {
			if terms[strings.Trim(strings.ToLower(w), `.,!?"'`)] {
				score++
			}
		}
		if score > bestScore {
			bestStart, bestScore = start, score
		}
		if end == len(words) {
			break
		}
	}
	end := bestStart + windowWords
	if end > len(words) {
		end = len(words)
	}
	return strings.Join(words[bestStart:end], " ")
}
