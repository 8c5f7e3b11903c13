package research

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/deepsearch/internal/llm"
	"github.com/mohammad-safakhou/deepsearch/internal/search"
	"github.com/mohammad-safakhou/deepsearch/utils"
)

const sourceExcerptChars = 1500

// SynthesisMessages builds the citation-numbered synthesis prompt over the
// capped source set. Sources are referenced as [1]..[n] in rank order; with
// citations off the prompt asks for plain prose instead.
func SynthesisMessages(query string, sources []search.Result, includeCitations bool) []llm.Message {
	var b strings.Builder
	for i, s := range sources {
		fmt.Fprintf(&b, "[%d] %s\nURL: %s\n", i+1, s.Title, s.URL)
		excerpt := s.Content
		if excerpt == "" {
			excerpt = s.Description
		}
		b.WriteString(utils.Truncate(excerpt, sourceExcerptChars))
		b.WriteString("\n\n")
	}

	system := "You are a research analyst. Write a comprehensive, well-structured answer " +
		"grounded strictly in the numbered sources. "
	if includeCitations {
		system += "Cite sources inline as [n]. "
	} else {
		system += "Do not include citation markers in the answer. "
	}
	system += "Note disagreements between sources explicitly. Do not invent facts."
	user := fmt.Sprintf("Research question: %s\n\nSources:\n%s\nWrite the analysis.", query, b.String())

	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}
}

// FollowUpMessages builds the follow-up-question prompt against a truncated
// summary of the research.
func FollowUpMessages(query, analysis string) []llm.Message {
	return []llm.Message{
		{Role: "system", Content: "Generate exactly 3 short follow-up questions a curious reader would ask next. One per line, no numbering."},
		{Role: "user", Content: fmt.Sprintf("Original question: %s\n\nAnswer summary:\n%s", query, utils.Truncate(analysis, 2000))},
	}
}

// ParseFollowUps splits an LLM follow-up response into clean question lines.
func ParseFollowUps(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*0123456789. "))
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == 3 {
			break
		}
	}
	return out
}
