package research

import (
	"fmt"
	"strings"
)

// Per-phase modifier vocabulary. The first foundation variant is the raw
// query itself so the phase always covers the user's literal question.
var phaseModifiers = map[Phase][]string{
	PhaseFoundation:  {"what is %s", "%s overview", "%s explained", "%s fundamentals"},
	PhasePerspective: {"%s pros and cons", "%s debate", "%s viewpoints", "%s criticism", "%s opinions"},
	PhaseTrend:       {"%s latest developments", "%s recent news", "future of %s", "%s trends", "%s outlook"},
	PhaseSynthesis:   {"%s analysis", "%s implications", "%s impact", "%s summary", "%s key takeaways"},
}

// GenerateQueries produces n (3..5) phase-flavored variants of the original
// query, in a deterministic order.
func GenerateQueries(query string, phase Phase, n int) []string {
	if n < 3 {
		n = 3
	}
	if n > 5 {
		n = 5
	}
	query = strings.TrimSpace(query)

	var out []string
	if phase == PhaseFoundation {
		out = append(out, query)
	}
	for _, tmpl := range phaseModifiers[phase] {
		if len(out) >= n {
			break
		}
		q := fmt.Sprintf(tmpl, query)
		if q != query {
			out = append(out, q)
		}
	}
	return out
}
