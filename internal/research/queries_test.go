package research

import (
	"strings"
	"testing"

	"github.com/mohammad-safakhou/deepsearch/internal/search"
)

func TestGenerateQueriesDeterministic(t *testing.T) {
	t.Parallel()
	a := GenerateQueries("quantum computing", PhaseTrend, 4)
	b := GenerateQueries("quantum computing", PhaseTrend, 4)
	if len(a) != 4 {
		t.Fatalf("got %d queries, want 4", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("generation is not deterministic: %v vs %v", a, b)
		}
	}
}

func TestGenerateQueriesFoundationIncludesRawQuery(t *testing.T) {
	t.Parallel()
	qs := GenerateQueries("rust async", PhaseFoundation, 3)
	if qs[0] != "rust async" {
		t.Errorf("foundation must lead with the raw query, got %q", qs[0])
	}
}

func TestGenerateQueriesClamped(t *testing.T) {
	t.Parallel()
	if got := len(GenerateQueries("x", PhasePerspective, 1)); got != 3 {
		t.Errorf("below-range count produced %d queries, want 3", got)
	}
	if got := len(GenerateQueries("x", PhasePerspective, 9)); got != 5 {
		t.Errorf("above-range count produced %d queries, want 5", got)
	}
}

func TestGenerateQueriesPhaseFlavor(t *testing.T) {
	t.Parallel()
	for _, q := range GenerateQueries("solar power", PhasePerspective, 3) {
		if !strings.Contains(q, "solar power") {
			t.Errorf("variant %q lost the original query", q)
		}
	}
}

func TestPhaseSetFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		researchType string
		want         []Phase
	}{
		{TypeFoundation, []Phase{PhaseFoundation}},
		{TypePerspective, []Phase{PhaseFoundation, PhasePerspective}},
		{TypeTrend, []Phase{PhaseFoundation, PhaseTrend}},
		{TypeSynthesis, []Phase{PhaseFoundation, PhasePerspective, PhaseTrend, PhaseSynthesis}},
		{TypeComprehensive, []Phase{PhaseFoundation, PhasePerspective, PhaseTrend, PhaseSynthesis}},
	}
	for _, tc := range cases {
		got, err := PhaseSetFor(tc.researchType)
		if err != nil {
			t.Fatalf("PhaseSetFor(%s): %v", tc.researchType, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("PhaseSetFor(%s) = %v, want %v", tc.researchType, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("PhaseSetFor(%s)[%d] = %s, want %s", tc.researchType, i, got[i], tc.want[i])
			}
		}
	}
	if _, err := PhaseSetFor("exhaustive"); err == nil {
		t.Error("unknown research type must be rejected")
	}
}

func TestSetStatusMonotonic(t *testing.T) {
	t.Parallel()
	s := &Session{Status: StatusPending}
	if !s.SetStatus(StatusInProgress) {
		t.Fatal("pending -> in_progress must be allowed")
	}
	if s.SetStatus(StatusPending) {
		t.Error("in_progress -> pending must be rejected")
	}
	if !s.SetStatus(StatusCompleted) {
		t.Fatal("in_progress -> completed must be allowed")
	}
	if s.SetStatus(StatusInProgress) {
		t.Error("terminal state must not revert")
	}
	if s.SetStatus(StatusFailed) {
		t.Error("completed must not become failed")
	}
}

func TestSynthesisMessagesCitationToggle(t *testing.T) {
	t.Parallel()
	sources := []search.Result{{Title: "T", URL: "https://example.com", Content: "body text"}}

	with := SynthesisMessages("q", sources, true)
	if !strings.Contains(with[0].Content, "Cite sources inline") {
		t.Error("citation instruction missing with citations enabled")
	}

	without := SynthesisMessages("q", sources, false)
	if strings.Contains(without[0].Content, "Cite sources inline") {
		t.Error("citation instruction present with citations disabled")
	}
	if !strings.Contains(without[0].Content, "Do not include citation markers") {
		t.Error("plain-prose instruction missing with citations disabled")
	}
}

func TestParseFollowUps(t *testing.T) {
	t.Parallel()
	text := "1. What about costs?\n- How does it scale?\n\n* Is it secure?\n4. extra question"
	got := ParseFollowUps(text)
	if len(got) != 3 {
		t.Fatalf("got %d questions, want 3: %v", len(got), got)
	}
	if got[0] != "What about costs?" || got[1] != "How does it scale?" || got[2] != "Is it secure?" {
		t.Errorf("bullets not stripped: %v", got)
	}
}
