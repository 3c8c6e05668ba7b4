package checkpoint

import (
	"fmt"

	"github.com/strandlabs/sovereign/pkg/models"
)

// StepVerdict classifies one step pair of a trace comparison. "similar" is
// reserved for LLM-response textual differences; tool identity, argument,
// or error disagreements are "different".
type StepVerdict string

const (
	StepIdentical StepVerdict = "identical"
	StepSimilar   StepVerdict = "similar"
	StepDifferent StepVerdict = "different"
	StepOnlyIn1   StepVerdict = "only_in_1"
	StepOnlyIn2   StepVerdict = "only_in_2"
)

// StepComparison is one row of a trace diff.
type StepComparison struct {
	Index   int         `json:"index"`
	Verdict StepVerdict `json:"verdict"`
	Detail  string      `json:"detail,omitempty"`
}

// TraceDiff is the step-by-step comparison of two finished traces.
type TraceDiff struct {
	Trace1ID string           `json:"trace1_id"`
	Trace2ID string           `json:"trace2_id"`
	Steps    []StepComparison `json:"steps"`
}

// Identical reports whether every step pair matched exactly.
func (d *TraceDiff) Identical() bool {
	for _, s := range d.Steps {
		if s.Verdict != StepIdentical {
			return false
		}
	}
	return true
}

// CompareTraces diffs two traces step by step. Steps are the LLM-call and
// tool-execution spans in emission order; other spans are scaffolding and
// not compared.
func CompareTraces(t1, t2 *models.Trace) *TraceDiff {
	steps1 := extractSteps(t1)
	steps2 := extractSteps(t2)

	diff := &TraceDiff{Trace1ID: t1.TraceID, Trace2ID: t2.TraceID}
	n := len(steps1)
	if len(steps2) > n {
		n = len(steps2)
	}
	for i := 0; i < n; i++ {
		switch {
		case i >= len(steps2):
			diff.Steps = append(diff.Steps, StepComparison{Index: i, Verdict: StepOnlyIn1, Detail: steps1[i].Name})
		case i >= len(steps1):
			diff.Steps = append(diff.Steps, StepComparison{Index: i, Verdict: StepOnlyIn2, Detail: steps2[i].Name})
		default:
			diff.Steps = append(diff.Steps, compareStep(i, steps1[i], steps2[i]))
		}
	}
	return diff
}

func compareStep(i int, s1, s2 *models.Span) StepComparison {
	bothLLM := s1.Name == models.SpanNameLLMCall && s2.Name == models.SpanNameLLMCall
	bothTool := models.IsToolSpan(s1.Name) && models.IsToolSpan(s2.Name)

	switch {
	case bothLLM:
		if attrString(s1, models.AttrResponseText) == attrString(s2, models.AttrResponseText) {
			return StepComparison{Index: i, Verdict: StepIdentical}
		}
		return StepComparison{Index: i, Verdict: StepSimilar, Detail: "response text differs"}

	case bothTool:
		if attrString(s1, models.AttrToolName) != attrString(s2, models.AttrToolName) {
			return StepComparison{Index: i, Verdict: StepDifferent,
				Detail: fmt.Sprintf("tool %s vs %s", attrString(s1, models.AttrToolName), attrString(s2, models.AttrToolName))}
		}
		if attrString(s1, models.AttrToolArgs) != attrString(s2, models.AttrToolArgs) {
			return StepComparison{Index: i, Verdict: StepDifferent, Detail: "tool arguments differ"}
		}
		if attrString(s1, models.AttrToolError) != attrString(s2, models.AttrToolError) {
			return StepComparison{Index: i, Verdict: StepDifferent, Detail: "tool errors differ"}
		}
		return StepComparison{Index: i, Verdict: StepIdentical}

	default:
		return StepComparison{Index: i, Verdict: StepDifferent,
			Detail: fmt.Sprintf("step kind %s vs %s", s1.Name, s2.Name)}
	}
}

func extractSteps(t *models.Trace) []*models.Span {
	var steps []*models.Span
	for i := range t.Spans {
		name := t.Spans[i].Name
		if name == models.SpanNameLLMCall || models.IsToolSpan(name) {
			steps = append(steps, &t.Spans[i])
		}
	}
	return steps
}

func attrString(s *models.Span, key string) string {
	if s.Attributes == nil {
		return ""
	}
	if v, ok := s.Attributes[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
