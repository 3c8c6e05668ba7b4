package routing

import (
	"regexp"
	"strings"
)

// Complexity buckets a task for output-token and iteration heuristics.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// TaskProfile is the analyzer's read of one user input. It drives both the
// cost estimate and the router's capability gates.
type TaskProfile struct {
	Complexity       Complexity `json:"complexity"`
	NeedsTools       bool       `json:"needs_tools"`
	NeedsVision      bool       `json:"needs_vision"`
	NeedsLongContext bool       `json:"needs_long_context"`
	NeedsReasoning   bool       `json:"needs_reasoning"`
	NeedsSpeed       bool       `json:"needs_speed"`

	// CostSensitivity in [0,1]; higher means cheaper models score better.
	CostSensitivity float64 `json:"cost_sensitivity"`
}

var (
	complexPattern  = regexp.MustCompile(`(?i)\b(prove|derive|refactor|architect|design\s+a?\s*system|step[\s-]by[\s-]step|analyze\s+in\s+depth|implement|debug|optimi[sz]e|migrate)\b`)
	moderatePattern = regexp.MustCompile(`(?i)\b(explain|compare|summari[sz]e|why|how\s+does|review|describe|outline|translate)\b`)
	visionPattern   = regexp.MustCompile(`(?i)\b(image|picture|photo|screenshot|diagram|chart)\b`)
	speedPattern    = regexp.MustCompile(`(?i)\b(quick|quickly|fast|asap|brief|short\s+answer)\b`)
	cheapPattern    = regexp.MustCompile(`(?i)\b(cheap|cheapest|budget|low[\s-]cost|inexpensive)\b`)
)

// longContextChars is the input size above which long-context support is
// required (~8k tokens at 4 chars per token).
const longContextChars = 32000

// AnalyzeTask classifies an input. toolCount is the number of tools the
// agent exposes; a nonzero count sets NeedsTools.
func AnalyzeTask(input string, toolCount int) *TaskProfile {
	p := &TaskProfile{
		Complexity: ComplexitySimple,
		NeedsTools: toolCount > 0,
	}

	trimmed := strings.TrimSpace(input)
	switch {
	case complexPattern.MatchString(trimmed) || len(trimmed) > 2000:
		p.Complexity = ComplexityComplex
		p.NeedsReasoning = true
	case moderatePattern.MatchString(trimmed) || len(trimmed) > 400:
		p.Complexity = ComplexityModerate
	}

	p.NeedsVision = visionPattern.MatchString(trimmed)
	p.NeedsLongContext = len(trimmed) > longContextChars
	p.NeedsSpeed = speedPattern.MatchString(trimmed)
	if cheapPattern.MatchString(trimmed) {
		p.CostSensitivity = 1.0
	} else if p.NeedsSpeed {
		p.CostSensitivity = 0.5
	}
	return p
}
