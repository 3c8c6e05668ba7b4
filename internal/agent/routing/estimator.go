package routing

import (
	"fmt"
	"math"
)

// EstimateRequest is one ahead-of-run estimation call.
type EstimateRequest struct {
	Model        string
	SystemPrompt string
	Input        string
	ToolCount    int

	// Complexity overrides the analyzer's classification when set.
	Complexity Complexity

	// Iterations overrides the iteration heuristic when > 0.
	Iterations int
}

// CostBreakdown itemizes an estimate.
type CostBreakdown struct {
	Model        string     `json:"model"`
	Complexity   Complexity `json:"complexity"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"` // expected, per run
	Iterations   int        `json:"iterations"`
	ToolCalls    int        `json:"tool_calls"`
	InputCost    float64    `json:"input_cost"`
	OutputCost   float64    `json:"output_cost"`
}

// CostEstimate is the result of ahead-of-run estimation. Costs are USD.
type CostEstimate struct {
	MinCost      float64       `json:"min_cost"`
	MaxCost      float64       `json:"max_cost"`
	ExpectedCost float64       `json:"expected_cost"`
	Confidence   float64       `json:"confidence"`
	Breakdown    CostBreakdown `json:"breakdown"`
	Warnings     []string      `json:"warnings,omitempty"`
}

// outputTokenTable holds min/max/expected output tokens per complexity.
var outputTokenTable = map[Complexity][3]int{
	ComplexitySimple:   {50, 300, 150},
	ComplexityModerate: {300, 1500, 800},
	ComplexityComplex:  {1500, 6000, 3000},
}

var toolCallsByComplexity = map[Complexity]int{
	ComplexitySimple:   1,
	ComplexityModerate: 2,
	ComplexityComplex:  4,
}

// EstimateTokens approximates the token count of a string as ⌈chars/4⌉.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// Estimator produces ahead-of-run cost estimates from catalog pricing and
// the task analyzer.
type Estimator struct {
	catalog *Catalog
}

// NewEstimator creates an estimator over the given catalog.
func NewEstimator(catalog *Catalog) *Estimator {
	if catalog == nil {
		catalog = NewCatalog()
	}
	return &Estimator{catalog: catalog}
}

// Estimate computes a cost estimate for one prospective run.
func (e *Estimator) Estimate(req EstimateRequest) *CostEstimate {
	profile := AnalyzeTask(req.Input, req.ToolCount)
	complexity := profile.Complexity
	if req.Complexity != "" {
		complexity = req.Complexity
	}

	outputs := outputTokenTable[complexity]
	inputTokens := EstimateTokens(req.SystemPrompt) + EstimateTokens(req.Input)

	iterations := req.Iterations
	if iterations <= 0 {
		iterations = 1
		if complexity == ComplexityComplex {
			iterations = 2
		}
		if req.ToolCount > 0 {
			iterations += toolIterationBonus(complexity)
		}
	}

	toolCalls := 0
	if req.ToolCount > 0 {
		toolCalls = min(toolCallsByComplexity[complexity], 2*req.ToolCount)
	}

	est := &CostEstimate{
		Breakdown: CostBreakdown{
			Model:        req.Model,
			Complexity:   complexity,
			InputTokens:  inputTokens,
			OutputTokens: outputs[2],
			Iterations:   iterations,
			ToolCalls:    toolCalls,
		},
	}

	if IsLocalModel(req.Model) {
		est.Confidence = 1.0
		return est
	}

	model, found := e.catalog.Get(req.Model)
	pricingKnown := found && model.HasPricing()
	if !found {
		est.Warnings = append(est.Warnings, fmt.Sprintf("model %q not in catalog", req.Model))
	} else if !pricingKnown {
		est.Warnings = append(est.Warnings, fmt.Sprintf("no pricing for model %q", req.Model))
	}

	if pricingKnown {
		if model.Local() {
			est.Confidence = 1.0
			return est
		}
		in := float64(inputTokens*iterations) * model.InputPer1M / 1_000_000
		est.Breakdown.InputCost = in
		est.Breakdown.OutputCost = float64(outputs[2]*iterations) * model.OutputPer1M / 1_000_000
		est.MinCost = in + float64(outputs[0]*iterations)*model.OutputPer1M/1_000_000
		est.MaxCost = in + float64(outputs[1]*iterations)*model.OutputPer1M/1_000_000
		est.ExpectedCost = in + est.Breakdown.OutputCost
	}

	confidence := 0.9
	if !pricingKnown {
		confidence -= 0.3
	}
	switch complexity {
	case ComplexityModerate:
		confidence -= 0.1
	case ComplexityComplex:
		confidence -= 0.25
	}
	if req.ToolCount > 0 {
		confidence -= 0.1
	}
	if toolCalls > 3 {
		confidence -= 0.1
	}
	est.Confidence = math.Min(0.95, math.Max(0.2, confidence))
	if est.ToolCallsHeavy() {
		est.Warnings = append(est.Warnings, "estimate assumes multiple tool round-trips; actual cost varies widely")
	}
	return est
}

// ToolCallsHeavy reports whether the estimate assumes more than three tool
// invocations.
func (e *CostEstimate) ToolCallsHeavy() bool { return e.Breakdown.ToolCalls > 3 }

func toolIterationBonus(c Complexity) int {
	switch c {
	case ComplexityComplex:
		return 3
	case ComplexityModerate:
		return 2
	default:
		return 1
	}
}
