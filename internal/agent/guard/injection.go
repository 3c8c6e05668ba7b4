package guard

import (
	"regexp"
	"strings"
)

// InjectionLevel classifies a prompt-injection scan.
type InjectionLevel string

const (
	InjectionClean      InjectionLevel = "clean"
	InjectionSuspicious InjectionLevel = "suspicious"
	InjectionBlocked    InjectionLevel = "blocked"
)

// InjectionVerdict is the result of scanning one user input.
type InjectionVerdict struct {
	Level   InjectionLevel `json:"level"`
	Score   float64        `json:"score"`
	Matched []string       `json:"matched,omitempty"`
}

// Blocked reports whether the input must be rejected.
func (v *InjectionVerdict) Blocked() bool { return v.Level == InjectionBlocked }

type injectionPattern struct {
	name   string
	weight float64
	re     *regexp.Regexp
}

var injectionPatterns = []injectionPattern{
	{"override-instructions", 0.6, regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\s+(all\s+|any\s+)?(previous|prior|above|earlier|your)\s+(instructions?|prompts?|rules?|directives?)`)},
	{"reveal-system-prompt", 0.5, regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|output)\b.{0,40}\b(system\s+prompt|initial\s+instructions?|hidden\s+instructions?)`)},
	{"role-reassignment", 0.4, regexp.MustCompile(`(?i)\byou\s+are\s+(now|no\s+longer)\b`)},
	{"persona-escape", 0.4, regexp.MustCompile(`(?i)\b(pretend|act\s+as\s+if|roleplay)\b.{0,40}\b(no\s+(rules|restrictions|limits)|unrestricted|jailbroken)`)},
	{"mode-switch", 0.5, regexp.MustCompile(`(?i)\b(developer|dan|god|sudo)\s+mode\b`)},
	{"delimiter-injection", 0.3, regexp.MustCompile(`(?i)(\[/?(system|inst)\]|<\|?(system|im_start)\|?>)`)},
	{"instruction-smuggling", 0.3, regexp.MustCompile(`(?i)\bnew\s+(instructions?|system\s+prompt)\s*:`)},
}

// InjectionDetector scans user input for prompt-injection attempts using
// weighted pattern heuristics. Scores at or above BlockThreshold are
// blocked; at or above SuspectThreshold they are flagged but allowed.
type InjectionDetector struct {
	BlockThreshold   float64
	SuspectThreshold float64
}

// NewInjectionDetector creates a detector with default thresholds.
func NewInjectionDetector() *InjectionDetector {
	return &InjectionDetector{BlockThreshold: 0.6, SuspectThreshold: 0.3}
}

// Scan classifies the input. Pattern weights accumulate; multiple weak
// signals escalate the same way one strong signal does.
func (d *InjectionDetector) Scan(input string) *InjectionVerdict {
	v := &InjectionVerdict{Level: InjectionClean}
	if strings.TrimSpace(input) == "" {
		return v
	}

	for _, p := range injectionPatterns {
		if p.re.MatchString(input) {
			v.Score += p.weight
			v.Matched = append(v.Matched, p.name)
		}
	}

	switch {
	case v.Score >= d.BlockThreshold:
		v.Level = InjectionBlocked
	case v.Score >= d.SuspectThreshold:
		v.Level = InjectionSuspicious
	}
	return v
}
