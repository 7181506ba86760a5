// Package planner estimates task size and splits large tasks into dependent subtasks.
package planner

import (
	"fmt"
	"regexp"
	"strings"
)

// Category is a coarse size bucket.
type Category string

const (
	SizeXS Category = "XS"
	SizeS  Category = "S"
	SizeM  Category = "M"
	SizeL  Category = "L"
	SizeXL Category = "XL"
)

const (
	minScore = 1
	maxScore = 10
)

// SizeEstimate is the planner's view of how much work a prompt describes.
type SizeEstimate struct {
	Category      Category `json:"category"`
	Reasons       []string `json:"reasons,omitempty"`
	Score         int      `json:"score"`
	TokenEstimate int      `json:"token_estimate"`
	PromptTokens  int      `json:"prompt_tokens"`
}

type indicator struct {
	name   string
	weight int
	re     *regexp.Regexp
}

func defaultIndicators() []indicator {
	return []indicator{
		{"full implementation", 3, regexp.MustCompile(`(?i)\b(full|complete|entire|end[- ]to[- ]end)\s+(implementation|system|application|app|feature|stack|service)\b|\bfrom scratch\b`)},
		{"authentication", 2, regexp.MustCompile(`(?i)\b(auth|authentication|authorization|login|oauth2?|jwt|sso)\b`)},
		{"database/migration", 2, regexp.MustCompile(`(?i)\b(database|migrations?|schema|sql|tables?)\b`)},
		{"api endpoint", 2, regexp.MustCompile(`(?i)\b(api|endpoints?|rest|graphql|routes?)\b`)},
		{"integration", 2, regexp.MustCompile(`(?i)\bintegrat(e|es|ed|ing|ion|ions)\b`)},
		{"refactor", 2, regexp.MustCompile(`(?i)\b(refactor(s|ed|ing)?|restructur(e|es|ed|ing))\b`)},
		{"security", 2, regexp.MustCompile(`(?i)\b(security|secure|encrypt\w*|vulnerabilit\w*|permissions?)\b`)},
		{"multiple files", 1, regexp.MustCompile(`(?i)\b(multiple|several|many|all)\s+(files|modules|packages|components|services)\b`)},
		{"tests", 1, regexp.MustCompile(`(?i)\b(tests?|testing)\b`)},
	}
}

// Word-count thresholds that each add one point.
var longPromptThresholds = []int{150, 400}

func bucket(score int) (Category, int) {
	switch {
	case score <= 2:
		return SizeXS, 1000
	case score <= 4:
		return SizeS, 4000
	case score <= 6:
		return SizeM, 8000
	case score <= 8:
		return SizeL, 16000
	default:
		return SizeXL, 32000
	}
}

// score sums matched indicator weights onto a base of 1 and clamps to [1, 10].
// Adding text never removes a match, so the score is monotonic in the prompt.
func score(indicators []indicator, prompt string, withReasons bool) (int, []string) {
	total := minScore
	var reasons []string
	for _, ind := range indicators {
		if ind.re.MatchString(prompt) {
			total += ind.weight
			if withReasons {
				reasons = append(reasons, fmt.Sprintf("%s (+%d)", ind.name, ind.weight))
			}
		}
	}
	words := len(strings.Fields(prompt))
	for _, threshold := range longPromptThresholds {
		if words > threshold {
			total++
			if withReasons {
				reasons = append(reasons, fmt.Sprintf("more than %d words (+1)", threshold))
			}
		}
	}
	if total > maxScore {
		total = maxScore
	}
	return total, reasons
}

// EstimateSize scores prompt and adds its tiktoken length to the bucket estimate.
func (p *Planner) EstimateSize(prompt string) SizeEstimate {
	s, reasons := score(p.indicators, prompt, true)
	category, bucketTokens := bucket(s)
	promptTokens := p.counter.Count(prompt)
	return SizeEstimate{
		Score:         s,
		Category:      category,
		TokenEstimate: bucketTokens + promptTokens,
		PromptTokens:  promptTokens,
		Reasons:       reasons,
	}
}

// QuickSizeCheck is EstimateSize without the tokenizer or reasons.
func (p *Planner) QuickSizeCheck(prompt string) SizeEstimate {
	s, _ := score(p.indicators, prompt, false)
	category, bucketTokens := bucket(s)
	promptTokens := (len(prompt) + 3) / 4
	return SizeEstimate{
		Score:         s,
		Category:      category,
		TokenEstimate: bucketTokens + promptTokens,
		PromptTokens:  promptTokens,
	}
}

// ShouldChunk reports whether est crosses either chunking threshold.
func (p *Planner) ShouldChunk(est SizeEstimate) bool {
	if !p.cfg.AutoChunk {
		return false
	}
	return est.Score >= p.cfg.ChunkComplexityThreshold || est.TokenEstimate >= p.cfg.ChunkTokenThreshold
}
