// Package clarify answers executor questions without a human when it safely can,
// and remembers human answers for the rest of a session.
package clarify

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Question types an executor may attach to a clarification.
const (
	TypeConfirmation = "confirmation"
	TypeChoice       = "choice"
	TypePath         = "path"
	TypeFreeText     = "free_text"
)

// Resolution rules.
const (
	RuleHistory      = "history"
	RuleConfirmation = "confirmation"
	RuleProjectRoot  = "project_root"
	RuleFilePath     = "file_path"
	RuleOption       = "option_match"
)

// Request is a question raised during execution.
type Request struct {
	Question    string
	Type        string
	Options     []string
	Context     string // partial output or prompt text the answer may be found in
	ProjectRoot string
}

// Resolution is the resolver's answer. Resolved is false when a human is needed.
type Resolution struct {
	Answer   string `json:"answer,omitempty"`
	Rule     string `json:"rule,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Resolved bool   `json:"resolved"`
}

//nolint:gochecknoglobals // compiled once, read-only
var (
	confirmationRe = regexp.MustCompile(`(?i)(^\s*(should i|shall i|do you want me to|can i|may i|is it ok(ay)? to|ok to|proceed|continue)\b|\b(proceed|continue|go ahead)\s*\?|\(y/n\)|\[y/n\])`)
	alternativeRe  = regexp.MustCompile(`(?i)\bor\b`)
	confirmationJa = []string{"よろしいですか", "しますか", "続行", "進めて", "実行してもいい", "いいですか"}
	projectRootRe  = regexp.MustCompile(`(?i)\b(project root|root (directory|folder)|repo(sitory)? root|working directory|base directory|workspace root)\b`)
	projectRootJa  = []string{"プロジェクトルート", "ルートディレクトリ", "作業ディレクトリ"}
	filePathAskRe  = regexp.MustCompile(`(?i)\b(which|what|where)\b.*\b(file|path|directory|folder)\b|\bfile ?path\b`)
	filePathAskJa  = []string{"ファイル", "パス"}
	pathTokenRe    = regexp.MustCompile(`[\w.\-/]+`)
	knownExts      = map[string]bool{
		".go": true, ".py": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".rs": true,
		".java": true, ".rb": true, ".md": true, ".yaml": true, ".yml": true, ".json": true, ".toml": true,
		".sql": true, ".sh": true, ".txt": true, ".html": true, ".css": true, ".proto": true, ".mod": true,
	}
	yesWords = []string{"yes", "y", "ok", "okay", "sure", "proceed", "continue", "confirm", "はい", "ええ", "うん"}
	noWords  = []string{"no", "n", "nope", "cancel", "stop", "いいえ", "いや"}
)

// Resolver applies fixed rules in order: confirmation, project root, file path, option match.
type Resolver struct{}

// NewResolver returns a rule-based resolver.
func NewResolver() *Resolver { return &Resolver{} }

// Resolve tries every rule and returns the first confident answer.
func (r *Resolver) Resolve(req Request) Resolution {
	if isConfirmation(req) {
		answer := "yes"
		if opt, ok := findAlias(req.Options, yesWords); ok {
			answer = opt
		}
		return Resolution{Resolved: true, Answer: answer, Rule: RuleConfirmation, Reason: "confirmation questions are auto-approved"}
	}

	if req.ProjectRoot != "" && asksProjectRoot(req.Question) {
		return Resolution{Resolved: true, Answer: req.ProjectRoot, Rule: RuleProjectRoot, Reason: "project root is known"}
	}

	if req.Type == TypePath || asksFilePath(req.Question) {
		candidates := pathCandidates(req)
		if len(candidates) == 1 {
			return Resolution{Resolved: true, Answer: candidates[0], Rule: RuleFilePath, Reason: "single path candidate in context"}
		}
		if len(candidates) > 1 {
			return Resolution{Reason: "multiple path candidates: " + strings.Join(candidates, ", ")}
		}
	}

	if len(req.Options) > 0 {
		matches := optionsInContext(req.Options, req.Context)
		switch len(matches) {
		case 1:
			return Resolution{Resolved: true, Answer: matches[0], Rule: RuleOption, Reason: "one option referenced in context"}
		case 0:
		default:
			return Resolution{Reason: "ambiguous options in context: " + strings.Join(matches, ", ")}
		}
	}

	return Resolution{Reason: "no rule applied"}
}

func isConfirmation(req Request) bool {
	if req.Type == TypeConfirmation {
		return true
	}
	if len(req.Options) > 0 && !yesNoOptions(req.Options) {
		return false
	}
	if alternativeRe.MatchString(req.Question) {
		return false
	}
	if confirmationRe.MatchString(req.Question) {
		return true
	}
	for _, phrase := range confirmationJa {
		if strings.Contains(req.Question, phrase) {
			return true
		}
	}
	return false
}

// yesNoOptions reports whether options are a plain yes/no pair.
func yesNoOptions(options []string) bool {
	_, yes := findAlias(options, yesWords)
	_, no := findAlias(options, noWords)
	return yes && no && len(options) == 2
}

func asksProjectRoot(q string) bool {
	if projectRootRe.MatchString(q) {
		return true
	}
	for _, phrase := range projectRootJa {
		if strings.Contains(q, phrase) {
			return true
		}
	}
	return false
}

func asksFilePath(q string) bool {
	if filePathAskRe.MatchString(q) {
		return true
	}
	for _, phrase := range filePathAskJa {
		if strings.Contains(q, phrase) {
			return true
		}
	}
	return false
}

func looksLikePath(tok string) bool {
	tok = strings.Trim(tok, ".,;:")
	if len(tok) < 2 {
		return false
	}
	if strings.Contains(tok, "/") && !strings.HasPrefix(tok, "//") && !strings.Contains(tok, "://") {
		return true
	}
	return knownExts[strings.ToLower(filepath.Ext(tok))]
}

// pathCandidates collects distinct path-like tokens from options and context.
func pathCandidates(req Request) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(tok string) {
		tok = strings.Trim(tok, ".,;:")
		if looksLikePath(tok) && !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	for _, opt := range req.Options {
		add(opt)
	}
	if len(out) == 0 {
		for _, tok := range pathTokenRe.FindAllString(req.Context, -1) {
			add(tok)
		}
	}
	return out
}

// optionsInContext returns options named in ctx, either whole or by a word of at least
// three letters that prefixes the option.
func optionsInContext(options []string, ctx string) []string {
	if strings.TrimSpace(ctx) == "" {
		return nil
	}
	lower := strings.ToLower(ctx)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == '/' || isWordRune(r))
	})
	var matches []string
	for _, opt := range options {
		o := strings.ToLower(strings.TrimSpace(opt))
		if o == "" {
			continue
		}
		if containsWord(lower, o) {
			matches = append(matches, opt)
			continue
		}
		for _, w := range words {
			if len([]rune(w)) >= 3 && strings.HasPrefix(o, w) {
				matches = append(matches, opt)
				break
			}
		}
	}
	return matches
}

func isWordRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 0x7f
}

func containsWord(haystack, needle string) bool {
	for start := 0; ; {
		i := strings.Index(haystack[start:], needle)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(needle)
		beforeOK := i == 0 || !isWordRune(rune(haystack[i-1]))
		afterOK := end == len(haystack) || !isWordRune(rune(haystack[end]))
		if beforeOK && afterOK {
			return true
		}
		start = i + 1
	}
}

func findAlias(options, aliases []string) (string, bool) {
	for _, opt := range options {
		o := strings.ToLower(strings.TrimSpace(opt))
		for _, a := range aliases {
			if o == a {
				return opt, true
			}
		}
	}
	return "", false
}

func normalizeAlias(answer string) string {
	a := strings.ToLower(strings.TrimSpace(answer))
	for _, w := range yesWords {
		if a == w {
			return "yes"
		}
	}
	for _, w := range noWords {
		if a == w {
			return "no"
		}
	}
	return ""
}

// MatchOption maps a human answer onto one of options: exact (case-insensitive),
// yes/no alias, 1-based index, then unique prefix. Without options, yes/no aliases are
// normalized. ok is false when the answer matches nothing and is returned trimmed.
func (r *Resolver) MatchOption(answer string, options []string) (string, bool) {
	trimmed := strings.TrimSpace(answer)
	if len(options) == 0 {
		if alias := normalizeAlias(trimmed); alias != "" {
			return alias, true
		}
		return trimmed, trimmed != ""
	}

	lower := strings.ToLower(trimmed)
	for _, opt := range options {
		if strings.ToLower(strings.TrimSpace(opt)) == lower {
			return opt, true
		}
	}
	if alias := normalizeAlias(trimmed); alias != "" {
		words := yesWords
		if alias == "no" {
			words = noWords
		}
		if opt, ok := findAlias(options, words); ok {
			return opt, true
		}
	}
	if n, err := strconv.Atoi(lower); err == nil && n >= 1 && n <= len(options) {
		return options[n-1], true
	}
	if lower != "" {
		var prefixed []string
		for _, opt := range options {
			if strings.HasPrefix(strings.ToLower(opt), lower) {
				prefixed = append(prefixed, opt)
			}
		}
		if len(prefixed) == 1 {
			return prefixed[0], true
		}
	}
	return trimmed, false
}
