package password

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Requirements are the configurable strength rules. The structural checks
// (repeats, ascending runs, dictionary prefixes) always apply.
type Requirements struct {
	MinLength         int
	RequireUppercase  bool
	RequireLowercase  bool
	RequireNumbers    bool
	RequireSymbols    bool
	ForbiddenPatterns []string // case-insensitive regular expressions
}

func DefaultRequirements() Requirements {
	return Requirements{
		MinLength:        12,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireNumbers:   true,
		RequireSymbols:   true,
		ForbiddenPatterns: []string{
			`passw(o|0)rd`,
			`qwerty`,
			`asdf`,
			`letmein`,
		},
	}
}

// StrengthResult is advisory feedback. Score is for UX only; Valid is the gate.
type StrengthResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
	Score  int      `json:"score"`
}

// UserContext carries the personal data a password must not contain.
type UserContext struct {
	Email string
	Name  string
}

const minContextFragment = 3

func (e *Engine) ValidateStrength(password string, req Requirements) StrengthResult {
	var problems []string

	if len([]rune(password)) < req.MinLength {
		problems = append(problems, fmt.Sprintf("password must be at least %d characters long", req.MinLength))
	}

	classes := classify(password)
	if req.RequireUppercase && !classes.upper {
		problems = append(problems, "password must contain an uppercase letter")
	}
	if req.RequireLowercase && !classes.lower {
		problems = append(problems, "password must contain a lowercase letter")
	}
	if req.RequireNumbers && !classes.digit {
		problems = append(problems, "password must contain a number")
	}
	if req.RequireSymbols && !classes.symbol {
		problems = append(problems, "password must contain a symbol")
	}

	forbiddenHit := false
	for _, pattern := range req.ForbiddenPatterns {
		if matchesPattern(pattern, password) {
			forbiddenHit = true
			problems = append(problems, "password contains a forbidden pattern")
			break
		}
	}

	problems = append(problems, structuralViolations(password)...)

	return StrengthResult{
		Valid:  len(problems) == 0,
		Errors: problems,
		Score:  score(password, classes, forbiddenHit),
	}
}

// EnforcePolicy is ValidateStrength with the engine's requirements plus the
// contextual checks against the account owner's data.
func (e *Engine) EnforcePolicy(password string, user UserContext) StrengthResult {
	result := e.ValidateStrength(password, e.requirements)
	lowered := strings.ToLower(password)

	if local, _, ok := strings.Cut(strings.ToLower(strings.TrimSpace(user.Email)), "@"); ok && len(local) >= minContextFragment {
		if strings.Contains(lowered, local) {
			result.Errors = append(result.Errors, "password must not contain your email address")
		}
	}

	name := strings.ToLower(strings.TrimSpace(user.Name))
	if name != "" {
		parts := append([]string{name}, strings.Fields(name)...)
		for _, part := range parts {
			if len(part) >= minContextFragment && strings.Contains(lowered, part) {
				result.Errors = append(result.Errors, "password must not contain your name")
				break
			}
		}
	}

	if IsCommon(password) {
		result.Errors = append(result.Errors, "password is too common")
	}

	result.Valid = len(result.Errors) == 0
	return result
}

type charClasses struct {
	upper, lower, digit, symbol bool
	count                       int
}

func classify(password string) charClasses {
	var c charClasses
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			c.upper = true
		case unicode.IsLower(r):
			c.lower = true
		case unicode.IsDigit(r):
			c.digit = true
		case !unicode.IsSpace(r):
			c.symbol = true
		}
	}
	for _, has := range []bool{c.upper, c.lower, c.digit, c.symbol} {
		if has {
			c.count++
		}
	}
	return c
}

func structuralViolations(password string) []string {
	var problems []string
	runes := []rune(strings.ToLower(password))

	for i := 0; i+2 < len(runes); i++ {
		if runes[i] == runes[i+1] && runes[i+1] == runes[i+2] {
			problems = append(problems, "password must not repeat a character 3 or more times in a row")
			break
		}
	}

	for i := 0; i+2 < len(runes); i++ {
		if isAscendingRun(runes[i], runes[i+1], runes[i+2]) {
			problems = append(problems, "password must not contain sequential characters")
			break
		}
	}

	if word, ok := startsWithDictionaryWord(string(runes)); ok {
		problems = append(problems, fmt.Sprintf("password must not start with a common word (%s)", word))
	}

	return problems
}

func isAscendingRun(a, b, c rune) bool {
	sameClass := (unicode.IsDigit(a) && unicode.IsDigit(b) && unicode.IsDigit(c)) ||
		(isASCIILetter(a) && isASCIILetter(b) && isASCIILetter(c))
	return sameClass && b == a+1 && c == b+1
}

func isASCIILetter(r rune) bool {
	return r >= 'a' && r <= 'z'
}

func matchesPattern(pattern, password string) bool {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		re = regexp.MustCompile("(?i)" + regexp.QuoteMeta(pattern))
	}
	return re.MatchString(password)
}

// score weights: length up to 40, classes up to 40, uniqueness up to 10,
// and 10 for avoiding every forbidden pattern.
func score(password string, classes charClasses, forbiddenHit bool) int {
	runes := []rune(password)
	if len(runes) == 0 {
		return 0
	}

	total := min(len(runes), 20) * 2
	total += classes.count * 10

	unique := make(map[rune]struct{}, len(runes))
	for _, r := range runes {
		unique[r] = struct{}{}
	}
	total += len(unique) * 10 / len(runes)

	if !forbiddenHit {
		total += 10
	}

	return min(total, 100)
}
