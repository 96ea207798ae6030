package password

import (
	"strings"
	"testing"
	"unicode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"tenant-auth/internal/apperr"
)

func testEngine() *Engine {
	return NewEngine(bcrypt.MinCost, DefaultRequirements())
}

func TestHashAndVerify(t *testing.T) {
	e := testEngine()

	hash, err := e.Hash("Tq9#vL2$mXe8!Rb")
	require.NoError(t, err)

	assert.True(t, e.Verify("Tq9#vL2$mXe8!Rb", hash))
	assert.False(t, e.Verify("Tq9#vL2$mXe8!Rc", hash))

	again, err := e.Hash("Tq9#vL2$mXe8!Rb")
	require.NoError(t, err)
	assert.NotEqual(t, hash, again, "salt must make hashes differ")
}

func TestHash_EmptyPassword(t *testing.T) {
	_, err := testEngine().Hash("")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestVerify_MalformedInputIsFalse(t *testing.T) {
	e := testEngine()

	assert.False(t, e.Verify("", "$2a$04$abc"))
	assert.False(t, e.Verify("secret", ""))
	assert.False(t, e.Verify("secret", "not-a-bcrypt-hash"))
}

func TestNeedsRehash(t *testing.T) {
	weak := NewEngine(bcrypt.MinCost, DefaultRequirements())
	strong := NewEngine(bcrypt.MinCost+1, DefaultRequirements())

	hash, err := weak.Hash("Tq9#vL2$mXe8!Rb")
	require.NoError(t, err)

	assert.False(t, weak.NeedsRehash(hash))
	assert.True(t, strong.NeedsRehash(hash))
	assert.True(t, strong.NeedsRehash("garbage"))
}

func TestValidateStrength_RejectsSequentialDigits(t *testing.T) {
	result := testEngine().ValidateStrength("Password123!", DefaultRequirements())

	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, "password must not contain sequential characters")
}

func TestValidateStrength_AcceptsHighEntropyPassword(t *testing.T) {
	result := testEngine().ValidateStrength("Tq9#vL2$mXe8!Rb", DefaultRequirements())

	assert.True(t, result.Valid, "unexpected errors: %v", result.Errors)
	assert.GreaterOrEqual(t, result.Score, 80)
}

func TestValidateStrength_StructuralChecks(t *testing.T) {
	req := Requirements{MinLength: 4}

	tests := []struct {
		name     string
		password string
		want     string
	}{
		{"repeated characters", "Xk9#aaaQ", "password must not repeat a character 3 or more times in a row"},
		{"alphabetic run", "Q9#xyzTr", "password must not contain sequential characters"},
		{"alphabetic run ignores case", "Q9#XyZTr", "password must not contain sequential characters"},
		{"dictionary prefix", "Welcome9#Tq", "password must not start with a common word (welcome)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := testEngine().ValidateStrength(tt.password, req)
			assert.False(t, result.Valid)
			assert.Contains(t, result.Errors, tt.want)
		})
	}
}

func TestValidateStrength_ConfigurableClasses(t *testing.T) {
	e := testEngine()

	lenient := Requirements{MinLength: 8}
	assert.True(t, e.ValidateStrength("tqvlmxerb", lenient).Valid)

	strict := DefaultRequirements()
	result := e.ValidateStrength("tqvlmxerbwkd", strict)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, "password must contain an uppercase letter")
	assert.Contains(t, result.Errors, "password must contain a number")
	assert.Contains(t, result.Errors, "password must contain a symbol")
}

func TestValidateStrength_ForbiddenPatternLowersScore(t *testing.T) {
	e := testEngine()
	req := Requirements{MinLength: 8, ForbiddenPatterns: []string{"corp"}}

	clean := e.ValidateStrength("Tq9#vLmXe8!R", req)
	dirty := e.ValidateStrength("Tq9#CORPe8!R", req)

	assert.True(t, clean.Valid)
	assert.False(t, dirty.Valid)
	assert.Less(t, dirty.Score, clean.Score)
}

func TestEnforcePolicy_Context(t *testing.T) {
	e := testEngine()

	byEmail := e.EnforcePolicy("Jdoe#Tq9vL2$mX", UserContext{Email: "jdoe@example.com"})
	assert.False(t, byEmail.Valid)
	assert.Contains(t, byEmail.Errors, "password must not contain your email address")

	byName := e.EnforcePolicy("Tq9#Margaret$mX", UserContext{Name: "Margaret Hill"})
	assert.False(t, byName.Valid)
	assert.Contains(t, byName.Errors, "password must not contain your name")

	ok := e.EnforcePolicy("Tq9#vL2$mXe8!Rb", UserContext{Email: "jdoe@example.com", Name: "Margaret Hill"})
	assert.True(t, ok.Valid, "unexpected errors: %v", ok.Errors)
}

func TestEnforcePolicy_CommonPassword(t *testing.T) {
	result := NewEngine(bcrypt.MinCost, Requirements{MinLength: 4}).EnforcePolicy("zaq12wsx", UserContext{})

	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, "password is too common")
}

func TestGenerate(t *testing.T) {
	e := testEngine()

	pw, err := e.Generate(16, true)
	require.NoError(t, err)
	assert.Len(t, pw, 16)

	var upper, lower, digit, symbol bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	assert.True(t, upper && lower && digit && symbol, "missing class in %q", pw)

	noSymbols, err := e.Generate(10, false)
	require.NoError(t, err)
	assert.False(t, strings.ContainsAny(noSymbols, symbolChars))
}

func TestGenerate_TooShort(t *testing.T) {
	_, err := testEngine().Generate(7, true)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
