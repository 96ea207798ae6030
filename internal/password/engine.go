// Package password hashes and verifies passwords and enforces the password
// strength policy.
package password

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"tenant-auth/internal/apperr"
)

const (
	DefaultCost           = 12
	defaultGenerateLength = 16
	minGenerateLength     = 8
)

const (
	lowerChars  = "abcdefghijkmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	digitChars  = "23456789"
	symbolChars = "!@#$%^&*()-_=+[]{};:,.?"
)

// Engine is safe for concurrent use; it holds configuration only.
type Engine struct {
	cost         int
	requirements Requirements
}

func NewEngine(cost int, requirements Requirements) *Engine {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	return &Engine{cost: cost, requirements: requirements}
}

func (e *Engine) Requirements() Requirements {
	return e.requirements
}

func (e *Engine) Hash(password string) (string, error) {
	if password == "" {
		return "", apperr.Validation("password is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), e.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", apperr.Validation("password is too long")
		}
		return "", apperr.Internal("hash password", err)
	}

	return string(hash), nil
}

// Verify reports whether password matches hash. Malformed input is a mismatch.
func (e *Engine) Verify(password, hash string) bool {
	if password == "" || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// NeedsRehash reports whether hash was produced with a weaker cost than the
// engine's current configuration.
func (e *Engine) NeedsRehash(hash string) bool {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return true
	}
	return cost < e.cost
}

// Generate returns a random password containing at least one character of
// every required class.
func (e *Engine) Generate(length int, includeSymbols bool) (string, error) {
	if length == 0 {
		length = defaultGenerateLength
	}
	if length < minGenerateLength {
		return "", apperr.Validation("generated password length must be at least 8")
	}

	classes := []string{lowerChars, upperChars, digitChars}
	if includeSymbols {
		classes = append(classes, symbolChars)
	}
	all := strings.Join(classes, "")

	for attempt := 0; attempt < 32; attempt++ {
		buf := make([]byte, 0, length)
		for _, class := range classes {
			c, err := randomChar(class)
			if err != nil {
				return "", apperr.Internal("generate password", err)
			}
			buf = append(buf, c)
		}
		for len(buf) < length {
			c, err := randomChar(all)
			if err != nil {
				return "", apperr.Internal("generate password", err)
			}
			buf = append(buf, c)
		}
		if err := shuffle(buf); err != nil {
			return "", apperr.Internal("generate password", err)
		}

		candidate := string(buf)
		if len(structuralViolations(candidate)) == 0 {
			return candidate, nil
		}
	}

	return "", apperr.Internal("generate password", errors.New("no candidate passed structural checks"))
}

func randomChar(set string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
	if err != nil {
		return 0, err
	}
	return set[n.Int64()], nil
}

func shuffle(buf []byte) error {
	for i := len(buf) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return err
		}
		j := int(n.Int64())
		buf[i], buf[j] = buf[j], buf[i]
	}
	return nil
}
