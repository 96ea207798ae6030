package password

import "strings"

var dictionaryPrefixes = []string{
	"password", "passwort", "welcome", "admin", "letmein", "qwerty",
	"dragon", "monkey", "master", "sunshine", "football", "baseball",
	"iloveyou", "princess", "login", "hello", "secret", "shadow",
	"superman", "trustno", "changeme", "summer", "winter",
}

var commonPasswords = map[string]struct{}{
	"123456": {}, "123456789": {}, "12345678": {}, "1234567890": {}, "111111": {},
	"000000": {}, "123123": {}, "654321": {}, "password": {}, "password1": {},
	"password123": {}, "password123!": {}, "passw0rd": {}, "p@ssw0rd": {}, "p@ssword1": {},
	"qwerty": {}, "qwerty123": {}, "qwertyuiop": {}, "1q2w3e4r": {}, "1qaz2wsx": {},
	"abc123": {}, "letmein": {}, "letmein!": {}, "welcome": {}, "welcome1": {},
	"welcome123": {}, "admin": {}, "admin123": {}, "administrator": {}, "root": {},
	"iloveyou": {}, "monkey": {}, "dragon": {}, "master": {}, "sunshine": {},
	"princess": {}, "football": {}, "baseball": {}, "shadow": {}, "superman": {},
	"trustno1": {}, "changeme": {}, "changeme123": {}, "secret": {}, "summer2024": {},
	"winter2024": {}, "spring2025": {}, "autumn2025": {}, "companyname1!": {}, "zaq12wsx": {},
}

// IsCommon reports whether password is in the static common-password set.
func IsCommon(password string) bool {
	_, ok := commonPasswords[strings.ToLower(strings.TrimSpace(password))]
	return ok
}

func startsWithDictionaryWord(lowered string) (string, bool) {
	for _, word := range dictionaryPrefixes {
		if strings.HasPrefix(lowered, word) {
			return word, true
		}
	}
	return "", false
}
