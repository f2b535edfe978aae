package identity

import (
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/example/dermaid/internal/store"
)

const (
	maxUsernameLen = 150
	maxEmailLen    = 254
	maxAge         = 32767
)

var usernamePattern = regexp.MustCompile(`^[\w.@+-]+$`)

func validateUsername(v *ValidationError, username string) {
	switch {
	case username == "":
		v.add("username", "This field is required.")
	case utf8.RuneCountInString(username) > maxUsernameLen:
		v.add("username", "Ensure this field has no more than 150 characters.")
	case !usernamePattern.MatchString(username):
		v.add("username", "Enter a valid username. This value may contain only letters, numbers, and @/./+/-/_ characters.")
	}
}

func validateEmail(v *ValidationError, email string) {
	if email == "" {
		v.add("email", "This field is required.")
		return
	}
	if len(email) > maxEmailLen {
		v.add("email", "Ensure this field has no more than 254 characters.")
		return
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		v.add("email", "Enter a valid email address.")
	}
}

func validateAge(v *ValidationError, age *int) {
	if age != nil && (*age < 0 || *age > maxAge) {
		v.add("age", "Ensure this value is between 0 and 32767.")
	}
}

// ParseGender accepts the stored codes and the long names used by clients, case-insensitively.
func ParseGender(s string) (store.Gender, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return store.GenderUnset, true
	case "m", "male":
		return store.GenderMale, true
	case "f", "female":
		return store.GenderFemale, true
	case "o", "other":
		return store.GenderOther, true
	}
	return store.GenderUnset, false
}

func validateGender(v *ValidationError, s string) store.Gender {
	g, ok := ParseGender(s)
	if !ok {
		v.add("gender", `"`+s+`" is not a valid choice.`)
	}
	return g
}
