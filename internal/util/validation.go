package util

import (
	"regexp"
)

const MaxIDLength = 128

// Session and viewer ids are opaque but must be safe inside Redis keys and
// log lines.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

func IsValidID(s string) bool {
	if s == "" || len(s) > MaxIDLength {
		return false
	}
	return idRegex.MatchString(s)
}
