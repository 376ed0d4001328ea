// Package identifier classifies assignee strings against the versioned
// agent identifier grammar: <baseName>-v<version>, where version is a
// positive integer with no leading zeros.
package identifier

import (
	"strconv"
	"strings"
)

type Kind int

const (
	// Unversioned covers everything without a valid -v<digits> suffix,
	// including bare role tokens and free-form names.
	Unversioned Kind = iota
	Versioned
)

func (k Kind) String() string {
	if k == Versioned {
		return "versioned"
	}
	return "unversioned"
}

// Classification is the tagged result of Classify. BaseName and Version are
// set only when Kind is Versioned.
type Classification struct {
	Kind     Kind
	BaseName string
	Version  int64
}

// Classify decomposes an assignee string. It is pure and total: any input
// yields a classification, never an error. Ambiguity between "generic role"
// and "bad format" is left to the assignment policy, which has registry
// context this grammar lacks.
func Classify(input string) Classification {
	idx := strings.LastIndex(input, "-v")
	if idx <= 0 {
		return Classification{Kind: Unversioned}
	}
	digits := input[idx+2:]
	if !validVersionDigits(digits) {
		return Classification{Kind: Unversioned}
	}
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		// Overflow: out of grammar, not an error.
		return Classification{Kind: Unversioned}
	}
	return Classification{Kind: Versioned, BaseName: input[:idx], Version: v}
}

// validVersionDigits accepts one or more ASCII digits with no leading zero.
// Versions start at 1, so the literal "0" is rejected too.
func validVersionDigits(s string) bool {
	if s == "" || s[0] == '0' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
