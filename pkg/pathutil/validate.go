// Package pathutil provides name, key and instant-time validation for strata.
package pathutil

import (
	"path"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/strata-project/strata/pkg/errclass"
)

var (
	nameRegex        = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	instantTimeRegex = regexp.MustCompile(`^[0-9]+$`)
)

// ValidateName checks table name safety.
func ValidateName(name string) error {
	if name == "" {
		return errclass.ErrNameInvalid.WithMessage("name must not be empty")
	}

	// NFC normalize
	name = norm.NFC.String(name)

	if name == ".." || strings.Contains(name, "..") {
		return errclass.ErrNameInvalid.WithMessagef("name must not contain '..': %s", name)
	}

	if strings.ContainsAny(name, "/\\") {
		return errclass.ErrNameInvalid.WithMessagef("name must not contain separators: %s", name)
	}

	for _, r := range name {
		if unicode.IsControl(r) {
			return errclass.ErrNameInvalid.WithMessagef("name must not contain control characters: %q", name)
		}
	}

	if !nameRegex.MatchString(name) {
		return errclass.ErrNameInvalid.WithMessagef("name must match [a-zA-Z0-9._-]+: %s", name)
	}

	return nil
}

// IsInstantTime reports whether s looks like an instant time: a non-empty run
// of ASCII digits.
func IsInstantTime(s string) bool {
	return instantTimeRegex.MatchString(s)
}

// ValidateInstantTime rejects requested or completion times that cannot be
// embedded in a timeline file name.
func ValidateInstantTime(s string) error {
	if !IsInstantTime(s) {
		return errclass.ErrValidation.WithMessagef("instant time must be a non-empty digit string: %q", s)
	}
	return nil
}

// CleanKey normalizes a slash-separated storage key and rejects keys that are
// absolute or climb above the store root.
func CleanKey(key string) (string, error) {
	key = norm.NFC.String(strings.ReplaceAll(key, "\\", "/"))
	if strings.HasPrefix(key, "/") {
		return "", errclass.ErrNameInvalid.WithMessagef("storage key must be relative: %s", key)
	}
	cleaned := path.Clean(key)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errclass.ErrNameInvalid.WithMessagef("storage key escapes store root: %s", key)
	}
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}
