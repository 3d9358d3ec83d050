package tool

import (
	"fmt"
	"strings"
)

// ValidateEnum checks that value is one of the allowed values.
// An empty value is allowed (treated as "not set").
func ValidateEnum(name, value string, allowed ...string) error {
	if value == "" {
		return nil
	}
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q (want: %s)", name, value, strings.Join(allowed, ", "))
}

// ValidateMaxLength checks that value does not exceed max bytes.
func ValidateMaxLength(name, value string, max int) error {
	if max > 0 && len(value) > max {
		return fmt.Errorf("%s exceeds maximum length of %d", name, max)
	}
	return nil
}

// ValidateMaxItems checks that a list argument has at most max entries.
func ValidateMaxItems(name string, items []string, max int) error {
	if max > 0 && len(items) > max {
		return fmt.Errorf("%s has %d entries (max %d)", name, len(items), max)
	}
	return nil
}
