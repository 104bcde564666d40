// Package flags provides reusable flag types for CLI commands.
package flags

import "strings"

// StringSlice implements pflag.Value for repeatable string flags. Unlike
// cobra's StringSlice it does not split on commas, so engine arguments such
// as "--threads=2,4" survive intact.
type StringSlice []string

// String returns the string representation of the flag value.
func (s *StringSlice) String() string {
	return "[" + strings.Join(*s, " ") + "]"
}

// Set appends a value to the slice.
func (s *StringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// Type specifies the type label for Cobra flags.
func (s *StringSlice) Type() string {
	return "stringArray"
}
