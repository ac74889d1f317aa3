package common

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

func RegexpAny(matchers []*regexp.Regexp, against string) bool {
	for _, matcher := range matchers {
		if matcher.MatchString(against) {
			return true
		}
	}

	return false
}

// CompileIgnores compiles the file name patterns from the Filewatcher config.
func CompileIgnores(patterns []string) ([]*regexp.Regexp, error) {
	ignores := make([]*regexp.Regexp, 0, len(patterns))
	for _, ire := range patterns {
		re, err := regexp.Compile(ire)
		if err != nil {
			return nil, fmt.Errorf("Failed to compile an IgnoreFile re %q: [%w]", ire, err)
		}

		ignores = append(ignores, re)
	}

	return ignores, nil
}

// Hidden reports whether any element of the slash or OS separated path starts with a dot.
func Hidden(path string) bool {
	for _, part := range strings.FieldsFunc(path, isSeparator) {
		if part != "." && part != ".." && strings.HasPrefix(part, ".") {
			return true
		}
	}

	return false
}

func isSeparator(r rune) bool {
	return r == '/' || r == filepath.Separator
}
