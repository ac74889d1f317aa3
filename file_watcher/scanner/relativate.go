package scanner

import (
	"os"
	"strings"
)

// Relativate strips root and the separator after it from path. Only an anchored,
// exact prefix is removed, anything else is returned as given.
func Relativate(root string, path string) string {
	prefix := root
	if !strings.HasSuffix(prefix, string(os.PathSeparator)) {
		prefix += string(os.PathSeparator)
	}

	if rel, ok := strings.CutPrefix(path, prefix); ok {
		return rel
	}
	return path
}
