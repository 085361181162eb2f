// Package glob matches slash-separated relative paths against watch patterns.
//
// Patterns use doublestar syntax: `*` matches within one path segment, `**`
// matches any number of segments, and `{a,b}` selects alternatives, so
// `src/**/*.{js,ts}` matches both `src/main.ts` and `src/lib/util.js`.
package glob

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Match reports whether path matches pattern. A malformed pattern never
// matches; patterns are checked once at startup with Validate.
func Match(path, pattern string) bool {
	ok, err := doublestar.Match(clean(pattern), clean(path))
	return err == nil && ok
}

// MatchAny reports whether path matches at least one of patterns.
func MatchAny(path string, patterns []string) bool {
	for _, p := range patterns {
		if Match(path, p) {
			return true
		}
	}
	return false
}

// Validate returns an error naming the first malformed pattern.
func Validate(patterns []string) error {
	for _, p := range patterns {
		if p == "" {
			return fmt.Errorf("empty watch pattern")
		}
		if !doublestar.ValidatePattern(clean(p)) {
			return fmt.Errorf("invalid watch pattern %q", p)
		}
	}
	return nil
}

// Base returns the static directory prefix of pattern, the deepest directory
// that contains every possible match. It returns "." for patterns that start
// with a wildcard.
func Base(pattern string) string {
	base, _ := doublestar.SplitPattern(clean(pattern))
	if base == "" {
		return "."
	}
	return base
}

// Expand lists the regular files below root matching any of patterns.
// Results are relative to root, slash-separated, deduplicated and sorted.
func Expand(root string, patterns []string) ([]string, error) {
	fsys := os.DirFS(root)
	seen := make(map[string]struct{})
	var files []string

	for _, p := range patterns {
		matches, err := doublestar.Glob(fsys, clean(p), doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("failed to expand pattern %q: %w", p, err)
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			files = append(files, m)
		}
	}

	sort.Strings(files)
	return files, nil
}

func clean(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimPrefix(p, "./")
}
