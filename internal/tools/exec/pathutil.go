package exec

import (
	"fmt"
	"path/filepath"
	"strings"
)

// relWithin resolves target relative to root, erroring if it escapes root.
func relWithin(root, target string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q escapes %q", target, root)
	}
	return rel, nil
}

func filepathToSlash(p string) string {
	return filepath.ToSlash(p)
}

// shellQuote wraps value in single quotes for safe interpolation into a
// /bin/sh -lc payload, escaping any embedded single quotes.
func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}
