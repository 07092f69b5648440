package wsbase

import (
	"fmt"
	"regexp"
)

// SessionFilter narrows session listings by session id.
type SessionFilter struct {
	include *regexp.Regexp // nil = match all
	exclude *regexp.Regexp // nil = exclude none
}

// CompileSessionFilter compiles optional include/exclude regexes. Empty
// strings mean no filter.
func CompileSessionFilter(includeStr, excludeStr string) (SessionFilter, error) {
	var f SessionFilter
	if includeStr != "" {
		re, err := regexp.Compile(includeStr)
		if err != nil {
			return SessionFilter{}, fmt.Errorf("invalid include filter: %w", err)
		}
		f.include = re
	}
	if excludeStr != "" {
		re, err := regexp.Compile(excludeStr)
		if err != nil {
			return SessionFilter{}, fmt.Errorf("invalid exclude filter: %w", err)
		}
		f.exclude = re
	}
	return f, nil
}

// Match reports whether sessionID passes the filter.
func (f SessionFilter) Match(sessionID string) bool {
	if f.include != nil && !f.include.MatchString(sessionID) {
		return false
	}
	if f.exclude != nil && f.exclude.MatchString(sessionID) {
		return false
	}
	return true
}
