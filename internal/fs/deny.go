package fs

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type denyKind int

const (
	denyBase denyKind = iota // glob against the file name
	denyPath                 // glob against the whole absolute path
	denyTree                 // everything below a directory, written with a trailing '/'
)

type denyRule struct {
	kind    denyKind
	pattern string
}

func (r denyRule) matches(slashed, base string) bool {
	switch r.kind {
	case denyTree:
		return strings.HasPrefix(slashed, r.pattern)
	case denyPath:
		ok, err := filepath.Match(r.pattern, slashed)
		return err == nil && ok
	default:
		ok, err := filepath.Match(r.pattern, base)
		return err == nil && ok
	}
}

// DenyMatcher decides which files may never be subscribed to.
//
// A pattern with no '/' is a glob on the file name ("*.key"). A pattern
// containing '/' is a glob on the absolute path ("/home/*/.ssh/*"), and one
// ending in '/' denies the whole tree below it ("/etc/ssl/"). Malformed globs
// match nothing.
type DenyMatcher struct {
	patterns []denyRule
}

// NewDenyMatcher parses deny lines, skipping blanks and '#' comments.
func NewDenyMatcher(lines []string) *DenyMatcher {
	m := &DenyMatcher{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' {
			continue
		}
		line = filepath.ToSlash(line)
		rule := denyRule{kind: denyBase, pattern: line}
		switch {
		case strings.HasSuffix(line, "/"):
			rule.kind = denyTree
		case strings.Contains(line, "/"):
			rule.kind = denyPath
		}
		m.patterns = append(m.patterns, rule)
	}
	return m
}

// Match reports whether absPath is denied.
func (m *DenyMatcher) Match(absPath string) bool {
	if m == nil || absPath == "" {
		return false
	}
	slashed := filepath.ToSlash(absPath)
	base := filepath.Base(absPath)
	for _, r := range m.patterns {
		if r.matches(slashed, base) {
			return true
		}
	}
	return false
}

// ParseDenyFile returns the lines of a deny file unfiltered.
// A missing file is not an error and yields no lines.
func ParseDenyFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening deny file: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading deny file: %w", err)
	}
	return lines, nil
}
