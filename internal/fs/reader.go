package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"filemon/internal/filemon"
)

// OSFileReader reads watched files from the real filesystem.
type OSFileReader struct {
	deny *DenyMatcher
}

// NewOSFileReader creates a reader that refuses paths matched by deny.
// deny may be nil.
func NewOSFileReader(deny *DenyMatcher) *OSFileReader {
	return &OSFileReader{deny: deny}
}

// Resolve returns the cleaned absolute path of an existing regular file.
// Symlinks are followed for the type check, but the path itself is kept so
// the watch follows the name the user gave.
func (r *OSFileReader) Resolve(rawPath string) (string, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return "", fmt.Errorf("resolving absolute path: %w", err)
	}

	if r.deny.Match(absPath) {
		return "", fmt.Errorf("path is denied by configuration: %s", absPath)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("stat path: %w", err)
	}

	mode := info.Mode()
	switch {
	case mode.IsDir():
		return "", fmt.Errorf("directories not supported: %s", absPath)
	case mode&os.ModeDevice != 0:
		return "", fmt.Errorf("device files not supported: %s", absPath)
	case mode&os.ModeNamedPipe != 0:
		return "", fmt.Errorf("named pipes not supported: %s", absPath)
	case mode&os.ModeSocket != 0:
		return "", fmt.Errorf("sockets not supported: %s", absPath)
	case !mode.IsRegular():
		return "", fmt.Errorf("not a regular file: %s", absPath)
	}

	return absPath, nil
}

// ReadContent returns the file content as text. Invalid UTF-8 sequences are
// replaced so the content can be stored and mailed as text.
func (r *OSFileReader) ReadContent(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return strings.ToValidUTF8(string(data), "\uFFFD"), nil
	}
	return string(data), nil
}

// Compile-time check that OSFileReader implements filemon.FileReader interface
var _ filemon.FileReader = (*OSFileReader)(nil)
