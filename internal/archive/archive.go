// Package archive provides storage backends for pruned change records.
package archive

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned by Get when no object is stored under the key.
var ErrNotFound = errors.New("archive object not found")

// validateKey rejects keys that could escape a backend's root. Keys use '/'
// as separator on every platform.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("invalid archive key: empty")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid archive key: %q", key)
	}
	if path.Clean(key) != key || key == ".." || strings.HasPrefix(key, "../") {
		return fmt.Errorf("invalid archive key: %q", key)
	}
	return nil
}
