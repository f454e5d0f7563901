// Package storage holds what the object store backends share.
package storage

import (
	"errors"
	"path"
	"strings"
)

// ErrNotFound is returned by backends when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Key joins a folder prefix and a name into an object key. The folder keeps
// whatever trailing slash convention the caller configured.
func Key(folder, name string) string {
	if folder == "" {
		return name
	}
	if strings.HasSuffix(folder, "/") {
		return folder + name
	}
	return folder + "/" + name
}

// BaseNames trims prefix from each key and drops folder markers and nested keys.
func BaseNames(prefix string, keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		rest = strings.TrimPrefix(rest, "/")
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		out = append(out, path.Base(rest))
	}
	return out
}
