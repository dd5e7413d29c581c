package util

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID returns a lexically sortable ULID, lower-cased, with an optional
// prefix.
func NewID(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
