package resource

import "strings"

// ID names one allocated resource, for example a container or slot id.
// Equality is by value.
type ID string

// ParseID trims raw and reports whether anything was left.
func ParseID(raw string) (ID, bool) {
	id := ID(strings.TrimSpace(raw))
	return id, !id.IsZero()
}

func (id ID) IsZero() bool {
	return strings.TrimSpace(string(id)) == ""
}

func (id ID) String() string {
	return string(id)
}
