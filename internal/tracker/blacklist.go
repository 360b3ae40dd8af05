package tracker

import (
	"sort"
	"strings"
)

// Blacklist is a case-insensitive set of player names.
type Blacklist map[string]struct{}

// ParseBlacklist reads a comma-separated list. Blank entries are ignored.
func ParseBlacklist(csv string) Blacklist {
	bl := Blacklist{}
	for _, name := range strings.Split(csv, ",") {
		if k := Key(name); k != "" {
			bl[k] = struct{}{}
		}
	}
	return bl
}

func (b Blacklist) Contains(name string) bool {
	_, ok := b[Key(name)]
	return ok
}

// Names returns the entries sorted.
func (b Blacklist) Names() []string {
	out := make([]string, 0, len(b))
	for k := range b {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
