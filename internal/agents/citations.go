package agents

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// citationMarker matches [3], [3, 7] and [3][7] style markers.
var citationMarker = regexp.MustCompile(`\[(\d+(?:\s*,\s*\d+)*)\]`)

// idSet is a set of citation ids.
type idSet map[int]bool

func newIDSet(ids []int) idSet {
	s := make(idSet, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

// filter keeps the ids present in s, sorted and deduplicated.
func (s idSet) filter(ids []int) []int {
	out := make([]int, 0, len(ids))
	seen := map[int]bool{}
	for _, id := range ids {
		if s[id] && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// FilterMarkers rewrites [n] markers in text so they only reference ids in
// allowed. A marker left without any allowed id is removed together with the
// space in front of it.
func FilterMarkers(text string, allowed []int) string {
	set := newIDSet(allowed)
	out := citationMarker.ReplaceAllStringFunc(text, func(m string) string {
		var keep []string
		for _, part := range strings.Split(m[1:len(m)-1], ",") {
			id, err := strconv.Atoi(strings.TrimSpace(part))
			if err == nil && set[id] {
				keep = append(keep, strconv.Itoa(id))
			}
		}
		if len(keep) == 0 {
			return "\x00"
		}
		return "[" + strings.Join(keep, ", ") + "]"
	})
	out = strings.ReplaceAll(out, " \x00", "")
	return strings.ReplaceAll(out, "\x00", "")
}

// Markers returns the distinct ids referenced by [n] markers, sorted.
func Markers(text string) []int {
	seen := map[int]bool{}
	var ids []int
	for _, m := range citationMarker.FindAllStringSubmatch(text, -1) {
		for _, part := range strings.Split(m[1], ",") {
			id, err := strconv.Atoi(strings.TrimSpace(part))
			if err == nil && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Ints(ids)
	return ids
}
