package model

import "strconv"

// MaxHistoryID returns the numerically largest of the given Gmail history
// ids. Empty or malformed candidates are ignored; if none parses the
// result is empty.
func MaxHistoryID(candidates ...string) string {
	var (
		best  uint64
		found bool
	)
	for _, c := range candidates {
		v, err := strconv.ParseUint(c, 10, 64)
		if err != nil {
			continue
		}
		if !found || v > best {
			best, found = v, true
		}
	}
	if !found {
		return ""
	}
	return strconv.FormatUint(best, 10)
}
