// Package sliceutils holds small generic slice helpers.
package sliceutils

// FirstDuplicate returns the first entry of a list which repeats an earlier
// entry.
func FirstDuplicate[T comparable](in []T) (T, bool) {
	seen := make(map[T]bool, len(in))
	for _, v := range in {
		if seen[v] {
			return v, true
		}
		seen[v] = true
	}

	var zero T
	return zero, false
}
