package test

import "sort"

// UnsortedStringSliceEqual returns true if the slices have same length & same elements.
func UnsortedStringSliceEqual(first, second []string) bool {
	if len(first) != len(second) {
		return false
	}

	a, b := first[:], second[:]
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
