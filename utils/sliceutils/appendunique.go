package sliceutils

import "golang.org/x/exp/slices"

// AppendUnique appends v to list only when list does not already contain it.
// The relative order of existing entries is never changed.
func AppendUnique[T comparable](list []T, v T) []T {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

// Without returns a copy of list with every entry equal to v removed.
func Without[T comparable](list []T, v T) []T {
	out := make([]T, 0, len(list))
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}
