package utils

// SliceMap applies a function to each element of a slice and returns a new
// slice with the results.
func SliceMap[Domain, Range any](slice []Domain, fn func(Domain) Range) []Range {
	if slice == nil {
		return nil
	}

	ans := make([]Range, len(slice))
	for idx, elt := range slice {
		ans[idx] = fn(elt)
	}

	return ans
}

// SliceFilter returns the elements of a slice for which keep returns true,
// preserving order.
func SliceFilter[T any](slice []T, keep func(T) bool) []T {
	if slice == nil {
		return nil
	}

	ans := make([]T, 0, len(slice))
	for _, elt := range slice {
		if keep(elt) {
			ans = append(ans, elt)
		}
	}

	return ans
}
