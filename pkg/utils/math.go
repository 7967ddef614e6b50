package utils

// CeilDiv returns the smallest integer >= a/b. b must be positive.
func CeilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Min returns the smaller of a and b.
func Min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
