package util

// CloneSlice clones slice with cloneSize.
// This function will use src length as the clons size if cloneSize is 0.
func CloneSlice[T any](src []T, cloneSize int) []T {
	if cloneSize == 0 {
		cloneSize = len(src)
	}
	clone := make([]T, cloneSize)
	copy(clone, src)

	return clone
}

// CloneStrings returns a copy of src, or nil when src is empty.
func CloneStrings(src []string) []string {
	if len(src) == 0 {
		return nil
	}

	return CloneSlice(src, 0)
}
