package util

// Ptr returns a pointer to the given value.
// This is a generic helper for creating pointers to literals.
func Ptr[T any](v T) *T {
	return &v
}

// Deref returns *p, or fallback when p is nil
func Deref[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}
