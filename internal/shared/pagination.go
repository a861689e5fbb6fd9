package shared

// Limit clamps a requested page size to [1, ceiling], using def for unset values.
func Limit(requested, def, ceiling int) int {
	if requested <= 0 {
		return def
	}
	if requested > ceiling {
		return ceiling
	}
	return requested
}
