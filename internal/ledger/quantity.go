package ledger

// Available derives the units of an asset that are free to allocate.
// The result is clamped at zero.
func Available(quantity, reserved, damaged, missing, used int) int {
	free := quantity - reserved - damaged - missing - used
	if free < 0 {
		return 0
	}
	return free
}

// Recompute refreshes the cached available quantity from the other counters.
// It is the only code path that writes AvailableQuantity.
func (a *Asset) Recompute() {
	a.AvailableQuantity = Available(a.Quantity, a.ReservedQuantity, a.DamagedCount, a.MissingCount, a.UsedCount)
}

// ExpectedAvailable reports what AvailableQuantity should hold for the stored counters.
func (a Asset) ExpectedAvailable() int {
	return Available(a.Quantity, a.ReservedQuantity, a.DamagedCount, a.MissingCount, a.UsedCount)
}

func clampZero(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
