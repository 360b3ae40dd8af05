package tracker

// Classify decides what to do with a freshly fetched score. The checks run
// in a fixed order, so a score below minValid is Invalid even when it is
// also a large drop.
func Classify(oldScore, newScore, minValid, maxDrop int) Verdict {
	switch {
	case newScore < minValid:
		return Invalid
	case newScore < oldScore && oldScore-newScore > maxDrop:
		return AnomalousDrop
	case newScore == oldScore:
		return Unchanged
	default:
		return Changed
	}
}
