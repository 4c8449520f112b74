package queue

// DefaultFreeLimit is the number of images a non-privileged session may queue.
const DefaultFreeLimit = 3

// QuotaPolicy caps admissions for non-privileged callers. Privileged callers
// (subscribed or in an active trial) are never capped.
type QuotaPolicy struct {
	FreeLimit int
}

// Admit returns how many of candidates may be admitted given used slots.
// It fails only when no slot is left; a batch larger than the remaining
// slots is truncated to fit.
func (q QuotaPolicy) Admit(candidates, used int, privileged bool) (int, error) {
	if candidates <= 0 {
		return 0, nil
	}
	if privileged {
		return candidates, nil
	}
	remaining := q.FreeLimit - used
	if remaining <= 0 {
		return 0, &QuotaExceededError{Limit: q.FreeLimit, Used: used}
	}
	return min(candidates, remaining), nil
}

// Remaining returns the free slots left, or -1 when unlimited.
func (q QuotaPolicy) Remaining(used int, privileged bool) int {
	if privileged {
		return -1
	}
	return max(q.FreeLimit-used, 0)
}
